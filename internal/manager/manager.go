// ABOUTME: Application manager: records messages first, then routes them on a bounded worker pool
// ABOUTME: Task snapshots, replies, and failures all land in the store so pollers see every outcome

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/metrics"
	"github.com/2389/conclave/internal/routing"
	"github.com/2389/conclave/internal/store"
	"github.com/2389/conclave/internal/worker"
)

// PendingStatus is shown for a message while it is being routed.
const PendingStatus = "Working..."

var (
	// ErrInvalidMessage is returned when a message fails sanitation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrBusy is returned when the in-flight limit is reached. The message
	// is still recorded, with a failed task.
	ErrBusy = errors.New("too many messages in flight")
)

// Manager is the contract the HTTP facade is written against.
type Manager interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Ready() bool

	CreateConversation(ctx context.Context) (*store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
	Conversation(ctx context.Context, id string) (*store.Conversation, error)
	Conversations(ctx context.Context) ([]*store.Conversation, error)

	// SanitizeMessage normalizes msg and rejects it if it cannot be stored.
	SanitizeMessage(ctx context.Context, msg a2a.Message) (a2a.Message, error)
	// SendMessage records msg and starts routing it without waiting.
	SendMessage(ctx context.Context, msg a2a.Message) (a2a.Message, error)
	// ProcessMessage routes an already-recorded message to completion.
	ProcessMessage(ctx context.Context, msg a2a.Message) error

	Messages(ctx context.Context, conversationID string) ([]a2a.Message, error)
	PendingMessages(ctx context.Context) ([]store.PendingMessage, error)
	Tasks(ctx context.Context) ([]*store.Task, error)
	Events(ctx context.Context) ([]*store.Event, error)

	RegisterAgent(ctx context.Context, url string) (a2a.AgentCard, error)
	UnregisterAgent(ctx context.Context, url string) (bool, error)
	Agents() []a2a.AgentCard
}

// Router produces the outcome of one user message.
type Router interface {
	Route(ctx context.Context, msg a2a.Message, onUpdate func(agentURL string, task *a2a.Task)) (routing.RouteResult, error)
}

// Options tune the dispatch pool shared by both manager variants.
type Options struct {
	// MaxInFlight caps how many messages are being routed at once.
	MaxInFlight int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// core holds everything the live and fake managers share.
type core struct {
	store   store.Store
	router  Router
	pool    *worker.Pool[a2a.Message]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func newCore(st store.Store, router Router, opts Options) *core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &core{
		store:   st,
		router:  router,
		metrics: opts.Metrics,
		logger:  logger.With("component", "manager"),
		now:     time.Now,
	}

	poolOpts := []worker.Option[a2a.Message]{worker.WithLogger[a2a.Message](logger)}
	if opts.Metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[a2a.Message](opts.Metrics.Registerer(), "conclave_dispatch"))
	}
	c.pool = worker.NewPool(opts.MaxInFlight, c.ProcessMessage, poolOpts...)
	return c
}

// Start opens dispatch. Canceling ctx aborts every message still routing.
func (c *core) Start(ctx context.Context) error {
	return c.pool.Start(ctx)
}

// Stop refuses new messages and waits at most timeout for those in flight.
func (c *core) Stop(timeout time.Duration) error {
	return c.pool.Stop(timeout)
}

// Ready reports whether messages can be dispatched.
func (c *core) Ready() bool {
	return c.pool.Running()
}

func (c *core) CreateConversation(ctx context.Context) (*store.Conversation, error) {
	conv, err := c.store.CreateConversation(ctx, "")
	if err != nil {
		return nil, err
	}
	c.logger.Info("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

func (c *core) DeleteConversation(ctx context.Context, id string) (bool, error) {
	ok, err := c.store.DeleteConversation(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.Info("conversation deleted", "conversation_id", id)
	}
	return ok, nil
}

func (c *core) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	return c.store.GetConversation(ctx, id)
}

func (c *core) Conversations(ctx context.Context) ([]*store.Conversation, error) {
	return c.store.ListConversations(ctx)
}

func (c *core) Messages(ctx context.Context, conversationID string) ([]a2a.Message, error) {
	return c.store.ListMessages(ctx, conversationID)
}

func (c *core) PendingMessages(ctx context.Context) ([]store.PendingMessage, error) {
	return c.store.ListPending(ctx)
}

func (c *core) Tasks(ctx context.Context) ([]*store.Task, error) {
	return c.store.ListTasks(ctx)
}

func (c *core) Events(ctx context.Context) ([]*store.Event, error) {
	return c.store.ListEvents(ctx)
}

// SanitizeMessage normalizes the role, fills in a message ID, drops empty
// text parts, and checks the target conversation exists.
func (c *core) SanitizeMessage(ctx context.Context, msg a2a.Message) (a2a.Message, error) {
	out := msg.Clone()

	role, ok := a2a.ParseRole(string(msg.Role))
	if !ok {
		return a2a.Message{}, fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}
	out.Role = role

	parts := out.Parts[:0]
	for _, p := range out.Parts {
		if p.Kind == a2a.PartKindText && strings.TrimSpace(p.Text) == "" {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return a2a.Message{}, fmt.Errorf("%w: message has no content", ErrInvalidMessage)
	}
	out.Parts = parts

	if out.ContextID == "" {
		return a2a.Message{}, fmt.Errorf("%w: contextId is required", ErrInvalidMessage)
	}
	if _, err := c.store.GetConversation(ctx, out.ContextID); err != nil {
		return a2a.Message{}, err
	}

	if out.MessageID == "" {
		out.MessageID = uuid.New().String()
	}
	return out, nil
}

// SendMessage sanitizes and records msg, marks it pending, and starts
// routing it. It returns the stored message without waiting for a reply.
func (c *core) SendMessage(ctx context.Context, msg a2a.Message) (a2a.Message, error) {
	msg, err := c.SanitizeMessage(ctx, msg)
	if err != nil {
		return a2a.Message{}, err
	}
	if err := c.store.AddMessage(ctx, msg); err != nil {
		return a2a.Message{}, fmt.Errorf("recording message: %w", err)
	}
	c.metrics.MessageRecorded(string(msg.Role))
	c.recordEvent(ctx, msg, string(msg.Role))

	if err := c.store.SetPending(ctx, msg.MessageID, msg.ContextID, PendingStatus); err != nil {
		c.logger.Warn("marking message pending", "message_id", msg.MessageID, "error", err)
	}

	if err := c.pool.Submit(msg); err != nil {
		c.logger.Warn("dispatch rejected",
			"message_id", msg.MessageID,
			"conversation_id", msg.ContextID,
			"error", err,
		)
		text := "The host is too busy to handle this message. Please try again."
		if !errors.Is(err, worker.ErrPoolFull) {
			text = "The host is shutting down and cannot handle this message."
		}
		c.failTask(ctx, msg, "", nil, a2a.TaskStateFailed, text)
		c.clearPending(ctx, msg.MessageID)
		if errors.Is(err, worker.ErrPoolFull) {
			return msg, fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return msg, err
	}

	c.logger.Debug("message dispatched", "message_id", msg.MessageID, "conversation_id", msg.ContextID)
	return msg, nil
}

// ProcessMessage routes msg and records everything that comes back. A
// routing failure leaves a terminal task behind and is returned so the pool
// can count it.
func (c *core) ProcessMessage(ctx context.Context, msg a2a.Message) error {
	defer c.clearPending(ctx, msg.MessageID)

	log := c.logger.With("message_id", msg.MessageID, "conversation_id", msg.ContextID)

	res, err := c.router.Route(ctx, msg, func(agentURL string, task *a2a.Task) {
		c.applyTask(ctx, msg.ContextID, agentURL, task)
	})

	switch {
	case err == nil:
	case errors.Is(err, agent.ErrStreamIncomplete), errors.Is(err, agent.ErrTaskPending):
		log.Warn("agent stopped before finishing", "agent_url", res.AgentURL, "error", err)
		c.failTask(ctx, msg, res.AgentURL, res.Task, a2a.TaskStateUnknown, incompleteText(err))
		return err
	case errors.Is(err, context.Canceled):
		log.Warn("routing canceled", "agent_url", res.AgentURL)
		c.failTask(ctx, msg, res.AgentURL, res.Task, a2a.TaskStateFailed,
			"The host shut down before the agent replied.")
		return err
	default:
		log.Error("routing failed", "agent_url", res.AgentURL, "error", err)
		c.failTask(ctx, msg, res.AgentURL, res.Task, a2a.TaskStateFailed,
			fmt.Sprintf("Error: %v", err))
		return err
	}

	reply := c.replyMessage(msg, res)
	if reply == nil {
		log.Debug("routing produced no reply", "agent_url", res.AgentURL)
		return nil
	}
	if err := c.store.AddMessage(ctx, *reply); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info("conversation deleted before reply arrived")
			return nil
		}
		return fmt.Errorf("recording reply: %w", err)
	}
	c.metrics.MessageRecorded(string(a2a.RoleAgent))

	actor := res.AgentName
	if actor == "" {
		actor = "host"
	}
	c.recordEvent(ctx, *reply, actor)

	log.Info("message handled",
		"agent_url", res.AgentURL,
		"clarification", res.Decision.Clarify(),
		"reply_id", reply.MessageID,
	)
	return nil
}

func incompleteText(err error) string {
	if errors.Is(err, agent.ErrTaskPending) {
		return "The agent accepted the task but had not finished it when it answered."
	}
	return "The agent closed its stream before the task finished."
}

// replyMessage builds the agent turn for res, or nil when there is nothing
// to say.
func (c *core) replyMessage(msg a2a.Message, res routing.RouteResult) *a2a.Message {
	var parts []a2a.Part
	if !res.Decision.Clarify() {
		for _, p := range routing.ReplyParts(agent.Result{Task: res.Task, Message: res.Message}) {
			parts = append(parts, p.Clone())
		}
	}
	if len(parts) == 0 && res.Reply != "" {
		parts = []a2a.Part{a2a.TextPart(res.Reply)}
	}
	if len(parts) == 0 {
		return nil
	}

	reply := &a2a.Message{
		MessageID: uuid.New().String(),
		ContextID: msg.ContextID,
		Role:      a2a.RoleAgent,
		Parts:     parts,
		Metadata:  map[string]any{"in_reply_to": msg.MessageID},
	}
	if res.Task != nil {
		reply.TaskID = res.Task.ID
	}
	if res.AgentURL != "" {
		reply.Metadata["agent_url"] = res.AgentURL
	}
	return reply
}

// applyTask stores a streamed snapshot. Snapshots after a terminal state
// are ignored by the store.
func (c *core) applyTask(ctx context.Context, conversationID, agentURL string, task *a2a.Task) {
	applied, err := c.store.UpsertTask(ctx, &store.Task{
		Task:           *task.Clone(),
		ConversationID: conversationID,
		AgentURL:       agentURL,
		UpdatedAt:      c.now(),
	})
	if err != nil {
		c.logger.Debug("task update dropped", "task_id", task.ID, "conversation_id", conversationID, "error", err)
		return
	}
	if applied && task.Status.State.Terminal() {
		c.metrics.TaskOutcome(string(task.Status.State))
	}
}

// failTask records a terminal task for msg so pollers observe completion,
// and logs the failure as an event.
func (c *core) failTask(ctx context.Context, msg a2a.Message, agentURL string, last *a2a.Task, state a2a.TaskState, text string) {
	now := c.now()
	note := a2a.Message{
		MessageID: uuid.New().String(),
		ContextID: msg.ContextID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}

	var task a2a.Task
	if last != nil {
		task = *last.Clone()
	} else {
		task = a2a.Task{ID: uuid.New().String()}
	}
	task.ContextID = msg.ContextID
	note.TaskID = task.ID
	task.Status = a2a.TaskStatus{State: state, Message: &note, Timestamp: &now}

	c.applyTask(ctx, msg.ContextID, agentURL, &task)
	c.recordEvent(ctx, note, "host")
}

func (c *core) recordEvent(ctx context.Context, msg a2a.Message, actor string) {
	err := c.store.AppendEvent(ctx, &store.Event{
		ConversationID: msg.ContextID,
		Actor:          actor,
		Role:           msg.Role,
		Content:        msg,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("recording event", "message_id", msg.MessageID, "error", err)
	}
}

func (c *core) clearPending(ctx context.Context, messageID string) {
	if err := c.store.ClearPending(ctx, messageID); err != nil {
		c.logger.Warn("clearing pending status", "message_id", messageID, "error", err)
	}
}
