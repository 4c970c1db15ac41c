// ABOUTME: Connection to one registered remote agent; sends a message and folds its events
// ABOUTME: Returns on the first reply message or terminal task; an unfinished stream is an error

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/metrics"
	"github.com/2389/conclave/internal/tracing"
)

// ErrStreamIncomplete is returned when the remote agent closed its stream
// before the task reached a terminal state or a reply arrived. The Result
// still carries the last task snapshot seen, if any.
var ErrStreamIncomplete = errors.New("stream closed before a terminal state")

// ErrTaskPending is returned when a blocking message/send answered with a
// task that is still running. The Result carries that task.
var ErrTaskPending = errors.New("agent answered before the task finished")

// Result is what a remote agent produced for one message: a direct reply
// message or a task snapshot.
type Result struct {
	Task    *a2a.Task
	Message *a2a.Message
}

// Connection sends messages to one remote agent.
type Connection struct {
	// URL is the normalized registration URL; it identifies the agent.
	URL string

	endpoint string
	card     a2a.AgentCard
	client   *a2a.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func newConnection(url string, card a2a.AgentCard, client *a2a.Client, m *metrics.Metrics, logger *slog.Logger) *Connection {
	endpoint := a2a.NormalizeURL(card.URL)
	if endpoint == "" {
		endpoint = url
	}
	return &Connection{
		URL:      url,
		endpoint: endpoint,
		card:     card,
		client:   client,
		metrics:  m,
		logger:   logger.With("agent_url", url),
	}
}

// Card returns the agent's card with URL set to the registration URL.
func (c *Connection) Card() a2a.AgentCard {
	card := c.card.Clone()
	card.URL = c.URL
	return card
}

// Name is the agent's advertised name.
func (c *Connection) Name() string {
	return c.card.Name
}

// SendMessage delivers msg and consumes the agent's response. onUpdate, if
// non-nil, receives a copy of every task snapshot as it changes. There is
// no timeout beyond ctx.
func (c *Connection) SendMessage(ctx context.Context, msg a2a.Message, onUpdate func(*a2a.Task)) (Result, error) {
	ctx, span := tracing.Tracer("agent").Start(ctx, "agent.send_message")
	span.SetAttributes(
		attribute.String("agent.url", c.URL),
		attribute.String("message.id", msg.MessageID),
		attribute.Bool("agent.streaming", c.card.Capabilities.Streaming),
	)
	defer span.End()

	start := time.Now()
	res, err := c.send(ctx, msg, onUpdate)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrStreamIncomplete):
		outcome = "incomplete"
	case errors.Is(err, ErrTaskPending):
		outcome = "pending"
	case err != nil:
		outcome = "error"
	}
	c.metrics.RemoteSend(outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if res.Task != nil {
		span.SetAttributes(attribute.String("task.state", string(res.Task.Status.State)))
	}
	return res, err
}

func (c *Connection) send(ctx context.Context, msg a2a.Message, onUpdate func(*a2a.Task)) (Result, error) {
	params := a2a.MessageSendParams{Message: msg}
	f := &folder{onUpdate: onUpdate, metrics: c.metrics}

	var err error
	if c.card.Capabilities.Streaming {
		c.logger.Debug("streaming message", "message_id", msg.MessageID)
		err = c.client.StreamMessage(ctx, c.endpoint, params, f.apply)
	} else {
		c.logger.Debug("sending message", "message_id", msg.MessageID)
		var ev a2a.StreamEvent
		ev, err = c.client.SendMessage(ctx, c.endpoint, params)
		if err == nil {
			if ferr := f.apply(ev); ferr != nil && !errors.Is(ferr, a2a.ErrStopStream) {
				err = ferr
			}
		}
	}

	if err != nil {
		return Result{Task: f.snapshot.Clone()}, fmt.Errorf("sending to %s: %w", c.URL, err)
	}
	if f.done {
		task := f.final
		if task == nil {
			task = f.snapshot.Clone()
		}
		return Result{Task: task, Message: f.reply}, nil
	}

	if !c.card.Capabilities.Streaming {
		c.logger.Warn("remote agent answered with an unfinished task",
			"message_id", msg.MessageID,
			"has_task", f.snapshot != nil,
		)
		return Result{Task: f.snapshot.Clone()}, ErrTaskPending
	}
	c.logger.Warn("remote agent closed stream without a terminal state",
		"message_id", msg.MessageID,
		"has_task", f.snapshot != nil,
	)
	return Result{Task: f.snapshot.Clone()}, ErrStreamIncomplete
}

// folder aggregates stream events into a task snapshot.
type folder struct {
	onUpdate func(*a2a.Task)
	metrics  *metrics.Metrics

	snapshot *a2a.Task
	final    *a2a.Task
	reply    *a2a.Message
	done     bool
}

func (f *folder) apply(ev a2a.StreamEvent) error {
	f.metrics.StreamEvent(string(ev.Kind))

	switch ev.Kind {
	case a2a.EventKindMessage:
		f.reply = ev.Message
		f.done = true
		return a2a.ErrStopStream

	case a2a.EventKindTask:
		f.snapshot = ev.Task.Clone()

	case a2a.EventKindStatusUpdate:
		u := ev.StatusUpdate
		f.ensure(u.TaskID, u.ContextID)
		f.snapshot.Status = u.Status

	case a2a.EventKindArtifactUpdate:
		u := ev.ArtifactUpdate
		f.ensure(u.TaskID, u.ContextID)
		mergeArtifact(f.snapshot, u.Artifact, u.Append)

	default:
		return fmt.Errorf("unexpected event kind %q", ev.Kind)
	}

	if f.onUpdate != nil {
		f.onUpdate(f.snapshot.Clone())
	}
	if f.snapshot.Status.State.Terminal() {
		f.final = f.snapshot.Clone()
		f.done = true
		return a2a.ErrStopStream
	}
	return nil
}

// ensure starts a fresh snapshot when an update names a task not seen yet.
func (f *folder) ensure(taskID, contextID string) {
	if f.snapshot != nil && f.snapshot.ID == taskID {
		return
	}
	f.snapshot = &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted},
	}
}

func mergeArtifact(t *a2a.Task, art a2a.Artifact, appendParts bool) {
	for i := range t.Artifacts {
		if t.Artifacts[i].ArtifactID != art.ArtifactID {
			continue
		}
		if appendParts {
			t.Artifacts[i].Parts = append(t.Artifacts[i].Parts, art.Parts...)
		} else {
			t.Artifacts[i] = art
		}
		return
	}
	t.Artifacts = append(t.Artifacts, art)
}

// GetTaskStatus is not supported by the protocol subset in use; it returns
// a descriptive placeholder.
func (c *Connection) GetTaskStatus(ctx context.Context, taskID, sessionID string) string {
	return fmt.Sprintf("Status for task %s in session %s: Unknown", taskID, sessionID)
}

// CancelTask is not supported by the protocol subset in use; it returns a
// descriptive placeholder.
func (c *Connection) CancelTask(ctx context.Context, taskID, sessionID string) string {
	return fmt.Sprintf("Cancellation for task %s in session %s: Not supported", taskID, sessionID)
}
