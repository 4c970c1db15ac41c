// ABOUTME: Host agent: applies a routing policy and calls the chosen agent through host tools
// ABOUTME: Sessions with a task awaiting input stay pinned to that agent until it finishes

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/metrics"
	"github.com/2389/conclave/internal/tracing"
)

// ErrUnknownTool is returned by CallTool for a tool the host does not expose.
var ErrUnknownTool = errors.New("unknown tool")

// Agents is the registry view the host needs.
type Agents interface {
	List() []a2a.AgentCard
	Get(url string) (*agent.Connection, bool)
}

// RouteResult is the outcome of routing one user message.
type RouteResult struct {
	Decision  Decision
	AgentURL  string
	AgentName string
	Task      *a2a.Task
	Message   *a2a.Message
	// Reply is the text shown to the user: a clarification, a tool result,
	// or the agent's answer.
	Reply string
}

// pinnedTask is a task that is waiting on the user.
type pinnedTask struct {
	agentURL string
	taskID   string
}

// Host routes user messages to remote agents.
type Host struct {
	agents  Agents
	policy  Policy
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]pinnedTask
}

// NewHost creates a host over agents using policy.
func NewHost(agents Agents, policy Policy, m *metrics.Metrics, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		agents:   agents,
		policy:   policy,
		metrics:  m,
		logger:   logger.With("component", "host", "policy", policy.Name()),
		sessions: make(map[string]pinnedTask),
	}
}

// Route decides where msg goes and delivers it. The session is the
// message's context ID. onUpdate, if non-nil, sees every task snapshot from
// the chosen agent. On a delivery error the result still names the agent
// and carries the last task snapshot.
func (h *Host) Route(ctx context.Context, msg a2a.Message, onUpdate func(agentURL string, task *a2a.Task)) (RouteResult, error) {
	sessionID := msg.ContextID
	ctx, span := tracing.Tracer("host").Start(ctx, "host.route")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("message.id", msg.MessageID),
		attribute.String("routing.policy", h.policy.Name()),
	)
	defer span.End()

	decision, err := h.decide(ctx, msg)
	if err != nil {
		h.metrics.RoutingDecision(h.policy.Name(), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		return RouteResult{}, fmt.Errorf("routing decision: %w", err)
	}
	span.SetAttributes(
		attribute.String("routing.tool", decision.Tool),
		attribute.String("routing.agent", decision.AgentURL),
	)

	if decision.Clarify() {
		h.metrics.RoutingDecision(h.policy.Name(), "clarify")
		h.logger.Debug("asking for clarification", "session_id", sessionID, "reason", decision.Reason)
		return RouteResult{Decision: decision, Reply: decision.Clarification}, nil
	}

	conn, ok := h.agents.Get(decision.AgentURL)
	if !ok {
		h.metrics.RoutingDecision(h.policy.Name(), "missing")
		return RouteResult{Decision: decision, AgentURL: decision.AgentURL, Reply: agentNotFound(decision.AgentURL)},
			fmt.Errorf("%w: %s", agent.ErrAgentNotFound, decision.AgentURL)
	}
	h.metrics.RoutingDecision(h.policy.Name(), "routed")

	result := RouteResult{Decision: decision, AgentURL: conn.URL, AgentName: conn.Name()}

	switch decision.Tool {
	case ToolGetTaskStatus:
		result.Reply = conn.GetTaskStatus(ctx, decision.TaskID, sessionID)
		return result, nil
	case ToolCancelTask:
		result.Reply = conn.CancelTask(ctx, decision.TaskID, sessionID)
		return result, nil
	}

	h.logger.Info("routing message",
		"session_id", sessionID,
		"message_id", msg.MessageID,
		"agent", conn.Name(),
		"agent_url", conn.URL,
		"reason", decision.Reason,
	)

	out := outbound(msg, sessionID, decision.TaskID, decision.Message)
	res, err := conn.SendMessage(ctx, out, func(task *a2a.Task) {
		if onUpdate != nil {
			onUpdate(conn.URL, task)
		}
	})
	result.Task = res.Task
	result.Message = res.Message
	h.track(sessionID, conn.URL, res.Task, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return result, fmt.Errorf("sending to %s: %w", conn.URL, err)
	}
	result.Reply = ReplyText(res)
	return result, nil
}

func (h *Host) decide(ctx context.Context, msg a2a.Message) (Decision, error) {
	h.mu.Lock()
	pinned, ok := h.sessions[msg.ContextID]
	h.mu.Unlock()
	if ok {
		if _, registered := h.agents.Get(pinned.agentURL); registered {
			return Decision{
				Tool:     ToolSendMessage,
				AgentURL: pinned.agentURL,
				TaskID:   pinned.taskID,
				Reason:   "task awaiting input",
			}, nil
		}
	}
	return h.policy.Decide(ctx, msg.Text(), h.agents.List())
}

// track pins the session to an agent while its task waits on the user.
func (h *Host) track(sessionID, agentURL string, task *a2a.Task, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil && task != nil && task.Status.State == a2a.TaskStateInputRequired {
		h.sessions[sessionID] = pinnedTask{agentURL: agentURL, taskID: task.ID}
		return
	}
	delete(h.sessions, sessionID)
}

// Forget drops any pinned task for the session.
func (h *Host) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// CallTool runs one host tool by name. Arguments are agent_url, message,
// session_id and task_id as the tool needs them. A missing agent is reported
// in the returned text, not as an error.
func (h *Host) CallTool(ctx context.Context, name string, args map[string]string) (string, error) {
	switch name {
	case ToolSendMessage, ToolGetTaskStatus, ToolCancelTask:
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	conn, ok := h.agents.Get(args["agent_url"])
	if !ok {
		return agentNotFound(args["agent_url"]), nil
	}

	switch name {
	case ToolGetTaskStatus:
		return conn.GetTaskStatus(ctx, args["task_id"], args["session_id"]), nil
	case ToolCancelTask:
		return conn.CancelTask(ctx, args["task_id"], args["session_id"]), nil
	}

	msg := a2a.Message{
		MessageID: uuid.NewString(),
		ContextID: args["session_id"],
		TaskID:    args["task_id"],
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.TextPart(args["message"])},
	}
	res, err := conn.SendMessage(ctx, msg, nil)
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", conn.URL, err)
	}
	return ReplyText(res), nil
}

func agentNotFound(url string) string {
	return fmt.Sprintf("Error: Remote agent %s not found.", url)
}

// outbound copies msg for delivery to an agent. When text is set it takes
// the place of the message's text parts; other parts travel unchanged.
func outbound(msg a2a.Message, sessionID, taskID, text string) a2a.Message {
	out := msg.Clone()
	if text != "" {
		parts := []a2a.Part{a2a.TextPart(text)}
		for _, p := range out.Parts {
			if p.Kind != a2a.PartKindText {
				parts = append(parts, p)
			}
		}
		out.Parts = parts
	}
	out.MessageID = uuid.NewString()
	out.ContextID = sessionID
	out.TaskID = taskID
	out.Role = a2a.RoleUser
	return out
}

// ReplyParts picks what to show the user from an agent result: the reply
// message, else the task's status message, else its artifacts.
func ReplyParts(res agent.Result) []a2a.Part {
	if res.Message != nil && len(res.Message.Parts) > 0 {
		return res.Message.Parts
	}
	if res.Task == nil {
		return nil
	}
	if m := res.Task.Status.Message; m != nil && len(m.Parts) > 0 {
		return m.Parts
	}
	var parts []a2a.Part
	for _, art := range res.Task.Artifacts {
		parts = append(parts, art.Parts...)
	}
	return parts
}

// ReplyText is the text form of ReplyParts, falling back to the task state.
func ReplyText(res agent.Result) string {
	var texts []string
	for _, p := range ReplyParts(res) {
		if p.Kind == a2a.PartKindText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if res.Task != nil {
		return fmt.Sprintf("Task %s is %s.", res.Task.ID, res.Task.Status.State)
	}
	return ""
}
