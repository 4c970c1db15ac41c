// ABOUTME: HTTP JSON API over the application manager: conversations, messages, tasks, agents
// ABOUTME: Bodies are {"params": ...} in and {"result": ...} out; attachments are served by id

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/attachment"
	"github.com/2389/conclave/internal/manager"
	"github.com/2389/conclave/internal/store"
	"github.com/2389/conclave/internal/worker"
)

// maxBodyBytes bounds request bodies, which may carry inline files.
const maxBodyBytes = 32 << 20

// MessageInfo is the result of POST /message/send.
type MessageInfo struct {
	MessageID string `json:"message_id"`
	ContextID string `json:"context_id"`
}

type paramsEnvelope[T any] struct {
	Params T `json:"params"`
}

type resultEnvelope struct {
	Result any `json:"result"`
}

// registerAPIRoutes adds every facade route to mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"POST /conversation/create": g.handleCreateConversation,
		"POST /conversation/delete": g.handleDeleteConversation,
		"POST /conversation/list":   g.handleListConversations,
		"POST /message/send":        g.handleSendMessage,
		"POST /message/list":        g.handleListMessages,
		"POST /message/pending":     g.handlePendingMessages,
		"POST /task/list":           g.handleListTasks,
		"POST /events/get":          g.handleGetEvents,
		"POST /agent/register":      g.handleRegisterAgent,
		"POST /agent/unregister":    g.handleUnregisterAgent,
		"POST /agent/list":          g.handleListAgents,
		"GET /message/file/{id}":    g.handleGetFile,
	}
	for pattern, h := range routes {
		mux.Handle(pattern, g.instrument(pattern, h))
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route.
func (g *Gateway) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		g.metrics.HTTPRequest(route, rec.status, time.Since(start))
	})
}

// decodeParams reads {"params": ...} from the request body. An empty body
// yields the zero value.
func decodeParams[T any](r *http.Request) (T, error) {
	var env paramsEnvelope[T]
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&env)
	if err != nil && !errors.Is(err, io.EOF) {
		return env.Params, errors.New("invalid JSON body")
	}
	return env.Params, nil
}

// sendResult writes {"result": v}.
func (g *Gateway) sendResult(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resultEnvelope{Result: v}); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendManagerError maps a manager error onto an HTTP status.
func (g *Gateway) sendManagerError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, manager.ErrInvalidMessage), errors.Is(err, agent.ErrInvalidURL):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrDuplicateMessage):
		g.sendJSONError(w, http.StatusConflict, "message already exists")
	case errors.Is(err, manager.ErrBusy), errors.Is(err, worker.ErrPoolStopped), errors.Is(err, worker.ErrPoolNotStarted):
		w.Header().Set("Retry-After", "1")
		g.sendJSONError(w, http.StatusServiceUnavailable, "host is busy, try again")
	default:
		g.logger.Error(op+" failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.manager.CreateConversation(r.Context())
	if err != nil {
		g.sendManagerError(w, "create conversation", err)
		return
	}
	g.sendResult(w, conv)
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := decodeParams[string](r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	ok, err := g.manager.DeleteConversation(r.Context(), id)
	if err != nil {
		g.sendManagerError(w, "delete conversation", err)
		return
	}
	g.sendResult(w, ok)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.manager.Conversations(r.Context())
	if err != nil {
		g.sendManagerError(w, "list conversations", err)
		return
	}
	g.sendResult(w, convs)
}

// handleSendMessage records the message and returns before any agent is
// contacted. Poll /message/list and /message/pending for the outcome.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		g.sendJSONError(w, http.StatusServiceUnavailable, "rate limit exceeded")
		return
	}

	msg, err := decodeParams[a2a.Message](r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := g.manager.SendMessage(r.Context(), msg)
	if err != nil {
		g.sendManagerError(w, "send message", err)
		return
	}
	g.sendResult(w, MessageInfo{MessageID: stored.MessageID, ContextID: stored.ContextID})
}

// handleListMessages returns a conversation's messages with file bytes
// replaced by attachment references. An unknown conversation lists nothing.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := decodeParams[string](r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.manager.Messages(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendResult(w, []a2a.Message{})
		return
	}
	if err != nil {
		g.sendManagerError(w, "list messages", err)
		return
	}

	out, err := g.attachments.ExternalizeAll(r.Context(), msgs)
	if err != nil {
		g.sendManagerError(w, "externalize messages", err)
		return
	}
	g.sendResult(w, out)
}

func (g *Gateway) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	pending, err := g.manager.PendingMessages(r.Context())
	if err != nil {
		g.sendManagerError(w, "list pending", err)
		return
	}
	g.sendResult(w, pending)
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.manager.Tasks(r.Context())
	if err != nil {
		g.sendManagerError(w, "list tasks", err)
		return
	}

	out := make([]store.Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t
		ext, err := g.attachments.ExternalizeTask(r.Context(), t.Task)
		if err != nil {
			g.sendManagerError(w, "externalize task", err)
			return
		}
		out[i].Task = ext
	}
	g.sendResult(w, out)
}

func (g *Gateway) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := g.manager.Events(r.Context())
	if err != nil {
		g.sendManagerError(w, "list events", err)
		return
	}

	out := make([]store.Event, len(events))
	for i, ev := range events {
		out[i] = *ev
		content, err := g.attachments.Externalize(r.Context(), ev.Content)
		if err != nil {
			g.sendManagerError(w, "externalize event", err)
			return
		}
		out[i].Content = content
	}
	g.sendResult(w, out)
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	url, err := decodeParams[string](r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	card, err := g.manager.RegisterAgent(r.Context(), url)
	if err != nil {
		g.sendManagerError(w, "register agent", err)
		return
	}
	g.sendResult(w, card)
}

func (g *Gateway) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	url, err := decodeParams[string](r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := g.manager.UnregisterAgent(r.Context(), url)
	if err != nil {
		g.sendManagerError(w, "unregister agent", err)
		return
	}
	g.sendResult(w, ok)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.sendResult(w, g.manager.Agents())
}

// handleGetFile serves cached attachment bytes. Range requests are honored.
func (g *Gateway) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	blob, err := g.attachments.Fetch(r.Context(), id)
	if errors.Is(err, attachment.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("attachment %q not found", id))
		return
	}
	if err != nil {
		g.sendManagerError(w, "fetch attachment", err)
		return
	}

	mimeType := blob.MimeType
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(blob.Data))
}
