// ABOUTME: Minimal remote agent for E2E testing: serves an agent card and echoes message/send and message/stream
// ABOUTME: Usage: echo-agent [-addr localhost:10000] [-name "Echo Agent"] [-tags echo,repeat] [-ask]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/conclave/internal/a2a"
)

func main() {
	addr := flag.String("addr", "localhost:10000", "listen address")
	name := flag.String("name", "Echo Agent", "agent display name")
	tags := flag.String("tags", "echo,repeat,parrot", "comma separated skill tags")
	ask := flag.Bool("ask", false, "ask a follow-up question before the first reply in each context")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *name, splitTags(*tags), *ask, logger); err != nil {
		logger.Error("echo agent failed", "error", err)
		os.Exit(1)
	}
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(ctx context.Context, addr, name string, tags []string, ask bool, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	card := a2a.AgentCard{
		URL:                "http://" + ln.Addr().String(),
		Name:               name,
		Description:        "Repeats whatever it is told",
		Version:            "1.0.0",
		Capabilities:       a2a.AgentCapabilities{Streaming: true},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []a2a.AgentSkill{{
			ID:          "echo",
			Name:        "Echo",
			Description: "Echoes the message back",
			Tags:        tags,
			Examples:    []string{"echo hello world"},
		}},
	}

	srv := &http.Server{
		Handler:           newAgent(card, ask, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("echo agent listening", "url", card.URL, "name", name)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// agent answers A2A requests. With ask set, the first message in a context
// gets an input-required task and the reply comes on the follow-up.
type agent struct {
	card   a2a.AgentCard
	ask    bool
	logger *slog.Logger

	mu      sync.Mutex
	waiting map[string]string // context id -> task id awaiting input
}

func newAgent(card a2a.AgentCard, ask bool, logger *slog.Logger) *agent {
	return &agent{
		card:    card,
		ask:     ask,
		logger:  logger,
		waiting: make(map[string]string),
	}
}

func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a2a.WellKnownCardPath, a2a.ServeCard(a.card))
	mux.HandleFunc("GET "+a2a.LegacyCardPath, a2a.ServeCard(a.card))
	mux.HandleFunc("POST /", a.handleRPC)
	return mux
}

func (a *agent) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, err := a2a.DecodeRequest(r.Body)
	if err != nil {
		_ = a2a.WriteError(w, nil, -32600, err.Error())
		return
	}
	msg := req.Params.Message
	a.logger.Info("received message", "method", req.Method, "context_id", msg.ContextID, "text", msg.Text())

	events := a.respond(msg)

	if req.Method == a2a.MethodSend {
		if err := a2a.WriteResult(w, req.ID, events[len(events)-1]); err != nil {
			a.logger.Warn("writing result", "error", err)
		}
		return
	}

	sw, err := a2a.NewStreamWriter(w, req.ID)
	if err != nil {
		_ = a2a.WriteError(w, req.ID, -32603, err.Error())
		return
	}
	for _, ev := range events {
		if err := sw.Send(ev); err != nil {
			a.logger.Warn("stream write failed", "error", err)
			return
		}
	}
}

// respond builds the event sequence for one incoming message. The last
// event always carries the full task.
func (a *agent) respond(msg a2a.Message) []a2a.StreamEvent {
	taskID := msg.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	a.mu.Lock()
	_, pending := a.waiting[msg.ContextID]
	needQuestion := a.ask && !pending && msg.TaskID == ""
	if needQuestion {
		a.waiting[msg.ContextID] = taskID
	} else {
		delete(a.waiting, msg.ContextID)
	}
	a.mu.Unlock()

	task := &a2a.Task{
		ID:        taskID,
		ContextID: msg.ContextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted},
	}
	events := []a2a.StreamEvent{a2a.TaskEvent(task.Clone())}

	task.Status = a2a.TaskStatus{State: a2a.TaskStateWorking}
	events = append(events, a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
		TaskID:    taskID,
		ContextID: msg.ContextID,
		Status:    task.Status,
	}))

	if needQuestion {
		task.Status = a2a.TaskStatus{
			State:   a2a.TaskStateInputRequired,
			Message: a.reply(msg, taskID, "What should I echo?"),
		}
		return append(events, a2a.TaskEvent(task))
	}

	text := msg.Text()
	if text == "" {
		text = fmt.Sprintf("%d part(s)", len(msg.Parts))
	}
	task.Artifacts = []a2a.Artifact{{
		ArtifactID: uuid.New().String(),
		Name:       "echo",
		Parts:      []a2a.Part{a2a.TextPart(text)},
	}}
	task.Status = a2a.TaskStatus{
		State:   a2a.TaskStateCompleted,
		Message: a.reply(msg, taskID, "Echo: "+text),
	}
	return append(events, a2a.TaskEvent(task))
}

func (a *agent) reply(msg a2a.Message, taskID, text string) *a2a.Message {
	return &a2a.Message{
		MessageID: uuid.New().String(),
		ContextID: msg.ContextID,
		TaskID:    taskID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
}
