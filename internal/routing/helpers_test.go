// ABOUTME: Shared fakes for routing tests
// ABOUTME: remoteAgent is an httptest A2A agent whose replies are computed per message

package routing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
)

type remoteAgent struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []a2a.Message
}

// newRemoteAgent serves card and streams whatever reply returns for each
// incoming message.
func newRemoteAgent(t *testing.T, card a2a.AgentCard, reply func(a2a.Message) []a2a.StreamEvent) *remoteAgent {
	t.Helper()
	ra := &remoteAgent{}
	card.Capabilities.Streaming = true
	mux := http.NewServeMux()
	mux.HandleFunc(a2a.WellKnownCardPath, func(w http.ResponseWriter, r *http.Request) {
		c := card
		c.URL = ra.srv.URL
		a2a.ServeCard(c)(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		req, err := a2a.DecodeRequest(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ra.mu.Lock()
		ra.received = append(ra.received, req.Params.Message)
		ra.mu.Unlock()

		sw, err := a2a.NewStreamWriter(w, req.ID)
		if err != nil {
			return
		}
		for _, ev := range reply(req.Params.Message) {
			if err := sw.Send(ev); err != nil {
				return
			}
		}
	})
	ra.srv = httptest.NewServer(mux)
	t.Cleanup(ra.srv.Close)
	return ra
}

func (ra *remoteAgent) messages() []a2a.Message {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return append([]a2a.Message(nil), ra.received...)
}

// completes answers every message with a completed task carrying text.
func completes(text string) func(a2a.Message) []a2a.StreamEvent {
	return func(m a2a.Message) []a2a.StreamEvent {
		return []a2a.StreamEvent{
			a2a.TaskEvent(&a2a.Task{ID: "t-" + m.MessageID, ContextID: m.ContextID, Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}),
			a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{
				TaskID:    "t-" + m.MessageID,
				ContextID: m.ContextID,
				Status: a2a.TaskStatus{
					State:   a2a.TaskStateCompleted,
					Message: &a2a.Message{MessageID: "r-" + m.MessageID, Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.TextPart(text)}},
				},
				Final: true,
			}),
		}
	}
}

func registryWith(t *testing.T, agents ...*remoteAgent) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(a2a.NewClient(nil, nil), testLogger())
	for _, ra := range agents {
		_, err := reg.Register(context.Background(), ra.srv.URL)
		require.NoError(t, err)
	}
	return reg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func coderCard() a2a.AgentCard {
	return a2a.AgentCard{
		Name:        "Coder",
		Description: "Writes code",
		Skills: []a2a.AgentSkill{{
			ID:   "code",
			Name: "Programming",
			Tags: []string{"code", "python"},
		}},
	}
}

func artistCard() a2a.AgentCard {
	return a2a.AgentCard{
		Name:        "Artist",
		Description: "Draws pictures",
		Skills: []a2a.AgentSkill{{
			ID:       "draw",
			Name:     "Illustration",
			Tags:     []string{"image", "drawing"},
			Examples: []string{"paint a landscape"},
		}},
	}
}

func userText(contextID, text string) a2a.Message {
	return a2a.Message{MessageID: "m-" + text, ContextID: contextID, Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart(text)}}
}
