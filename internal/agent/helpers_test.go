// ABOUTME: Shared fakes for agent package tests
// ABOUTME: fakeAgent serves a card and scripted JSON-RPC responses over httptest

package agent

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/2389/conclave/internal/a2a"
)

type fakeAgent struct {
	srv *httptest.Server
}

// newFakeAgent serves card and streams events for every message. When the
// card does not advertise streaming, only the first event is returned as a
// message/send result.
func newFakeAgent(t *testing.T, card a2a.AgentCard, events ...a2a.StreamEvent) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{}
	mux := http.NewServeMux()
	mux.HandleFunc(a2a.WellKnownCardPath, serveCardAt(&fa.srv, card))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		req, err := a2a.DecodeRequest(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method == a2a.MethodSend {
			if len(events) > 0 {
				a2a.WriteResult(w, req.ID, events[0])
			}
			return
		}
		sw, err := a2a.NewStreamWriter(w, req.ID)
		if err != nil {
			return
		}
		for _, ev := range events {
			if err := sw.Send(ev); err != nil {
				return
			}
		}
	})
	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

// serveCardAt serves card with its URL pointed at the test server once it
// has started.
func serveCardAt(srv **httptest.Server, card a2a.AgentCard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := card
		if c.URL == "" && *srv != nil {
			c.URL = (*srv).URL
		}
		a2a.ServeCard(c)(w, r)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func streamingCard(name string) a2a.AgentCard {
	return a2a.AgentCard{
		Name:         name,
		Description:  name + " agent",
		Version:      "1.0.0",
		Capabilities: a2a.AgentCapabilities{Streaming: true},
		Skills:       []a2a.AgentSkill{{ID: "s", Name: name, Tags: []string{"test"}}},
	}
}

func taskEvent(id string, state a2a.TaskState) a2a.StreamEvent {
	return a2a.TaskEvent(&a2a.Task{ID: id, ContextID: "ctx", Status: a2a.TaskStatus{State: state}})
}

func statusEvent(id string, state a2a.TaskState) a2a.StreamEvent {
	return a2a.StatusEvent(&a2a.TaskStatusUpdateEvent{TaskID: id, ContextID: "ctx", Status: a2a.TaskStatus{State: state}})
}

func userMessage(text string) a2a.Message {
	return a2a.Message{MessageID: "m1", ContextID: "ctx", Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart(text)}}
}
