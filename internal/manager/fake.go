// ABOUTME: Fake manager: same bookkeeping as Live but answers every message with a local echo
// ABOUTME: Needs no network, so the facade can be exercised end to end in tests and demos

package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/routing"
	"github.com/2389/conclave/internal/store"
)

// EchoAgentURL identifies the built-in echo responder.
const EchoAgentURL = "fake://echo"

// Fake is an in-memory manager whose agent echoes the user back.
type Fake struct {
	*core

	mu     sync.RWMutex
	agents []a2a.AgentCard
}

var _ Manager = (*Fake)(nil)

// NewFake creates a fake manager over st.
func NewFake(st store.Store, opts Options) *Fake {
	f := &Fake{}
	f.core = newCore(st, echoRouter{}, opts)
	return f
}

// RegisterAgent records a card for url without contacting it.
func (f *Fake) RegisterAgent(_ context.Context, url string) (a2a.AgentCard, error) {
	key := a2a.NormalizeURL(url)
	if key == "" {
		return a2a.AgentCard{}, agent.ErrInvalidURL
	}
	card := a2a.PlaceholderCard(key)
	card.Name = "Fake Agent"
	card.Description = "Registered without discovery"

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.agents {
		if a.URL == key {
			f.agents[i] = card
			return card, nil
		}
	}
	f.agents = append(f.agents, card)
	return card, nil
}

// UnregisterAgent drops url. It succeeds for unknown URLs.
func (f *Fake) UnregisterAgent(_ context.Context, url string) (bool, error) {
	key := a2a.NormalizeURL(url)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.agents {
		if a.URL == key {
			f.agents = append(f.agents[:i], f.agents[i+1:]...)
			break
		}
	}
	return true, nil
}

// Agents lists registered cards.
func (f *Fake) Agents() []a2a.AgentCard {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]a2a.AgentCard, len(f.agents))
	for i, a := range f.agents {
		out[i] = a.Clone()
	}
	return out
}

// echoRouter answers with a completed task whose status repeats the input.
type echoRouter struct{}

func (echoRouter) Route(_ context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
	text := msg.Text()
	if text == "" {
		text = fmt.Sprintf("received %d part(s)", len(msg.Parts))
	}

	task := &a2a.Task{
		ID:        uuid.New().String(),
		ContextID: msg.ContextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateWorking},
	}
	if onUpdate != nil {
		onUpdate(EchoAgentURL, task.Clone())
	}

	task.Status = a2a.TaskStatus{
		State: a2a.TaskStateCompleted,
		Message: &a2a.Message{
			MessageID: uuid.New().String(),
			ContextID: msg.ContextID,
			TaskID:    task.ID,
			Role:      a2a.RoleAgent,
			Parts:     []a2a.Part{a2a.TextPart("echo: " + text)},
		},
	}
	if onUpdate != nil {
		onUpdate(EchoAgentURL, task.Clone())
	}

	return routing.RouteResult{
		Decision:  routing.Decision{Tool: routing.ToolSendMessage, AgentURL: EchoAgentURL, Reason: "echo"},
		AgentURL:  EchoAgentURL,
		AgentName: "Echo",
		Task:      task,
		Reply:     "echo: " + text,
	}, nil
}
