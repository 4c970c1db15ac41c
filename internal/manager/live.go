// ABOUTME: Live manager: routes through the agent registry and host to real remote agents
// ABOUTME: Registration discovers cards over the network; deletion unpins the session

package manager

import (
	"context"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/routing"
	"github.com/2389/conclave/internal/store"
)

// Live is the production manager.
type Live struct {
	*core
	registry *agent.Registry
	host     *routing.Host
}

var _ Manager = (*Live)(nil)

// NewLive wires a manager over registry and host.
func NewLive(st store.Store, registry *agent.Registry, host *routing.Host, opts Options) *Live {
	return &Live{
		core:     newCore(st, host, opts),
		registry: registry,
		host:     host,
	}
}

// DeleteConversation removes the conversation and forgets any task the
// host was holding open for it.
func (l *Live) DeleteConversation(ctx context.Context, id string) (bool, error) {
	ok, err := l.core.DeleteConversation(ctx, id)
	if err != nil {
		return false, err
	}
	l.host.Forget(id)
	return ok, nil
}

// RegisterAgent discovers and registers the agent at url.
func (l *Live) RegisterAgent(ctx context.Context, url string) (a2a.AgentCard, error) {
	return l.registry.Register(ctx, url)
}

// UnregisterAgent removes the agent at url. It succeeds for unknown URLs.
func (l *Live) UnregisterAgent(ctx context.Context, url string) (bool, error) {
	return l.registry.Unregister(ctx, url), nil
}

// Agents lists registered agent cards.
func (l *Live) Agents() []a2a.AgentCard {
	return l.registry.List()
}
