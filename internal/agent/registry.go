// ABOUTME: Registry of remote agents keyed by normalized URL
// ABOUTME: Discovery failures register a placeholder card instead of failing the call

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/metrics"
	"github.com/2389/conclave/internal/store"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInvalidURL is returned for an empty agent URL.
var ErrInvalidURL = errors.New("agent url is required")

// CardStore persists registrations across restarts.
type CardStore interface {
	SaveCard(ctx context.Context, url string, card a2a.AgentCard) error
	DeleteCard(ctx context.Context, url string) error
	ListCards(ctx context.Context) ([]store.StoredCard, error)
}

// Registry tracks registered remote agents.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	order []string

	client           *a2a.Client
	cards            CardStore
	discoveryTimeout time.Duration
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCardStore persists registrations in s.
func WithCardStore(s CardStore) Option {
	return func(r *Registry) { r.cards = s }
}

// WithDiscoveryTimeout bounds each card fetch.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(r *Registry) { r.discoveryTimeout = d }
}

// WithMetrics reports registry and connection metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(client *a2a.Client, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		conns:            make(map[string]*Connection),
		client:           client,
		discoveryTimeout: 10 * time.Second,
		logger:           logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register fetches the agent's card and (re)registers it, replacing any
// earlier card for the same URL. If the card cannot be fetched a placeholder
// is registered so the intent survives; the call still succeeds.
func (r *Registry) Register(ctx context.Context, url string) (a2a.AgentCard, error) {
	key := a2a.NormalizeURL(url)
	if key == "" {
		return a2a.AgentCard{}, ErrInvalidURL
	}

	fetchCtx := ctx
	if r.discoveryTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.discoveryTimeout)
		defer cancel()
	}

	card, err := r.client.FetchCard(fetchCtx, key)
	if err != nil {
		r.logger.Warn("agent card unavailable, registering placeholder", "url", key, "error", err)
		card = a2a.PlaceholderCard(key)
	}

	conn := r.put(key, card)

	if r.cards != nil {
		if err := r.cards.SaveCard(ctx, key, card); err != nil {
			r.logger.Error("persisting agent card", "url", key, "error", err)
		}
	}

	r.logger.Info("=== AGENT REGISTERED ===",
		"url", key,
		"name", card.Name,
		"skills", len(card.Skills),
		"streaming", card.Capabilities.Streaming,
	)
	return conn.Card(), nil
}

func (r *Registry) put(key string, card a2a.AgentCard) *Connection {
	conn := newConnection(key, card, r.client, r.metrics, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[key]; !exists {
		r.order = append(r.order, key)
	}
	r.conns[key] = conn
	r.metrics.SetAgents(len(r.conns))
	return conn
}

// RegisterAll registers every url concurrently and returns the cards in
// input order.
func (r *Registry) RegisterAll(ctx context.Context, urls []string) ([]a2a.AgentCard, error) {
	cards := make([]a2a.AgentCard, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			card, err := r.Register(gctx, u)
			if err != nil {
				return err
			}
			cards[i] = card
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cards, nil
}

// Load restores registrations from the card store without refetching.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.cards == nil {
		return 0, nil
	}
	stored, err := r.cards.ListCards(ctx)
	if err != nil {
		return 0, err
	}
	for _, sc := range stored {
		r.put(sc.URL, sc.Card)
	}
	r.logger.Info("restored agent registrations", "count", len(stored))
	return len(stored), nil
}

// Unregister removes an agent. It always reports success, including for
// URLs that were never registered.
func (r *Registry) Unregister(ctx context.Context, url string) bool {
	key := a2a.NormalizeURL(url)

	r.mu.Lock()
	_, existed := r.conns[key]
	if existed {
		delete(r.conns, key)
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.metrics.SetAgents(len(r.conns))
	r.mu.Unlock()

	if existed {
		if r.cards != nil {
			if err := r.cards.DeleteCard(ctx, key); err != nil {
				r.logger.Error("deleting persisted agent card", "url", key, "error", err)
			}
		}
		r.logger.Info("=== AGENT UNREGISTERED ===", "url", key)
	}
	return true
}

// List returns every registered card in registration order.
func (r *Registry) List() []a2a.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]a2a.AgentCard, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.conns[k].Card())
	}
	return out
}

// Get resolves a URL to its connection.
func (r *Registry) Get(url string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[a2a.NormalizeURL(url)]
	return c, ok
}

// Len is the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
