// ABOUTME: Bounded pool that runs each admitted work item on its own goroutine
// ABOUTME: Submit never blocks; past the in-flight limit work is rejected so callers can shed load

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped is returned by Submit after Stop or once the pool
	// context is canceled.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrPoolFull is returned when the in-flight limit is reached.
	ErrPoolFull = errors.New("worker pool at capacity")

	// ErrStopTimeout is returned when in-flight work outlives the stop timeout.
	ErrStopTimeout = errors.New("timeout waiting for in-flight work to finish")
)

// cancelGrace is how long Stop waits for canceled work to return.
const cancelGrace = time.Second

// Processor handles one unit of work. It receives the pool context, so it
// sees cancellation when the pool is torn down.
type Processor[T any] func(ctx context.Context, work T) error

// Pool admits up to limit work items at a time. Every admitted item starts
// at once on its own goroutine, so a slow item never delays another.
type Pool[T any] struct {
	limit   int
	process Processor[T]
	logger  *slog.Logger

	slots   chan struct{}
	wg      sync.WaitGroup
	metrics *poolMetrics

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

type poolMetrics struct {
	inFlight  prometheus.Gauge
	submitted prometheus.Counter
	dropped   prometheus.Counter
	duration  *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics named with prefix on reg.
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		m := &poolMetrics{
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_in_flight",
				Help: "Work items currently being processed",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Work items admitted",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Work items rejected because the pool was at capacity",
			}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    prefix + "_processing_duration_seconds",
				Help:    "Time spent processing work items",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			}, []string{"status"}),
		}
		reg.MustRegister(m.inFlight, m.submitted, m.dropped, m.duration)
		p.metrics = m
	}
}

// WithLogger sets the logger used to report failed work.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		p.logger = logger
	}
}

// NewPool creates a pool admitting at most limit items at once. A
// non-positive limit falls back to 64.
func NewPool[T any](limit int, process Processor[T], opts ...Option[T]) *Pool[T] {
	if process == nil {
		panic("worker: nil processor")
	}
	if limit <= 0 {
		limit = 64
	}

	p := &Pool[T]{
		limit:   limit,
		process: process,
		logger:  slog.Default(),
		slots:   make(chan struct{}, limit),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker_pool")
	return p
}

// Start opens the pool for work. Admitted items run under ctx; canceling it
// stops admission and is seen by every item still in flight.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	return nil
}

// Submit starts work immediately, or rejects it without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped || p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case p.slots <- struct{}{}:
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrPoolFull
	}

	p.submitted.Add(1)
	p.inFlight.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.inFlight.Inc()
	}
	// Add happens under mu, so Stop's Wait never races a late Add.
	p.wg.Add(1)
	go p.run(p.ctx, work)
	return nil
}

// Stop closes admission and waits up to timeout for in-flight work. Work
// still running after that has its context canceled and gets a short grace
// period to return; ErrStopTimeout is reported either way.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
	}

	p.logger.Warn("canceling in-flight work", "in_flight", p.inFlight.Load())
	p.cancel()
	select {
	case <-done:
	case <-time.After(cancelGrace):
	}
	return ErrStopTimeout
}

// Running reports whether the pool accepts work.
func (p *Pool[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped && p.ctx.Err() == nil
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Limit     int   `json:"limit"`
	InFlight  int64 `json:"in_flight"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Limit:     p.limit,
		InFlight:  p.inFlight.Load(),
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context, work T) {
	defer p.wg.Done()
	defer func() { <-p.slots }()

	start := time.Now()
	err := p.process(ctx, work)

	p.inFlight.Add(-1)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		p.logger.Warn("work item failed", "error", err)
	}
	if p.metrics != nil {
		p.metrics.inFlight.Dec()
		p.metrics.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
