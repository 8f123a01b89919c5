// Package worker provides a generic bounded worker pool. Submission is
// non-blocking: a full queue rejects work instead of stalling the caller,
// which keeps backpressure visible at the submission site.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/EchoingVesper/vespera-atelier-sub013/metric"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.Registry
	prefix   string
	gauges   *poolMetrics
}

// poolMetrics holds the optional Prometheus instruments.
type poolMetrics struct {
	queueDepth prometheus.Gauge
	processed  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics exposes the pool's counters through the metric registry
// under the given prefix.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// NewPool creates a pool. Returns an error for a nil processor; worker
// count and queue size fall back to sane defaults when non-positive.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if process == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry != nil && p.prefix != "" {
		if err := p.initMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool[T]) initMetrics() error {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p.prefix + "_queue_depth",
			Help: "Current worker pool queue depth",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_processed_total",
			Help: "Work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_failed_total",
			Help: "Work items whose processor returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_dropped_total",
			Help: "Work items rejected by a full queue",
		}),
	}

	owner := "worker_pool"
	for name, c := range map[string]prometheus.Collector{
		p.prefix + "_queue_depth":     m.queueDepth,
		p.prefix + "_processed_total": m.processed,
		p.prefix + "_failed_total":    m.failed,
		p.prefix + "_dropped_total":   m.dropped,
	} {
		if err := p.registry.Register(owner, name, c); err != nil {
			return err
		}
	}
	p.gauges = m
	return nil
}

// Start launches the workers. The context bounds all processing; its
// cancellation stops workers without draining the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	for range p.workers {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return nil
}

// Submit enqueues one work item without blocking. A full queue returns
// ErrQueueFull.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.mu.Unlock()

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.gauges != nil {
			p.gauges.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.gauges != nil {
			p.gauges.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to drain it, up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers    int
	QueueSize  int
	QueueDepth int
	Submitted  int64
	Processed  int64
	Failed     int64
	Dropped    int64
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			err := p.process(ctx, work)
			p.processed.Add(1)
			if p.gauges != nil {
				p.gauges.processed.Inc()
				p.gauges.queueDepth.Set(float64(len(p.workChan)))
			}
			if err != nil {
				p.failed.Add(1)
				if p.gauges != nil {
					p.gauges.failed.Inc()
				}
			}
		}
	}
}
