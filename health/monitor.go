package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/worker"
)

// Probe describes one scheduled component check.
type Probe struct {
	// Name identifies the component in status records.
	Name string
	// Check reports the component's health. A nil error is healthy.
	Check func(ctx context.Context) error
	// Interval between probe runs. Defaults to 30s.
	Interval time.Duration
	// Timeout bounds a single check invocation. Defaults to 5s.
	Timeout time.Duration
	// Retries is the number of additional attempts within one probe
	// run before the run counts as failed.
	Retries int
}

// Recorder receives component health transitions. Level is exported as
// an int so the metrics side needs no dependency on this package.
type Recorder interface {
	RecordComponentHealth(component string, level int)
}

// Monitor schedules probes on a worker pool and keeps the latest
// status per component.
type Monitor struct {
	logger             *slog.Logger
	recorder           Recorder
	unhealthyThreshold int
	workers            int
	aggregate          AggregatePolicy

	mu       sync.Mutex
	probes   map[string]*probeState
	statuses map[string]Status
	started  bool
	stopped  bool

	pool   *worker.Pool[*probeState]
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type probeState struct {
	probe Probe
	fails int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger.With("component", "health")
		}
	}
}

// WithRecorder registers a metrics sink for health transitions.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithUnhealthyThreshold sets how many consecutive failed probe runs
// flip a component from degraded to unhealthy.
func WithUnhealthyThreshold(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.unhealthyThreshold = n
		}
	}
}

// WithAggregatePolicy replaces the default any-unhealthy-dominates
// aggregation used by Overall.
func WithAggregatePolicy(p AggregatePolicy) Option {
	return func(m *Monitor) {
		if p != nil {
			m.aggregate = p
		}
	}
}

// WithProbeWorkers sets the size of the probe execution pool.
func WithProbeWorkers(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.workers = n
		}
	}
}

// NewMonitor creates a Monitor. Probes registered before Start begin
// running on their intervals once Start is called.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		logger:             slog.Default().With("component", "health"),
		unhealthyThreshold: 3,
		workers:            2,
		aggregate:          Aggregate,
		probes:             make(map[string]*probeState),
		statuses:           make(map[string]Status),
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a probe. Probes may be added before or after Start; a
// probe added while running is scheduled immediately.
func (m *Monitor) Register(p Probe) error {
	if p.Name == "" {
		return errors.WrapValidation(fmt.Errorf("probe name is required"), "health", "Register", "validate probe")
	}
	if p.Check == nil {
		return errors.WrapValidation(fmt.Errorf("probe check function is required"), "health", "Register", "validate probe")
	}
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.Retries < 0 {
		p.Retries = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probes[p.Name]; exists {
		return errors.WrapValidation(fmt.Errorf("probe %q already registered", p.Name), "health", "Register", "validate probe")
	}
	ps := &probeState{probe: p}
	m.probes[p.Name] = ps
	if m.started && !m.stopped {
		m.wg.Add(1)
		go m.schedule(ps)
	}
	return nil
}

// Start launches the probe pool and schedules all registered probes.
// Each probe runs once immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.ErrAlreadyStarted
	}

	pool, err := worker.NewPool(m.workers, len(m.probes)+16, m.runProbe)
	if err != nil {
		return err
	}
	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := pool.Start(poolCtx); err != nil {
		cancel()
		return err
	}
	m.pool = pool
	m.cancel = cancel
	m.started = true

	for _, ps := range m.probes {
		m.wg.Add(1)
		go m.schedule(ps)
	}
	return nil
}

// Stop halts scheduling and waits for in-flight probes to finish.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	err := m.pool.Stop(5 * time.Second)
	m.cancel()
	return err
}

func (m *Monitor) schedule(ps *probeState) {
	defer m.wg.Done()

	m.enqueue(ps)
	ticker := time.NewTicker(ps.probe.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.enqueue(ps)
		}
	}
}

func (m *Monitor) enqueue(ps *probeState) {
	if err := m.pool.Submit(ps); err != nil {
		m.logger.Warn("probe submission rejected",
			"probe", ps.probe.Name, "error", err)
	}
}

// runProbe executes one probe run: the check plus up to Retries extra
// attempts, each bounded by the probe timeout.
func (m *Monitor) runProbe(ctx context.Context, ps *probeState) error {
	var lastErr error
	for attempt := 0; attempt <= ps.probe.Retries; attempt++ {
		lastErr = m.attempt(ctx, ps.probe)
		if lastErr == nil {
			break
		}
	}
	m.observe(ps, lastErr)
	return nil
}

func (m *Monitor) attempt(ctx context.Context, p Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	if err := p.Check(checkCtx); err != nil {
		return err
	}
	return checkCtx.Err()
}

// observe applies the probe outcome to the status table. Consecutive
// failed runs below the threshold degrade the component; at or above
// the threshold it is unhealthy. One success restores it.
func (m *Monitor) observe(ps *probeState, runErr error) {
	m.mu.Lock()

	if runErr == nil {
		ps.fails = 0
	} else {
		ps.fails++
	}

	level := Healthy
	message := ""
	switch {
	case ps.fails >= m.unhealthyThreshold:
		level = Unhealthy
		message = sanitizeError(runErr)
	case ps.fails > 0:
		level = Degraded
		message = sanitizeError(runErr)
	}

	prev, known := m.statuses[ps.probe.Name]
	status := Status{
		Component:        ps.probe.Name,
		Level:            level,
		State:            level.String(),
		Message:          message,
		LastChecked:      time.Now(),
		ConsecutiveFails: ps.fails,
	}
	m.statuses[ps.probe.Name] = status
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordComponentHealth(ps.probe.Name, int(level))
	}
	if !known || prev.Level != level {
		m.logger.Info("component health changed",
			"probe", ps.probe.Name,
			"state", level.String(),
			"consecutive_fails", ps.fails)
	}
}

// Set records a status for a component that has no probe, such as one
// that reports its own state transitions.
func (m *Monitor) Set(component string, level Level, message string) {
	m.mu.Lock()
	m.statuses[component] = Status{
		Component:   component,
		Level:       level,
		State:       level.String(),
		Message:     message,
		LastChecked: time.Now(),
	}
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordComponentHealth(component, int(level))
	}
}

// Get returns the latest status for one component.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[component]
	return s, ok
}

// All returns every component status, sorted by component name.
func (m *Monitor) All() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Overall reduces all component statuses to a single level using the
// configured aggregation policy.
func (m *Monitor) Overall() Level {
	return m.aggregate(m.All())
}
