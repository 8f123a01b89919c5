package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/health"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/worker"
)

// MetricSource supplies windowed metric rates. Satisfied by
// *metric.Collector.
type MetricSource interface {
	Throughput(name string, window time.Duration) float64
}

// HealthSource supplies component and aggregate health. Satisfied by
// *health.Monitor.
type HealthSource interface {
	Get(component string) (health.Status, bool)
	Overall() health.Level
}

// Notifier receives alert transitions for one channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogNotifier returns a channel that writes transitions to the logger:
// warnings while firing, info on resolution.
func LogNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return NotifierFunc(func(_ context.Context, ev Event) error {
		attrs := []any{
			"alert", ev.DefinitionID,
			"severity", ev.Severity,
			"detail", ev.Detail,
		}
		if ev.State == StateActive {
			logger.Warn("alert firing", attrs...)
		} else {
			logger.Info("alert resolved", attrs...)
		}
		return nil
	})
}

// Recorder receives the active-alert count after each evaluation.
type Recorder interface {
	RecordActiveAlerts(n int)
}

// alertState tracks one definition's lifecycle.
type alertState struct {
	def       Definition
	active    bool
	firedAt   time.Time
	lastValue float64
	detail    string
}

// notification is one channel delivery queued on the dispatch pool.
type notification struct {
	channel  string
	notifier Notifier
	event    Event
}

// Manager evaluates definitions on a schedule and dispatches
// transitions.
type Manager struct {
	metrics  MetricSource
	health   HealthSource
	logger   *slog.Logger
	recorder Recorder

	evalInterval  time.Duration
	defaultWindow time.Duration
	notifyTimeout time.Duration
	workers       int
	now           func() time.Time

	mu       sync.Mutex
	defs     map[string]*alertState
	order    []string
	channels map[string]Notifier
	started  bool
	stopped  bool

	pool   *worker.Pool[notification]
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "alert")
		}
	}
}

// WithRecorder registers a metrics sink for the active-alert count.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithEvalInterval sets how often definitions are evaluated.
func WithEvalInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.evalInterval = d
		}
	}
}

// WithDefaultWindow sets the metric window used by rate triggers that
// leave Window unset.
func WithDefaultWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultWindow = d
		}
	}
}

// WithNotifyTimeout bounds each channel delivery.
func WithNotifyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.notifyTimeout = d
		}
	}
}

// WithDispatchWorkers sets the size of the notification pool.
func WithDispatchWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// withClock replaces the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. Either source may be nil; triggers
// that need a missing source never fire.
func NewManager(metrics MetricSource, healthSrc HealthSource, opts ...Option) *Manager {
	m := &Manager{
		metrics:       metrics,
		health:        healthSrc,
		logger:        slog.Default().With("component", "alert"),
		evalInterval:  10 * time.Second,
		defaultWindow: time.Minute,
		notifyTimeout: 5 * time.Second,
		workers:       2,
		now:           time.Now,
		defs:          make(map[string]*alertState),
		channels:      make(map[string]Notifier),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterChannel binds a notifier to a channel name referenced by
// definitions. Re-registering a name replaces the notifier.
func (m *Manager) RegisterChannel(name string, n Notifier) error {
	if name == "" || n == nil {
		return errors.WrapValidation(fmt.Errorf("channel name and notifier are required"), "alert", "RegisterChannel", "validate channel")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = n
	return nil
}

// AddDefinition registers an alert definition.
func (m *Manager) AddDefinition(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[def.ID]; exists {
		return errors.WrapValidation(fmt.Errorf("definition %q already registered", def.ID), "alert", "AddDefinition", "validate definition")
	}
	m.defs[def.ID] = &alertState{def: def}
	m.order = append(m.order, def.ID)
	return nil
}

// RemoveDefinition drops a definition. An active alert is resolved
// silently; no RESOLVED event is sent.
func (m *Manager) RemoveDefinition(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[id]; !exists {
		return false
	}
	delete(m.defs, id)
	for i, d := range m.order {
		if d == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func validateDefinition(def Definition) error {
	fail := func(msg string) error {
		return errors.WrapValidation(fmt.Errorf("%s", msg), "alert", "AddDefinition", "validate definition")
	}
	if def.ID == "" {
		return fail("definition id is required")
	}
	switch def.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fail("unknown severity " + string(def.Severity))
	}
	switch def.Trigger.Type {
	case TriggerErrorRate:
		if def.Trigger.Metric == "" {
			return fail("rate trigger requires a metric name")
		}
		switch def.Trigger.Operator {
		case OpGreaterThan, OpGreaterOrEq, OpLessThan, OpLessOrEq:
		default:
			return fail("unknown operator " + string(def.Trigger.Operator))
		}
	case TriggerHealthStatus:
	case TriggerCustom:
		if def.Trigger.Predicate == nil {
			return fail("custom trigger requires a predicate")
		}
	default:
		return fail("unknown trigger type " + string(def.Trigger.Type))
	}
	return nil
}

// Start launches the dispatch pool and the evaluation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.ErrAlreadyStarted
	}

	pool, err := worker.NewPool(m.workers, 256, m.deliver)
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

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop halts evaluation and drains pending notifications.
func (m *Manager) Stop() error {
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

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

// Evaluate runs one evaluation pass over all definitions. The
// scheduled loop calls it on every tick; callers may invoke it
// directly to force an immediate pass.
func (m *Manager) Evaluate() {
	now := m.now()

	m.mu.Lock()
	var events []notification
	active := 0
	for _, id := range m.order {
		st := m.defs[id]
		firing, value, detail := m.condition(st.def)

		switch {
		case firing && !st.active:
			st.active = true
			st.firedAt = now
			st.lastValue = value
			st.detail = detail
			events = append(events, m.transitionsLocked(st, Event{
				DefinitionID: st.def.ID,
				Name:         st.def.Name,
				Severity:     st.def.Severity,
				State:        StateActive,
				Detail:       detail,
				Value:        value,
				FiredAt:      now,
			})...)
		case st.active && (!firing || m.expiredLocked(st, now)):
			st.active = false
			events = append(events, m.transitionsLocked(st, Event{
				DefinitionID: st.def.ID,
				Name:         st.def.Name,
				Severity:     st.def.Severity,
				State:        StateResolved,
				Detail:       detail,
				Value:        value,
				FiredAt:      st.firedAt,
				ResolvedAt:   now,
			})...)
		case st.active:
			st.lastValue = value
			st.detail = detail
		}

		if st.active {
			active++
		}
	}
	m.mu.Unlock()

	for _, n := range events {
		if err := m.pool.Submit(n); err != nil {
			m.logger.Warn("notification dropped",
				"definition", n.event.DefinitionID,
				"channel", n.channel,
				"error", err)
		}
	}
	if m.recorder != nil {
		m.recorder.RecordActiveAlerts(active)
	}
}

// expiredLocked reports whether an active alert has outlived its
// auto-resolve deadline.
func (m *Manager) expiredLocked(st *alertState, now time.Time) bool {
	return st.def.AutoResolveAfter > 0 && now.Sub(st.firedAt) >= st.def.AutoResolveAfter
}

// transitionsLocked fans one event out to the definition's channels.
func (m *Manager) transitionsLocked(st *alertState, ev Event) []notification {
	out := make([]notification, 0, len(st.def.Channels))
	for _, name := range st.def.Channels {
		notifier, ok := m.channels[name]
		if !ok {
			m.logger.Warn("unknown notification channel",
				"definition", st.def.ID, "channel", name)
			continue
		}
		out = append(out, notification{channel: name, notifier: notifier, event: ev})
	}
	m.logger.Info("alert transition",
		"definition", st.def.ID,
		"state", ev.State,
		"severity", ev.Severity,
		"detail", ev.Detail)
	return out
}

func (m *Manager) condition(def Definition) (firing bool, value float64, detail string) {
	switch def.Trigger.Type {
	case TriggerErrorRate:
		if m.metrics == nil {
			return false, 0, ""
		}
		window := def.Trigger.Window
		if window <= 0 {
			window = m.defaultWindow
		}
		rate := m.metrics.Throughput(def.Trigger.Metric, window)
		if def.Trigger.Operator.compare(rate, def.Trigger.Threshold) {
			return true, rate, fmt.Sprintf("%s rate %.3f/s %s threshold %.3f",
				def.Trigger.Metric, rate, def.Trigger.Operator, def.Trigger.Threshold)
		}
		return false, rate, ""

	case TriggerHealthStatus:
		if m.health == nil {
			return false, 0, ""
		}
		level := m.health.Overall()
		detail := "overall"
		if def.Trigger.Component != "" {
			status, ok := m.health.Get(def.Trigger.Component)
			if !ok {
				return false, 0, ""
			}
			level = status.Level
			detail = def.Trigger.Component
			if status.Message != "" {
				detail += ": " + status.Message
			}
		}
		if level <= def.Trigger.Level {
			return true, float64(level), fmt.Sprintf("%s is %s", detail, level)
		}
		return false, float64(level), ""

	case TriggerCustom:
		firing, detail := def.Trigger.Predicate()
		return firing, 0, detail
	}
	return false, 0, ""
}

func (m *Manager) deliver(ctx context.Context, n notification) error {
	notifyCtx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	defer cancel()
	if err := n.notifier.Notify(notifyCtx, n.event); err != nil {
		m.logger.Warn("notification delivery failed",
			"definition", n.event.DefinitionID,
			"channel", n.channel,
			"error", err)
		return err
	}
	return nil
}

// Active returns the currently firing alerts as events, sorted by
// definition ID.
func (m *Manager) Active() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, st := range m.defs {
		if !st.active {
			continue
		}
		out = append(out, Event{
			DefinitionID: st.def.ID,
			Name:         st.def.Name,
			Severity:     st.def.Severity,
			State:        StateActive,
			Detail:       st.detail,
			Value:        st.lastValue,
			FiredAt:      st.firedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out
}

// Definitions returns the registered definitions in registration order.
func (m *Manager) Definitions() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.defs[id].def)
	}
	return out
}
