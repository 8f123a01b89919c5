package a2a

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/EchoingVesper/vespera-atelier-sub013/alert"
	"github.com/EchoingVesper/vespera-atelier-sub013/circuit"
	"github.com/EchoingVesper/vespera-atelier-sub013/config"
	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/exchange"
	"github.com/EchoingVesper/vespera-atelier-sub013/filter"
	"github.com/EchoingVesper/vespera-atelier-sub013/health"
	"github.com/EchoingVesper/vespera-atelier-sub013/metric"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/tlsutil"
	"github.com/EchoingVesper/vespera-atelier-sub013/registry"
	"github.com/EchoingVesper/vespera-atelier-sub013/store"
	"github.com/EchoingVesper/vespera-atelier-sub013/task"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

// Substrate owns one process's participation in the bus: its identity,
// its bus connection, and every coordination component. Construct with
// New, bracket the lifecycle with Initialize and Shutdown.
type Substrate struct {
	cfg       *config.Config
	logger    *slog.Logger
	serviceID string

	conn    transport.Conn
	client  *transport.Client
	ownConn bool

	metrics   *metric.Registry
	collector *metric.Collector
	registry  *registry.Registry
	tasks     *task.Coordinator
	store     *store.Store
	exchange  *exchange.Exchange
	circuits  *circuit.Registry
	filters   *filter.Pipeline
	health    *health.Monitor
	alerts    *alert.Manager

	initialized bool
	closed      bool
}

// New builds a fully wired but unconnected Substrate. Nothing touches
// the bus until Initialize.
func New(opts ...Option) (*Substrate, error) {
	s := &Substrate{
		cfg:    config.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.serviceID == "" {
		s.serviceID = fmt.Sprintf("%s-%s", s.cfg.Service.Type, uuid.NewString())
	}
	logger := s.logger.With("service_id", s.serviceID)

	if s.metrics == nil {
		s.metrics = metric.NewRegistry()
	}
	core := s.metrics.Core()

	if s.conn == nil {
		tlsConfig, err := tlsutil.LoadClient(s.cfg.Bus.TLS)
		if err != nil {
			return nil, err
		}
		client, err := transport.NewClient(s.cfg.Bus.URL,
			transport.WithLogger(logger),
			transport.WithName(s.serviceID),
			transport.WithCredentials(s.cfg.Bus.Username, s.cfg.Bus.Password),
			transport.WithToken(s.cfg.Bus.Token),
			transport.WithTLS(tlsConfig),
			transport.WithConnectTimeout(s.cfg.ConnectTimeout()),
			transport.WithDrainTimeout(s.cfg.DrainTimeout()),
			transport.WithRecorder(core),
		)
		if err != nil {
			return nil, err
		}
		s.conn = client
		s.client = client
		s.ownConn = true
	}

	s.collector = metric.NewCollector()

	s.health = health.NewMonitor(
		health.WithLogger(logger),
		health.WithRecorder(core),
	)

	reg, err := registry.New(s.conn,
		registry.Identity{
			ServiceID:    s.serviceID,
			ServiceType:  s.cfg.Service.Type,
			Capabilities: s.cfg.Service.Capabilities,
			Metadata:     s.cfg.Service.Metadata,
		},
		registry.WithLogger(logger),
		registry.WithHeartbeatInterval(s.cfg.HeartbeatInterval()),
		registry.WithHeartbeatTimeout(s.cfg.HeartbeatTimeout()),
		registry.WithSweepInterval(s.cfg.SweepInterval()),
		registry.WithOnlineChanged(core.RecordServicesOnline),
	)
	if err != nil {
		return nil, err
	}
	s.registry = reg

	tasks, err := task.NewCoordinator(s.conn, s.serviceID,
		task.WithLogger(logger),
		task.WithRecorder(core),
	)
	if err != nil {
		return nil, err
	}
	s.tasks = tasks

	st, err := store.New(s.conn, s.serviceID,
		store.WithLogger(logger),
		store.WithRecorder(core),
	)
	if err != nil {
		return nil, err
	}
	s.store = st

	ex, err := exchange.New(s.conn, s.serviceID,
		exchange.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	s.exchange = ex

	s.circuits = circuit.NewRegistry(
		circuit.WithRecorder(core),
		circuit.WithDefaults(circuit.WithLogger(logger)),
	)
	s.filters = filter.NewPipeline(filter.WithLogger(logger))
	s.alerts = alert.NewManager(s.collector, s.health,
		alert.WithLogger(logger),
		alert.WithRecorder(core),
	)

	s.logger = logger
	return s, nil
}

// Initialize connects to the bus and starts every component. Handler
// and provider registrations may happen before or after.
func (s *Substrate) Initialize(ctx context.Context) error {
	if s.closed {
		return errors.ErrShuttingDown
	}
	if s.initialized {
		return errors.ErrAlreadyStarted
	}

	if s.client != nil {
		s.client.OnStatusChange(s.observeBusStatus)
		if err := s.client.Connect(ctx); err != nil {
			return err
		}
		s.health.Set("transport", health.Healthy, "")
	}

	steps := []struct {
		name  string
		start func() error
	}{
		{"registry", func() error { return s.registry.Start(ctx) }},
		{"tasks", func() error { return s.tasks.Start(ctx) }},
		{"store", func() error { return s.store.Start(ctx) }},
		{"health", func() error { return s.health.Start(ctx) }},
		{"alerts", func() error { return s.alerts.Start(ctx) }},
	}
	for _, step := range steps {
		if err := step.start(); err != nil {
			s.teardown(10 * time.Second)
			return errors.WrapInternal(err, "Substrate", "Initialize", "start "+step.name)
		}
	}
	s.collector.Start()

	if s.client != nil {
		if err := s.health.Register(health.Probe{
			Name:    "transport",
			Check:   s.probeBus,
			Timeout: 5 * time.Second,
			Retries: 1,
		}); err != nil {
			s.teardown(10 * time.Second)
			return err
		}
	}

	s.initialized = true
	s.logger.Info("substrate initialized",
		"service_type", s.cfg.Service.Type,
		"capabilities", s.cfg.Service.Capabilities)
	return nil
}

// Shutdown stops components in reverse dependency order, announces
// departure, and closes an owned bus connection. Idempotent.
func (s *Substrate) Shutdown(timeout time.Duration) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.initialized = false
	return s.teardown(timeout)
}

func (s *Substrate) teardown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.alerts.Stop())
	keep(s.health.Stop())
	s.collector.Stop()
	keep(s.exchange.Close())
	keep(s.store.Stop())
	keep(s.tasks.Stop())
	keep(s.registry.Stop(ctx))
	if s.ownConn && s.client != nil {
		keep(s.client.Close(ctx))
	}

	s.logger.Info("substrate shut down")
	return firstErr
}

// observeBusStatus mirrors transport state into health and metrics.
func (s *Substrate) observeBusStatus(status transport.Status, err error) {
	core := s.metrics.Core()
	switch status {
	case transport.StatusConnected:
		core.RecordBusStatus(true)
		s.health.Set("transport", health.Healthy, "")
	case transport.StatusReconnecting:
		core.RecordBusStatus(false)
		s.health.Set("transport", health.Degraded, "reconnecting")
	default:
		core.RecordBusStatus(false)
		msg := status.String()
		if err != nil {
			msg = fmt.Sprintf("%s: %v", status, err)
		}
		s.health.Set("transport", health.Unhealthy, msg)
	}
}

func (s *Substrate) probeBus(context.Context) error {
	if !s.client.IsConnected() {
		return errors.ErrNotConnected
	}
	_, err := s.client.RTT()
	return err
}

// ServiceID returns the identity generated for this process.
func (s *Substrate) ServiceID() string { return s.serviceID }

// Conn exposes the underlying bus connection.
func (s *Substrate) Conn() transport.Conn { return s.conn }

// Registry exposes peer discovery.
func (s *Substrate) Registry() *registry.Registry { return s.registry }

// Tasks exposes distributed task coordination.
func (s *Substrate) Tasks() *task.Coordinator { return s.tasks }

// Store exposes the replicated key-value store.
func (s *Substrate) Store() *store.Store { return s.store }

// Exchange exposes typed data exchange.
func (s *Substrate) Exchange() *exchange.Exchange { return s.exchange }

// Circuits exposes the named circuit breaker registry.
func (s *Substrate) Circuits() *circuit.Registry { return s.circuits }

// Filters exposes the message filter pipeline.
func (s *Substrate) Filters() *filter.Pipeline { return s.filters }

// Health exposes the component health monitor.
func (s *Substrate) Health() *health.Monitor { return s.health }

// Alerts exposes the alert manager.
func (s *Substrate) Alerts() *alert.Manager { return s.alerts }

// Metrics exposes the Prometheus registry.
func (s *Substrate) Metrics() *metric.Registry { return s.metrics }

// Collector exposes the windowed sample collector.
func (s *Substrate) Collector() *metric.Collector { return s.collector }
