package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// Registry manages the lifecycle of all Prometheus metrics: the core
// substrate metrics plus collector registrations from the hosting
// application's own components.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	core               *Metrics

	mu         sync.RWMutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry with the core substrate metrics and Go
// runtime collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		core:               NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.prometheusRegistry.MustRegister(
		r.core.BusConnected,
		r.core.BusReconnects,
		r.core.MessagesPublished,
		r.core.MessagesReceived,
		r.core.MessagesRejected,
		r.core.TasksCreated,
		r.core.TasksTerminal,
		r.core.TaskRetries,
		r.core.TaskDuration,
		r.core.ServicesOnline,
		r.core.StorageOps,
		r.core.CircuitState,
		r.core.ComponentHealth,
		r.core.AlertsActive,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry, used by
// the host to mount a scrape handler.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Core returns the core substrate metrics.
func (r *Registry) Core() *Metrics {
	return r.core
}

// Register registers an owner-scoped collector. Duplicate registration of
// the same owner and name is rejected.
func (r *Registry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapValidation(
			fmt.Errorf("metric %s already registered for %s", name, owner),
			"Registry", "Register", "check duplicate")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapValidation(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for %s", name))
		}
		return errors.WrapInternal(err, "Registry", "Register", "register collector")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes an owner-scoped collector. Returns false if it was
// never registered.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	if ok := r.prometheusRegistry.Unregister(c); ok {
		delete(r.registered, key)
		return true
	}
	return false
}
