package registry

import (
	"log/slog"
	"time"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "registry")
		}
	}
}

// WithHeartbeatInterval sets how often the local service heartbeats.
func WithHeartbeatInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatInterval = d
		}
	}
}

// WithHeartbeatTimeout sets how long a silent peer stays online. Must
// exceed the heartbeat interval.
func WithHeartbeatTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatTimeout = d
		}
	}
}

// WithSweepInterval sets how often the liveness sweep runs.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithOnlineChanged registers a callback invoked with the online peer
// count whenever it changes. Used to feed gauges.
func WithOnlineChanged(fn func(online int)) RegistryOption {
	return func(r *Registry) {
		r.onlineChanged = fn
	}
}
