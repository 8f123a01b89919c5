package a2a

import (
	"log/slog"

	"github.com/EchoingVesper/vespera-atelier-sub013/config"
	"github.com/EchoingVesper/vespera-atelier-sub013/metric"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

// Option configures a Substrate during construction.
type Option func(*Substrate)

// WithConfig supplies the substrate configuration. Without it the
// defaults from config.Default apply.
func WithConfig(cfg *config.Config) Option {
	return func(s *Substrate) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Substrate) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConn injects a bus connection instead of dialing one from the
// configuration. The caller keeps ownership: Shutdown will not close
// it. Pass a transport.Bus to run fully in-process.
func WithConn(conn transport.Conn) Option {
	return func(s *Substrate) {
		if conn != nil {
			s.conn = conn
			s.ownConn = false
		}
	}
}

// WithMetrics supplies a shared metric registry, for hosts that expose
// several subsystems through one Prometheus endpoint.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Substrate) {
		if registry != nil {
			s.metrics = registry
		}
	}
}

// WithServiceID overrides the generated service identity. Useful for
// stable identities across restarts.
func WithServiceID(id string) Option {
	return func(s *Substrate) {
		if id != "" {
			s.serviceID = id
		}
	}
}
