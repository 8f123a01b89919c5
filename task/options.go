package task

import (
	"log/slog"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/backoff"
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger.With("component", "task")
		}
	}
}

// WithDefaultTimeout sets the execution deadline applied to tasks that do
// not carry their own.
func WithDefaultTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithDefaultRetries sets the retry budget for specs that leave
// MaxRetries negative.
func WithDefaultRetries(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n >= 0 {
			c.defaultRetries = n
		}
	}
}

// WithRetryPolicy sets the backoff applied between a retryable failure
// and the task's republication.
func WithRetryPolicy(p backoff.Policy) CoordinatorOption {
	return func(c *Coordinator) {
		c.retryPolicy = p
	}
}

// WithRecorder wires task lifecycle metrics.
func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.recorder = r
	}
}
