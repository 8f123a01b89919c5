package store

import (
	"log/slog"
	"time"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// WithRequestTimeout bounds the peer fallback on a read miss.
func WithRequestTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithRecorder wires storage operation metrics.
func WithRecorder(r Recorder) StoreOption {
	return func(s *Store) {
		s.recorder = r
	}
}

// setOptions holds per-write options.
type setOptions struct {
	ttl      time.Duration
	metadata map[string]string
}

// SetOption configures one write.
type SetOption func(*setOptions)

// WithTTL expires the entry after d on every replica.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = d
	}
}

// WithMetadata attaches opaque metadata to the entry.
func WithMetadata(md map[string]string) SetOption {
	return func(o *setOptions) {
		o.metadata = md
	}
}

// getOptions holds per-read options.
type getOptions struct {
	minVersion int64
}

// GetOption configures one read.
type GetOption func(*getOptions)

// WithMinVersion rejects entries below version v. A stale local copy
// falls through to the peer fallback, which only holders of at least v
// answer.
func WithMinVersion(v int64) GetOption {
	return func(o *getOptions) {
		if v > 0 {
			o.minVersion = v
		}
	}
}
