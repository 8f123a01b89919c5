// Package circuit provides circuit breakers for calls to unreliable
// collaborators. A breaker opens after a run of consecutive failures,
// rejects calls while open, and probes the collaborator through a
// half-open phase before closing again.
package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// State is a breaker's position.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChange observes a breaker transition.
type StateChange func(name string, from, to State)

// Counts is a snapshot of a breaker's counters. LastFailureTime is zero
// until the first failure and is not cleared by Reset.
type Counts struct {
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	TotalCalls          int64
	TotalFailures       int64
	TotalRejected       int64
	LastFailureTime     time.Time
}

// Breaker guards calls to one collaborator.
type Breaker struct {
	name   string
	logger *slog.Logger

	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int
	callTimeout      time.Duration
	onStateChange    StateChange

	mu       sync.Mutex
	state    State
	openedAt time.Time
	counts   Counts

	now func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger.With("component", "circuit")
		}
	}
}

// WithFailureThreshold sets the consecutive failures that open the
// breaker (default 5).
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before probing
// (default 30s).
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithSuccessThreshold sets the half-open successes required to close
// (default 2).
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCallTimeout bounds each guarded call. An expired call counts as a
// failure (default 10s).
func WithCallTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChange) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             name,
		logger:           slog.Default(),
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		successThreshold: 2,
		callTimeout:      10 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the breaker's current state, applying the open-to-probe
// transition if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Counts returns a snapshot of the breaker's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn under the breaker's policy. While open it fails fast
// with a circuit-open error; a call exceeding the call timeout counts as
// a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		// The call leaked past its deadline even if it claims success.
		err = callCtx.Err()
	}
	if err != nil {
		if callCtx.Err() != nil {
			err = errors.WrapTimeout(err, "Breaker", "Execute", "run call")
		}
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// allow admits or rejects one call.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	if b.state == StateOpen {
		b.counts.TotalRejected++
		return errors.WrapCircuitOpen(
			fmt.Errorf("%w: %s", errors.ErrCircuitOpen, b.name),
			"Breaker", "allow", "admit call")
	}
	b.counts.TotalCalls++
	return nil
}

// refreshLocked moves an expired open breaker into half-open.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	b.counts.ConsecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.counts.HalfOpenSuccesses++
		if b.counts.HalfOpenSuccesses >= b.successThreshold {
			b.transitionLocked(StateClosed)
		}
	}
	b.mu.Unlock()
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.LastFailureTime = b.now()
	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.failureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
	b.mu.Unlock()
}

// ForceState overrides the breaker's state for operational control. A
// forced open breaker still re-probes after the reset timeout.
func (b *Breaker) ForceState(to State) {
	b.mu.Lock()
	if b.state != to {
		b.transitionLocked(to)
	}
	b.mu.Unlock()
}

// Reset closes the breaker and clears its consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.counts.ConsecutiveFailures = 0
	b.counts.HalfOpenSuccesses = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
}

// transitionLocked changes state and fires the observer. Callers hold
// b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen, StateClosed:
		b.counts.HalfOpenSuccesses = 0
	}
	if to == StateClosed {
		b.counts.ConsecutiveFailures = 0
	}

	b.logger.Info("breaker state changed",
		"name", b.name, "from", from.String(), "to", to.String())
	if b.onStateChange != nil {
		// Fired outside the callback's own locking concerns but inside
		// b.mu: observers must not call back into the breaker.
		b.onStateChange(b.name, from, to)
	}
}
