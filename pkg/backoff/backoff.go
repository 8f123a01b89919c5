// Package backoff provides bounded exponential backoff with jitter for
// transport reconnection, task retry scheduling, and remote refresh attempts.
package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	a2aerrors "github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// Policy configures exponential backoff behavior.
type Policy struct {
	MaxAttempts  int           // Total attempts including the first (0 = run once)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any single delay
	Multiplier   float64       // Growth factor between attempts (typically 2.0)
	Jitter       bool          // Randomize delays to avoid thundering herd
}

// Default returns the policy used where no explicit policy is configured.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Connect returns a persistent policy for establishing the bus connection.
func Connect() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff delay preceding the given retry attempt,
// where attempt 0 is the first retry. The returned duration is bounded
// by MaxDelay and, when Jitter is set, extended by up to 25%.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		next := float64(delay) * p.Multiplier
		if next >= float64(p.MaxDelay) {
			delay = p.MaxDelay
			break
		}
		delay = time.Duration(next)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter && delay > 0 {
		delay += rand.N(delay / 4)
	}
	return delay
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Do executes fn until it succeeds, a non-retryable error occurs, the
// context is cancelled, or attempts are exhausted. Non-retryable errors
// (per the errors package classification) fail immediately.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backoff cancelled before attempt %d: %w", attempt+1, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !a2aerrors.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("backoff cancelled during delay for attempt %d: %w", attempt+2, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", a2aerrors.ErrRetriesExceeded, p.MaxAttempts, lastErr)
}
