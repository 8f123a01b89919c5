package circuit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

var errBoom = fmt.Errorf("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStartsClosed(t *testing.T) {
	b := NewBreaker("db")
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "db", b.Name())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("db", WithFailureThreshold(3))

	for range 2 {
		require.Error(t, b.Execute(context.Background(), failing))
		assert.Equal(t, StateClosed, b.State())
	}
	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker("db", WithFailureThreshold(3))

	require.Error(t, b.Execute(context.Background(), failing))
	require.Error(t, b.Execute(context.Background(), failing))
	require.NoError(t, b.Execute(context.Background(), succeeding))
	require.Error(t, b.Execute(context.Background(), failing))
	require.Error(t, b.Execute(context.Background(), failing))

	// Only two consecutive failures since the success.
	assert.Equal(t, StateClosed, b.State())
}

func TestOpenRejectsImmediately(t *testing.T) {
	b := NewBreaker("db", WithFailureThreshold(1))
	require.Error(t, b.Execute(context.Background(), failing))

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errors.IsCircuitOpen(err))
	assert.False(t, called)
	assert.Equal(t, int64(1), b.Counts().TotalRejected)
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	clock := newTestClock()
	b := NewBreaker("db",
		WithFailureThreshold(1),
		WithResetTimeout(time.Minute),
		withClock(clock.Now))

	require.Error(t, b.Execute(context.Background(), failing))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newTestClock()
	b := NewBreaker("db",
		WithFailureThreshold(1),
		WithResetTimeout(time.Minute),
		WithSuccessThreshold(2),
		withClock(clock.Now))

	require.Error(t, b.Execute(context.Background(), failing))
	clock.Advance(2 * time.Minute)

	require.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newTestClock()
	b := NewBreaker("db",
		WithFailureThreshold(1),
		WithResetTimeout(time.Minute),
		withClock(clock.Now))

	require.Error(t, b.Execute(context.Background(), failing))
	clock.Advance(2 * time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, b.State())

	// The reopened breaker needs a full reset timeout again.
	clock.Advance(30 * time.Second)
	err := b.Execute(context.Background(), succeeding)
	assert.True(t, errors.IsCircuitOpen(err))
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	b := NewBreaker("slow",
		WithFailureThreshold(1),
		WithCallTimeout(20*time.Millisecond))

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, StateOpen, b.State())
}

func TestForceStateAndReset(t *testing.T) {
	b := NewBreaker("db")

	b.ForceState(StateOpen)
	err := b.Execute(context.Background(), succeeding)
	assert.True(t, errors.IsCircuitOpen(err))

	b.ForceState(StateHalfOpen)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeeding))

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeeding))
}

func TestStateChangeObserver(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	clock := newTestClock()
	b := NewBreaker("db",
		WithFailureThreshold(1),
		WithResetTimeout(time.Minute),
		WithSuccessThreshold(1),
		WithStateChange(func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
			mu.Unlock()
		}),
		withClock(clock.Now))

	require.Error(t, b.Execute(context.Background(), failing))
	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Execute(context.Background(), succeeding))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"db:closed->open",
		"db:open->half-open",
		"db:half-open->closed",
	}, transitions)
}

func TestCounts(t *testing.T) {
	b := NewBreaker("db", WithFailureThreshold(10))

	require.NoError(t, b.Execute(context.Background(), succeeding))
	require.Error(t, b.Execute(context.Background(), failing))
	require.Error(t, b.Execute(context.Background(), failing))

	c := b.Counts()
	assert.Equal(t, int64(3), c.TotalCalls)
	assert.Equal(t, int64(2), c.TotalFailures)
	assert.Equal(t, 2, c.ConsecutiveFailures)
}

func TestRegistryLazyCreation(t *testing.T) {
	r := NewRegistry(WithDefaults(WithFailureThreshold(1)))

	b := r.Get("downstream")
	require.NotNil(t, b)
	assert.Same(t, b, r.Get("downstream"))

	// Defaults apply to lazily created breakers.
	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, b.State())

	assert.Equal(t, []string{"downstream"}, r.Names())
}

func TestRegistryRecorder(t *testing.T) {
	rec := &stubRecorder{states: make(map[string]int)}
	r := NewRegistry(
		WithDefaults(WithFailureThreshold(1)),
		WithRecorder(rec),
	)

	b := r.Get("api")
	assert.Equal(t, int(StateClosed), rec.get("api"))

	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, int(StateOpen), rec.get("api"))
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(WithDefaults(WithFailureThreshold(1)))

	a := r.Get("a")
	b := r.Get("b")
	require.Error(t, a.Execute(context.Background(), failing))
	require.Error(t, b.Execute(context.Background(), failing))

	r.ResetAll()
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
}

type stubRecorder struct {
	mu     sync.Mutex
	states map[string]int
}

func (s *stubRecorder) RecordCircuitState(name string, state int) {
	s.mu.Lock()
	s.states[name] = state
	s.mu.Unlock()
}

func (s *stubRecorder) get(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

func TestCountsTrackLastFailureTime(t *testing.T) {
	clock := newTestClock()
	b := NewBreaker("db", WithFailureThreshold(10), withClock(clock.Now))

	assert.True(t, b.Counts().LastFailureTime.IsZero())

	require.Error(t, b.Execute(context.Background(), failing))
	first := b.Counts().LastFailureTime
	assert.Equal(t, clock.Now(), first)

	// Successes leave the timestamp alone.
	clock.Advance(time.Minute)
	require.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, first, b.Counts().LastFailureTime)

	clock.Advance(time.Minute)
	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, first.Add(2*time.Minute), b.Counts().LastFailureTime)
}
