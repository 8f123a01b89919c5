package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/backoff"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

func startCoordinator(t *testing.T, bus *transport.Bus, id string, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	// Fast retry backoff keeps retry tests snappy; caller opts may override.
	fast := WithRetryPolicy(backoff.Policy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	})
	c, err := NewCoordinator(bus, id, append([]CoordinatorOption{fast}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	_, err := NewCoordinator(nil, "svc")
	assert.Error(t, err)

	_, err = NewCoordinator(bus, "")
	assert.Error(t, err)
}

func TestRegisterHandler(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	c, err := NewCoordinator(bus, "svc")
	require.NoError(t, err)

	noop := func(context.Context, Task, ProgressFunc) (any, error) { return nil, nil }
	require.NoError(t, c.RegisterHandler("index", noop))
	assert.Error(t, c.RegisterHandler("index", noop))
	assert.Error(t, c.RegisterHandler("", noop))
	assert.Error(t, c.RegisterHandler("other", nil))
}

func TestTargetedTaskCompletes(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")

	require.NoError(t, worker.RegisterHandler("sum", func(_ context.Context, task Task, _ ProgressFunc) (any, error) {
		a := task.Parameters["a"].(float64)
		b := task.Parameters["b"].(float64)
		return a + b, nil
	}))

	id, err := creator.Create(context.Background(), Spec{
		Type:       "sum",
		Parameters: map[string]any{"a": 2, "b": 3},
		AssignedTo: "worker",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 5.0, done.Result)
	assert.Equal(t, "worker", done.AssignedTo)
	assert.Equal(t, 1.0, done.Progress)
}

func TestBroadcastTaskPickedByCapablePeer(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	startCoordinator(t, bus, "idle") // no handlers, must ignore the broadcast
	worker := startCoordinator(t, bus, "worker")

	require.NoError(t, worker.RegisterHandler("echo", func(_ context.Context, task Task, _ ProgressFunc) (any, error) {
		return task.Parameters["v"], nil
	}))

	id, err := creator.Create(context.Background(), Spec{
		Type:       "echo",
		Parameters: map[string]any{"v": "hello"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "hello", done.Result)
}

func TestProgressUpdatesPrecedeCompletion(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var seen []string
	_, err := bus.Subscribe(context.Background(), message.SubjectTaskUpdate,
		func(_ context.Context, msg *transport.Msg) {
			env, err := message.Decode(msg.Data)
			if err != nil {
				return
			}
			p := env.Payload.(*message.TaskUpdatePayload)
			mu.Lock()
			seen = append(seen, fmt.Sprintf("%s@%.1f", p.Status, p.Progress))
			mu.Unlock()
		})
	require.NoError(t, err)

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")
	require.NoError(t, worker.RegisterHandler("long", func(_ context.Context, _ Task, progress ProgressFunc) (any, error) {
		progress(0.5, "halfway")
		return "ok", nil
	}))

	id, err := creator.Create(context.Background(), Spec{Type: "long", AssignedTo: "worker"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = creator.Await(ctx, id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "IN_PROGRESS@0.0", seen[0])
	assert.Equal(t, "IN_PROGRESS@0.5", seen[1])
}

func TestNonRetryableFailure(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")
	require.NoError(t, worker.RegisterHandler("bad", func(context.Context, Task, ProgressFunc) (any, error) {
		return nil, errors.TaskExecution(fmt.Errorf("corrupt input"), false, "worker", "handle")
	}))

	id, err := creator.Create(context.Background(), Spec{Type: "bad", AssignedTo: "worker", MaxRetries: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "corrupt input")
	assert.Equal(t, 0, done.RetryCount)
}

func TestRetryableFailureRetriesThenSucceeds(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, worker.RegisterHandler("flaky", func(context.Context, Task, ProgressFunc) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, errors.TaskExecution(fmt.Errorf("transient"), true, "worker", "handle")
		}
		return "recovered", nil
	}))

	id, err := creator.Create(context.Background(), Spec{Type: "flaky", AssignedTo: "worker", MaxRetries: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "recovered", done.Result)
	assert.Equal(t, 1, done.RetryCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestBroadcastRetryStaysBroadcast(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, worker.RegisterHandler("flaky", func(context.Context, Task, ProgressFunc) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, errors.TaskExecution(fmt.Errorf("transient"), true, "worker", "handle")
		}
		return "recovered", nil
	}))

	// Tap the failing executor's targeted subject: an unassigned task must
	// never be republished there, even though the executor's updates name
	// it as the runtime assignee.
	targeted := 0
	tap, err := bus.Subscribe(context.Background(), message.SubjectTaskCreateFor("worker"),
		func(context.Context, *transport.Msg) {
			mu.Lock()
			targeted++
			mu.Unlock()
		})
	require.NoError(t, err)
	defer tap.Unsubscribe()

	id, err := creator.Create(context.Background(), Spec{Type: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, done.RetryCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Zero(t, targeted)
}

func TestRetryBudgetExhausted(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, worker.RegisterHandler("doomed", func(context.Context, Task, ProgressFunc) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.TaskExecution(fmt.Errorf("still broken"), true, "worker", "handle")
	}))

	id, err := creator.Create(context.Background(), Spec{Type: "doomed", AssignedTo: "worker", MaxRetries: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 2, done.RetryCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts) // initial attempt plus two retries
}

func TestTargetedTaskWithoutHandlerFails(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	startCoordinator(t, bus, "worker") // no handler registered

	id, err := creator.Create(context.Background(), Spec{Type: "unknown", AssignedTo: "worker"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "no handler")
}

func TestHandlerTimeoutFailsTask(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")
	require.NoError(t, worker.RegisterHandler("slow", func(ctx context.Context, _ Task, _ ProgressFunc) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}))

	id, err := creator.Create(context.Background(), Spec{
		Type:       "slow",
		AssignedTo: "worker",
		Timeout:    30 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
}

func TestTaskTimeoutAboveDispatchDeadlineHonored(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")

	// The subscription's dispatch deadline defaults to 30s. A task budget
	// above it must reach the handler intact, not get silently truncated.
	var mu sync.Mutex
	var remaining time.Duration
	require.NoError(t, worker.RegisterHandler("long-haul", func(ctx context.Context, _ Task, _ ProgressFunc) (any, error) {
		deadline, ok := ctx.Deadline()
		mu.Lock()
		if ok {
			remaining = time.Until(deadline)
		}
		mu.Unlock()
		return "ok", nil
	}))

	id, err := creator.Create(context.Background(), Spec{
		Type:       "long-haul",
		AssignedTo: "worker",
		Timeout:    2 * time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, remaining, time.Minute)
}

func TestHandlerPanicFailsTask(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")
	require.NoError(t, worker.RegisterHandler("explosive", func(context.Context, Task, ProgressFunc) (any, error) {
		panic("boom")
	}))

	id, err := creator.Create(context.Background(), Spec{Type: "explosive", AssignedTo: "worker", MaxRetries: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "panic")
	assert.Equal(t, 0, done.RetryCount) // panic is never retried
}

func TestLateFailAfterCompletionIgnored(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	worker := startCoordinator(t, bus, "worker")
	require.NoError(t, worker.RegisterHandler("quick", func(context.Context, Task, ProgressFunc) (any, error) {
		return "done", nil
	}))

	id, err := creator.Create(context.Background(), Spec{Type: "quick", AssignedTo: "worker"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := creator.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	// A duplicated failure arriving after the terminal state is dropped.
	env := message.New(message.TypeTaskFail, "worker",
		&message.TaskFailPayload{TaskID: id, Error: "late duplicate", Retryable: false})
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), message.SubjectTaskFail, data))

	time.Sleep(50 * time.Millisecond)
	got, err := creator.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestAwaitTimesOut(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")

	// No worker exists, so the task never progresses.
	id, err := creator.Create(context.Background(), Spec{Type: "orphan", AssignedTo: "nobody"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = creator.Await(ctx, id)
	assert.True(t, errors.IsTimeout(err))
}

func TestGetUnknownTask(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	_, err := creator.Get("no-such-task")
	assert.True(t, errors.IsNotFound(err))

	_, err = creator.Await(context.Background(), "no-such-task")
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateValidation(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	creator := startCoordinator(t, bus, "creator")
	_, err := creator.Create(context.Background(), Spec{})
	assert.Error(t, err)
}
