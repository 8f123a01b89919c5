package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/backoff"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

// Recorder receives task lifecycle measurements. *metric.Metrics satisfies
// it; a nil recorder disables recording.
type Recorder interface {
	RecordTaskCreated(taskType string)
	RecordTaskTerminal(taskType, outcome string)
	RecordTaskRetry(taskType string)
	RecordTaskDuration(taskType string, d time.Duration)
}

// tracked is a locally created task plus its terminal notification.
// routeTo preserves the creator's routing intent: the task's AssignedTo
// follows whichever executor picked it up, but a retry of an unassigned
// task must go back out as a broadcast, not to the executor that failed.
type tracked struct {
	task     Task
	routeTo  string
	terminal chan struct{}
}

// Coordinator creates tasks for peers, executes the task types this
// process handles, and tracks created tasks to exactly one terminal
// state. Progress and results travel as lifecycle messages on the bus, so
// every coordinator that created a task observes it independently.
type Coordinator struct {
	conn      transport.Conn
	serviceID string
	logger    *slog.Logger
	recorder  Recorder

	defaultTimeout time.Duration
	defaultRetries int
	retryPolicy    backoff.Policy

	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]*tracked
	subs     []transport.Subscription
	started  bool
}

// NewCoordinator creates a task coordinator identified as serviceID.
func NewCoordinator(conn transport.Conn, serviceID string, opts ...CoordinatorOption) (*Coordinator, error) {
	if conn == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: nil connection", errors.ErrInvalidConfig),
			"Coordinator", "NewCoordinator", "check connection")
	}
	if serviceID == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: missing serviceId", errors.ErrInvalidConfig),
			"Coordinator", "NewCoordinator", "check identity")
	}

	c := &Coordinator{
		conn:           conn,
		serviceID:      serviceID,
		logger:         slog.Default(),
		defaultTimeout: 30 * time.Second,
		defaultRetries: 3,
		retryPolicy:    backoff.Default(),
		handlers:       make(map[string]Handler),
		tasks:          make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterHandler installs the handler for a task type. Registration of a
// type already handled is rejected.
func (c *Coordinator) RegisterHandler(taskType string, h Handler) error {
	if taskType == "" || h == nil {
		return errors.WrapValidation(
			fmt.Errorf("%w: handler registration requires a type and func", errors.ErrInvalidConfig),
			"Coordinator", "RegisterHandler", "check arguments")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[taskType]; exists {
		return errors.WrapValidation(
			fmt.Errorf("handler for %q already registered", taskType),
			"Coordinator", "RegisterHandler", "check duplicate")
	}
	c.handlers[taskType] = h
	return nil
}

// Start subscribes to the task subjects. Targeted creates use a queue
// group named after the service so scaled-out instances split the work.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	type binding struct {
		subject string
		handler transport.Handler
		opts    []transport.SubOption
	}
	bindings := []binding{
		{message.SubjectTaskCreate, c.handleCreate, nil},
		{message.SubjectTaskCreateFor(c.serviceID), c.handleCreate,
			[]transport.SubOption{transport.WithQueue(c.serviceID)}},
		{message.SubjectTaskUpdate, c.handleUpdate, nil},
		{message.SubjectTaskComplete, c.handleComplete, nil},
		{message.SubjectTaskFail, c.handleFail, nil},
	}
	for _, b := range bindings {
		sub, err := c.conn.Subscribe(ctx, b.subject, b.handler, b.opts...)
		if err != nil {
			c.teardown()
			return errors.WrapConnection(err, "Coordinator", "Start",
				fmt.Sprintf("subscribe %s", b.subject))
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	c.logger.Info("task coordinator started", "service_id", c.serviceID)
	return nil
}

// Stop cancels all subscriptions. In-flight handler executions finish;
// their terminal messages simply go unobserved by this process.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return errors.ErrNotStarted
	}
	c.started = false
	c.mu.Unlock()

	c.teardown()
	c.logger.Info("task coordinator stopped", "service_id", c.serviceID)
	return nil
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", "subject", sub.Subject(), "error", err)
		}
	}
}

// Create publishes a new task and begins tracking it. Returns the task ID.
func (c *Coordinator) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.Type == "" {
		return "", errors.WrapValidation(
			fmt.Errorf("%w: missing task type", errors.ErrInvalidMessage),
			"Coordinator", "Create", "check spec")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	maxRetries := spec.MaxRetries
	if maxRetries < 0 {
		maxRetries = c.defaultRetries
	}

	now := time.Now().UTC()
	t := Task{
		ID:         uuid.New().String(),
		Type:       spec.Type,
		Parameters: spec.Parameters,
		AssignedTo: spec.AssignedTo,
		Priority:   spec.Priority,
		Timeout:    timeout,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	c.mu.Lock()
	c.tasks[t.ID] = &tracked{task: t, routeTo: spec.AssignedTo, terminal: make(chan struct{})}
	c.mu.Unlock()

	if err := c.publishCreate(ctx, t); err != nil {
		c.mu.Lock()
		delete(c.tasks, t.ID)
		c.mu.Unlock()
		return "", err
	}

	if c.recorder != nil {
		c.recorder.RecordTaskCreated(t.Type)
	}
	c.logger.Info("task created",
		"task_id", t.ID, "task_type", t.Type, "assigned_to", t.AssignedTo)
	return t.ID, nil
}

func (c *Coordinator) publishCreate(ctx context.Context, t Task) error {
	subject := message.SubjectTaskCreate
	if t.AssignedTo != "" {
		subject = message.SubjectTaskCreateFor(t.AssignedTo)
	}
	env := message.New(message.TypeTaskCreate, c.serviceID,
		&message.TaskCreatePayload{
			TaskID:     t.ID,
			TaskType:   t.Type,
			Parameters: t.Parameters,
			AssignedTo: t.AssignedTo,
			Priority:   t.Priority,
			TimeoutMs:  t.Timeout.Milliseconds(),
			RetryCount: t.RetryCount,
		})
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.conn.Publish(ctx, subject, data); err != nil {
		return errors.WrapConnection(err, "Coordinator", "publishCreate", "publish task")
	}
	return nil
}

// Get returns a snapshot of a tracked task.
func (c *Coordinator) Get(taskID string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.tasks[taskID]
	if !ok {
		return Task{}, errors.WrapNotFound(
			fmt.Errorf("%w: task %s", errors.ErrNotFound, taskID),
			"Coordinator", "Get", "find task")
	}
	return tr.task, nil
}

// Await blocks until the task reaches a terminal state or ctx expires.
func (c *Coordinator) Await(ctx context.Context, taskID string) (Task, error) {
	c.mu.Lock()
	tr, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return Task{}, errors.WrapNotFound(
			fmt.Errorf("%w: task %s", errors.ErrNotFound, taskID),
			"Coordinator", "Await", "find task")
	}

	select {
	case <-tr.terminal:
	case <-ctx.Done():
		return Task{}, errors.WrapTimeout(ctx.Err(), "Coordinator", "Await", "wait for completion")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return tr.task, nil
}

// List returns snapshots of all tracked tasks.
func (c *Coordinator) List() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.tasks))
	for _, tr := range c.tasks {
		out = append(out, tr.task)
	}
	return out
}

// handleCreate runs on both the broadcast and the targeted create
// subjects. A broadcast create is picked up only when this process has a
// handler for the type; a targeted create with no handler fails loudly so
// the creator is not left waiting.
func (c *Coordinator) handleCreate(ctx context.Context, msg *transport.Msg) {
	env := c.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.TaskCreatePayload)
	if !ok {
		return
	}
	if p.AssignedTo != "" && p.AssignedTo != c.serviceID {
		return
	}

	c.mu.Lock()
	handler, have := c.handlers[p.TaskType]
	c.mu.Unlock()

	if !have {
		if p.AssignedTo == c.serviceID {
			c.publishFail(ctx, p, fmt.Sprintf("no handler for task type %q", p.TaskType),
				string(errors.CodeValidation), false)
		}
		return
	}

	c.execute(ctx, handler, p)
}

// execute runs one task attempt: announce IN_PROGRESS, invoke the handler
// under its deadline, then publish exactly one terminal message.
func (c *Coordinator) execute(ctx context.Context, handler Handler, p *message.TaskCreatePayload) {
	t := Task{
		ID:         p.TaskID,
		Type:       p.TaskType,
		Parameters: p.Parameters,
		AssignedTo: c.serviceID,
		Priority:   p.Priority,
		Status:     StatusInProgress,
		RetryCount: p.RetryCount,
	}
	timeout := c.defaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	t.Timeout = timeout

	// The dispatch context carries the subscription's handler deadline,
	// which must not cap the task's own timeout. Detach before applying it
	// so a task budget above the dispatch deadline is honored, and so the
	// terminal publish still goes out when dispatch has moved on.
	runCtx := context.WithoutCancel(ctx)
	c.publishUpdate(runCtx, t.ID, StatusInProgress, 0, "")

	execCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	progress := func(pct float64, msg string) {
		c.publishUpdate(runCtx, t.ID, StatusInProgress, pct, msg)
	}

	start := time.Now()
	result, err := runHandler(execCtx, handler, t, progress)
	elapsed := time.Since(start)

	if c.recorder != nil {
		c.recorder.RecordTaskDuration(t.Type, elapsed)
	}

	if err != nil {
		if execCtx.Err() != nil {
			err = errors.WrapTimeout(err, "Coordinator", "execute", "run handler")
		}
		c.logger.Warn("task failed",
			"task_id", t.ID, "task_type", t.Type, "elapsed", elapsed, "error", err)
		c.publishFail(runCtx, p, err.Error(), string(errors.CodeOf(err)), errors.Retryable(err))
		return
	}

	c.logger.Info("task completed",
		"task_id", t.ID, "task_type", t.Type, "elapsed", elapsed)
	c.publishComplete(runCtx, t.ID, result)
}

// runHandler contains handler panics so a misbehaving handler fails its
// task instead of the process.
func runHandler(ctx context.Context, handler Handler, t Task, progress ProgressFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.TaskExecution(
				fmt.Errorf("handler panic: %v", r), false, "Coordinator", "runHandler")
		}
	}()
	return handler(ctx, t, progress)
}

func (c *Coordinator) publishUpdate(ctx context.Context, taskID string, status Status, pct float64, note string) {
	env := message.New(message.TypeTaskUpdate, c.serviceID,
		&message.TaskUpdatePayload{
			TaskID:     taskID,
			Status:     string(status),
			AssignedTo: c.serviceID,
			Progress:   pct,
			Message:    note,
		})
	c.publish(ctx, message.SubjectTaskUpdate, env)
}

func (c *Coordinator) publishComplete(ctx context.Context, taskID string, result any) {
	env := message.New(message.TypeTaskComplete, c.serviceID,
		&message.TaskCompletePayload{
			TaskID:     taskID,
			AssignedTo: c.serviceID,
			Result:     result,
		})
	c.publish(ctx, message.SubjectTaskComplete, env)
}

func (c *Coordinator) publishFail(ctx context.Context, p *message.TaskCreatePayload, errMsg, code string, retryable bool) {
	env := message.New(message.TypeTaskFail, c.serviceID,
		&message.TaskFailPayload{
			TaskID:     p.TaskID,
			AssignedTo: c.serviceID,
			Error:      errMsg,
			Code:       code,
			Retryable:  retryable,
			RetryCount: p.RetryCount,
		})
	c.publish(ctx, message.SubjectTaskFail, env)
}

func (c *Coordinator) publish(ctx context.Context, subject string, env *message.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("encode failed", "subject", subject, "error", err)
		return
	}
	if err := c.conn.Publish(ctx, subject, data); err != nil {
		c.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

func (c *Coordinator) decode(msg *transport.Msg) *message.Envelope {
	env, err := message.Decode(msg.Data)
	if err != nil {
		c.logger.Warn("discarding invalid task message",
			"subject", msg.Subject, "error", err)
		return nil
	}
	return env
}

// handleUpdate applies progress to a tracked task. Updates after a
// terminal state are dropped.
func (c *Coordinator) handleUpdate(_ context.Context, msg *transport.Msg) {
	env := c.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.TaskUpdatePayload)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tr, tracked := c.tasks[p.TaskID]
	if !tracked || tr.task.Status.Terminal() {
		return
	}
	tr.task.Status = Status(p.Status)
	tr.task.AssignedTo = p.AssignedTo
	tr.task.Progress = p.Progress
	tr.task.Message = p.Message
	tr.task.UpdatedAt = env.Headers.Timestamp
}

// handleComplete finalizes a tracked task. The first terminal message
// wins; any later complete or fail for the same task is dropped.
func (c *Coordinator) handleComplete(_ context.Context, msg *transport.Msg) {
	env := c.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.TaskCompletePayload)
	if !ok {
		return
	}

	c.mu.Lock()
	tr, tracked := c.tasks[p.TaskID]
	if !tracked || tr.task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	tr.task.Status = StatusCompleted
	tr.task.Progress = 1
	tr.task.Result = p.Result
	tr.task.AssignedTo = p.AssignedTo
	tr.task.UpdatedAt = env.Headers.Timestamp
	taskType := tr.task.Type
	close(tr.terminal)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordTaskTerminal(taskType, "completed")
	}
}

// handleFail either retries or finalizes a tracked task. A retryable
// failure below the retry budget re-enters Pending and the task is
// republished with an incremented attempt count; anything else is the
// task's single terminal failure.
func (c *Coordinator) handleFail(_ context.Context, msg *transport.Msg) {
	env := c.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.TaskFailPayload)
	if !ok {
		return
	}

	c.mu.Lock()
	tr, tracked := c.tasks[p.TaskID]
	if !tracked || tr.task.Status.Terminal() {
		c.mu.Unlock()
		return
	}

	if p.Retryable && tr.task.RetryCount < tr.task.MaxRetries {
		tr.task.RetryCount++
		tr.task.Status = StatusPending
		tr.task.Error = p.Error
		tr.task.UpdatedAt = env.Headers.Timestamp
		retry := tr.task
		retry.AssignedTo = tr.routeTo
		c.mu.Unlock()

		if c.recorder != nil {
			c.recorder.RecordTaskRetry(retry.Type)
		}
		delay := c.retryPolicy.Delay(retry.RetryCount - 1)
		c.logger.Info("retrying task",
			"task_id", retry.ID, "attempt", retry.RetryCount,
			"max_retries", retry.MaxRetries, "delay", delay)
		time.AfterFunc(delay, func() {
			c.mu.Lock()
			running := c.started
			c.mu.Unlock()
			if !running {
				return
			}
			if err := c.publishCreate(context.Background(), retry); err != nil {
				c.logger.Warn("retry publish failed", "task_id", retry.ID, "error", err)
			}
		})
		return
	}

	tr.task.Status = StatusFailed
	tr.task.Error = p.Error
	tr.task.AssignedTo = p.AssignedTo
	tr.task.UpdatedAt = env.Headers.Timestamp
	taskType := tr.task.Type
	close(tr.terminal)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordTaskTerminal(taskType, "failed")
	}
	c.logger.Warn("task failed terminally",
		"task_id", p.TaskID, "error", p.Error, "retries", p.RetryCount)
}
