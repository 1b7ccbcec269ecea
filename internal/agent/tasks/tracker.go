// Package tasks tracks fire-and-forget background jobs so shutdown can cancel
// them and wait a bounded time instead of leaking them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/common/appctx"
	"github.com/kandev/sessionhub/internal/common/logger"
)

// ErrTrackerClosed is the result of a task submitted after Shutdown began.
var ErrTrackerClosed = errors.New("background task tracker is shut down")

type loopKey struct{}

// WithLoop marks ctx as running inside a tracked background loop. Blocking
// entry points check the mark and refuse to wait inline.
func WithLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, loopKey{}, true)
}

// InLoop reports whether ctx was marked by WithLoop.
func InLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(loopKey{}).(bool)
	return v
}

// Task is a handle to one tracked job.
type Task struct {
	id        uint64
	name      string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func (t *Task) ID() uint64   { return t.id }
func (t *Task) Name() string { return t.name }

// Done is closed when the job returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the job's error; only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel cancels the job's context. It does not wait.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Wait blocks until the job finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker owns the set of running background tasks.
type Tracker struct {
	mu      sync.Mutex
	tasks   map[uint64]*Task
	closing bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	nextID  atomic.Uint64
	logger  *logger.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		tasks:  make(map[uint64]*Task),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("task-tracker"),
	}
}

// Go runs fn on its own goroutine under a context detached from parent's
// cancellation but cancelled by Task.Cancel or Shutdown. onDone, when non-nil,
// runs after fn returns and before the task deregisters.
func (t *Tracker) Go(parent context.Context, name string, fn func(ctx context.Context) error, onDone func(*Task)) *Task {
	task := &Task{
		id:        t.nextID.Add(1),
		name:      name,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		task.err = ErrTrackerClosed
		close(task.done)
		t.logger.Warn("rejected background task after shutdown", zap.String("task", name))
		return task
	}
	ctx, cancel := appctx.Detached(parent, t.stopCh, 0)
	task.cancel = cancel
	t.tasks[task.id] = task
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer cancel()

		task.err = run(WithLoop(ctx), fn)
		if onDone != nil {
			onDone(task)
		}

		t.mu.Lock()
		delete(t.tasks, task.id)
		t.mu.Unlock()
		close(task.done)

		t.logger.Debug("background task finished",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(task.startedAt)),
			zap.Error(task.err))
	}()

	return task
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Active returns the number of tasks still running.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Shutdown rejects new tasks, cancels every tracked task and waits at most
// timeout for them to return. It returns how many were still running.
func (t *Tracker) Shutdown(timeout time.Duration) int {
	t.mu.Lock()
	if !t.closing {
		t.closing = true
		close(t.stopCh)
	}
	pending := len(t.tasks)
	t.mu.Unlock()

	t.logger.Info("shutting down background tasks",
		zap.Int("pending", pending),
		zap.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-time.After(timeout):
		remaining := t.Active()
		t.logger.Warn("background tasks still running after shutdown timeout",
			zap.Int("remaining", remaining))
		return remaining
	}
}
