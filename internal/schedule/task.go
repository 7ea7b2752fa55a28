package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

var ErrAlreadyRunning = errors.New("task already running")

// Func is the body of a scheduled task.
type Func func(ctx context.Context) error

// Task runs a function on a fixed interval. A fire that finds the previous
// run still in progress is skipped, never queued.
type Task struct {
	name     string
	interval time.Duration
	fn       Func
	tel      *telemetry.Telemetry

	busy *semaphore.Weighted
	runs sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	loop   chan struct{}
}

func NewTask(name string, interval time.Duration, fn Func, tel *telemetry.Telemetry) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		tel:      tel,
		busy:     semaphore.NewWeighted(1),
	}
}

func (t *Task) Name() string {
	return t.name
}

// Start begins firing the task every interval until Stop is called or ctx is cancelled.
func (t *Task) Start(ctx context.Context) error {
	if t.interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", t.name, t.interval)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx = logctx.With(ctx, "task", t.name)
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.loop = make(chan struct{})

	go t.tick(t.ctx, t.loop)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task started", "interval", t.interval.String())

	return nil
}

// Stop cancels the loop and waits for an in-flight run to return.
// Stopping a task that is not running is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, loop, ctx := t.cancel, t.loop, t.ctx
	t.cancel, t.loop, t.ctx = nil, nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-loop
	t.runs.Wait()

	logctx.LoggerFromContext(ctx).Info("task stopped")
}

// Trigger fires the task immediately. It reports false when the task is not
// started or a run is already in progress.
func (t *Task) Trigger() bool {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return false
	}

	return t.fire(ctx)
}

// Running reports whether the task loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancel != nil
}

func (t *Task) tick(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

func (t *Task) fire(ctx context.Context) bool {
	if !t.busy.TryAcquire(1) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "previous run still in progress, skipping")
		t.tel.RecordTaskSkipped(t.name)

		return false
	}

	t.runs.Add(1)

	go func() {
		defer t.runs.Done()
		defer t.busy.Release(1)

		t.run(ctx)
	}()

	return true
}

func (t *Task) run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panic",
				"panic", r,
				"stack", string(debug.Stack()))
			t.tel.RecordSystemError("scheduler", "panic")
		}
	}()

	start := time.Now()

	err := t.tel.InstrumentTask(ctx, t.name, func(ctx context.Context) error {
		return t.fn(ctx)
	})
	if err != nil {
		logger.ErrorContext(ctx, "task run failed", "err", err, "duration", time.Since(start).String())

		return
	}

	logger.DebugContext(ctx, "task run finished", "duration", time.Since(start).String())
}
