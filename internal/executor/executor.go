// Package executor runs units of work concurrently by default and serializes
// them on demand.
//
// A task marked Gate closes the gate: it joins a serial queue that runs one
// task at a time, and ordinary tasks submitted while the gate is closed wait.
// When the serial queue drains the gate opens and the waiting tasks start in
// arrival order. A gated task holds the queue until its outcome is settled;
// its callback runs off the serial path, so a callback may submit and wait
// on new work. Every run carries a timeout after which the caller is told
// the task timed out; the task itself is only asked to stop through its
// context, and a late completion is discarded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is wrapped by the error delivered when a task runs out of time.
var ErrTimeout = errors.New("executor: task timeout")

// TaskError wraps a panic raised by a task function.
type TaskError struct {
	TaskID string
	Value  any
	Stack  []byte
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("executor: task %s panicked: %v", e.TaskID, e.Value)
}

// Task is one unit of work.
type Task struct {
	ID string
	// Fn does the work. ctx is cancelled when the task times out.
	Fn func(ctx context.Context) (any, error)
	// Callback receives the outcome exactly once.
	Callback func(res any, err error)
	// Gate serializes this task and holds back later ordinary tasks.
	Gate bool
	// IgnoreGate runs the task immediately even while the gate is closed.
	IgnoreGate bool
	// Timeout overrides the executor default. Zero means use the default.
	Timeout time.Duration
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	Gated    bool
	Waiting  int
	Serial   int
	Running  int64
	Timeouts uint64
	Late     uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the default task timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithAbandonHandler receives errors raised by task callbacks.
func WithAbandonHandler(fn func(t *Task, err error)) Option {
	return func(e *Executor) { e.abandon = fn }
}

// Executor is a gating task runner. The zero value is not usable; call New.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
	abandon func(t *Task, err error)

	mu       sync.Mutex
	gated    bool
	waiters  []*Task
	serial   []*Task
	draining bool
	pending  int
	idle     chan struct{} // closed while pending is zero

	running  atomic.Int64
	timeouts atomic.Uint64
	late     atomic.Uint64
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{logger: slog.Default(), idle: make(chan struct{})}
	close(e.idle)
	for _, opt := range opts {
		opt(e)
	}
	if e.abandon == nil {
		e.abandon = func(t *Task, err error) {
			e.logger.Error("task callback failed", "task_id", t.ID, "error", err)
		}
	}
	return e
}

// Execute submits t.
func (e *Executor) Execute(t *Task) {
	e.mu.Lock()
	e.addPendingLocked()
	switch {
	case t.Gate:
		e.gated = true
		e.serial = append(e.serial, t)
		start := !e.draining
		e.draining = true
		e.mu.Unlock()
		if start {
			go e.drain()
		}
		return
	case e.gated && !t.IgnoreGate:
		e.waiters = append(e.waiters, t)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	go e.run(t, nil)
}

// drain runs gated tasks one at a time, then opens the gate and releases
// the waiters in arrival order.
func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.serial) == 0 {
			e.gated = false
			e.draining = false
			waiters := e.waiters
			e.waiters = nil
			e.mu.Unlock()

			for _, t := range waiters {
				go e.run(t, nil)
			}
			return
		}
		t := e.serial[0]
		e.serial = e.serial[1:]
		e.mu.Unlock()

		settled := make(chan struct{})
		go e.run(t, settled)
		<-settled
	}
}

// run executes t and returns once its callback has fired. settled, when not
// nil, is closed as soon as the outcome is decided, before the callback.
func (e *Executor) run(t *Task, settled chan<- struct{}) {
	e.running.Add(1)
	defer e.running.Add(-1)
	defer e.donePending()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var decided atomic.Bool
	fired := make(chan struct{})
	finish := func(res any, err error, fromTimer bool) {
		if !decided.CompareAndSwap(false, true) {
			if !fromTimer {
				e.late.Add(1)
				e.logger.Debug("late task completion discarded", "task_id", t.ID)
			}
			return
		}
		defer close(fired)
		if settled != nil {
			close(settled)
		}
		if fromTimer {
			e.timeouts.Add(1)
		}
		e.callback(t, res, err)
	}

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			cancel()
			finish(nil, fmt.Errorf("%w: %s after %v", ErrTimeout, t.ID, timeout), true)
		})
		defer timer.Stop()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				finish(nil, &TaskError{TaskID: t.ID, Value: r, Stack: debug.Stack()}, false)
			}
		}()
		res, err := t.Fn(ctx)
		finish(res, err, false)
	}()

	<-fired
}

func (e *Executor) callback(t *Task, res any, err error) {
	if t.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.abandon(t, fmt.Errorf("callback panic: %v", r))
		}
	}()
	t.Callback(res, err)
}

// Wait blocks until no submitted task is outstanding or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) addPendingLocked() {
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending++
}

func (e *Executor) donePending() {
	e.mu.Lock()
	e.pending--
	if e.pending == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
}

// Stats returns the current executor state.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	st := Stats{Gated: e.gated, Waiting: len(e.waiters), Serial: len(e.serial)}
	e.mu.Unlock()
	st.Running = e.running.Load()
	st.Timeouts = e.timeouts.Load()
	st.Late = e.late.Load()
	return st
}
