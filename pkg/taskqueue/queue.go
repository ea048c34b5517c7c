// Package taskqueue provides a single-worker, per-device executor producing
// cancellable task handles with completion callbacks.
//
// Tasks submitted to one queue execute strictly in submission order, one at
// a time. Cancellation of a queued task is guaranteed; cancellation of a
// running task is cooperative through a stop flag the work observes, with a
// finalize lock arbitrating whether the stop was honored before the work
// committed to success.
package taskqueue

import (
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/metrics"
)

// ErrResultTimeout is returned by Result when the timeout elapses before
// the task reaches a terminal state. The task keeps running.
var ErrResultTimeout = stderrors.New("taskqueue: result timed out")

// ErrQueueClosed is stored as the failure of tasks submitted after Shutdown.
var ErrQueueClosed = stderrors.New("taskqueue: queue closed")

// State is a task's lifecycle state. Transitions are monotonic:
// Pending -> Running -> one of {Completed, Cancelled, Failed}, with
// Pending -> Cancelled for tasks cancelled before they start.
type State int

const (
	Pending State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of the three end states.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Work is the body of a task. It may watch t.StopRequested and, when it
// honors a stop, must call t.MarkStopped before returning.
type Work func(t *Task) (interface{}, error)

// Task identifies one queued or executing unit of work. Callers hold the
// handle; the queue owns the internals.
type Task struct {
	id   string
	work Work

	mu        sync.Mutex
	state     State
	result    interface{}
	err       error
	callbacks []func(*Task)
	done      chan struct{}

	// stop is the cooperative cancellation flag, closed once.
	stop     chan struct{}
	stopOnce sync.Once

	// finishMu is held by the worker for the whole execution and taken by
	// Cancel to observe the outcome race-free.
	finishMu   sync.Mutex
	wasStopped bool
}

func newTask(work Work) *Task {
	return &Task{
		id:   uuid.NewString(),
		work: work,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// CompletedTask returns an already-completed no-op task holding val.
// Used for requests that turn out to require no work at all.
func CompletedTask(val interface{}) *Task {
	t := newTask(nil)
	t.state = Completed
	t.result = val
	close(t.done)
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() string {
	return t.id
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// StopRequested is closed when cancellation of the task is requested.
// Work observes it at its suspension points.
func (t *Task) StopRequested() <-chan struct{} {
	return t.stop
}

// MarkStopped records that the work honored the stop request. Must be
// called by the executing work before it returns.
func (t *Task) MarkStopped() {
	t.mu.Lock()
	t.wasStopped = true
	t.mu.Unlock()
}

// AddDoneCallback registers fn to run once the task reaches a terminal
// state. If the task is already terminal, fn runs synchronously now.
// Each callback fires exactly once per task.
func (t *Task) AddDoneCallback(fn func(*Task)) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Cancel requests cancellation.
//
// A task still queued is guaranteed cancelled and never executes. A running
// task is asked to stop cooperatively; Cancel blocks until the executing
// side has finalized and reports whether the stop was honored. A finished
// task is left untouched and Cancel returns false.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	switch t.state {
	case Pending:
		t.state = Cancelled
		t.err = errors.Cancelled("cancelled before start")
		callbacks := t.takeCallbacksLocked()
		close(t.done)
		t.mu.Unlock()
		t.requestStop()
		runCallbacks(t, callbacks)
		return true
	case Completed, Cancelled, Failed:
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	t.requestStop()

	// Wait for the executor to finalize, then observe the outcome under
	// the same lock the executor held while finalizing.
	t.finishMu.Lock()
	defer t.finishMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wasStopped && t.state == Cancelled
}

func (t *Task) requestStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Result blocks until the task finishes or the timeout elapses.
// It returns the task's value on completion, the stored error on failure,
// a cancellation error if cancelled, and ErrResultTimeout if the timeout
// was exceeded (in which case the task keeps running).
func (t *Task) Result(timeout time.Duration) (interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		return nil, ErrResultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Completed:
		return t.result, nil
	case Cancelled:
		if t.err == nil {
			return nil, errors.Cancelled("task cancelled")
		}
		return nil, t.err
	default:
		return nil, t.err
	}
}

// takeCallbacksLocked detaches the registered callbacks; t.mu must be held.
func (t *Task) takeCallbacksLocked() []func(*Task) {
	cbs := t.callbacks
	t.callbacks = nil
	return cbs
}

func runCallbacks(t *Task, callbacks []func(*Task)) {
	for _, fn := range callbacks {
		fn(t)
	}
}

// Queue is a single-worker FIFO executor for one device.
type Queue struct {
	logger *log.Logger
	tasks  chan *Task
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending []*Task

	depth *metrics.Gauge
}

// New creates a queue and starts its worker goroutine.
func New(logger *log.Logger) *Queue {
	q := &Queue{
		logger: logger,
		tasks:  make(chan *Task, 64),
		quit:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Instrument registers the queue depth gauge on the given registry.
func (q *Queue) Instrument(reg *metrics.Registry, device string) {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, device)
	q.depth = reg.Gauge("picomotor_queue_depth_"+name, "Tasks queued or running for "+device)
}

// Submit enqueues work and returns its task handle. Work submitted after
// Shutdown fails immediately with ErrQueueClosed.
func (q *Queue) Submit(work Work) *Task {
	t := newTask(work)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.mu.Lock()
		t.state = Failed
		t.err = ErrQueueClosed
		close(t.done)
		t.mu.Unlock()
		return t
	}
	q.pending = append(q.pending, t)
	if q.depth != nil {
		q.depth.Add(1)
	}
	q.mu.Unlock()

	q.tasks <- t

	// Shutdown may have landed between the closed check and the send, with
	// the worker already drained and gone. Re-check and cancel so the task
	// cannot dangle Pending in the buffer forever.
	q.mu.Lock()
	closedNow := q.closed
	q.mu.Unlock()
	if closedNow {
		t.Cancel()
	}

	q.logger.Debug("task %s submitted", t.id)
	return t
}

// CancelAll cancels every pending task and the running one, if any.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	tasks := make([]*Task, len(q.pending))
	copy(tasks, q.pending)
	q.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Shutdown stops accepting work. With wait true it blocks until the worker
// has exited; tasks still queued at that point are cancelled.
func (q *Queue) Shutdown(wait bool) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.quit)
	}
	q.mu.Unlock()
	if wait {
		q.wg.Wait()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case t := <-q.tasks:
			q.runTask(t)
			q.removePending(t)
		case <-q.quit:
			for {
				select {
				case t := <-q.tasks:
					t.Cancel()
					q.removePending(t)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) removePending(t *Task) {
	q.mu.Lock()
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	if q.depth != nil {
		q.depth.Add(-1)
	}
	q.mu.Unlock()
}

func (q *Queue) runTask(t *Task) {
	// finishMu is taken before the task can turn Running: a canceller that
	// observes Running and then blocks on finishMu is guaranteed to find
	// the outcome already settled when it acquires the lock. Taking it
	// after setting Running would leave a window where Cancel wins the
	// lock first and reads a stale outcome.
	t.finishMu.Lock()
	t.mu.Lock()
	if t.state != Pending {
		// Cancelled while queued; never executes.
		t.mu.Unlock()
		t.finishMu.Unlock()
		return
	}
	t.state = Running
	t.mu.Unlock()

	val, err := t.work(t)

	// Finalize while still holding finishMu: a concurrent Cancel blocks on
	// it and then observes a settled outcome.
	t.mu.Lock()
	switch {
	case t.wasStopped:
		t.state = Cancelled
		if err != nil {
			t.err = err
		} else {
			t.err = errors.Cancelled("task cancelled")
		}
	case err != nil:
		t.state = Failed
		t.err = err
	default:
		t.state = Completed
		t.result = val
	}
	state := t.state
	callbacks := t.takeCallbacksLocked()
	close(t.done)
	t.mu.Unlock()
	t.finishMu.Unlock()

	q.logger.Debug("task %s finished: %s", t.id, state)
	runCallbacks(t, callbacks)
}
