package taskqueue

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(log.New("test"))
	t.Cleanup(func() { q.Shutdown(true) })
	return q
}

func TestSubmitResult(t *testing.T) {
	q := newTestQueue(t)

	task := q.Submit(func(t *Task) (interface{}, error) {
		return 42, nil
	})

	val, err := task.Result(time.Second)
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if val != 42 {
		t.Errorf("Result = %v, want 42", val)
	}
	if task.State() != Completed {
		t.Errorf("State = %s, want completed", task.State())
	}
}

func TestSubmissionOrder(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	var tasks []*Task
	for i := 0; i < 5; i++ {
		i := i
		tasks = append(tasks, q.Submit(func(t *Task) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}))
	}
	for _, task := range tasks {
		if _, err := task.Result(time.Second); err != nil {
			t.Fatalf("Result error: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want strict submission order", order)
		}
	}
}

func TestErrorPropagation(t *testing.T) {
	q := newTestQueue(t)

	boom := fmt.Errorf("boom")
	task := q.Submit(func(t *Task) (interface{}, error) {
		return nil, boom
	})

	_, err := task.Result(time.Second)
	if err != boom {
		t.Errorf("Result error = %v, want the stored work error", err)
	}
	if task.State() != Failed {
		t.Errorf("State = %s, want failed", task.State())
	}
}

func TestCancelPending(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	var executed atomic.Bool

	// First task blocks the worker so the second stays queued.
	blocker := q.Submit(func(t *Task) (interface{}, error) {
		<-release
		return nil, nil
	})
	queued := q.Submit(func(t *Task) (interface{}, error) {
		executed.Store(true)
		return nil, nil
	})

	if !queued.Cancel() {
		t.Error("Cancel on a queued task = false, want true")
	}
	if queued.State() != Cancelled {
		t.Errorf("State = %s, want cancelled", queued.State())
	}

	close(release)
	if _, err := blocker.Result(time.Second); err != nil {
		t.Fatalf("blocker Result error: %v", err)
	}
	// Give the worker a chance to (incorrectly) run the cancelled task.
	time.Sleep(50 * time.Millisecond)
	if executed.Load() {
		t.Error("cancelled task executed")
	}
}

func TestCancelRunning(t *testing.T) {
	q := newTestQueue(t)

	started := make(chan struct{})
	task := q.Submit(func(t *Task) (interface{}, error) {
		close(started)
		select {
		case <-t.StopRequested():
			t.MarkStopped()
			return nil, errors.Cancelled("stopped")
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})

	<-started
	if !task.Cancel() {
		t.Error("Cancel on a running cooperative task = false, want true")
	}
	if task.State() != Cancelled {
		t.Errorf("State = %s, want cancelled", task.State())
	}
	if _, err := task.Result(time.Second); !errors.IsCancellation(err) {
		t.Errorf("Result error = %v, want cancellation", err)
	}
}

func TestCancelFinished(t *testing.T) {
	q := newTestQueue(t)

	task := q.Submit(func(t *Task) (interface{}, error) {
		return 7, nil
	})
	if _, err := task.Result(time.Second); err != nil {
		t.Fatalf("Result error: %v", err)
	}

	if task.Cancel() {
		t.Error("Cancel on a completed task = true, want false")
	}
	if task.State() != Completed {
		t.Errorf("State = %s, want completed after late cancel", task.State())
	}
}

// TestCancelRace checks that cancel-vs-success arbitration yields exactly
// one of the two allowed outcomes, never a mix.
func TestCancelRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := New(log.New("test"))

		task := q.Submit(func(t *Task) (interface{}, error) {
			select {
			case <-t.StopRequested():
				t.MarkStopped()
				return nil, errors.Cancelled("stopped")
			default:
				return 1, nil
			}
		})

		time.Sleep(time.Duration(i%3) * time.Millisecond)
		cancelled := task.Cancel()
		state := task.State()

		if cancelled && state != Cancelled {
			t.Fatalf("Cancel returned true but state is %s", state)
		}
		if !cancelled && state != Completed {
			t.Fatalf("Cancel returned false but state is %s", state)
		}
		q.Shutdown(true)
	}
}

// TestCancelAtRunningTransition aims Cancel at the instant a task turns
// Running: whatever interleaving wins, Cancel's return value and the final
// state must agree.
func TestCancelAtRunningTransition(t *testing.T) {
	for i := 0; i < 300; i++ {
		q := New(log.New("test"))

		task := q.Submit(func(t *Task) (interface{}, error) {
			select {
			case <-t.StopRequested():
				t.MarkStopped()
				return nil, errors.Cancelled("stopped")
			default:
				return 1, nil
			}
		})

		for task.State() == Pending {
			runtime.Gosched()
		}
		cancelled := task.Cancel()
		<-task.Done()
		state := task.State()

		if cancelled && state != Cancelled {
			t.Fatalf("iteration %d: Cancel returned true but state is %s", i, state)
		}
		if !cancelled && state == Cancelled {
			t.Fatalf("iteration %d: Cancel returned false but the task ended cancelled", i)
		}
		q.Shutdown(true)
	}
}

// TestSubmitShutdownRace checks that a Submit racing Shutdown never leaves
// its task stuck Pending with no worker left to pick it up.
func TestSubmitShutdownRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		q := New(log.New("test"))

		submitted := make(chan *Task, 1)
		go func() {
			submitted <- q.Submit(func(t *Task) (interface{}, error) { return nil, nil })
		}()
		q.Shutdown(true)

		task := <-submitted
		select {
		case <-task.Done():
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: task stuck in state %s after shutdown", i, task.State())
		}
	}
}

func TestDoneCallbacks(t *testing.T) {
	q := newTestQueue(t)

	var before, after atomic.Int32
	release := make(chan struct{})
	task := q.Submit(func(t *Task) (interface{}, error) {
		<-release
		return nil, nil
	})

	task.AddDoneCallback(func(*Task) { before.Add(1) })
	close(release)
	if _, err := task.Result(time.Second); err != nil {
		t.Fatalf("Result error: %v", err)
	}
	task.AddDoneCallback(func(*Task) { after.Add(1) })

	// Callback registered before completion fires once after the terminal
	// state; one registered after fires synchronously.
	time.Sleep(20 * time.Millisecond)
	if before.Load() != 1 {
		t.Errorf("pre-completion callback fired %d times, want 1", before.Load())
	}
	if after.Load() != 1 {
		t.Errorf("post-completion callback fired %d times, want 1", after.Load())
	}
}

func TestResultTimeout(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	task := q.Submit(func(t *Task) (interface{}, error) {
		<-release
		return "late", nil
	})

	if _, err := task.Result(20 * time.Millisecond); err != ErrResultTimeout {
		t.Errorf("Result error = %v, want ErrResultTimeout", err)
	}
	if task.State() != Running {
		t.Errorf("State after timed-out Result = %s, want running", task.State())
	}

	close(release)
	val, err := task.Result(time.Second)
	if err != nil || val != "late" {
		t.Errorf("Result after release = (%v, %v), want (late, nil)", val, err)
	}
}

func TestCompletedTask(t *testing.T) {
	task := CompletedTask(nil)
	if task.State() != Completed {
		t.Fatalf("State = %s, want completed", task.State())
	}
	if task.Cancel() {
		t.Error("Cancel on no-op task = true, want false")
	}
	var fired atomic.Int32
	task.AddDoneCallback(func(*Task) { fired.Add(1) })
	if fired.Load() != 1 {
		t.Errorf("callback on completed task fired %d times, want 1", fired.Load())
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	q := New(log.New("test"))
	q.Shutdown(true)

	task := q.Submit(func(t *Task) (interface{}, error) { return nil, nil })
	if task.State() != Failed {
		t.Errorf("State = %s, want failed", task.State())
	}
	if _, err := task.Result(time.Second); err != ErrQueueClosed {
		t.Errorf("Result error = %v, want ErrQueueClosed", err)
	}
}
