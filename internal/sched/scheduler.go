// Package sched implements a cooperative task scheduler.
//
// Tasks are suspendable units of work. Exactly one task body executes at a
// time on the scheduler's controlling goroutine, so in-process state shared
// between tasks needs no locking between suspension points. Suspension
// points are Sleep, Await, and Yield. Heavier parallelism belongs in
// external processes, not in task bodies.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTaskCancelled is returned from a suspension point after Cancel.
var ErrTaskCancelled = errors.New("task cancelled")

// taskState tracks where a task is in its lifecycle.
type taskState int

const (
	statePending taskState = iota // spawned, never run
	stateReady                    // queued for the runner
	stateRunning                  // body executing
	stateParked                   // suspended, waiting for a wakeup
	stateDone                     // finished
)

// Fn is a task body. It runs on the scheduler goroutine and must use the
// task's suspension points instead of blocking.
type Fn func(t *Task) error

// Task is a handle to a spawned unit of work.
type Task struct {
	s  *Scheduler
	fn Fn

	resume chan struct{}
	done   chan struct{}

	// guarded by s.mu
	state       taskState
	cancelled   bool
	bodyStarted bool
	wakePending bool   // a wakeup arrived while the task was still running
	wake        func() // cancels a pending wakeup (timer stop), may be nil

	err error
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's result. Only valid after Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Scheduler runs tasks cooperatively.
type Scheduler struct {
	mu    sync.Mutex
	queue []*Task
	kick  chan struct{} // wakes the run loop, buffered 1

	baton chan struct{} // a running task signals here when it parks or finishes

	tasks   map[*Task]struct{}
	stopped bool
}

// New creates a scheduler. Call Run to start executing tasks.
func New() *Scheduler {
	return &Scheduler{
		kick:  make(chan struct{}, 1),
		baton: make(chan struct{}),
		tasks: make(map[*Task]struct{}),
	}
}

// Spawn registers a new task. It returns immediately; the body runs once the
// scheduler picks the task up. Spawning on a stopped scheduler finishes the
// task at once with ErrTaskCancelled, so callers waiting on Done never hang.
func (s *Scheduler) Spawn(fn Fn) *Task {
	t := &Task{
		s:      s,
		fn:     fn,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
		state:  statePending,
	}

	s.mu.Lock()
	if s.stopped {
		t.err = ErrTaskCancelled
		t.state = stateDone
		close(t.done)
		s.mu.Unlock()
		return t
	}
	s.tasks[t] = struct{}{}
	t.state = stateReady
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.kickLoop()
	return t
}

// Cancel marks the task cancelled. A task that has not started never runs
// and finishes with ErrTaskCancelled. A parked task is woken immediately and
// observes cancellation at its suspension point, from which it must unwind.
func (s *Scheduler) Cancel(t *Task) {
	s.mu.Lock()
	if t.state == stateDone {
		s.mu.Unlock()
		return
	}
	t.cancelled = true
	if t.state == stateParked {
		if t.wake != nil {
			t.wake()
			t.wake = nil
		}
		t.state = stateReady
		s.queue = append(s.queue, t)
	}
	s.mu.Unlock()

	s.kickLoop()
}

// Run executes tasks until ctx is done. It is the controlling goroutine:
// all task bodies run inside this call.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		t := s.dequeue()
		if t == nil {
			select {
			case <-ctx.Done():
				s.shutdown()
				return
			case <-s.kick:
				continue
			}
		}

		s.mu.Lock()
		if t.state == stateDone {
			s.mu.Unlock()
			continue
		}
		if t.cancelled && !t.bodyStarted {
			// Never started: finish without running.
			s.finishLocked(t, ErrTaskCancelled)
			s.mu.Unlock()
			continue
		}
		starting := !t.bodyStarted
		t.bodyStarted = true
		t.state = stateRunning
		s.mu.Unlock()

		if starting {
			go s.runBody(t)
		} else {
			t.resume <- struct{}{}
		}

		// Wait for the task to park or finish before running another.
		<-s.baton
	}
}

// runBody hosts a task body on its own goroutine. The scheduler baton
// guarantees only one body executes at a time.
func (s *Scheduler) runBody(t *Task) {
	err := t.fn(t)

	s.mu.Lock()
	s.finishLocked(t, err)
	s.mu.Unlock()

	s.baton <- struct{}{}
}

// finishLocked moves a task to its terminal state. Caller holds s.mu.
func (s *Scheduler) finishLocked(t *Task, err error) {
	t.err = err
	t.state = stateDone
	delete(s.tasks, t)
	close(t.done)
}

// dequeue pops the next ready task, or nil.
func (s *Scheduler) dequeue() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

// kickLoop nudges the run loop without blocking.
func (s *Scheduler) kickLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// shutdown cancels every remaining task. Tasks whose body never started
// finish with ErrTaskCancelled. Tasks suspended in park are resumed one at
// a time so their bodies unwind and run their defers; park reports
// ErrTaskCancelled and runBody finishes the task as usual.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	var pending, suspended []*Task
	for t := range s.tasks {
		if t.state == stateDone {
			continue
		}
		if t.wake != nil {
			t.wake()
			t.wake = nil
		}
		t.cancelled = true
		if t.bodyStarted {
			suspended = append(suspended, t)
		} else {
			pending = append(pending, t)
		}
	}
	s.queue = nil
	s.mu.Unlock()

	for _, t := range pending {
		s.mu.Lock()
		s.finishLocked(t, ErrTaskCancelled)
		s.mu.Unlock()
	}
	for _, t := range suspended {
		t.resume <- struct{}{}
		<-s.baton
	}
}

// park suspends the calling task until enqueueReady is called for it.
// arm, if non-nil, installs the wakeup source and returns its canceller.
// Must be called from the task body.
func (t *Task) park(arm func() (cancelWake func())) error {
	s := t.s

	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return ErrTaskCancelled
	}
	if t.wakePending {
		// The wakeup raced ahead of the park; don't suspend at all.
		t.wakePending = false
		s.mu.Unlock()
		return nil
	}
	t.state = stateParked
	if arm != nil {
		t.wake = arm()
	}
	s.mu.Unlock()

	// Hand the baton back, then wait to be resumed.
	s.baton <- struct{}{}
	<-t.resume

	s.mu.Lock()
	cancelled := t.cancelled
	t.wake = nil
	s.mu.Unlock()

	if cancelled {
		return ErrTaskCancelled
	}
	return nil
}

// enqueueReady moves a parked task to the ready queue. Safe from any
// goroutine (timers, process waiters).
func (s *Scheduler) enqueueReady(t *Task) {
	s.mu.Lock()
	if s.stopped || t.state == stateDone {
		s.mu.Unlock()
		return
	}
	if t.state != stateParked {
		// Task has not reached its suspension point yet; remember the wakeup.
		t.wakePending = true
		s.mu.Unlock()
		return
	}
	t.state = stateReady
	t.wake = nil
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.kickLoop()
}

// Sleep suspends the task for at least d without blocking other tasks.
func (t *Task) Sleep(d time.Duration) error {
	return t.park(func() func() {
		timer := time.AfterFunc(d, func() { t.s.enqueueReady(t) })
		return func() { timer.Stop() }
	})
}

// Yield suspends the task and immediately re-queues it, letting other ready
// tasks run.
func (t *Task) Yield() error {
	s := t.s
	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return ErrTaskCancelled
	}
	t.state = stateReady
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.baton <- struct{}{}
	<-t.resume

	s.mu.Lock()
	cancelled := t.cancelled
	s.mu.Unlock()
	if cancelled {
		return ErrTaskCancelled
	}
	return nil
}

// Completion is an externally-triggered wakeup, typically a subprocess exit.
type Completion struct {
	mu     sync.Mutex
	fired  bool
	waiter *Task
	sched  *Scheduler
}

// NewCompletion creates a completion handle for this scheduler.
func (s *Scheduler) NewCompletion() *Completion {
	return &Completion{sched: s}
}

// Deliver signals the completion. Safe from any goroutine; delivering more
// than once is a no-op.
func (c *Completion) Deliver() {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return
	}
	c.fired = true
	waiter := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if waiter != nil {
		c.sched.enqueueReady(waiter)
	}
}

// Await suspends the task until the completion is delivered. Returns
// immediately if it already fired.
func (t *Task) Await(c *Completion) error {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return nil
	}
	c.waiter = t
	c.mu.Unlock()

	return t.park(func() func() {
		return func() {
			c.mu.Lock()
			if c.waiter == t {
				c.waiter = nil
			}
			c.mu.Unlock()
		}
	})
}
