package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// startScheduler runs the scheduler loop for the duration of the test.
func startScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSpawnRunsTask(t *testing.T) {
	s := startScheduler(t)

	ran := false
	task := s.Spawn(func(*Task) error {
		ran = true
		return nil
	})

	waitDone(t, task)
	if !ran {
		t.Error("task body did not run")
	}
	if task.Err() != nil {
		t.Errorf("Err() = %v, want nil", task.Err())
	}
}

func TestSleepDoesNotBlockOtherTasks(t *testing.T) {
	s := startScheduler(t)

	var order []string
	sleeper := s.Spawn(func(task *Task) error {
		if err := task.Sleep(200 * time.Millisecond); err != nil {
			return err
		}
		order = append(order, "sleeper")
		return nil
	})
	quick := s.Spawn(func(*Task) error {
		order = append(order, "quick")
		return nil
	})

	waitDone(t, quick)
	waitDone(t, sleeper)

	if len(order) != 2 || order[0] != "quick" || order[1] != "sleeper" {
		t.Errorf("order = %v, want [quick sleeper]", order)
	}
}

func TestOneBodyAtATime(t *testing.T) {
	s := startScheduler(t)

	var active, maxActive int32
	tasks := make([]*Task, 0, 8)
	for i := 0; i < 8; i++ {
		tasks = append(tasks, s.Spawn(func(task *Task) error {
			for j := 0; j < 5; j++ {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				atomic.AddInt32(&active, -1)
				if err := task.Yield(); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	for _, task := range tasks {
		waitDone(t, task)
	}

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent bodies = %d, want 1", got)
	}
}

func TestCancelPendingTaskNeverRuns(t *testing.T) {
	// Scheduler not running yet: spawned tasks stay queued.
	s := New()

	ran := false
	task := s.Spawn(func(*Task) error {
		ran = true
		return nil
	})
	s.Cancel(task)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-task.Done()
		cancel()
	}()
	s.Run(ctx)

	if ran {
		t.Error("cancelled task body ran")
	}
	if !errors.Is(task.Err(), ErrTaskCancelled) {
		t.Errorf("Err() = %v, want ErrTaskCancelled", task.Err())
	}
}

func TestCancelSleepingTaskUnwinds(t *testing.T) {
	s := startScheduler(t)

	started := make(chan struct{})
	task := s.Spawn(func(task *Task) error {
		close(started)
		return task.Sleep(time.Hour)
	})

	<-started
	time.Sleep(20 * time.Millisecond) // let it reach the suspension point
	s.Cancel(task)

	waitDone(t, task)
	if !errors.Is(task.Err(), ErrTaskCancelled) {
		t.Errorf("Err() = %v, want ErrTaskCancelled", task.Err())
	}
}

func TestAwaitCompletion(t *testing.T) {
	s := startScheduler(t)

	c := s.NewCompletion()
	delivered := make(chan struct{})
	task := s.Spawn(func(task *Task) error {
		if err := task.Await(c); err != nil {
			return err
		}
		select {
		case <-delivered:
			return nil
		default:
			return errors.New("woke before delivery")
		}
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(delivered)
		c.Deliver()
	}()

	waitDone(t, task)
	if task.Err() != nil {
		t.Errorf("Err() = %v, want nil", task.Err())
	}
}

func TestAwaitAlreadyDelivered(t *testing.T) {
	s := startScheduler(t)

	c := s.NewCompletion()
	c.Deliver()
	c.Deliver() // second delivery is a no-op

	task := s.Spawn(func(task *Task) error {
		return task.Await(c)
	})

	waitDone(t, task)
	if task.Err() != nil {
		t.Errorf("Err() = %v, want nil", task.Err())
	}
}

func TestSpawnAfterStopFinishesCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	task := s.Spawn(func(*Task) error {
		t.Error("task body ran on a stopped scheduler")
		return nil
	})

	waitDone(t, task)
	if !errors.Is(task.Err(), ErrTaskCancelled) {
		t.Errorf("Err() = %v, want ErrTaskCancelled", task.Err())
	}
}

func TestStopUnwindsParkedTask(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(loopDone)
	}()

	c := s.NewCompletion()
	started := make(chan struct{})
	cleaned := make(chan struct{})
	task := s.Spawn(func(task *Task) error {
		defer close(cleaned)
		close(started)
		return task.Await(c)
	})

	<-started
	time.Sleep(20 * time.Millisecond) // let it reach the suspension point
	cancel()

	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler loop did not stop")
	}
	select {
	case <-cleaned:
	case <-time.After(5 * time.Second):
		t.Fatal("parked task body never unwound")
	}
	waitDone(t, task)
	if !errors.Is(task.Err(), ErrTaskCancelled) {
		t.Errorf("Err() = %v, want ErrTaskCancelled", task.Err())
	}
}

func TestTaskErrorPropagates(t *testing.T) {
	s := startScheduler(t)

	boom := errors.New("boom")
	task := s.Spawn(func(*Task) error { return boom })

	waitDone(t, task)
	if !errors.Is(task.Err(), boom) {
		t.Errorf("Err() = %v, want boom", task.Err())
	}
}
