package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Operation is a pipeline run kind.
type Operation string

// Pipeline operations.
const (
	OpInstall Operation = "install"
	OpUpdate  Operation = "update"
	OpClean   Operation = "clean"
)

// Action is what a single task does to its plugin. The planner may choose a
// different action than the run operation, e.g. an update run installs
// plugins that are missing on disk.
type Action string

// Task actions.
const (
	ActionInstall Action = "install"
	ActionUpdate  Action = "update"
	ActionClean   Action = "clean"
)

// Status is a task's lifecycle state.
type Status int

// Task statuses.
const (
	// StatusPending - planned, not yet started.
	StatusPending Status = iota

	// StatusRunning - the task body is in flight.
	StatusRunning

	// StatusSucceeded - finished without error. Terminal.
	StatusSucceeded

	// StatusFailed - finished with an error. Terminal.
	StatusFailed

	// StatusCancelled - the run was cancelled before the task could finish.
	// Terminal.
	StatusCancelled

	// StatusSkipped - the task found nothing to do: the plugin was already
	// installed, already at the wanted revision, or inside its update
	// cooldown. Terminal.
	StatusSkipped
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Task is one unit of pipeline work: a single action against a single
// plugin. At most one task exists per plugin identity within a run.
type Task struct {
	// ID uniquely identifies the task within its run.
	ID string

	// Plugin is the target identity.
	Plugin string

	// Action is what the task does.
	Action Action

	// deps are identities whose tasks in the same run must finish first.
	deps []string

	mu       sync.Mutex
	status   Status
	err      error
	revision string
	output   []string
	skipped  bool
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the task's error, if it failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Revision returns the revision the task left the plugin at.
func (t *Task) Revision() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revision
}

// Output returns the task's captured progress lines.
func (t *Task) Output() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.output))
	copy(out, t.output)
	return out
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

func (t *Task) setRevision(rev string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revision = rev
}

// markSkipped flags the task body as having found nothing to do. The task
// still returns nil; the run records it as StatusSkipped instead of
// StatusSucceeded.
func (t *Task) markSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped = true
}

func (t *Task) isSkipped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

func (t *Task) finish(s Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	t.err = err
}

// logf appends a progress line to the task's captured output.
func (t *Task) logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output = append(t.output, fmt.Sprintf(format, args...))
}

// Report summarizes one pipeline run.
type Report struct {
	// RunID uniquely identifies the run.
	RunID string

	// Operation is the run kind.
	Operation Operation

	Started  time.Time
	Finished time.Time

	// Tasks holds every planned task, in planning order.
	Tasks []*Task
}

// Counts returns how many tasks succeeded, were skipped, failed, and were
// cancelled.
func (r *Report) Counts() (succeeded, skipped, failed, cancelled int) {
	for _, t := range r.Tasks {
		switch t.Status() {
		case StatusSucceeded:
			succeeded++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	return succeeded, skipped, failed, cancelled
}

// Task returns the task for a plugin identity, if the run planned one.
func (r *Report) Task(plugin string) (*Task, bool) {
	for _, t := range r.Tasks {
		if t.Plugin == plugin {
			return t, true
		}
	}
	return nil, false
}
