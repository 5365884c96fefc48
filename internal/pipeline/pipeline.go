// Package pipeline installs, updates, and removes extension checkouts.
//
// A run plans one task per target plugin, then executes the tasks on a
// cooperative scheduler: task bodies suspend while their git processes run,
// so a bounded number of checkouts proceed concurrently while task state
// stays single-threaded. Network operations share a rate limiter and retry
// transient failures with exponential backoff. The lockfile is read once at
// the start of a run and written once at the end; failed tasks keep their
// prior entries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dshills/stormpack/internal/event"
	"github.com/dshills/stormpack/internal/logging"
	"github.com/dshills/stormpack/internal/registry"
	"github.com/dshills/stormpack/internal/sched"
	"github.com/dshills/stormpack/internal/vcs"
)

// GitClient is the subset of git operations the pipeline performs.
type GitClient interface {
	Clone(ctx context.Context, url, dest string) error
	Fetch(ctx context.Context, dir string) error
	Checkout(ctx context.Context, dir, revision string) error
	RevParse(ctx context.Context, dir, ref string) (string, error)
	ResolveVersion(ctx context.Context, url, constraint string) (string, error)
}

// Config configures a Pipeline.
type Config struct {
	Registry *registry.Registry
	Git      GitClient

	// Root is the directory plugins are installed under.
	Root string

	// LockfilePath overrides the default Root/stormpack-lock.json.
	LockfilePath string

	Bus    *event.Bus
	Logger *logging.Logger

	// Concurrency bounds how many tasks are in flight at once. Defaults
	// to 4.
	Concurrency int

	// ThrottlePerSec bounds network git operations per second across the
	// whole run. Zero means unlimited.
	ThrottlePerSec float64

	// MaxRetries is how many times a failed network operation is retried.
	MaxRetries uint64

	// Cooldown is how recently a plugin must have synced for an update to
	// skip it. Zero disables the check.
	Cooldown time.Duration

	// FailFast stops launching new tasks after the first task failure.
	// Tasks already in flight are drained; tasks never launched are
	// reported as cancelled.
	FailFast bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Pipeline executes install, update, and clean runs.
type Pipeline struct {
	reg         *registry.Registry
	git         GitClient
	root        string
	lockPath    string
	bus         *event.Bus
	log         *logging.Logger
	concurrency int
	limiter     *rate.Limiter
	maxRetries  uint64
	cooldown    time.Duration
	failFast    bool
	now         func() time.Time

	running chan struct{} // buffered 1, held for the duration of a run
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	limit := rate.Inf
	if cfg.ThrottlePerSec > 0 {
		limit = rate.Limit(cfg.ThrottlePerSec)
	}
	lockPath := cfg.LockfilePath
	if lockPath == "" {
		lockPath = filepath.Join(cfg.Root, "stormpack-lock.json")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		reg:         cfg.Registry,
		git:         cfg.Git,
		root:        cfg.Root,
		lockPath:    lockPath,
		bus:         cfg.Bus,
		log:         log.WithComponent("pipeline"),
		concurrency: concurrency,
		limiter:     rate.NewLimiter(limit, 1),
		maxRetries:  cfg.MaxRetries,
		cooldown:    cfg.Cooldown,
		failFast:    cfg.FailFast,
		now:         now,
		running:     make(chan struct{}, 1),
	}
}

// Run plans and executes one operation. Runs are serialized: a call made
// while another run is active waits for it to finish, so an identity never
// has two tasks racing across overlapping runs. Task failures are collected
// in the report, not returned as the run error.
func (p *Pipeline) Run(ctx context.Context, op Operation, targets []string) (*Report, error) {
	select {
	case p.running <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.running }()

	lock, err := LoadLockfile(p.lockPath)
	if err != nil {
		return nil, err
	}

	tasks, err := p.plan(op, targets)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Operation: op,
		Started:   p.now(),
		Tasks:     tasks,
	}
	p.log.Info("run %s: %s, %d task(s)", report.RunID, op, len(tasks))

	if len(tasks) > 0 {
		runCtx, cancel := context.WithCancel(ctx)
		sch := sched.New()
		go sch.Run(runCtx)

		p.execute(runCtx, sch, report, lock)
		cancel()
	}

	report.Finished = p.now()
	saveErr := lock.Save()

	succeeded, skipped, failed, cancelled := report.Counts()
	p.log.Info("run %s done: %d succeeded, %d skipped, %d failed, %d cancelled",
		report.RunID, succeeded, skipped, failed, cancelled)
	p.publish("run.completed", event.Data{
		"run":       report.RunID,
		"operation": string(op),
		"succeeded": succeeded,
		"skipped":   skipped,
		"failed":    failed,
		"cancelled": cancelled,
	})

	return report, saveErr
}

// execute launches tasks on the scheduler, at most concurrency in flight,
// never launching a task before the tasks of its dependencies have finished.
// With FailFast set, the first failure stops further launches; in-flight
// tasks drain and the rest are reported as cancelled.
func (p *Pipeline) execute(ctx context.Context, sch *sched.Scheduler, report *Report, lock *Lockfile) {
	inRun := make(map[string]bool, len(report.Tasks))
	for _, task := range report.Tasks {
		inRun[task.Plugin] = true
	}

	finished := make(chan *Task, len(report.Tasks))
	started := make(map[string]bool)
	done := make(map[string]bool)
	inflight := 0
	remaining := len(report.Tasks)
	aborted := false

	for remaining > 0 {
		if !aborted {
			for _, task := range report.Tasks {
				if started[task.Plugin] || inflight >= p.concurrency {
					continue
				}
				ready := true
				for _, dep := range task.deps {
					if inRun[dep] && !done[dep] {
						ready = false
						break
					}
				}
				if !ready {
					continue
				}
				started[task.Plugin] = true
				inflight++
				p.launch(ctx, sch, report.RunID, task, lock, finished)
			}
		}

		if inflight == 0 {
			if !aborted {
				// Nothing launchable and nothing in flight: the dependency
				// graph is acyclic, so this cannot happen.
				return
			}
			for _, task := range report.Tasks {
				if started[task.Plugin] {
					continue
				}
				started[task.Plugin] = true
				task.finish(StatusCancelled, errAborted)
				p.publish("task.failed", event.Data{
					"run": report.RunID, "task": task.ID, "plugin": task.Plugin,
					"error": errAborted.Error(),
				})
			}
			return
		}

		task := <-finished
		done[task.Plugin] = true
		inflight--
		remaining--
		if p.failFast && task.Status() == StatusFailed {
			aborted = true
		}
	}
}

// launch spawns one task body and a watcher that records its outcome.
func (p *Pipeline) launch(ctx context.Context, sch *sched.Scheduler, runID string, task *Task, lock *Lockfile, finished chan<- *Task) {
	task.setStatus(StatusRunning)
	p.publish("task.started", event.Data{
		"run":    runID,
		"task":   task.ID,
		"plugin": task.Plugin,
		"action": string(task.Action),
	})

	st := sch.Spawn(func(t *sched.Task) error {
		return p.runTask(ctx, sch, t, task, lock)
	})

	go func() {
		<-st.Done()
		err := st.Err()
		switch {
		case err == nil && task.isSkipped():
			task.finish(StatusSkipped, nil)
			p.publish("task.skipped", event.Data{
				"run":      runID,
				"task":     task.ID,
				"plugin":   task.Plugin,
				"revision": task.Revision(),
			})
		case err == nil:
			task.finish(StatusSucceeded, nil)
			p.publish("task.succeeded", event.Data{
				"run":      runID,
				"task":     task.ID,
				"plugin":   task.Plugin,
				"revision": task.Revision(),
			})
		case errors.Is(err, sched.ErrTaskCancelled) || errors.Is(err, context.Canceled):
			task.finish(StatusCancelled, err)
			p.publish("task.failed", event.Data{
				"run": runID, "task": task.ID, "plugin": task.Plugin,
				"error": err.Error(),
			})
		default:
			task.finish(StatusFailed, err)
			p.log.Error("%s of %s failed: %v", task.Action, task.Plugin, err)
			p.publish("task.failed", event.Data{
				"run": runID, "task": task.ID, "plugin": task.Plugin,
				"error": err.Error(),
			})
		}
		finished <- task
	}()
}

// runTask dispatches a task body by action.
func (p *Pipeline) runTask(ctx context.Context, sch *sched.Scheduler, t *sched.Task, task *Task, lock *Lockfile) error {
	switch task.Action {
	case ActionInstall:
		return p.install(ctx, sch, t, task, lock)
	case ActionUpdate:
		return p.update(ctx, sch, t, task, lock)
	case ActionClean:
		return p.clean(ctx, sch, t, task, lock)
	default:
		return fmt.Errorf("unknown action %q", task.Action)
	}
}

// install clones the plugin at its resolved revision. The clone lands in a
// temp directory first and is renamed into place only when complete, so a
// partial clone never looks installed.
func (p *Pipeline) install(ctx context.Context, sch *sched.Scheduler, t *sched.Task, task *Task, lock *Lockfile) error {
	pl, ok := p.reg.Get(task.Plugin)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, task.Plugin)
	}
	dest := p.installDir(task.Plugin)

	if dirExists(dest) {
		var rev string
		err := p.call(sch, t, func() (err error) {
			rev, err = p.git.RevParse(ctx, dest, "HEAD")
			return err
		})
		if err != nil {
			return fmt.Errorf("inspecting existing install of %s: %w", task.Plugin, err)
		}
		task.logf("already installed at %s", shortRev(rev))
		task.setRevision(rev)
		task.markSkipped()
		p.record(pl, lock, dest, rev)
		return nil
	}

	var rev string
	err := p.call(sch, t, func() error {
		return p.network(ctx, func() error {
			var rerr error
			rev, rerr = p.git.ResolveVersion(ctx, pl.Source, pl.Version)
			return rerr
		})
	})
	if err != nil {
		return fmt.Errorf("resolving version for %s: %w", task.Plugin, err)
	}
	task.logf("resolved %q to %s", pl.Version, shortRev(rev))

	tmp := p.installDir(".partial-" + task.ID[:8])
	defer os.RemoveAll(tmp)

	err = p.call(sch, t, func() error {
		if err := os.MkdirAll(p.root, 0o755); err != nil {
			return err
		}
		return p.network(ctx, func() error {
			return p.git.Clone(ctx, pl.Source, tmp)
		})
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", task.Plugin, err)
	}
	task.logf("cloned %s", pl.Source)

	var head string
	err = p.call(sch, t, func() error {
		if err := p.git.Checkout(ctx, tmp, rev); err != nil {
			return err
		}
		var rerr error
		head, rerr = p.git.RevParse(ctx, tmp, "HEAD")
		return rerr
	})
	if err != nil {
		return fmt.Errorf("checking out %s at %s: %w", task.Plugin, shortRev(rev), err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("installing %s: %w", task.Plugin, err)
	}
	task.logf("installed at %s", shortRev(head))
	task.setRevision(head)
	p.record(pl, lock, dest, head)
	return nil
}

// update brings an existing checkout to its resolved revision. A checkout
// already at the desired revision is a no-op; a plugin synced within the
// cooldown window is skipped without touching the network.
func (p *Pipeline) update(ctx context.Context, sch *sched.Scheduler, t *sched.Task, task *Task, lock *Lockfile) error {
	pl, ok := p.reg.Get(task.Plugin)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, task.Plugin)
	}
	dest := p.installDir(task.Plugin)

	if entry, ok := lock.Get(task.Plugin); ok && p.cooldown > 0 {
		if age := p.now().Sub(entry.SyncedAt); age < p.cooldown {
			task.logf("synced %s ago, within cooldown", age.Round(time.Second))
			task.setRevision(entry.Revision)
			task.markSkipped()
			return nil
		}
	}

	var want string
	err := p.call(sch, t, func() error {
		return p.network(ctx, func() error {
			var rerr error
			want, rerr = p.git.ResolveVersion(ctx, pl.Source, pl.Version)
			return rerr
		})
	})
	if err != nil {
		return fmt.Errorf("resolving version for %s: %w", task.Plugin, err)
	}

	var current string
	err = p.call(sch, t, func() (err error) {
		current, err = p.git.RevParse(ctx, dest, "HEAD")
		return err
	})
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", task.Plugin, err)
	}

	if revisionsEqual(current, want) {
		task.logf("up to date at %s", shortRev(current))
		task.setRevision(current)
		task.markSkipped()
		p.record(pl, lock, dest, current)
		return nil
	}

	var head string
	err = p.call(sch, t, func() error {
		if err := p.network(ctx, func() error { return p.git.Fetch(ctx, dest) }); err != nil {
			return err
		}
		if err := p.git.Checkout(ctx, dest, want); err != nil {
			return err
		}
		var rerr error
		head, rerr = p.git.RevParse(ctx, dest, "HEAD")
		return rerr
	})
	if err != nil {
		return fmt.Errorf("updating %s: %w", task.Plugin, err)
	}

	task.logf("updated %s -> %s", shortRev(current), shortRev(head))
	task.setRevision(head)
	p.record(pl, lock, dest, head)
	return nil
}

// clean removes an orphaned install directory and its lockfile entry.
func (p *Pipeline) clean(_ context.Context, sch *sched.Scheduler, t *sched.Task, task *Task, lock *Lockfile) error {
	dest := p.installDir(task.Plugin)
	err := p.call(sch, t, func() error {
		return os.RemoveAll(dest)
	})
	if err != nil {
		return fmt.Errorf("removing %s: %w", task.Plugin, err)
	}
	lock.Delete(task.Plugin)
	task.logf("removed %s", dest)
	return nil
}

// record updates the lockfile entry and the plugin's install metadata after
// a successful task.
func (p *Pipeline) record(pl *registry.Plugin, lock *Lockfile, dest, rev string) {
	now := p.now()
	lock.Set(pl.Name, LockEntry{
		Source:   pl.Source,
		Version:  pl.Version,
		Revision: rev,
		SyncedAt: now,
	})
	pl.SetInstall(dest, rev, now)
}

// call runs fn on its own goroutine and suspends the task until it returns,
// keeping the scheduler free to run other task bodies meanwhile.
func (p *Pipeline) call(sch *sched.Scheduler, t *sched.Task, fn func() error) error {
	comp := sch.NewCompletion()
	var err error
	go func() {
		err = fn()
		comp.Deliver()
	}()
	if werr := t.Await(comp); werr != nil {
		return werr
	}
	return err
}

// network wraps a remote git operation with the shared rate limiter and
// bounded exponential-backoff retry. Constraint-resolution failures are not
// retried; waiting will not make a missing tag appear.
func (p *Pipeline) network(ctx context.Context, fn func() error) error {
	op := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, vcs.ErrNoMatchingVersion) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	return backoff.Retry(op, bo)
}

// publish sends a bus event, if a bus is wired.
func (p *Pipeline) publish(name string, data event.Data) {
	if p.bus != nil {
		p.bus.Publish(name, data)
	}
}

// revisionsEqual compares revisions, tolerating an abbreviated hash on
// either side.
func revisionsEqual(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	if len(a) < len(b) {
		a, b = b, a
	}
	return a[:len(b)] == b
}

// shortRev abbreviates a commit hash for progress output.
func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
