package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Planning errors.
var (
	// ErrUnknownTarget is returned when a named target is not in the
	// registry.
	ErrUnknownTarget = errors.New("unknown target")

	// errAborted marks tasks a fail-fast run never launched.
	errAborted = errors.New("not run: an earlier task failed")
)

// plan expands an operation over its targets into tasks. An empty target
// list means every plugin in the registry (install, update) or every
// orphaned install directory (clean). At most one task is planned per
// identity; duplicate targets collapse.
func (p *Pipeline) plan(op Operation, targets []string) ([]*Task, error) {
	if op == OpClean {
		return p.planClean(targets)
	}

	names := targets
	if len(names) == 0 {
		names = p.reg.LoadOrder()
	}

	var tasks []*Task
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		pl, ok := p.reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
		}

		action := ActionInstall
		if op == OpUpdate && dirExists(p.installDir(name)) {
			action = ActionUpdate
		}

		tasks = append(tasks, &Task{
			ID:     uuid.NewString(),
			Plugin: name,
			Action: action,
			deps:   append([]string(nil), pl.Dependencies...),
		})
	}
	return tasks, nil
}

// planClean finds install directories that no longer correspond to any
// registry plugin. Explicit targets narrow the sweep; a target naming a
// registered plugin is an error rather than a removal.
func (p *Pipeline) planClean(targets []string) ([]*Task, error) {
	orphans, err := p.orphans()
	if err != nil {
		return nil, err
	}

	if len(targets) > 0 {
		orphanSet := make(map[string]bool, len(orphans))
		for _, name := range orphans {
			orphanSet[name] = true
		}
		orphans = orphans[:0]
		for _, name := range targets {
			if _, registered := p.reg.Get(name); registered {
				return nil, fmt.Errorf("%s is still declared, refusing to clean it", name)
			}
			if orphanSet[name] {
				orphans = append(orphans, name)
			}
		}
	}

	var tasks []*Task
	seen := make(map[string]bool)
	for _, name := range orphans {
		if seen[name] {
			continue
		}
		seen[name] = true
		tasks = append(tasks, &Task{
			ID:     uuid.NewString(),
			Plugin: name,
			Action: ActionClean,
		})
	}
	return tasks, nil
}

// orphans lists directories under the install root with no registry entry.
func (p *Pipeline) orphans() ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning install root %s: %w", p.root, err)
	}

	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := p.reg.Get(entry.Name()); !ok {
			orphans = append(orphans, entry.Name())
		}
	}
	return orphans, nil
}

// installDir returns the install directory for a plugin identity.
func (p *Pipeline) installDir(name string) string {
	return filepath.Join(p.root, name)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
