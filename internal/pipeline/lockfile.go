package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LockEntry records what one plugin's install directory actually contains.
type LockEntry struct {
	// Source is the remote the plugin was cloned from.
	Source string `json:"source"`

	// Version is the constraint that was resolved, empty for default branch.
	Version string `json:"version,omitempty"`

	// Revision is the commit the install directory is at.
	Revision string `json:"revision"`

	// SyncedAt is when the directory last matched Revision.
	SyncedAt time.Time `json:"synced_at"`
}

// Lockfile is the on-disk record of installed revisions. It is read once at
// the start of a run and written once at the end; tasks that fail leave
// their prior entries untouched.
type Lockfile struct {
	path string

	mu      sync.Mutex
	entries map[string]LockEntry
}

// lockDocument is the serialized shape.
type lockDocument struct {
	Version int                  `json:"version"`
	Plugins map[string]LockEntry `json:"plugins"`
}

// lockVersion is the current lockfile format version.
const lockVersion = 1

// LoadLockfile reads the lockfile at path. A missing or unparseable file
// yields an empty lockfile: either way there is no trustworthy prior state,
// and every task falls back to asking the remote. An unparseable file is
// moved aside to path+".corrupt" before the run overwrites it.
func LoadLockfile(path string) (*Lockfile, error) {
	l := &Lockfile{path: path, entries: make(map[string]LockEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lockfile %s: %w", path, err)
	}

	var doc lockDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		os.Rename(path, path+".corrupt")
		return l, nil
	}
	if doc.Plugins != nil {
		l.entries = doc.Plugins
	}
	return l, nil
}

// Get returns the entry for a plugin.
func (l *Lockfile) Get(name string) (LockEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	return e, ok
}

// Set records an entry.
func (l *Lockfile) Set(name string, e LockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[name] = e
}

// Delete removes an entry.
func (l *Lockfile) Delete(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, name)
}

// Names returns recorded plugin names, sorted.
func (l *Lockfile) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the lockfile atomically: a temp file in the same directory is
// renamed over the target so readers never see a partial write.
func (l *Lockfile) Save() error {
	l.mu.Lock()
	doc := lockDocument{Version: lockVersion, Plugins: l.entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding lockfile: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating lockfile directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".lock-*")
	if err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	return nil
}
