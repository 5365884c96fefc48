package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockfileMissingFileIsEmpty(t *testing.T) {
	l, err := LoadLockfile(filepath.Join(t.TempDir(), "lock.json"))
	if err != nil {
		t.Fatalf("LoadLockfile() error = %v", err)
	}
	if len(l.Names()) != 0 {
		t.Errorf("Names() = %v, want empty", l.Names())
	}
}

func TestLockfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.json")

	l, err := LoadLockfile(path)
	if err != nil {
		t.Fatal(err)
	}
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Set("repo", LockEntry{
		Source:   "user/repo",
		Version:  "^1.0",
		Revision: "abc1234",
		SyncedAt: synced,
	})
	l.Set("tools", LockEntry{Source: "user/tools", Revision: "def5678", SyncedAt: synced})
	if err := l.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := LoadLockfile(path)
	if err != nil {
		t.Fatalf("LoadLockfile() after save error = %v", err)
	}
	names := reloaded.Names()
	if len(names) != 2 || names[0] != "repo" || names[1] != "tools" {
		t.Fatalf("Names() = %v, want [repo tools]", names)
	}

	e, ok := reloaded.Get("repo")
	if !ok {
		t.Fatal("Get(repo) missing after reload")
	}
	if e.Source != "user/repo" || e.Version != "^1.0" || e.Revision != "abc1234" {
		t.Errorf("entry = %+v", e)
	}
	if !e.SyncedAt.Equal(synced) {
		t.Errorf("SyncedAt = %v, want %v", e.SyncedAt, synced)
	}
}

func TestLockfileDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.json")
	l, _ := LoadLockfile(path)
	l.Set("repo", LockEntry{Source: "user/repo", Revision: "abc"})
	l.Delete("repo")
	if _, ok := l.Get("repo"); ok {
		t.Fatal("entry survived Delete")
	}
}

func TestLockfileCorruptTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := LoadLockfile(path)
	if err != nil {
		t.Fatalf("LoadLockfile() on corrupt file error = %v", err)
	}
	if len(l.Names()) != 0 {
		t.Errorf("Names() = %v, want empty", l.Names())
	}

	backup, err := os.ReadFile(path + ".corrupt")
	if err != nil {
		t.Fatalf("reading corrupt backup: %v", err)
	}
	if string(backup) != "{not json" {
		t.Errorf("backup contents = %q", backup)
	}
}
