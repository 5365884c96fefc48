package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/stormpack/internal/logging"
	"github.com/dshills/stormpack/internal/proc"
)

func newTestGit(t *testing.T) *Git {
	t.Helper()
	return NewGit(proc.NewRunner(30*time.Second), logging.Discard(), 30*time.Second)
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRepo creates a git repository with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	g := newTestGit(t)
	ctx := context.Background()

	for _, args := range [][]string{
		{"init", "--quiet"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		if _, err := g.run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("-- extension"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"add", "."},
		{"commit", "--quiet", "-m", "initial"},
	} {
		if _, err := g.run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	return dir
}

func TestCloneAndRevParse(t *testing.T) {
	src := initRepo(t)
	g := newTestGit(t)
	ctx := context.Background()

	dest := filepath.Join(t.TempDir(), "clone")
	if err := g.Clone(ctx, src, dest); err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	srcRev, err := g.RevParse(ctx, src, "HEAD")
	if err != nil {
		t.Fatalf("RevParse(src) error = %v", err)
	}
	destRev, err := g.RevParse(ctx, dest, "HEAD")
	if err != nil {
		t.Fatalf("RevParse(dest) error = %v", err)
	}
	if srcRev != destRev {
		t.Errorf("clone HEAD = %s, want %s", destRev, srcRev)
	}
}

func TestRunFailureCarriesStderr(t *testing.T) {
	requireGit(t)
	g := newTestGit(t)

	_, err := g.RevParse(context.Background(), t.TempDir(), "HEAD")
	if !errors.Is(err, ErrGitFailed) {
		t.Fatalf("RevParse() error = %v, want ErrGitFailed", err)
	}
}

func TestParseLsRemote(t *testing.T) {
	out := "aaaa\tHEAD\nbbbb\trefs/heads/main\n\n"
	refs := ParseLsRemote(out)

	if refs["HEAD"] != "aaaa" {
		t.Errorf("HEAD = %q, want aaaa", refs["HEAD"])
	}
	if refs["refs/heads/main"] != "bbbb" {
		t.Errorf("main = %q, want bbbb", refs["refs/heads/main"])
	}
}

func TestParseTagRefsPrefersPeeled(t *testing.T) {
	out := "" +
		"1111\trefs/tags/v1.0.0\n" +
		"2222\trefs/tags/v1.0.0^{}\n" +
		"3333\trefs/tags/v1.1.0\n"

	tags := ParseTagRefs(out)
	if tags["v1.0.0"] != "2222" {
		t.Errorf("v1.0.0 = %q, want peeled 2222", tags["v1.0.0"])
	}
	if tags["v1.1.0"] != "3333" {
		t.Errorf("v1.1.0 = %q, want 3333", tags["v1.1.0"])
	}
}

func TestHighestMatchingTag(t *testing.T) {
	tags := map[string]string{
		"v1.0.0": "a",
		"v1.2.0": "b",
		"v1.9.3": "c",
		"v2.0.0": "d",
		"nightly": "e",
	}

	tests := []struct {
		constraint string
		want       string
		wantErr    bool
	}{
		{constraint: "^1.0", want: "v1.9.3"},
		{constraint: ">= 1.0.0 < 1.5.0", want: "v1.2.0"},
		{constraint: "^2.0", want: "v2.0.0"},
		{constraint: "^3.0", wantErr: true},
	}

	for _, tt := range tests {
		got, err := HighestMatchingTag(tags, tt.constraint)
		if tt.wantErr {
			if err == nil {
				t.Errorf("HighestMatchingTag(%q) = %q, want error", tt.constraint, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("HighestMatchingTag(%q) error = %v", tt.constraint, err)
			continue
		}
		if got != tt.want {
			t.Errorf("HighestMatchingTag(%q) = %q, want %q", tt.constraint, got, tt.want)
		}
	}
}
