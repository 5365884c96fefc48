// Package vcs wraps the git operations the pipeline needs: clone, fetch,
// checkout, and remote revision resolution.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/stormpack/internal/logging"
	"github.com/dshills/stormpack/internal/proc"
)

// VCS errors.
var (
	// ErrGitFailed is returned when a git command exits non-zero.
	ErrGitFailed = errors.New("git command failed")

	// ErrNoMatchingVersion is returned when no remote tag satisfies a
	// version constraint.
	ErrNoMatchingVersion = errors.New("no matching version")
)

// Git executes git commands through a process runner.
type Git struct {
	runner  *proc.Runner
	log     *logging.Logger
	timeout time.Duration
}

// NewGit creates a git wrapper. timeout bounds each individual command.
func NewGit(runner *proc.Runner, log *logging.Logger, timeout time.Duration) *Git {
	return &Git{
		runner:  runner,
		log:     log.WithComponent("vcs"),
		timeout: timeout,
	}
}

// run executes a git command and converts non-zero exit into ErrGitFailed
// carrying the captured stderr.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	g.log.Debug("git %s", strings.Join(args, " "))

	result, err := g.runner.Run(ctx, proc.Command{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Timeout: g.timeout,
		// Never prompt for credentials inside a pipeline task.
		Env: []string{"GIT_TERMINAL_PROMPT=0"},
	})
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", fmt.Errorf("%w: git %s: %s", ErrGitFailed,
			strings.Join(args, " "), strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// Clone clones url into dest.
func (g *Git) Clone(ctx context.Context, url, dest string) error {
	_, err := g.run(ctx, "", "clone", "--quiet", url, dest)
	return err
}

// Fetch updates all remote refs and tags in the repository at dir.
func (g *Git) Fetch(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "fetch", "--quiet", "--tags", "origin")
	return err
}

// Checkout moves the repository at dir to the given revision.
func (g *Git) Checkout(ctx context.Context, dir, revision string) error {
	_, err := g.run(ctx, dir, "checkout", "--quiet", "--detach", revision)
	return err
}

// RevParse resolves a ref in the repository at dir to a commit hash.
func (g *Git) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteHead returns the commit hash of the remote's default branch.
func (g *Git) RemoteHead(ctx context.Context, url string) (string, error) {
	out, err := g.run(ctx, "", "ls-remote", url, "HEAD")
	if err != nil {
		return "", err
	}
	refs := ParseLsRemote(out)
	if hash, ok := refs["HEAD"]; ok {
		return hash, nil
	}
	return "", fmt.Errorf("%w: git ls-remote %s returned no HEAD", ErrGitFailed, url)
}

// RemoteTags returns the remote's tags mapped to commit hashes.
// Annotated tags are resolved through their ^{} peeled entries.
func (g *Git) RemoteTags(ctx context.Context, url string) (map[string]string, error) {
	out, err := g.run(ctx, "", "ls-remote", "--tags", url)
	if err != nil {
		return nil, err
	}
	return ParseTagRefs(out), nil
}

// ParseLsRemote parses ls-remote output into ref name -> hash.
func ParseLsRemote(out string) map[string]string {
	refs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs[fields[1]] = fields[0]
	}
	return refs
}

// ParseTagRefs parses ls-remote --tags output into tag name -> hash,
// preferring peeled (^{}) entries for annotated tags.
func ParseTagRefs(out string) map[string]string {
	tags := make(map[string]string)
	for ref, hash := range ParseLsRemote(out) {
		name, ok := strings.CutPrefix(ref, "refs/tags/")
		if !ok {
			continue
		}
		if peeled, isPeeled := strings.CutSuffix(name, "^{}"); isPeeled {
			tags[peeled] = hash // peeled entry always wins
			continue
		}
		if _, exists := tags[name]; !exists {
			tags[name] = hash
		}
	}
	return tags
}
