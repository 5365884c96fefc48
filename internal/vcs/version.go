package vcs

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// commitPattern matches a full or abbreviated commit hash.
var commitPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// ResolveVersion resolves a version constraint against the remote:
//
//   - empty constraint: the latest revision of the default branch
//   - commit hash: used as-is
//   - exact tag name: that tag's commit
//   - semver range (e.g. "^1.2", ">= 1.0 < 2.0"): the highest remote tag
//     satisfying the range
func (g *Git) ResolveVersion(ctx context.Context, url, constraint string) (string, error) {
	if constraint == "" {
		return g.RemoteHead(ctx, url)
	}

	if commitPattern.MatchString(constraint) {
		return constraint, nil
	}

	tags, err := g.RemoteTags(ctx, url)
	if err != nil {
		return "", err
	}

	if hash, ok := tags[constraint]; ok {
		return hash, nil
	}

	tag, err := HighestMatchingTag(tags, constraint)
	if err != nil {
		return "", fmt.Errorf("%w: %s has no tag matching %q", ErrNoMatchingVersion, url, constraint)
	}
	return tags[tag], nil
}

// HighestMatchingTag returns the tag with the highest semver version
// satisfying the constraint.
func HighestMatchingTag(tags map[string]string, constraint string) (string, error) {
	rng, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	type candidate struct {
		tag     string
		version *semver.Version
	}
	var matches []candidate
	for tag := range tags {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue // not a version tag
		}
		if rng.Check(v) {
			matches = append(matches, candidate{tag: tag, version: v})
		}
	}
	if len(matches) == 0 {
		return "", ErrNoMatchingVersion
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].version.LessThan(matches[j].version)
	})
	return matches[len(matches)-1].tag, nil
}
