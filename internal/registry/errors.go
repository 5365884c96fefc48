package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Spec errors. All are fatal at merge time: an inconsistent registry cannot
// safely drive loading, so the merge aborts entirely.
var (
	// ErrCyclicImport is returned when spec sources import each other.
	ErrCyclicImport = errors.New("cyclic spec import")

	// ErrUnresolvedDependency is returned when a dependency names no
	// registry entry.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrCyclicDependency is returned when extensions depend on each other,
	// directly or transitively.
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// chainError wraps a sentinel with the offending identity chain.
func chainError(sentinel error, chain []string) error {
	return fmt.Errorf("%w: %s", sentinel, strings.Join(chain, " -> "))
}
