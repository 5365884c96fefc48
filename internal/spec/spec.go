// Package spec defines extension specifications and their sources.
//
// A spec source is an ordered sequence of tables, each either a literal
// extension spec or an import directive naming another source. Sources are
// written in Lua (a file returning a list of tables) or TOML.
package spec

import (
	"path"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Spec is one declared extension specification as read from a source.
// Multiple specs may name the same extension; the registry merges them.
type Spec struct {
	// Name is the unique identity. Derived from Source when empty.
	Name string `toml:"name"`

	// Source is the remote URL or local path of the extension.
	Source string `toml:"source"`

	// Version pins the extension: empty tracks the latest revision of the
	// default branch; otherwise a tag, commit, or semver range.
	Version string `toml:"version"`

	// Dependencies are identities of extensions that must load first.
	Dependencies []string `toml:"dependencies"`

	// Activation triggers. An extension with no triggers and Always unset
	// still loads on first module reference.
	Events    []string `toml:"event"`
	Commands  []string `toml:"cmd"`
	FileTypes []string `toml:"ft"`
	Keys      []string `toml:"keys"`

	// Always loads the extension eagerly at startup, in dependency order.
	Always bool `toml:"always"`

	// Init runs before the extension's code is made addressable.
	Init Callback `toml:"-"`

	// Config runs after load.
	Config Callback `toml:"-"`

	// Import names another spec source to pull specs from, instead of
	// declaring an extension. All other fields are ignored when set.
	Import string `toml:"import"`

	// origin records which source declared this spec, for error reporting.
	origin string
}

// Callback is an extension lifecycle hook. It receives the host Lua state,
// which the caller already holds; callbacks must not reacquire the host.
// Lua sources bind these to Lua functions on the host state; Go callers may
// ignore the state entirely.
type Callback func(L *lua.LState) error

// Identity returns the spec's identity, deriving it from the source
// basename when Name is unset. "https://host/user/repo.git" and
// "user/repo" both yield "repo".
func (s *Spec) Identity() string {
	if s.Name != "" {
		return s.Name
	}
	return DeriveIdentity(s.Source)
}

// Origin returns the source that declared this spec.
func (s *Spec) Origin() string {
	return s.origin
}

// SetOrigin records the declaring source.
func (s *Spec) SetOrigin(origin string) {
	s.origin = origin
}

// IsImport reports whether the spec is an import directive.
func (s *Spec) IsImport() bool {
	return s.Import != ""
}

// DeriveIdentity computes an identity from a source location.
func DeriveIdentity(source string) string {
	base := path.Base(strings.TrimSuffix(strings.TrimRight(source, "/"), ".git"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// TriggerCount returns the number of declared activation triggers.
func (s *Spec) TriggerCount() int {
	return len(s.Events) + len(s.Commands) + len(s.FileTypes) + len(s.Keys)
}
