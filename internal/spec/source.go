package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Source errors.
var (
	// ErrSourceNotFound is returned when no spec file matches a source name.
	ErrSourceNotFound = errors.New("spec source not found")

	// ErrInvalidSpec is returned when a spec table cannot be interpreted.
	ErrInvalidSpec = errors.New("invalid spec")
)

// Source yields an ordered sequence of specs.
type Source interface {
	// Name identifies the source (for import resolution and errors).
	Name() string

	// Load parses the source into specs, in declaration order.
	Load() ([]Spec, error)
}

// Resolver locates spec sources by name using the module path convention:
// name "extras" resolves to extras.lua or extras.toml in one of the
// configured directories, first match wins.
type Resolver struct {
	dirs []string
	host *LuaHost
}

// NewResolver creates a resolver over the given directories. The LuaHost is
// used for Lua sources and may be shared with the dispatcher.
func NewResolver(host *LuaHost, dirs ...string) *Resolver {
	return &Resolver{dirs: dirs, host: host}
}

// Resolve finds the source with the given name.
func (r *Resolver) Resolve(name string) (Source, error) {
	for _, dir := range r.dirs {
		luaPath := filepath.Join(dir, name+".lua")
		if fileExists(luaPath) {
			return NewLuaSource(r.host, name, luaPath), nil
		}
		tomlPath := filepath.Join(dir, name+".toml")
		if fileExists(tomlPath) {
			return NewTOMLSource(name, tomlPath), nil
		}
	}
	return nil, fmt.Errorf("%w: %s (searched %v)", ErrSourceNotFound, name, r.dirs)
}

// FromFile builds a source directly from a path, picking the loader by
// extension.
func (r *Resolver) FromFile(path string) (Source, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	switch filepath.Ext(path) {
	case ".lua":
		return NewLuaSource(r.host, name, path), nil
	case ".toml":
		return NewTOMLSource(name, path), nil
	default:
		return nil, fmt.Errorf("%w: unsupported spec file %s", ErrInvalidSpec, path)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
