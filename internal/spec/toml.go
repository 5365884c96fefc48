package spec

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// TOMLSource loads specs from a TOML file:
//
//	[[extensions]]
//	source = "https://host/user/repo.git"
//	version = "v1.2.0"
//	event = ["BufReadPre"]
//
//	[[extensions]]
//	import = "extras"
//
// TOML sources cannot carry init/config callbacks; use a Lua source for
// those.
type TOMLSource struct {
	name string
	path string
}

// tomlDocument is the on-disk shape of a TOML spec source.
type tomlDocument struct {
	Extensions []Spec `toml:"extensions"`
}

// NewTOMLSource creates a TOML spec source.
func NewTOMLSource(name, path string) *TOMLSource {
	return &TOMLSource{name: name, path: path}
}

// Name returns the source name.
func (s *TOMLSource) Name() string { return s.name }

// Load reads and parses the file.
func (s *TOMLSource) Load() ([]Spec, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading spec source %s: %w", s.path, err)
	}

	var doc tomlDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, s.path, err)
	}

	for i := range doc.Extensions {
		sp := &doc.Extensions[i]
		sp.SetOrigin(s.name)
		if !sp.IsImport() && sp.Source == "" && sp.Name == "" {
			return nil, fmt.Errorf("%w: %s: extension %d has neither source nor name", ErrInvalidSpec, s.path, i)
		}
	}
	return doc.Extensions, nil
}
