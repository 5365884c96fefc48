package spec

import (
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaHost owns a Lua state shared by spec sources and extension callbacks.
//
// gopher-lua's LState is not goroutine-safe; every operation goes through
// Do, which serializes access.
type LuaHost struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewLuaHost creates a host with a fresh Lua state.
func NewLuaHost() *LuaHost {
	return &LuaHost{L: lua.NewState()}
}

// Do runs fn with exclusive access to the Lua state.
func (h *LuaHost) Do(fn func(L *lua.LState) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.L)
}

// Close releases the Lua state.
func (h *LuaHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.L != nil {
		h.L.Close()
		h.L = nil
	}
}

// LuaSource loads specs from a Lua file that returns a list of spec tables:
//
//	return {
//	    { "user/repo", event = "BufReadPre" },
//	    { source = "https://host/other.git", version = "v2", cmd = { "Foo" } },
//	    { import = "extras" },
//	}
type LuaSource struct {
	host *LuaHost
	name string
	path string
}

// NewLuaSource creates a Lua spec source.
func NewLuaSource(host *LuaHost, name, path string) *LuaSource {
	return &LuaSource{host: host, name: name, path: path}
}

// Name returns the source name.
func (s *LuaSource) Name() string { return s.name }

// Load executes the file and parses the returned table.
func (s *LuaSource) Load() ([]Spec, error) {
	var specs []Spec

	err := s.host.Do(func(L *lua.LState) error {
		fn, err := L.LoadFile(s.path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSpec, s.path, err)
		}

		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSpec, s.path, err)
		}

		ret := L.Get(-1)
		L.Pop(1)

		tbl, ok := ret.(*lua.LTable)
		if !ok {
			return fmt.Errorf("%w: %s must return a table, got %s", ErrInvalidSpec, s.path, ret.Type())
		}

		var parseErr error
		tbl.ForEach(func(key, value lua.LValue) {
			if parseErr != nil {
				return
			}
			if _, isNumber := key.(lua.LNumber); !isNumber {
				return // only the array part holds specs
			}
			entry, ok := value.(*lua.LTable)
			if !ok {
				parseErr = fmt.Errorf("%w: %s: entry %s is not a table", ErrInvalidSpec, s.path, key.String())
				return
			}
			sp, err := s.parseEntry(entry)
			if err != nil {
				parseErr = err
				return
			}
			specs = append(specs, sp)
		})
		return parseErr
	})
	if err != nil {
		return nil, err
	}

	for i := range specs {
		specs[i].SetOrigin(s.name)
	}
	return specs, nil
}

// parseEntry interprets a single spec table. Called with the host lock held.
func (s *LuaSource) parseEntry(tbl *lua.LTable) (Spec, error) {
	var sp Spec

	// Positional first element is shorthand for the source location.
	if v := tbl.RawGetInt(1); v != lua.LNil {
		if str, ok := v.(lua.LString); ok {
			sp.Source = string(str)
		}
	}

	if v := tbl.RawGetString("import"); v != lua.LNil {
		sp.Import = lua.LVAsString(v)
		return sp, nil
	}

	if v := tbl.RawGetString("name"); v != lua.LNil {
		sp.Name = lua.LVAsString(v)
	}
	if v := tbl.RawGetString("source"); v != lua.LNil {
		sp.Source = lua.LVAsString(v)
	}
	if v := tbl.RawGetString("version"); v != lua.LNil {
		sp.Version = lua.LVAsString(v)
	}
	if v := tbl.RawGetString("always"); v != lua.LNil {
		sp.Always = lua.LVAsBool(v)
	}

	sp.Dependencies = luaStrings(tbl.RawGetString("dependencies"))
	sp.Events = luaStrings(tbl.RawGetString("event"))
	sp.Commands = luaStrings(tbl.RawGetString("cmd"))
	sp.FileTypes = luaStrings(tbl.RawGetString("ft"))
	sp.Keys = luaStrings(tbl.RawGetString("keys"))

	sp.Init = s.callback(tbl.RawGetString("init"))
	sp.Config = s.callback(tbl.RawGetString("config"))

	if sp.Source == "" && sp.Name == "" {
		return sp, fmt.Errorf("%w: %s: entry has neither source nor name", ErrInvalidSpec, s.path)
	}
	return sp, nil
}

// callback wraps a Lua function for later invocation. The returned callback
// runs on whatever state the caller holds, which must be the host state the
// function was defined on.
func (s *LuaSource) callback(v lua.LValue) Callback {
	fn, ok := v.(*lua.LFunction)
	if !ok {
		return nil
	}
	return func(L *lua.LState) error {
		L.Push(fn)
		return L.PCall(0, 0, nil)
	}
}

// luaStrings interprets a value as either a single string or a list of
// strings.
func luaStrings(v lua.LValue) []string {
	switch val := v.(type) {
	case lua.LString:
		str := strings.TrimSpace(string(val))
		if str == "" {
			return nil
		}
		return []string{str}
	case *lua.LTable:
		var out []string
		val.ForEach(func(key, item lua.LValue) {
			if _, isNumber := key.(lua.LNumber); !isNumber {
				return
			}
			if str, ok := item.(lua.LString); ok {
				out = append(out, string(str))
			}
		})
		return out
	default:
		return nil
	}
}
