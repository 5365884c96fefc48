package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormpack/internal/registry"
)

// installResolver inserts a registry-backed loader into package.loaders,
// after the preload table but ahead of the default path loaders. Resolving
// a module that maps to an unloaded plugin loads that plugin synchronously
// before resolution completes, so a plain require on a lazy extension works
// even when no declared trigger fired.
func (d *Dispatcher) installResolver(L *lua.LState) error {
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return fmt.Errorf("package table not available")
	}
	loaders, ok := L.GetField(pkg, "loaders").(*lua.LTable)
	if !ok {
		return fmt.Errorf("package.loaders not available")
	}

	resolver := L.NewFunction(d.resolveModule)

	// Insert at position 2, shifting the default loaders down.
	n := loaders.Len()
	for i := n; i >= 2; i-- {
		loaders.RawSetInt(i+1, loaders.RawGetInt(i))
	}
	loaders.RawSetInt(2, resolver)
	return nil
}

// resolveModule is the package.loaders entry. It returns a loadable chunk
// for modules owned by registry plugins, loading the plugin first if
// needed, or an error-message string for the chain to continue past.
func (d *Dispatcher) resolveModule(L *lua.LState) int {
	module := L.CheckString(1)

	name, ok := d.pluginForModule(module)
	if !ok {
		L.Push(lua.LString(fmt.Sprintf("\n\tno stormpack plugin owns module '%s'", module)))
		return 1
	}

	// Already inside the host hold; load directly.
	if err := d.load(L, name); err != nil {
		L.Push(lua.LString(fmt.Sprintf("\n\tstormpack plugin '%s' failed to load: %v", name, err)))
		return 1
	}

	p, _ := d.reg.Get(name)
	path, ok := findModuleFile(p.InstallPath(), module)
	if !ok {
		L.Push(lua.LString(fmt.Sprintf("\n\tmodule '%s' not found in plugin '%s'", module, name)))
		return 1
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		L.RaiseError("error loading module '%s' from '%s': %v", module, path, err)
		return 0
	}
	L.Push(fn)
	return 1
}

// pluginForModule maps a module name to the owning plugin identity. The
// module's root segment is matched against each identity and its common
// normalizations ("repo.nvim" and "repo-nvim" both own module "repo").
func (d *Dispatcher) pluginForModule(module string) (string, bool) {
	root := module
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}

	if _, ok := d.reg.Get(root); ok {
		return root, true
	}
	for _, name := range d.reg.LoadOrder() {
		if normalizeModule(name) == root {
			return name, true
		}
	}
	return "", false
}

// normalizeModule strips conventional packaging suffixes from an identity.
func normalizeModule(identity string) string {
	for _, suffix := range []string{".nvim", ".lua", "-nvim", "-lua", ".vim"} {
		if trimmed, ok := strings.CutSuffix(identity, suffix); ok && trimmed != "" {
			return trimmed
		}
	}
	return identity
}

// findModuleFile locates a module's file beneath an install path, following
// the usual lua/ layout first.
func findModuleFile(installPath, module string) (string, bool) {
	if installPath == "" {
		return "", false
	}

	rel := strings.ReplaceAll(module, ".", string(filepath.Separator))
	candidates := []string{
		filepath.Join(installPath, "lua", rel+".lua"),
		filepath.Join(installPath, "lua", rel, "init.lua"),
		filepath.Join(installPath, rel+".lua"),
		filepath.Join(installPath, rel, "init.lua"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

// addToPath makes a loaded plugin's code addressable through the default
// path loader as well, so modules the resolver does not map still resolve.
func (d *Dispatcher) addToPath(L *lua.LState, p *registry.Plugin) error {
	installPath := p.InstallPath()
	if installPath == "" {
		return nil // nothing installed yet; resolver-only addressability
	}

	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return fmt.Errorf("package table not available")
	}

	sep := string(filepath.Separator)
	additions := strings.Join([]string{
		installPath + sep + "lua" + sep + "?.lua",
		installPath + sep + "lua" + sep + "?" + sep + "init.lua",
		installPath + sep + "?.lua",
	}, ";")

	current := lua.LVAsString(L.GetField(pkg, "path"))
	if strings.Contains(current, additions) {
		return nil
	}
	L.SetField(pkg, "path", lua.LString(current+";"+additions))
	return nil
}
