// Package dispatch defers extension loading until a declared trigger fires.
//
// One hook is registered per declared trigger kind: editor events and
// filetype detection arrive through the event bus, commands through the
// host's CommandRegistry, key sequences through the Keymapper. Extensions
// marked "always" load eagerly at startup in dependency order. A resolver
// installed into the Lua require path covers the no-trigger case: the first
// real module reference loads the owning extension synchronously.
package dispatch

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormpack/internal/event"
	"github.com/dshills/stormpack/internal/logging"
	"github.com/dshills/stormpack/internal/registry"
	"github.com/dshills/stormpack/internal/spec"
)

// eventFileType is the bus event published on filetype detection; its data
// carries the detected type under "ft".
const eventFileType = "FileType"

// Dispatch errors.
var (
	// ErrUnknownPlugin is returned when an identity is not in the registry.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrLoadFailed is returned when a plugin's activation callbacks fail.
	ErrLoadFailed = errors.New("plugin load failed")

	// ErrDependencyFailed is returned when a plugin cannot load because a
	// dependency did not reach the loaded state.
	ErrDependencyFailed = errors.New("dependency load failed")
)

// Config configures a Dispatcher.
type Config struct {
	Registry *registry.Registry
	Host     *spec.LuaHost
	Bus      *event.Bus
	Commands CommandRegistry
	Keys     Keymapper
	Logger   *logging.Logger
}

// Dispatcher owns plugin activation.
type Dispatcher struct {
	reg      *registry.Registry
	host     *spec.LuaHost
	bus      *event.Bus
	commands CommandRegistry
	keys     Keymapper
	log      *logging.Logger

	unsubs []func()
}

// New creates a dispatcher. Call Setup to install hooks and load eager
// plugins.
func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{
		reg:      cfg.Registry,
		host:     cfg.Host,
		bus:      cfg.Bus,
		commands: cfg.Commands,
		keys:     cfg.Keys,
		log:      log.WithComponent("dispatch"),
	}
}

// Setup installs the module resolver and one hook per declared trigger,
// then eagerly loads "always" plugins in dependency order. Individual
// eager-load failures are isolated; Setup only fails on resolver
// installation problems.
func (d *Dispatcher) Setup() error {
	if d.host != nil {
		err := d.host.Do(func(L *lua.LState) error {
			return d.installResolver(L)
		})
		if err != nil {
			return fmt.Errorf("installing module resolver: %w", err)
		}
	}

	for _, name := range d.reg.LoadOrder() {
		p, _ := d.reg.Get(name)
		d.registerTriggers(p)
	}

	for _, name := range d.reg.LoadOrder() {
		p, _ := d.reg.Get(name)
		if p.Always {
			if err := d.LoadNow(name); err != nil {
				d.log.Error("eager load of %s failed: %v", name, err)
			}
		}
	}
	return nil
}

// Teardown removes every hook the dispatcher registered.
func (d *Dispatcher) Teardown() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
}

// registerTriggers installs hooks for one plugin's declared triggers.
func (d *Dispatcher) registerTriggers(p *registry.Plugin) {
	name := p.Name

	if d.bus != nil {
		for _, ev := range p.Events {
			d.unsubs = append(d.unsubs, d.bus.Subscribe(ev, func(string, event.Data) {
				d.triggerLoad(name)
			}))
		}

		if len(p.FileTypes) > 0 {
			fts := make(map[string]bool, len(p.FileTypes))
			for _, ft := range p.FileTypes {
				fts[ft] = true
			}
			d.unsubs = append(d.unsubs, d.bus.Subscribe(eventFileType, func(_ string, data event.Data) {
				if ft, ok := data["ft"].(string); ok && fts[ft] {
					d.triggerLoad(name)
				}
			}))
		}
	}

	if d.commands != nil {
		for _, cmd := range p.Commands {
			cmd := cmd
			d.commands.Register(cmd, func(args []string) error {
				// Load-then-replay: the plugin's config callback installs
				// the real command under the same name. On a failed load
				// the name stays bound and keeps reporting the failure.
				d.commands.Unregister(cmd)
				if err := d.LoadNow(name); err != nil {
					d.commands.Register(cmd, func([]string) error {
						return d.LoadNow(name)
					})
					return err
				}
				return d.commands.Execute(cmd, args)
			})
			d.unsubs = append(d.unsubs, func() { d.commands.Unregister(cmd) })
		}
	}

	if d.keys != nil {
		for _, seq := range p.Keys {
			seq := seq
			d.keys.Set(seq, func() {
				d.keys.Delete(seq)
				if err := d.LoadNow(name); err != nil {
					return
				}
				d.keys.Feed(seq)
			})
			d.unsubs = append(d.unsubs, func() { d.keys.Delete(seq) })
		}
	}
}

// triggerLoad loads a plugin in response to a trigger, reporting failures
// without propagating them: one plugin's failure must not abort the host.
func (d *Dispatcher) triggerLoad(name string) {
	if err := d.LoadNow(name); err != nil {
		d.log.Error("load of %s failed: %v", name, err)
	}
}

// LoadNow forces a synchronous load, bypassing trigger wait. Loading an
// already-loaded plugin is a no-op; a plugin that previously failed stays
// failed for the session and returns its recorded error.
func (d *Dispatcher) LoadNow(name string) error {
	if d.host == nil {
		return d.load(nil, name)
	}
	return d.host.Do(func(L *lua.LState) error {
		return d.load(L, name)
	})
}

// load runs the activation state machine for one plugin. The caller holds
// the Lua host; recursion for dependencies stays inside that hold.
func (d *Dispatcher) load(L *lua.LState, name string) error {
	p, ok := d.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}

	switch p.State() {
	case registry.StateLoaded, registry.StateLoading:
		// Idempotent: repeat triggers while loading or past it are no-ops.
		return nil
	case registry.StateFailed:
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, p.LoadError())
	}

	p.SetState(registry.StateLoading)
	d.log.Debug("loading %s", name)

	if err := d.activate(L, p); err != nil {
		p.SetLoadError(err)
		p.SetState(registry.StateFailed)
		if d.bus != nil {
			d.bus.Publish("plugin.load.failed", event.Data{
				"plugin": name,
				"error":  err.Error(),
			})
		}
		return err
	}

	p.SetState(registry.StateLoaded)
	if d.bus != nil {
		d.bus.Publish("plugin.loaded", event.Data{"plugin": name})
	}
	return nil
}

// activate brings dependencies up, runs the init callback, makes the
// plugin's code addressable, and runs the config callback.
func (d *Dispatcher) activate(L *lua.LState, p *registry.Plugin) error {
	for _, dep := range p.Dependencies {
		if err := d.load(L, dep); err != nil {
			return fmt.Errorf("%w: %s needs %s: %v", ErrDependencyFailed, p.Name, dep, err)
		}
	}

	if p.Init != nil {
		if err := p.Init(L); err != nil {
			return fmt.Errorf("%w: %s init: %v", ErrLoadFailed, p.Name, err)
		}
	}

	if L != nil {
		if err := d.addToPath(L, p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrLoadFailed, p.Name, err)
		}
	}

	if p.Config != nil {
		if err := p.Config(L); err != nil {
			return fmt.Errorf("%w: %s config: %v", ErrLoadFailed, p.Name, err)
		}
	}

	return nil
}
