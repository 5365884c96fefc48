package registry

import (
	"fmt"

	"github.com/dshills/stormpack/internal/spec"
)

// Merge flattens the ordered spec sources, resolves import directives
// depth-first, merges specs naming the same extension, validates the
// dependency graph, and computes the load order.
//
// Merge rules per field category: scalar fields are overlaid, later sources
// winning when they set a value; set-valued fields (dependencies, triggers)
// are unioned and de-duplicated in first-seen order; Always is sticky once
// any source sets it. Callbacks are scalars: the later source's callback
// replaces the earlier one.
func Merge(resolver *spec.Resolver, sources ...spec.Source) (*Registry, error) {
	flat, err := flatten(resolver, sources, nil)
	if err != nil {
		return nil, err
	}

	r := &Registry{plugins: make(map[string]*Plugin)}
	for _, sp := range flat {
		identity := sp.Identity()
		if identity == "" {
			return nil, fmt.Errorf("%w: spec from %s has no derivable identity (source %q)",
				spec.ErrInvalidSpec, sp.Origin(), sp.Source)
		}

		existing, ok := r.plugins[identity]
		if !ok {
			p := newPlugin(identity, sp)
			p.declOrder = len(r.plugins)
			r.plugins[identity] = p
			continue
		}
		overlay(existing, sp)
	}

	if err := validate(r); err != nil {
		return nil, err
	}

	order, err := loadOrder(r)
	if err != nil {
		return nil, err
	}
	r.order = order

	return r, nil
}

// flatten resolves imports depth-first with cycle detection. visiting holds
// the active import chain.
func flatten(resolver *spec.Resolver, sources []spec.Source, visiting []string) ([]spec.Spec, error) {
	var out []spec.Spec

	for _, src := range sources {
		for _, prev := range visiting {
			if prev == src.Name() {
				return nil, chainError(ErrCyclicImport, append(visiting, src.Name()))
			}
		}

		specs, err := src.Load()
		if err != nil {
			return nil, err
		}

		for _, sp := range specs {
			if !sp.IsImport() {
				out = append(out, sp)
				continue
			}

			imported, err := resolver.Resolve(sp.Import)
			if err != nil {
				return nil, err
			}
			nested, err := flatten(resolver, []spec.Source{imported}, append(visiting, src.Name()))
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

// newPlugin builds a registry entry from the first spec naming an identity.
func newPlugin(identity string, sp spec.Spec) *Plugin {
	return &Plugin{
		Name:         identity,
		Source:       sp.Source,
		Version:      sp.Version,
		Dependencies: dedupe(nil, sp.Dependencies),
		Events:       dedupe(nil, sp.Events),
		Commands:     dedupe(nil, sp.Commands),
		FileTypes:    dedupe(nil, sp.FileTypes),
		Keys:         dedupe(nil, sp.Keys),
		Always:       sp.Always,
		Init:         sp.Init,
		Config:       sp.Config,
	}
}

// overlay merges a later spec into an existing entry.
func overlay(p *Plugin, sp spec.Spec) {
	if sp.Source != "" {
		p.Source = sp.Source
	}
	if sp.Version != "" {
		p.Version = sp.Version
	}
	if sp.Init != nil {
		p.Init = sp.Init
	}
	if sp.Config != nil {
		p.Config = sp.Config
	}
	if sp.Always {
		p.Always = true
	}

	p.Dependencies = dedupe(p.Dependencies, sp.Dependencies)
	p.Events = dedupe(p.Events, sp.Events)
	p.Commands = dedupe(p.Commands, sp.Commands)
	p.FileTypes = dedupe(p.FileTypes, sp.FileTypes)
	p.Keys = dedupe(p.Keys, sp.Keys)
}

// dedupe unions extra into base preserving first-seen order.
func dedupe(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := base
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range extra {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// validate checks that every dependency resolves and that the dependency
// graph is acyclic, via DFS with white/gray/black coloring.
func validate(r *Registry) error {
	const (
		white = iota // unvisited
		gray         // visiting
		black        // done
	)
	color := make(map[string]int, len(r.plugins))

	var visit func(name string, chain []string) error
	visit = func(name string, chain []string) error {
		p, ok := r.plugins[name]
		if !ok {
			return chainError(ErrUnresolvedDependency, append(chain, name))
		}

		switch color[name] {
		case black:
			return nil
		case gray:
			return chainError(ErrCyclicDependency, append(chain, name))
		}

		color[name] = gray
		for _, dep := range p.Dependencies {
			if err := visit(dep, append(chain, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name := range r.plugins {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// loadOrder computes a deterministic topological sort of the dependency
// graph. Ties are broken by original declaration order, so dependencies are
// always processed before dependents and runs are reproducible.
func loadOrder(r *Registry) ([]string, error) {
	indegree := make(map[string]int, len(r.plugins))
	dependents := make(map[string][]string, len(r.plugins))

	for name, p := range r.plugins {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range p.Dependencies {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	order := make([]string, 0, len(r.plugins))
	for len(order) < len(r.plugins) {
		// Pick the ready plugin declared earliest.
		next := ""
		for name, deg := range indegree {
			if deg != 0 {
				continue
			}
			if next == "" || r.plugins[name].declOrder < r.plugins[next].declOrder {
				next = name
			}
		}
		if next == "" {
			// Unreachable after validate, kept as a guard.
			return nil, ErrCyclicDependency
		}

		order = append(order, next)
		delete(indegree, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
		}
	}
	return order, nil
}
