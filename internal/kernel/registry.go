package kernel

import (
	"fmt"
	"sort"
)

// Entry binds a descriptor to its implementation.
type Entry struct {
	Descriptor Descriptor
	Kernel     Kernel
}

// Registry is the static table of kernel descriptors, built once at process
// start and never mutated.
type Registry struct {
	order   []string
	entries map[string]Entry
}

// NewRegistry validates entries and builds a Registry. Dependency cycles are
// not rejected here; the boot orchestrator reports them before starting anything.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		d := e.Descriptor
		if d.Name == "" {
			return nil, fmt.Errorf("kernel has empty name")
		}
		if _, dup := r.entries[d.Name]; dup {
			return nil, fmt.Errorf("duplicate kernel name: %s", d.Name)
		}
		if e.Kernel == nil {
			return nil, fmt.Errorf("kernel %s has no implementation", d.Name)
		}
		if d.MaxRetries < 0 || d.MaxRestarts < 0 {
			return nil, fmt.Errorf("kernel %s: negative retry limits", d.Name)
		}
		d.DependsOn = append([]string(nil), d.DependsOn...)
		e.Descriptor = d
		r.entries[d.Name] = e
		r.order = append(r.order, d.Name)
	}

	for _, name := range r.order {
		for _, dep := range r.entries[name].Descriptor.DependsOn {
			if dep == name {
				return nil, fmt.Errorf("kernel %s depends on itself", name)
			}
			if _, ok := r.entries[dep]; !ok {
				return nil, fmt.Errorf("kernel %s depends on unknown kernel %s", name, dep)
			}
		}
	}
	return r, nil
}

// Names returns kernel names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered kernels.
func (r *Registry) Len() int {
	return len(r.order)
}

// Descriptor returns the descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	d := e.Descriptor
	d.DependsOn = append([]string(nil), d.DependsOn...)
	return d, true
}

// Kernel returns the implementation bound to name.
func (r *Registry) Kernel(name string) (Kernel, bool) {
	e, ok := r.entries[name]
	return e.Kernel, ok
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		d, _ := r.Descriptor(name)
		out = append(out, d)
	}
	return out
}

// ByTier groups kernel names by tier, each group sorted by name.
func (r *Registry) ByTier() map[Tier][]string {
	out := make(map[Tier][]string)
	for _, name := range r.order {
		t := r.entries[name].Descriptor.Tier
		out[t] = append(out[t], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}
