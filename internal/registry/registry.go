// Package registry implements the channel registry (spec §4.A): a
// read-only, name → ChannelDescriptor lookup populated once during process
// initialization and treated as immutable for the lifetime of the runtime.
//
// Population itself (reading the schema layer that maps channel names to
// payload shapes and callbacks) is an external collaborator per spec.md §1;
// this package only defines the lookup contract and a concrete in-memory
// implementation of it.
package registry

import (
	"fmt"
	"sort"

	"github.com/rat-data/pgpubsub/internal/domain"
)

// ErrDuplicateChannel is returned by Register when a channel name is
// registered twice.
var ErrDuplicateChannel = fmt.Errorf("registry: duplicate channel")

// Registry resolves a channel name to its descriptor.
type Registry struct {
	descriptors map[string]domain.ChannelDescriptor
}

// New builds an empty registry. Callers register every channel before
// handing the registry to a supervisor — once workers start, the registry
// is shared-read only (§3 ownership).
func New() *Registry {
	return &Registry{descriptors: make(map[string]domain.ChannelDescriptor)}
}

// Register adds a channel descriptor. Returns ErrDuplicateChannel if the
// name is already registered — channel names are globally unique (§3).
func (r *Registry) Register(d domain.ChannelDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: channel name is required")
	}
	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, d.Name)
	}
	r.descriptors[d.Name] = d
	return nil
}

// Resolve looks up a channel by its canonical registered name. Returns
// domain.ErrNotFound if no channel with that name was registered.
func (r *Registry) Resolve(name string) (domain.ChannelDescriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return domain.ChannelDescriptor{}, fmt.Errorf("%w: channel %q", domain.ErrNotFound, name)
	}
	return d, nil
}

// All returns every registered descriptor, sorted by name for deterministic
// iteration (e.g. when --channels is omitted and the runtime subscribes to
// "all registered channels").
func (r *Registry) All() []domain.ChannelDescriptor {
	out := make([]domain.ChannelDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Durable returns every registered durable channel, sorted by name. The
// worker's recovery scan does not call it: it filters the worker's own
// channel set, which is every registered channel when --channels is
// omitted.
func (r *Registry) Durable() []domain.ChannelDescriptor {
	out := make([]domain.ChannelDescriptor, 0)
	for _, d := range r.All() {
		if d.Durable {
			out = append(out, d)
		}
	}
	return out
}

// Select resolves a list of channel names, preserving input order. An
// unknown name is a configuration error (§7 "Configuration error at
// startup"): the CLI must exit non-zero before any worker runs rather than
// silently skip it.
func (r *Registry) Select(names []string) ([]domain.ChannelDescriptor, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]domain.ChannelDescriptor, 0, len(names))
	for _, name := range names {
		d, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
