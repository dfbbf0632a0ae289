// Package diag implements a small self-reporting registry that
// components (ring buffers, connection pools, caches) register
// themselves with. It backs an introspection endpoint that dumps the
// current state of every long-lived component in the process,
// grounded on how cdc-sink's wire providers thread a *diag.Diagnostics
// through every pool and cache constructor.
package diag

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Diagnostic is implemented by any component that wants to report
// structured state for introspection.
type Diagnostic interface {
	Diagnostic(ctx context.Context) any
}

// Diagnostics is a registry of named, self-reporting components.
type Diagnostics struct {
	mu   sync.Mutex
	byID map[string]Diagnostic
}

// New constructs an empty registry. The returned cleanup function
// clears all registrations; it exists so New can be used directly as
// a wire provider that returns (*Diagnostics, func()).
func New(context.Context) (*Diagnostics, func()) {
	d := &Diagnostics{byID: make(map[string]Diagnostic)}
	return d, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byID = nil
	}
}

// Register adds a named diagnostic. It returns an error if the name
// is already registered, mirroring cdc-sink's ProvideTargetStatements
// usage of Diagnostics.Register.
func (d *Diagnostics) Register(name string, diagnostic Diagnostic) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.byID[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.byID[name] = diagnostic
	return nil
}

// Unregister removes a named diagnostic, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byID, name)
}

// Snapshot collects every registered component's current diagnostic
// state, keyed by name.
func (d *Diagnostics) Snapshot(ctx context.Context) map[string]any {
	d.mu.Lock()
	names := make([]string, 0, len(d.byID))
	byID := make(map[string]Diagnostic, len(d.byID))
	for name, diagnostic := range d.byID {
		names = append(names, name)
		byID[name] = diagnostic
	}
	d.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = byID[name].Diagnostic(ctx)
	}
	return out
}
