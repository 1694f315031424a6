package backend

import (
	"fmt"
	"strings"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// SimulationName is the registry name of the simulation backend
const SimulationName = "simulation"

// Registry holds the hardware backends in priority order plus the
// simulation backend used when none is available
type Registry struct {
	hardware   []Backend
	simulation Backend
}

// NewRegistry creates a registry. Hardware backends are probed in the
// order given.
func NewRegistry(simulation Backend, hardware ...Backend) *Registry {
	return &Registry{
		hardware:   hardware,
		simulation: simulation,
	}
}

// Register appends a hardware backend at the lowest priority
func (r *Registry) Register(b Backend) {
	r.hardware = append(r.hardware, b)
}

// Get returns a backend by name
func (r *Registry) Get(name string) (Backend, bool) {
	if r.simulation != nil && strings.EqualFold(r.simulation.Name(), name) {
		return r.simulation, true
	}
	for _, b := range r.hardware {
		if strings.EqualFold(b.Name(), name) {
			return b, true
		}
	}
	return nil, false
}

// Names returns every registered backend name in probe order, simulation
// last
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.hardware)+1)
	for _, b := range r.hardware {
		names = append(names, b.Name())
	}
	if r.simulation != nil {
		names = append(names, r.simulation.Name())
	}
	return names
}

// Selection is the outcome of Select
type Selection struct {
	Backend Backend

	// Fallback is set when simulation was chosen because no hardware
	// backend, or not the preferred one, was available
	Fallback bool

	// PreferenceIgnored is set when a preference was given but another
	// backend, hardware or simulation, was chosen
	PreferenceIgnored bool

	// Reason is a human readable account of the choice
	Reason string

	// Unavailable lists backends probed and found unavailable
	Unavailable []string
}

// Select picks the backend for a session. A preferred backend is used when
// available; otherwise hardware backends are probed in registration order,
// and simulation is the last resort. An empty preference behaves like no
// preference. Naming the simulation backend selects it without fallback.
func (r *Registry) Select(preference string) (Selection, error) {
	var sel Selection
	preference = strings.TrimSpace(preference)

	if preference != "" {
		preferred, ok := r.Get(preference)
		if !ok {
			return sel, errors.New(fmt.Errorf("%q: %w", preference, ErrUnknownBackend)).
				Component("backend").
				Category(errors.CategoryConfiguration).
				Context("known_backends", strings.Join(r.Names(), ",")).
				Build()
		}
		if preferred == r.simulation {
			sel.Backend = preferred
			sel.Reason = "simulation requested"
			return sel, nil
		}
		if preferred.IsAvailable() {
			sel.Backend = preferred
			sel.Reason = "preferred backend available"
			return sel, nil
		}
		sel.Unavailable = append(sel.Unavailable, preferred.Name())
		sel.PreferenceIgnored = true
	}

	for _, b := range r.hardware {
		if strings.EqualFold(b.Name(), preference) {
			continue
		}
		if b.IsAvailable() {
			sel.Backend = b
			if preference != "" {
				sel.Reason = fmt.Sprintf("preferred backend %s unavailable, using %s", preference, b.Name())
			} else {
				sel.Reason = "first available hardware backend"
			}
			return sel, nil
		}
		sel.Unavailable = append(sel.Unavailable, b.Name())
	}

	if r.simulation == nil {
		return sel, errors.New(fmt.Errorf("no hardware backend available and no simulation registered: %w", ErrUnavailable)).
			Component("backend").
			Category(errors.CategoryBackend).
			Build()
	}

	sel.Backend = r.simulation
	sel.Fallback = true
	if len(sel.Unavailable) > 0 {
		sel.Reason = "no hardware backend available (" + strings.Join(sel.Unavailable, ", ") + ")"
	} else {
		sel.Reason = "no hardware backend registered"
	}
	return sel, nil
}

// DetectAll lists devices per backend. Backends that are unavailable or
// fail detection map to an error.
func (r *Registry) DetectAll() map[string]DetectResult {
	out := make(map[string]DetectResult, len(r.hardware)+1)
	all := append([]Backend{}, r.hardware...)
	if r.simulation != nil {
		all = append(all, r.simulation)
	}
	for _, b := range all {
		if !b.IsAvailable() {
			out[b.Name()] = DetectResult{Err: ErrUnavailable}
			continue
		}
		devices, err := b.DetectDevices()
		out[b.Name()] = DetectResult{Available: true, Devices: devices, Err: err}
	}
	return out
}

// DetectResult is one backend's entry in DetectAll
type DetectResult struct {
	Available bool
	Devices   []DeviceID
	Err       error
}
