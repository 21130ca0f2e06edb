// Package model maps Tuya product keys to the data point that switches the
// device on and off. The table is small (tens of entries) and searched
// linearly; product keys compare case-insensitively because beacons are not
// consistent about casing.
package model

import (
	"strings"
	"sync"
)

// Model describes one product: the vendor product key, a friendly name and
// the on/off control data point.
type Model struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Control int    `json:"control" yaml:"control"`
}

// Registry is the live model table. A zero control value means "unknown
// model": the controller skips sensing and commanding such devices until an
// operator adds the mapping.
type Registry struct {
	mu      sync.RWMutex
	models  []Model
	changed bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) find(productKey string) int {
	for i := range r.models {
		if strings.EqualFold(r.models[i].ID, productKey) {
			return i
		}
	}
	return -1
}

// Control returns the on/off data point for a product key, or zero when the
// model is unknown.
func (r *Registry) Control(productKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.find(productKey); i >= 0 {
		return r.models[i].Control
	}
	return 0
}

// Name returns the friendly model name, or an empty string when unknown.
func (r *Registry) Name(productKey string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.find(productKey); i >= 0 {
		return r.models[i].Name
	}
	return ""
}

// Refresh merges a configuration load into the table. Entries missing an
// id, a name or a control point are skipped. Existing entries are updated
// in place and never removed, so a partial config cannot erase knowledge
// gathered earlier.
func (r *Registry) Refresh(models []Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		if m.ID == "" || m.Name == "" || m.Control == 0 {
			continue
		}
		i := r.find(m.ID)
		if i < 0 {
			r.models = append(r.models, m)
			r.changed = true
			continue
		}
		if r.models[i].Name != m.Name {
			r.models[i].Name = m.Name
			r.changed = true
		}
		if r.models[i].Control != m.Control {
			r.models[i].Control = m.Control
			r.changed = true
		}
	}
}

// Changed reports whether the table mutated since the last call and resets
// the flag, so the caller can persist at most once per mutation burst.
func (r *Registry) Changed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.changed
	r.changed = false
	return c
}

// Snapshot returns a copy of the table for persistence or display.
func (r *Registry) Snapshot() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}
