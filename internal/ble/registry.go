package ble

import "strings"

// Registry holds the peripherals seen during one scan session, in
// first-seen order and deduplicated by ID. It is not safe for concurrent
// use; the central only touches it from its control loop.
type Registry struct {
	order []string
	byID  map[string]Peripheral
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Peripheral)}
}

// Add records p. A peripheral already present keeps its position; its RSSI
// is refreshed and a missing name is filled in. Returns true if p was new.
func (r *Registry) Add(p Peripheral) bool {
	if p.ID == "" {
		return false
	}
	if prev, ok := r.byID[p.ID]; ok {
		if p.Name == "" {
			p.Name = prev.Name
		}
		if p.RSSI == 0 {
			p.RSSI = prev.RSSI
		}
		r.byID[p.ID] = p
		return false
	}
	r.byID[p.ID] = p
	r.order = append(r.order, p.ID)
	return true
}

// Lookup returns the peripheral with the given ID.
func (r *Registry) Lookup(id string) (Peripheral, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Len returns the number of distinct peripherals.
func (r *Registry) Len() int { return len(r.order) }

// Snapshot returns a copy of the contents in first-seen order.
func (r *Registry) Snapshot() []Peripheral {
	out := make([]Peripheral, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Reset drops every entry. Called when a new scan session starts.
func (r *Registry) Reset() {
	r.order = nil
	r.byID = make(map[string]Peripheral)
}

// Classify reports whether p's advertised name contains any of names,
// ignoring case. Empty names never match.
func Classify(p Peripheral, names []string) bool {
	if p.Name == "" {
		return false
	}
	name := strings.ToLower(p.Name)
	for _, n := range names {
		if n == "" {
			continue
		}
		if strings.Contains(name, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// ClassifyAll returns one flag per peripheral, aligned with ps.
func ClassifyAll(ps []Peripheral, names []string) []bool {
	flags := make([]bool, len(ps))
	for i, p := range ps {
		flags[i] = Classify(p, names)
	}
	return flags
}
