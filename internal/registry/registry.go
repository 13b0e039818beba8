// Package registry tracks the configured plugs and the last reading stored for each.
package registry

import (
	"slices"
	"sync"
	"time"

	"zpowergraph/internal/modules/power/types"
)

type entry struct {
	last     types.Reading
	hasLast  bool
	lastSeen time.Time
}

// Registry is safe for concurrent use. Membership is fixed at construction.
type Registry struct {
	ids []string

	mu      sync.RWMutex
	devices map[string]*entry
}

// New tracks ids. Every device counts as seen at start so the idle filler
// waits a full period before acting on a plug that never reported.
func New(ids []string, start time.Time) *Registry {
	r := &Registry{
		ids:     slices.Clone(ids),
		devices: make(map[string]*entry, len(ids)),
	}
	for _, id := range ids {
		r.devices[id] = &entry{lastSeen: start}
	}
	return r
}

func (r *Registry) Tracked(id string) bool {
	_, ok := r.devices[id]
	return ok
}

// IDs returns the tracked devices in configuration order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}

// Seen records a stored reading. Readings for untracked devices and readings
// older than the current last one are ignored for Last but still refresh the
// seen time.
func (r *Registry) Seen(reading types.Reading, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[reading.DeviceID]
	if !ok {
		return
	}
	if !e.hasLast || !reading.Timestamp.Before(e.last.Timestamp) {
		e.last = reading
		e.last.RawPayload = nil
		e.hasLast = true
	}
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
}

// Touch refreshes the seen time of id without a reading.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[id]; ok && at.After(e.lastSeen) {
		e.lastSeen = at
	}
}

// Last returns the newest reading recorded for id.
func (r *Registry) Last(id string) (types.Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok || !e.hasLast {
		return types.Reading{}, false
	}
	return e.last, true
}

// LastSeen returns when id last produced a stored reading.
func (r *Registry) LastSeen(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Silent lists tracked devices not seen for longer than after.
func (r *Registry) Silent(now time.Time, after time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.ids {
		if now.Sub(r.devices[id].lastSeen) > after {
			out = append(out, id)
		}
	}
	return out
}
