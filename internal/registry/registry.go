// Package registry holds the per-group scheduling state of the coordinator:
// the pending debounce timer, the in-flight cancellation token, and the
// boolean flag tables. It is pure bookkeeping; arming, firing and cancelling
// are the scheduler's job.
//
// One registry is created at application start and torn down through
// ClearAll at session-switch and shutdown boundaries. All access goes through
// the mutex so readers never observe a partially updated map.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) ensure(groupID string) *entry {
	e, ok := r.entries[groupID]
	if !ok {
		e = &entry{}
		r.entries[groupID] = e
	}
	return e
}

// PutTimer stores the pending debounce timer for a group. The caller must
// have taken or cancelled any previous timer first; the slot holds one.
func (r *Registry) PutTimer(groupID string, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(groupID).timer = t
}

// TakeTimer removes and returns the pending timer, if any.
func (r *Registry) TakeTimer(groupID string) (*time.Timer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[groupID]
	if !ok || e.timer == nil {
		return nil, false
	}
	t := e.timer
	e.timer = nil
	r.compact(groupID, e)
	return t, true
}

// HasTimer reports whether a debounce timer is pending for the group, without
// disturbing the slot. A stored cancellation token alone does not count.
func (r *Registry) HasTimer(groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[groupID]
	return ok && e.timer != nil
}

// PutCancel stores the cancellation token of the in-flight decision call.
func (r *Registry) PutCancel(groupID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(groupID).cancel = cancel
}

// TakeCancel removes and returns the in-flight cancellation token, if any.
func (r *Registry) TakeCancel(groupID string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[groupID]
	if !ok || e.cancel == nil {
		return nil, false
	}
	c := e.cancel
	e.cancel = nil
	r.compact(groupID, e)
	return c, true
}

// Clear drops both slots for a group without stopping or cancelling anything.
func (r *Registry) Clear(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, groupID)
}

// ClearAll drops every entry and returns the ids of the groups that actually
// had one, sorted for stable logs. Safe to call on an empty registry.
func (r *Registry) ClearAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cleared := make([]string, 0, len(r.entries))
	for groupID := range r.entries {
		cleared = append(cleared, groupID)
	}
	r.entries = make(map[string]*entry)
	sort.Strings(cleared)
	return cleared
}

// Groups returns the ids currently holding a timer or token.
func (r *Registry) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for groupID := range r.entries {
		ids = append(ids, groupID)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) compact(groupID string, e *entry) {
	if e.timer == nil && e.cancel == nil {
		delete(r.entries, groupID)
	}
}
