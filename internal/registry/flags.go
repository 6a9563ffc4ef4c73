package registry

import "sync"

// Flags is a per-group boolean table. The coordinator keeps two: the loading
// flag (a decision invocation is in flight) and the sending flag (a user
// message is being created).
type Flags struct {
	mu sync.RWMutex
	m  map[string]bool
}

func NewFlags() *Flags {
	return &Flags{m: make(map[string]bool)}
}

func (f *Flags) Set(groupID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v {
		f.m[groupID] = true
		return
	}
	delete(f.m, groupID)
}

func (f *Flags) Get(groupID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m[groupID]
}

// Snapshot copies the set flags, for status endpoints.
func (f *Flags) Snapshot() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]bool, len(f.m))
	for k, v := range f.m {
		out[k] = v
	}
	return out
}
