package front

import (
	"sync"

	"fronting/core/internal/store"
)

// Registry is the in-memory projection of a system's identities. It never
// fails; every effective change is reported to listeners after the lock is
// released.
type Registry struct {
	mu         sync.Mutex
	items      map[string]store.Identity
	tombstones map[string]int64

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int
}

func NewRegistry() *Registry {
	return &Registry{
		items:      map[string]store.Identity{},
		tombstones: map[string]int64{},
		listeners:  map[int]func(){},
	}
}

// OnChange registers fn and returns a function that removes it.
func (r *Registry) OnChange(fn func()) func() {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) notify() {
	r.listenerMu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for i := 0; i < r.nextID; i++ {
		if fn, ok := r.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	r.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Load replaces the whole projection, used once when a session opens.
func (r *Registry) Load(items []store.Identity) {
	r.mu.Lock()
	r.items = make(map[string]store.Identity, len(items))
	r.tombstones = map[string]int64{}
	for _, item := range items {
		r.items[item.ID] = item
	}
	r.mu.Unlock()
	r.notify()
}

// Upsert merges item last-writer-wins. It reports whether the projection
// changed.
func (r *Registry) Upsert(item store.Identity) bool {
	return r.UpsertMany(item)
}

// UpsertMany merges several rows and notifies listeners once.
func (r *Registry) UpsertMany(items ...store.Identity) bool {
	r.mu.Lock()
	changed := false
	for _, item := range items {
		if removedAt, ok := r.tombstones[item.ID]; ok {
			if latestClock(item.Clock) <= removedAt {
				continue
			}
			delete(r.tombstones, item.ID)
		}
		current, exists := r.items[item.ID]
		merged, ok := MergeIdentity(current, exists, item)
		if ok {
			r.items[item.ID] = merged
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

// Remove drops id unless a field was written after at. A tombstone keeps
// older upserts from resurrecting it.
func (r *Registry) Remove(id string, at int64) bool {
	r.mu.Lock()
	current, exists := r.items[id]
	if exists && latestClock(current.Clock) > at {
		r.mu.Unlock()
		return false
	}
	if at > r.tombstones[id] {
		r.tombstones[id] = at
	}
	if exists {
		delete(r.items, id)
	}
	r.mu.Unlock()
	if exists {
		r.notify()
	}
	return exists
}

// Accepts reports whether item survives the tombstone of an earlier
// Remove, if there is one.
func (r *Registry) Accepts(item store.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removedAt, ok := r.tombstones[item.ID]
	return !ok || latestClock(item.Clock) > removedAt
}

// Restore puts back the given rows verbatim. Only rollback uses it.
func (r *Registry) Restore(snapshot []store.Identity) {
	if len(snapshot) == 0 {
		return
	}
	r.mu.Lock()
	for _, item := range snapshot {
		r.items[item.ID] = item
	}
	r.mu.Unlock()
	r.notify()
}

func (r *Registry) Get(id string) (store.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	return item, ok
}

// List returns every identity, archived ones included, in creation order.
func (r *Registry) List() []store.Identity {
	r.mu.Lock()
	items := make([]store.Identity, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	r.mu.Unlock()
	store.SortIdentities(items)
	return items
}
