package nvmet

import (
	"sync"

	"github.com/rs/xid"
)

// Registry is the process-wide queue list and id allocator, held
// explicitly by the caller rather than as an ambient singleton: a
// mutex-guarded map of live queues, indexed by id, instead of a
// package-level global.
type Registry struct {
	mu     sync.RWMutex
	queues map[xid.ID]*Queue
}

// NewRegistry constructs an empty queue registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[xid.ID]*Queue)}
}

// add registers a newly constructed queue and attaches the registry
// back-reference release() uses to remove itself on teardown.
func (r *Registry) add(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q.registry = r
	r.queues[q.ID] = q
}

// remove drops a queue from the registry. Called once from
// Queue.release(); safe to call on a queue that was never added.
func (r *Registry) remove(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, q.ID)
}

// Get looks up a live queue by id.
func (r *Registry) Get(id xid.ID) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// Len reports the number of live queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// All returns a snapshot slice of every live queue, used by
// DeleteCtrl to tear every queue belonging to a controller down.
func (r *Registry) All() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

// DeleteCtrl shuts every queue in the registry down. This registry is
// scoped to one controller, so it simply tears down everything it
// holds.
func (r *Registry) DeleteCtrl() {
	for _, q := range r.All() {
		q.release()
	}
}
