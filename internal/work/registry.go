package work

import (
	"sort"
	"sync"

	"github.com/aristath/stoker/internal/queue"
)

// Registry maps job types to their handlers.
// Handlers are registered once at startup; the map is fixed afterwards,
// but access is guarded so the HTTP API can list types concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.JobType]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[queue.JobType]HandlerFunc),
	}
}

// Register adds or replaces the handler for a job type.
func (r *Registry) Register(jobType queue.JobType, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[jobType] = fn
}

// Get returns the handler for a job type, or nil if none is registered.
func (r *Registry) Get(jobType queue.JobType) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.handlers[jobType]
}

// Has returns whether a handler is registered for the job type.
func (r *Registry) Has(jobType queue.JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.handlers[jobType]
	return exists
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}

// Types returns all registered job types, sorted alphabetically.
func (r *Registry) Types() []queue.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]queue.JobType, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}

	sort.Slice(types, func(i, j int) bool {
		return types[i] < types[j]
	})

	return types
}
