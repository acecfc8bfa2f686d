package queue

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps case-insensitive names to queues, creating them on first use.
type Registry struct {
	mu       sync.RWMutex
	queues   map[string]*Queue
	defaults []Option
}

// NewRegistry creates an empty registry. defaults are applied to every queue
// the registry creates; options passed to GetWithOptions are applied after them.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		queues:   make(map[string]*Queue),
		defaults: defaults,
	}
}

func key(name string) string {
	return strings.ToLower(name)
}

// Get returns the queue called name, creating an open unbounded queue on first reference.
func (r *Registry) Get(name string) *Queue {
	return r.GetWithOptions(name)
}

// GetWithOptions is Get with extra options. The options only take effect
// when the call creates the queue.
func (r *Registry) GetWithOptions(name string, opts ...Option) *Queue {
	k := key(name)

	r.mu.RLock()
	q, ok := r.queues[k]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[k]; ok {
		return q
	}

	all := make([]Option, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)
	q = New(name, all...)
	r.queues[k] = q
	return q
}

// Lookup returns an existing queue without creating one.
func (r *Registry) Lookup(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[key(name)]
	return q, ok
}

// Close closes the named queue, creating it first if needed so that a
// producer that references it later still sees it closed.
func (r *Registry) Close(name string) {
	r.Get(name).Close()
}

// Names returns the queue names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.queues))
	for _, q := range r.queues {
		names = append(names, q.Name())
	}
	sort.Strings(names)
	return names
}

// Queues returns every queue sorted by name.
func (r *Registry) Queues() []*Queue {
	r.mu.RLock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	sort.Slice(queues, func(i, j int) bool {
		return queues[i].Name() < queues[j].Name()
	})
	return queues
}

// Snapshot returns Stats for every queue sorted by name.
func (r *Registry) Snapshot() []Stats {
	queues := r.Queues()
	stats := make([]Stats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	return stats
}

// Len returns the number of queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}
