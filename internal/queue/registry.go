package queue

import (
	"sync"

	"dlhub/internal/model"
)

// Builder constructs the queue for one user×provider scope on first use.
type Builder func(user string, p model.Provider) (*Queue, error)

// Registry lazily creates and caches one Queue per user×provider pair. It
// carries its own lock so queue construction never contends with running
// queues.
type Registry struct {
	build Builder

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry(build Builder) *Registry {
	return &Registry{build: build, queues: make(map[string]*Queue)}
}

func (r *Registry) ForUser(user string, p model.Provider) (*Queue, error) {
	key := user + "|" + string(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, found := r.queues[key]; found {
		return q, nil
	}
	q, err := r.build(user, p)
	if err != nil {
		return nil, err
	}
	r.queues[key] = q
	return q, nil
}

// All returns every queue created so far, for shutdown fan-out.
func (r *Registry) All() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

// Shutdown stops every cached queue.
func (r *Registry) Shutdown() {
	for _, q := range r.All() {
		q.Shutdown()
	}
}
