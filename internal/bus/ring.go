package bus

import (
	"sync"

	"github.com/swarmforge/taskcore/internal/model"
)

// ring is a fixed-capacity circular buffer of recently published events,
// used to answer replay/"events since" queries without unbounded memory.
type ring struct {
	mu     sync.RWMutex
	events []model.Event
	head   int
	count  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{events: make([]model.Event, capacity)}
}

func (r *ring) add(e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.count) % len(r.events)
	r.events[tail] = e
	if r.count < len(r.events) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.events)
	}
}

func (r *ring) all() []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(r.head+i)%len(r.events)])
	}
	return out
}
