package audit

import (
	"context"
	"sync"
)

// DefaultMemoryLimit bounds how many events a MemoryRepo keeps.
const DefaultMemoryLimit = 10000

// MemoryRepo keeps the newest events in process memory, dropping the oldest
// once the limit is reached. Events are lost on restart.
type MemoryRepo struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return NewBoundedMemoryRepo(DefaultMemoryLimit) }

// NewBoundedMemoryRepo returns a repo holding at most limit events. A limit
// of zero or less means unbounded.
func NewBoundedMemoryRepo(limit int) *MemoryRepo { return &MemoryRepo{limit: limit} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.events) >= r.limit {
		n := copy(r.events, r.events[len(r.events)-r.limit+1:])
		r.events = r.events[:n]
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a snapshot in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForCall returns the events for one call in append order.
func (r *MemoryRepo) ForCall(callSid string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.CallSid == callSid {
			out = append(out, e)
		}
	}
	return out
}
