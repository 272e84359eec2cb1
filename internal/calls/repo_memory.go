package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]CallRecord), clock: time.Now}
}

func (s *MemoryStore) Create(ctx context.Context, r CallRecord) (CallRecord, error) {
	if err := validate(r); err != nil {
		return CallRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.CallSid]; ok {
		return CallRecord{}, ErrAlreadyExists
	}
	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Attempt == 0 {
		r.Attempt = AttemptReminder
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.CallSid] = r.clone()
	return r.clone(), nil
}

func (s *MemoryStore) FindByCallSid(ctx context.Context, callSid string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[callSid]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, callSid string, u Update) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[callSid]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	next := r.clone()
	u.Apply(&next, s.clock().UTC())
	if err := validate(next); err != nil {
		return CallRecord{}, err
	}
	s.records[callSid] = next
	return next.clone(), nil
}

// List returns matching records newest first.
func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]CallRecord, error) {
	s.mu.Lock()
	out := make([]CallRecord, 0, len(s.records))
	for _, r := range s.records {
		if f.includes(r.CreatedAt) {
			out = append(out, r.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallSid < out[j].CallSid
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
