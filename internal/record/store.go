package record

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is the record persistence boundary consumed by the pipeline.
// Update always writes every mutable field of the record it is given.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	List(ctx context.Context, limit int) ([]*Record, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	history map[string][]Status
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		history: make(map[string][]Status),
	}
}

func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("record: duplicate id %s", r.ID)
	}
	s.records[r.ID] = r.Clone()
	s.history[r.ID] = []Status{r.Status}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	key := strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, r.ID)
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, prev.Status)
	}
	if prev.Status != r.Status && !CanTransition(prev.Status, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, r.Status)
	}
	if prev.Status != r.Status {
		s.history[r.ID] = append(s.history[r.ID], r.Status)
	}
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns the sequence of statuses persisted for id.
func (s *MemoryStore) History(id string) []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Status(nil), s.history[id]...)
}
