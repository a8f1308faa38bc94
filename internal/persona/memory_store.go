package persona

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	personas map[int64]*Persona
	nextID   int64
}

// NewMemoryStore creates a new in-memory persona store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{personas: make(map[int64]*Persona)}
}

// Seed inserts a persona and returns its id. Test/dev helper.
func (s *MemoryStore) Seed(p Persona) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
		p.UpdatedAt = p.CreatedAt
	}
	s.personas[p.ID] = &p
	return p.ID
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID int64) ([]*Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Persona
	for _, p := range s.personas {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
