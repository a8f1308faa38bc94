package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	agents map[int64]*Agent
	nextID int64
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[int64]*Agent)}
}

// Seed inserts an agent and returns its id. Test/dev helper.
func (s *MemoryStore) Seed(a Agent) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
		a.UpdatedAt = a.CreatedAt
	}
	s.agents[a.ID] = &a
	return a.ID
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Agent
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
