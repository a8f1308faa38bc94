// Package agent stores the pre-configured agents users chat with.
// Agents are platform-managed (seeded by migration), not user-owned.
package agent

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("agent not found")

// Agent is a system-prompt template plus sampling defaults.
type Agent struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Model            string    `json:"model"`
	SystemPrompt     string    `json:"systemPrompt"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"topP"`
	MaxTokens        int       `json:"maxTokens"`
	FrequencyPenalty float64   `json:"frequencyPenalty"`
	PresencePenalty  float64   `json:"presencePenalty"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store reads agents.
type Store interface {
	Get(ctx context.Context, id int64) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
}

// Service wraps a Store. Disabled agents are invisible to clients.
type Service struct {
	store Store
}

// NewService creates an agent service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns an enabled agent by id.
func (s *Service) Get(ctx context.Context, id int64) (*Agent, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns all enabled agents.
func (s *Service) List(ctx context.Context) ([]*Agent, error) {
	agents, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := agents[:0]
	for _, a := range agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}
