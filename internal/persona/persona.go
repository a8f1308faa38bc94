// Package persona stores user-owned persona bundles ("projects").
// Personas feed the prompt builder with stylistic and audience context.
package persona

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("persona not found")
	ErrForbidden = errors.New("persona belongs to another user")
)

// Persona is a project-scoped style bundle injected into prompts.
type Persona struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	Name           string    `json:"name"`
	Industry       string    `json:"industry"`
	Tone           string    `json:"tone"`
	Catchphrase    string    `json:"catchphrase"`
	TargetAudience string    `json:"targetAudience"`
	ContentStyle   string    `json:"contentStyle"`
	Introduction   string    `json:"introduction"`
	Keywords       []string  `json:"keywords"`
	Taboos         []string  `json:"taboos"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store reads personas.
type Store interface {
	Get(ctx context.Context, id int64) (*Persona, error)
	ListByUser(ctx context.Context, userID int64) ([]*Persona, error)
}

// Service enforces ownership on persona reads.
type Service struct {
	store Store
}

// NewService creates a persona service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetOwned returns the persona only when the user owns it.
func (s *Service) GetOwned(ctx context.Context, userID, id int64) (*Persona, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

// ListByUser returns all personas a user owns.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]*Persona, error) {
	return s.store.ListByUser(ctx, userID)
}
