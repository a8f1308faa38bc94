// Package conversation stores chat conversations and their messages.
//
// A completed chat turn writes one user message and one assistant message
// as a pair. Ordering inside a conversation is carried by a sequence
// column generated by internal/sequence, not by insertion order, so rows
// written out of order (deferred persistence) still read back correctly.
package conversation

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound  = errors.New("conversation not found")
	ErrForbidden = errors.New("conversation belongs to another user")
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is a chat thread between a user and an agent.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	AgentID      int64     `json:"agentId"`
	ProjectID    int64     `json:"projectId,omitempty"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	TotalTokens  int64     `json:"totalTokens"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is a single utterance inside a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens"`
	Sequence       int64     `json:"sequence"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Turn is one completed user/assistant exchange to persist.
// ConversationID zero means a new conversation is created for the turn.
type Turn struct {
	UserID           int64
	ConversationID   int64
	AgentID          int64
	ProjectID        int64
	UserContent      string
	AssistantContent string
	UserTokens       int
	AssistantTokens  int
}

// ListFilter narrows a conversation listing.
type ListFilter struct {
	Status    Status // empty = any
	AgentID   int64  // 0 = any
	ProjectID int64
	Keyword   string // title ILIKE match
}

// Store persists conversations and messages.
type Store interface {
	// Create allocates an empty conversation. The streaming path calls
	// this up front so the client learns the id before any message is
	// written; the turn itself lands later through AppendTurn.
	Create(ctx context.Context, userID, agentID, projectID int64, title string) (int64, error)

	// AppendTurn writes the turn's message pair in one transaction,
	// creating the conversation when Turn.ConversationID is zero, and
	// bumps the denormalized counters with a direct UPDATE.
	AppendTurn(ctx context.Context, turn Turn) (int64, error)

	Get(ctx context.Context, id int64) (*Conversation, []*Message, error)
	List(ctx context.Context, userID int64, filter ListFilter, limit, offset int) ([]*Conversation, int64, error)
	UpdateTitle(ctx context.Context, id int64, title string) error
	Archive(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

const maxDefaultTitle = 30

// defaultTitle derives a conversation title from the first user message.
func defaultTitle(userContent string) string {
	if utf8.RuneCountInString(userContent) <= maxDefaultTitle {
		return userContent
	}
	runes := []rune(userContent)
	return string(runes[:maxDefaultTitle])
}

// Service applies ownership checks on top of a Store.
type Service struct {
	store Store
}

// NewService creates a conversation service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create allocates an empty conversation titled after the opening user
// message.
func (s *Service) Create(ctx context.Context, userID, agentID, projectID int64, firstUserContent string) (int64, error) {
	return s.store.Create(ctx, userID, agentID, projectID, defaultTitle(firstUserContent))
}

// AppendTurn persists one completed exchange. Safe to call from the
// persistence workers and from the inline fallback path alike.
func (s *Service) AppendTurn(ctx context.Context, turn Turn) (int64, error) {
	return s.store.AppendTurn(ctx, turn)
}

// Get returns a conversation with its messages in sequence order.
func (s *Service) Get(ctx context.Context, userID, id int64) (*Conversation, []*Message, error) {
	conv, msgs, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != userID {
		return nil, nil, ErrForbidden
	}
	return conv, msgs, nil
}

// List returns the user's conversations, most recently updated first.
func (s *Service) List(ctx context.Context, userID int64, filter ListFilter, limit, offset int) ([]*Conversation, int64, error) {
	return s.store.List(ctx, userID, filter, limit, offset)
}

// UpdateTitle renames a conversation the user owns.
func (s *Service) UpdateTitle(ctx context.Context, userID, id int64, title string) error {
	if err := s.checkOwner(ctx, userID, id); err != nil {
		return err
	}
	return s.store.UpdateTitle(ctx, id, title)
}

// Archive marks a conversation archived. Archived conversations stay
// readable but drop out of the default listing.
func (s *Service) Archive(ctx context.Context, userID, id int64) error {
	if err := s.checkOwner(ctx, userID, id); err != nil {
		return err
	}
	return s.store.Archive(ctx, id)
}

// Delete removes a conversation and its messages.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	if err := s.checkOwner(ctx, userID, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

func (s *Service) checkOwner(ctx context.Context, userID, id int64) error {
	conv, _, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrForbidden
	}
	return nil
}
