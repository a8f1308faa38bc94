package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emberai/huoyuan/internal/sequence"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	convs    map[int64]*Conversation
	messages map[int64][]*Message // by conversation id
	nextConv int64
	nextMsg  int64
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[int64]*Conversation),
		messages: make(map[int64][]*Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, userID, agentID, projectID int64, title string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.nextConv++
	s.convs[s.nextConv] = &Conversation{
		ID:        s.nextConv,
		UserID:    userID,
		AgentID:   agentID,
		ProjectID: projectID,
		Title:     title,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.nextConv, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, turn Turn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	convID := turn.ConversationID
	if convID == 0 {
		s.nextConv++
		convID = s.nextConv
		s.convs[convID] = &Conversation{
			ID:        convID,
			UserID:    turn.UserID,
			AgentID:   turn.AgentID,
			ProjectID: turn.ProjectID,
			Title:     defaultTitle(turn.UserContent),
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	conv, ok := s.convs[convID]
	if !ok {
		return 0, ErrNotFound
	}

	userSeq, assistantSeq := sequence.NextPair()
	s.nextMsg++
	userMsg := &Message{
		ID: s.nextMsg, ConversationID: convID, Role: RoleUser,
		Content: turn.UserContent, Tokens: turn.UserTokens,
		Sequence: userSeq, CreatedAt: now,
	}
	s.nextMsg++
	assistantMsg := &Message{
		ID: s.nextMsg, ConversationID: convID, Role: RoleAssistant,
		Content: turn.AssistantContent, Tokens: turn.AssistantTokens,
		Sequence: assistantSeq, CreatedAt: now,
	}
	s.messages[convID] = append(s.messages[convID], userMsg, assistantMsg)

	conv.MessageCount += 2
	conv.TotalTokens += int64(turn.UserTokens + turn.AssistantTokens)
	conv.UpdatedAt = now
	return convID, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Conversation, []*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	cp := *conv

	msgs := make([]*Message, len(s.messages[id]))
	for i, m := range s.messages[id] {
		mc := *m
		msgs[i] = &mc
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	return &cp, msgs, nil
}

func (s *MemoryStore) List(_ context.Context, userID int64, filter ListFilter, limit, offset int) ([]*Conversation, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Conversation
	for _, c := range s.convs {
		if c.UserID != userID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.AgentID != 0 && c.AgentID != filter.AgentID {
			continue
		}
		if filter.ProjectID != 0 && c.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Keyword != "" && !strings.Contains(strings.ToLower(c.Title), strings.ToLower(filter.Keyword)) {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) UpdateTitle(_ context.Context, id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Archive(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = StatusArchived
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}
