package auth

import (
	"context"
	"sync"
	"time"
)

type refreshRecord struct {
	userID    int64
	expiresAt time.Time
	usedAt    *time.Time
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[int64]*User
	tokens map[string]*refreshRecord // by hash
	nextID int64
}

// NewMemoryStore creates a new in-memory auth store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*User),
		tokens: make(map[string]*refreshRecord),
	}
}

func (s *MemoryStore) findUser(match func(*User) bool) (*User, error) {
	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) FindUserByUnionID(_ context.Context, unionID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *User) bool { return u.UnionID != "" && u.UnionID == unionID })
}

func (s *MemoryStore) FindUserByOpenID(_ context.Context, openID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *User) bool { return u.OpenID != "" && u.OpenID == openID })
}

func (s *MemoryStore) FindUserByPhone(_ context.Context, phone string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *User) bool { return u.Phone != "" && u.Phone == phone })
}

func (s *MemoryStore) FindUserByID(_ context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *u
	cp.ID = s.nextID
	cp.CreatedAt = time.Now()
	s.users[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) UpdateUserIdentity(_ context.Context, id int64, identity Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if u.UnionID == "" {
		u.UnionID = identity.UnionID
	}
	if u.OpenID == "" {
		u.OpenID = identity.OpenID
	}
	if u.Phone == "" {
		u.Phone = identity.Phone
	}
	return nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, userID int64, hash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[hash] = &refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, hash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[hash]
	if !ok || time.Now().After(rec.expiresAt) {
		return 0, ErrInvalidToken
	}
	if rec.usedAt != nil {
		return 0, ErrTokenReused
	}
	now := time.Now()
	rec.usedAt = &now
	return rec.userID, nil
}

func (s *MemoryStore) RevokeUserTokens(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, rec := range s.tokens {
		if rec.userID == userID && rec.usedAt == nil {
			rec.usedAt = &now
		}
	}
	return nil
}
