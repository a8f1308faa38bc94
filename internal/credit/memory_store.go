package credit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for development and tests.
// It mirrors the Postgres semantics, including idempotent replays.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[int64]*Balance
	logs     map[string]*FreezeLog // by request_id
	nextID   int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[int64]*Balance),
		logs:     make(map[string]*FreezeLog),
	}
}

// SeedAccount creates or replaces a user's balance. Test/dev helper.
func (s *MemoryStore) SeedAccount(userID int64, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = &Balance{Total: balance, Frozen: decimal.Zero}
}

func (s *MemoryStore) Freeze(_ context.Context, userID int64, amount decimal.Decimal, requestID, model string, conversationID int64) (FreezeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.logs[requestID]; ok {
		return FreezeResult{Code: FreezeAlreadyFrozen, LogID: existing.ID}, nil
	}

	bal, ok := s.balances[userID]
	if !ok {
		return FreezeResult{}, ErrUserNotFound
	}
	if bal.Total.Sub(bal.Frozen).LessThan(amount) {
		return FreezeResult{Code: FreezeInsufficient}, nil
	}

	bal.Frozen = bal.Frozen.Add(amount)
	s.nextID++
	s.logs[requestID] = &FreezeLog{
		ID:             s.nextID,
		RequestID:      requestID,
		UserID:         userID,
		Amount:         amount,
		SettledAmount:  decimal.Zero,
		Model:          model,
		ConversationID: conversationID,
		Status:         StatusFrozen,
		CreatedAt:      time.Now(),
	}
	return FreezeResult{Code: FreezeOK, LogID: s.nextID}, nil
}

func (s *MemoryStore) Settle(_ context.Context, userID int64, requestID string, actual decimal.Decimal) (SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok || log.UserID != userID {
		return SettleResult{}, ErrFreezeNotFound
	}
	if log.Status != StatusFrozen {
		return SettleResult{Code: SettleAlreadyDone, Refund: log.Amount.Sub(log.SettledAmount)}, nil
	}

	if actual.GreaterThan(log.Amount) {
		actual = log.Amount
	}

	bal := s.balances[userID]
	bal.Frozen = bal.Frozen.Sub(log.Amount)
	bal.Total = bal.Total.Sub(actual)

	now := time.Now()
	log.Status = StatusSettled
	log.SettledAmount = actual
	log.SettledAt = &now

	return SettleResult{Code: SettleOK, Refund: log.Amount.Sub(actual)}, nil
}

func (s *MemoryStore) Refund(_ context.Context, userID int64, requestID string) (SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok || log.UserID != userID {
		return SettleResult{}, ErrFreezeNotFound
	}
	if log.Status != StatusFrozen {
		return SettleResult{Code: SettleAlreadyDone, Refund: log.Amount.Sub(log.SettledAmount)}, nil
	}

	bal := s.balances[userID]
	bal.Frozen = bal.Frozen.Sub(log.Amount)

	now := time.Now()
	log.Status = StatusRefunded
	log.SettledAmount = decimal.Zero
	log.SettledAt = &now

	return SettleResult{Code: SettleOK, Refund: log.Amount}, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID int64) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &Balance{
		Total:     bal.Total,
		Frozen:    bal.Frozen,
		Available: bal.Total.Sub(bal.Frozen),
	}, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID int64, limit, offset int) ([]*FreezeLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*FreezeLog
	for _, l := range s.logs {
		if l.UserID == userID {
			cp := *l
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

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

func (s *MemoryStore) GetByRequestID(_ context.Context, requestID string) (*FreezeLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok {
		return nil, ErrFreezeNotFound
	}
	cp := *log
	return &cp, nil
}
