// Package credit implements the compute-credit ledger.
//
// Flow per chat turn:
//  1. Orchestrator estimates the fee and freezes it (available → frozen)
//  2. Upstream succeeds → settle: charge actual usage, release the rest
//  3. Upstream fails → refund: release the full freeze
//
// Every mutating operation is idempotent by request_id. Mutual exclusion is
// delegated to the database's row-level locking via conditional UPDATEs —
// no application-level locks on user rows.
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/emberai/huoyuan/internal/logging"
	"github.com/emberai/huoyuan/internal/metrics"
	"github.com/emberai/huoyuan/internal/retry"
	"github.com/emberai/huoyuan/internal/traces"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrFreezeNotFound = errors.New("freeze log not found")
	ErrInvalidAmount  = errors.New("invalid amount")

	// ErrTransient marks a lock-wait or deadlock that exhausted its retries.
	ErrTransient = errors.New("ledger busy, try again")
)

// FreezeStatus is the lifecycle state of a freeze log.
type FreezeStatus string

const (
	StatusFrozen   FreezeStatus = "frozen"
	StatusSettled  FreezeStatus = "settled"
	StatusRefunded FreezeStatus = "refunded"
)

// FreezeLog is one ledger reservation, unique per request_id.
type FreezeLog struct {
	ID             int64           `json:"id"`
	RequestID      string          `json:"requestId"`
	UserID         int64           `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	SettledAmount  decimal.Decimal `json:"settledAmount"`
	Model          string          `json:"model"`
	ConversationID int64           `json:"conversationId,omitempty"`
	Status         FreezeStatus    `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	SettledAt      *time.Time      `json:"settledAt,omitempty"`
}

// Balance is a point-in-time snapshot of a user's credits.
type Balance struct {
	Total     decimal.Decimal `json:"balance"`
	Frozen    decimal.Decimal `json:"frozen"`
	Available decimal.Decimal `json:"available"`
}

// FreezeCode classifies the outcome of a freeze attempt.
type FreezeCode int

const (
	FreezeOK FreezeCode = iota
	FreezeAlreadyFrozen
	FreezeInsufficient
)

// FreezeResult is the sum-typed outcome of Freeze.
type FreezeResult struct {
	Code  FreezeCode
	LogID int64
}

// SettleCode classifies the outcome of a settle or refund attempt.
type SettleCode int

const (
	SettleOK SettleCode = iota
	SettleAlreadyDone // duplicate call: the log already reached a terminal state
)

// SettleResult is the sum-typed outcome of Settle.
type SettleResult struct {
	Code   SettleCode
	Refund decimal.Decimal // freeze amount minus consumed, returned to available
}

// Store persists accounts and freeze logs.
type Store interface {
	// Freeze reserves amount against the user's available balance and
	// records a freeze log. The balance UPDATE happens before the log
	// INSERT so the user-row lock is held only for the short path.
	Freeze(ctx context.Context, userID int64, amount decimal.Decimal, requestID, model string, conversationID int64) (FreezeResult, error)

	// Settle moves the freeze log to settled, releases the frozen amount
	// and deducts the consumed portion from the total balance.
	Settle(ctx context.Context, userID int64, requestID string, actual decimal.Decimal) (SettleResult, error)

	// Refund moves the freeze log to refunded and releases the full
	// frozen amount without consumption.
	Refund(ctx context.Context, userID int64, requestID string) (SettleResult, error)

	GetBalance(ctx context.Context, userID int64) (*Balance, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*FreezeLog, int64, error)
	GetByRequestID(ctx context.Context, requestID string) (*FreezeLog, error)
}

// Service wraps a Store with the retry policy and instrumentation.
type Service struct {
	store     Store
	retryMax  int
	retryBase time.Duration
}

// NewService creates a ledger service. retryMax attempts with linear
// backoff base retryBase are applied to transient database failures.
func NewService(store Store, retryMax int, retryBase time.Duration) *Service {
	if retryMax <= 0 {
		retryMax = 3
	}
	if retryBase <= 0 {
		retryBase = 100 * time.Millisecond
	}
	return &Service{store: store, retryMax: retryMax, retryBase: retryBase}
}

// Freeze reserves amount for requestID. Idempotent: a replay returns
// FreezeAlreadyFrozen with the pre-existing log id and no balance effect.
func (s *Service) Freeze(ctx context.Context, userID int64, amount decimal.Decimal, requestID, model string, conversationID int64) (FreezeResult, error) {
	if amount.Sign() <= 0 {
		return FreezeResult{}, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "credit.Freeze",
		traces.UserID(userID), traces.RequestID(requestID),
		traces.Model(model), traces.Amount(amount.String()))
	defer span.End()

	var res FreezeResult
	err := s.withRetry(ctx, "freeze", func() (err error) {
		res, err = s.store.Freeze(ctx, userID, amount, requestID, model, conversationID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "freeze failed")
		metrics.FreezeOpsTotal.WithLabelValues("freeze", "error").Inc()
		return FreezeResult{}, err
	}

	switch res.Code {
	case FreezeOK:
		metrics.FreezeOpsTotal.WithLabelValues("freeze", "ok").Inc()
	case FreezeAlreadyFrozen:
		metrics.FreezeOpsTotal.WithLabelValues("freeze", "replay").Inc()
		logging.L(ctx).Info("idempotent freeze replay", "request_id", requestID)
	case FreezeInsufficient:
		metrics.FreezeOpsTotal.WithLabelValues("freeze", "insufficient").Inc()
	}
	return res, nil
}

// Settle charges actual against the freeze identified by requestID.
// The difference between the frozen amount and actual returns to available.
// A duplicate settle is a no-op returning SettleAlreadyDone.
func (s *Service) Settle(ctx context.Context, userID int64, requestID string, actual decimal.Decimal) (SettleResult, error) {
	if actual.Sign() < 0 {
		return SettleResult{}, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "credit.Settle",
		traces.UserID(userID), traces.RequestID(requestID),
		traces.Amount(actual.String()))
	defer span.End()

	var res SettleResult
	err := s.withRetry(ctx, "settle", func() (err error) {
		res, err = s.store.Settle(ctx, userID, requestID, actual)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
		metrics.FreezeOpsTotal.WithLabelValues("settle", "error").Inc()
		return SettleResult{}, err
	}
	if res.Code == SettleAlreadyDone {
		metrics.FreezeOpsTotal.WithLabelValues("settle", "replay").Inc()
	} else {
		metrics.FreezeOpsTotal.WithLabelValues("settle", "ok").Inc()
	}
	return res, nil
}

// Refund releases the full freeze for requestID without consumption.
func (s *Service) Refund(ctx context.Context, userID int64, requestID string) (SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "credit.Refund",
		traces.UserID(userID), traces.RequestID(requestID))
	defer span.End()

	var res SettleResult
	err := s.withRetry(ctx, "refund", func() (err error) {
		res, err = s.store.Refund(ctx, userID, requestID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		metrics.FreezeOpsTotal.WithLabelValues("refund", "error").Inc()
		return SettleResult{}, err
	}
	if res.Code == SettleAlreadyDone {
		metrics.FreezeOpsTotal.WithLabelValues("refund", "replay").Inc()
	} else {
		metrics.FreezeOpsTotal.WithLabelValues("refund", "ok").Inc()
	}
	return res, nil
}

// GetBalance returns the user's balance snapshot straight from the store.
// Balances are never cached in-process.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// ListTransactions returns a page of the user's freeze logs, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]*FreezeLog, int64, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// withRetry runs fn under the linear-backoff policy for transient database
// errors. Non-transient errors pass through on the first attempt.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := retry.Linear(ctx, s.retryMax, s.retryBase, func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			if attempt > 1 {
				metrics.FreezeRetriesTotal.Inc()
			}
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil && isTransient(err) {
		logging.L(ctx).Warn("ledger retries exhausted", "op", op, "attempts", attempt, "error", err)
		return ErrTransient
	}
	return err
}
