package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Postgres error codes treated as transient by the retry policy.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqUniqueViolation      = "23505"
)

// isTransient reports whether err is a lock-wait or deadlock worth retrying.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Freeze reserves amount with a single conditional UPDATE:
//
//	UPDATE users SET frozen_balance = frozen_balance + $amt
//	WHERE id = $user AND balance - frozen_balance >= $amt
//
// The predicate replaces a read-modify-write pair, so no SELECT FOR UPDATE
// window exists. Rowcount 0 means insufficient available balance. The
// freeze-log INSERT follows the UPDATE so the user-row lock is released as
// soon as the transaction commits, not held across the slower insert path
// of a lock-first design. A unique violation on request_id rolls the
// transaction back and maps to an idempotent replay.
func (p *PostgresStore) Freeze(ctx context.Context, userID int64, amount decimal.Decimal, requestID, model string, conversationID int64) (FreezeResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return FreezeResult{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET
			frozen_balance = frozen_balance + $2::NUMERIC(18,4),
			updated_at     = NOW()
		WHERE id = $1 AND balance - frozen_balance >= $2::NUMERIC(18,4)
	`, userID, amount)
	if err != nil {
		return FreezeResult{}, fmt.Errorf("freeze balance update: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a missing user from an underfunded one.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID,
		).Scan(&exists); err != nil {
			return FreezeResult{}, err
		}
		if !exists {
			return FreezeResult{}, ErrUserNotFound
		}
		return FreezeResult{Code: FreezeInsufficient}, nil
	}

	var logID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO freeze_logs (request_id, user_id, amount, model, conversation_id, status, created_at)
		VALUES ($1, $2, $3::NUMERIC(18,4), $4, NULLIF($5, 0), 'frozen', NOW())
		RETURNING id
	`, requestID, userID, amount, model, conversationID).Scan(&logID)
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent duplicate: the UPDATE above rolls back with the
			// transaction, and the first writer's log row is the answer.
			_ = tx.Rollback()
			existing, lookupErr := p.GetByRequestID(ctx, requestID)
			if lookupErr != nil {
				return FreezeResult{}, lookupErr
			}
			return FreezeResult{Code: FreezeAlreadyFrozen, LogID: existing.ID}, nil
		}
		return FreezeResult{}, fmt.Errorf("freeze log insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FreezeResult{}, err
	}
	return FreezeResult{Code: FreezeOK, LogID: logID}, nil
}

// Settle flips the freeze log frozen→settled with a terminal-state CAS and
// applies the balance movement. A concurrent duplicate observes rowcount 0
// on the CAS and returns the idempotent answer without touching balances.
func (p *PostgresStore) Settle(ctx context.Context, userID int64, requestID string, actual decimal.Decimal) (SettleResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return SettleResult{}, err
	}
	defer tx.Rollback()

	// The log records the capped charge so a replay reading
	// settled_amount computes the same refund the winner returned.
	var frozen decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE freeze_logs SET
			status         = 'settled',
			settled_amount = LEAST($3::NUMERIC(18,4), amount),
			settled_at     = NOW()
		WHERE request_id = $1 AND user_id = $2 AND status = 'frozen'
		RETURNING amount
	`, requestID, userID, actual).Scan(&frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return p.replayResult(ctx, requestID)
	}
	if err != nil {
		return SettleResult{}, fmt.Errorf("settle log update: %w", err)
	}

	// Never charge more than was frozen.
	if actual.GreaterThan(frozen) {
		actual = frozen
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			frozen_balance = frozen_balance - $2::NUMERIC(18,4),
			balance        = balance - $3::NUMERIC(18,4),
			updated_at     = NOW()
		WHERE id = $1
	`, userID, frozen, actual)
	if err != nil {
		return SettleResult{}, fmt.Errorf("settle balance update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{Code: SettleOK, Refund: frozen.Sub(actual)}, nil
}

// Refund releases the full freeze without consumption, same CAS discipline.
func (p *PostgresStore) Refund(ctx context.Context, userID int64, requestID string) (SettleResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return SettleResult{}, err
	}
	defer tx.Rollback()

	var frozen decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE freeze_logs SET
			status         = 'refunded',
			settled_amount = 0,
			settled_at     = NOW()
		WHERE request_id = $1 AND user_id = $2 AND status = 'frozen'
		RETURNING amount
	`, requestID, userID).Scan(&frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return p.replayResult(ctx, requestID)
	}
	if err != nil {
		return SettleResult{}, fmt.Errorf("refund log update: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			frozen_balance = frozen_balance - $2::NUMERIC(18,4),
			updated_at     = NOW()
		WHERE id = $1
	`, userID, frozen)
	if err != nil {
		return SettleResult{}, fmt.Errorf("refund balance update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{Code: SettleOK, Refund: frozen}, nil
}

// replayResult resolves the idempotent answer for a settle/refund whose CAS
// found no frozen row: either the log already reached a terminal state, or
// it never existed.
func (p *PostgresStore) replayResult(ctx context.Context, requestID string) (SettleResult, error) {
	log, err := p.GetByRequestID(ctx, requestID)
	if err != nil {
		return SettleResult{}, err
	}
	return SettleResult{Code: SettleAlreadyDone, Refund: log.Amount.Sub(log.SettledAmount)}, nil
}

// GetBalance retrieves the user's balance snapshot.
func (p *PostgresStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	var total, frozen decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, frozen_balance FROM users WHERE id = $1
	`, userID).Scan(&total, &frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Balance{Total: total, Frozen: frozen, Available: total.Sub(frozen)}, nil
}

// ListByUser retrieves freeze logs for a user, newest first, with the total count.
func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*FreezeLog, int64, error) {
	var total int64
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM freeze_logs WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, user_id, amount, settled_amount, model,
		       COALESCE(conversation_id, 0), status, created_at, settled_at
		FROM freeze_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*FreezeLog
	for rows.Next() {
		l := &FreezeLog{}
		var settledAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.RequestID, &l.UserID, &l.Amount, &l.SettledAmount,
			&l.Model, &l.ConversationID, &l.Status, &l.CreatedAt, &settledAt); err != nil {
			return nil, 0, err
		}
		if settledAt.Valid {
			l.SettledAt = &settledAt.Time
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// GetByRequestID retrieves a single freeze log by its idempotency key.
func (p *PostgresStore) GetByRequestID(ctx context.Context, requestID string) (*FreezeLog, error) {
	l := &FreezeLog{}
	var settledAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, user_id, amount, settled_amount, model,
		       COALESCE(conversation_id, 0), status, created_at, settled_at
		FROM freeze_logs WHERE request_id = $1
	`, requestID).Scan(&l.ID, &l.RequestID, &l.UserID, &l.Amount, &l.SettledAmount,
		&l.Model, &l.ConversationID, &l.Status, &l.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFreezeNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		l.SettledAt = &settledAt.Time
	}
	return l, nil
}
