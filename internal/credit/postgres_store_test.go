package credit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/emberai/huoyuan/internal/testutil"
)

func seedUser(t *testing.T, db *sql.DB, balance string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO users (openid, nickname, balance, frozen_balance)
		VALUES ('test-openid-' || gen_random_uuid()::text, 'tester', $1::NUMERIC(18,4), 0)
		RETURNING id
	`, balance).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func TestPostgresFreezeSettle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "100")

	res, err := store.Freeze(ctx, userID, dec("10"), "pg-req-1", "gpt-4o", 0)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if res.Code != FreezeOK || res.LogID == 0 {
		t.Fatalf("freeze result = %+v", res)
	}

	bal, err := store.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Frozen.Equal(dec("10")) || !bal.Available.Equal(dec("90")) {
		t.Errorf("after freeze: frozen=%s available=%s", bal.Frozen, bal.Available)
	}

	settle, err := store.Settle(ctx, userID, "pg-req-1", dec("7.5"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settle.Code != SettleOK || !settle.Refund.Equal(dec("2.5")) {
		t.Fatalf("settle result = %+v", settle)
	}

	bal, _ = store.GetBalance(ctx, userID)
	if !bal.Total.Equal(dec("92.5")) || !bal.Frozen.IsZero() {
		t.Errorf("after settle: total=%s frozen=%s", bal.Total, bal.Frozen)
	}
}

// Settling above the frozen amount charges only the freeze, and the log
// records the capped value so replays stay consistent.
func TestPostgresSettleCappedAtFrozen(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "100")

	if _, err := store.Freeze(ctx, userID, dec("10"), "pg-cap", "m", 0); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	settle, err := store.Settle(ctx, userID, "pg-cap", dec("25"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settle.Code != SettleOK || !settle.Refund.IsZero() {
		t.Fatalf("settle result = %+v, want zero refund", settle)
	}

	bal, _ := store.GetBalance(ctx, userID)
	if !bal.Total.Equal(dec("90")) || !bal.Frozen.IsZero() {
		t.Errorf("after capped settle: total=%s frozen=%s", bal.Total, bal.Frozen)
	}

	log, err := store.GetByRequestID(ctx, "pg-cap")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if !log.SettledAmount.Equal(dec("10")) {
		t.Errorf("settled_amount = %s, want capped at 10", log.SettledAmount)
	}

	// A replay reads the log and must not compute a negative refund.
	replay, err := store.Settle(ctx, userID, "pg-cap", dec("25"))
	if err != nil {
		t.Fatalf("replay settle: %v", err)
	}
	if replay.Code != SettleAlreadyDone || replay.Refund.IsNegative() {
		t.Errorf("replay = %+v, want SettleAlreadyDone with non-negative refund", replay)
	}
}

func TestPostgresFreezeIdempotency(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "100")

	first, err := store.Freeze(ctx, userID, dec("5"), "pg-dup", "m", 0)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	second, err := store.Freeze(ctx, userID, dec("5"), "pg-dup", "m", 0)
	if err != nil {
		t.Fatalf("replay freeze: %v", err)
	}
	if second.Code != FreezeAlreadyFrozen || second.LogID != first.LogID {
		t.Fatalf("replay = %+v, first = %+v", second, first)
	}

	bal, _ := store.GetBalance(ctx, userID)
	if !bal.Frozen.Equal(dec("5")) {
		t.Errorf("frozen = %s, want 5", bal.Frozen)
	}
}

func TestPostgresInsufficientBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "3")

	res, err := store.Freeze(ctx, userID, dec("3.0001"), "pg-poor", "m", 0)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if res.Code != FreezeInsufficient {
		t.Fatalf("result = %+v, want FreezeInsufficient", res)
	}
	if _, err := store.GetByRequestID(ctx, "pg-poor"); err != ErrFreezeNotFound {
		t.Errorf("insufficient freeze left a log row: err=%v", err)
	}
}

func TestPostgresUnknownUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Freeze(context.Background(), 999999, dec("1"), "pg-ghost", "m", 0); err != ErrUserNotFound {
		t.Errorf("freeze unknown user: got %v, want ErrUserNotFound", err)
	}
}

func TestPostgresRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "50")

	_, _ = store.Freeze(ctx, userID, dec("20"), "pg-refund", "m", 0)
	res, err := store.Refund(ctx, userID, "pg-refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Code != SettleOK || !res.Refund.Equal(dec("20")) {
		t.Fatalf("refund result = %+v", res)
	}

	bal, _ := store.GetBalance(ctx, userID)
	if !bal.Total.Equal(dec("50")) || !bal.Frozen.IsZero() {
		t.Errorf("after refund: total=%s frozen=%s", bal.Total, bal.Frozen)
	}

	// Refund of a refunded freeze is a no-op replay.
	res, err = store.Refund(ctx, userID, "pg-refund")
	if err != nil {
		t.Fatalf("duplicate refund: %v", err)
	}
	if res.Code != SettleAlreadyDone {
		t.Errorf("duplicate refund = %+v, want SettleAlreadyDone", res)
	}
}

// TestPostgresConcurrentFreezes hammers one account from many goroutines.
// The conditional UPDATE must never let frozen exceed the balance.
func TestPostgresConcurrentFreezes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "50")

	const attempts = 20
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Freeze(ctx, userID, dec("10"), fmt.Sprintf("pg-conc-%d", i), "m", 0)
			if err != nil {
				t.Errorf("freeze %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	bal, err := store.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Frozen.Equal(dec("50")) {
		t.Errorf("frozen = %s, want exactly 50 (5 of 20 freezes)", bal.Frozen)
	}
	if bal.Frozen.GreaterThan(bal.Total) {
		t.Errorf("invariant violated: frozen %s > balance %s", bal.Frozen, bal.Total)
	}
}

func TestPostgresListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	userID := seedUser(t, db, "100")

	for i := 0; i < 5; i++ {
		if _, err := store.Freeze(ctx, userID, dec("1"), fmt.Sprintf("pg-list-%d", i), "m", 0); err != nil {
			t.Fatalf("freeze %d: %v", i, err)
		}
	}

	logs, total, err := store.ListByUser(ctx, userID, 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(logs) != 3 {
		t.Errorf("page size = %d, want 3", len(logs))
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].ID > logs[i-1].ID {
			t.Errorf("logs not newest first: %d before %d", logs[i-1].ID, logs[i].ID)
		}
	}
}
