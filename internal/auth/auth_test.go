package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeResolver struct {
	identity Identity
	err      error
}

func (f *fakeResolver) Resolve(context.Context, string) (Identity, error) {
	return f.identity, f.err
}

func newTestService(store Store, identity Identity) *Service {
	return NewService(store,
		&fakeResolver{identity: identity},
		NewTokenIssuer(testSecret, 30*time.Minute),
		24*time.Hour, 5*time.Minute)
}

func TestLogin_CreatesAccountOnFirstContact(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, Identity{OpenID: "o-1", UnionID: "u-1"})

	user, pair, err := svc.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID == 0 || user.OpenID != "o-1" || user.UnionID != "u-1" {
		t.Errorf("user = %+v", user)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("empty token pair")
	}
	if pair.RefreshToken[:3] != "rt_" {
		t.Errorf("refresh token prefix = %q", pair.RefreshToken[:3])
	}

	// Second login with the same identity reuses the account.
	again, _, err := svc.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("second login created user %d, want %d", again.ID, user.ID)
	}
}

func TestLogin_ReconcilesByUnionIDFirst(t *testing.T) {
	store := NewMemoryStore()
	// Existing account has the unionid but a different openid (user
	// reached us through another app surface before).
	id, _ := store.CreateUser(context.Background(), &User{UnionID: "u-1", OpenID: "other-app", Nickname: "x"})

	svc := newTestService(store, Identity{OpenID: "o-new", UnionID: "u-1"})
	user, _, err := svc.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != id {
		t.Errorf("matched user %d, want %d", user.ID, id)
	}
	// The existing openid is not overwritten.
	if user.OpenID != "other-app" {
		t.Errorf("openid overwritten to %q", user.OpenID)
	}
}

func TestLogin_ReconcilesByPhoneAndBackfills(t *testing.T) {
	store := NewMemoryStore()
	// Imported account: phone only, no provider identity yet.
	id, _ := store.CreateUser(context.Background(), &User{Phone: "13800001111", Nickname: "imported"})

	svc := newTestService(store, Identity{OpenID: "o-1", UnionID: "u-1", Phone: "13800001111"})
	user, _, err := svc.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != id {
		t.Fatalf("matched user %d, want %d", user.ID, id)
	}
	if user.OpenID != "o-1" || user.UnionID != "u-1" {
		t.Errorf("identity not backfilled: %+v", user)
	}
}

func TestLogin_ResolverFailure(t *testing.T) {
	svc := NewService(NewMemoryStore(),
		&fakeResolver{err: ErrLoginRejected},
		NewTokenIssuer(testSecret, time.Minute), time.Hour, time.Minute)

	if _, _, err := svc.Login(context.Background(), "bad"); !errors.Is(err, ErrLoginRejected) {
		t.Errorf("got %v, want ErrLoginRejected", err)
	}
}

func TestRefresh_Rotation(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, Identity{OpenID: "o-1"})
	_, pair, err := svc.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("rotation returned the same refresh token")
	}

	// The consumed token is dead.
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenReused) {
		t.Errorf("replay: got %v, want ErrTokenReused", err)
	}

	// The new one works.
	if _, err := svc.Refresh(context.Background(), next.RefreshToken); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	svc := newTestService(NewMemoryStore(), Identity{OpenID: "o-1"})
	if _, err := svc.Refresh(context.Background(), "rt_never_issued"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

// TestRefresh_ConcurrentReplay checks exactly one of N racing refreshes
// with the same token succeeds.
func TestRefresh_ConcurrentReplay(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, Identity{OpenID: "o-1"})
	_, pair, _ := svc.Login(context.Background(), "code")

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(context.Background(), pair.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("refresh winners = %d, want exactly 1", wins)
	}
}

func TestTokenExpiresSoon(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewTokenIssuer(testSecret, 30*time.Minute)
	resolver := &fakeResolver{identity: Identity{OpenID: "o-1"}}

	// Grace smaller than the remaining lifetime: no refresh needed.
	fresh := NewService(store, resolver, issuer, 24*time.Hour, 5*time.Minute)
	_, pair, err := fresh.Login(context.Background(), "code")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if fresh.TokenExpiresSoon(pair.AccessToken) {
		t.Error("fresh token reported as expiring soon")
	}

	// Grace wider than the whole TTL: always inside the window.
	eager := NewService(store, resolver, issuer, 24*time.Hour, time.Hour)
	if !eager.TokenExpiresSoon(pair.AccessToken) {
		t.Error("token inside the grace window not reported")
	}

	// Garbage tokens err on the side of refreshing.
	if !fresh.TokenExpiresSoon("not-a-jwt") {
		t.Error("malformed token not reported as expiring")
	}
}

func TestLogout_RevokesRefreshTokens(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, Identity{OpenID: "o-1"})
	user, pair, _ := svc.Login(context.Background(), "code")

	if err := svc.Logout(context.Background(), user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Error("refresh succeeded after logout")
	}
}
