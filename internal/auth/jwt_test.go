package auth

import (
	"testing"
	"time"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, 30*time.Minute)

	token, err := issuer.IssueAccess(42)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := issuer.VerifyAccess(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != 42 {
		t.Errorf("user id = %d, want 42", userID)
	}
}

func TestAccessToken_WrongSecret(t *testing.T) {
	token, _ := NewTokenIssuer(testSecret, time.Minute).IssueAccess(1)

	other := NewTokenIssuer("another-secret-another-secret-32", time.Minute)
	if _, err := other.VerifyAccess(token); err != ErrInvalidToken {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestAccessToken_Expired(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, -time.Minute)
	token, _ := issuer.IssueAccess(1)

	if _, err := issuer.VerifyAccess(token); err != ErrInvalidToken {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
	if !isExpired(token) {
		t.Error("expired token not classified as expired")
	}
}

func TestAccessToken_Garbage(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)
	if _, err := issuer.VerifyAccess("not.a.token"); err != ErrInvalidToken {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
	if isExpired("not.a.token") {
		t.Error("garbage classified as expired instead of invalid")
	}
}

func TestExpiresSoon_GraceBoundary(t *testing.T) {
	grace := 300 * time.Second

	// Token living well past the grace window.
	long, _ := NewTokenIssuer(testSecret, time.Hour).IssueAccess(1)
	if ExpiresSoon(long, grace) {
		t.Error("one-hour token flagged as expiring within 5m grace")
	}

	// Token inside the grace window.
	short, _ := NewTokenIssuer(testSecret, 2*time.Minute).IssueAccess(1)
	if !ExpiresSoon(short, grace) {
		t.Error("two-minute token not flagged within 5m grace")
	}

	// Already expired.
	dead, _ := NewTokenIssuer(testSecret, -time.Minute).IssueAccess(1)
	if !ExpiresSoon(dead, grace) {
		t.Error("expired token not flagged")
	}

	// Unparseable input errs on the side of refresh.
	if !ExpiresSoon("garbage", grace) {
		t.Error("garbage not flagged")
	}
}
