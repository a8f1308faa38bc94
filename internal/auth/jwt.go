package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
}

// NewTokenIssuer creates a token issuer. The secret must be at least 32
// bytes; config validation enforces that before we get here.
func NewTokenIssuer(secret string, accessTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL}
}

// AccessTTL returns the configured access token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// IssueAccess mints an access token for userID.
func (t *TokenIssuer) IssueAccess(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccess validates signature and expiry, returning the user id.
func (t *TokenIssuer) VerifyAccess(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(tok *jwt.Token) (interface{}, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
			}
			return t.secret, nil
		})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// ExpiresSoon reports whether the token expires within grace. The claims
// are decoded without signature verification: this mirrors the check a
// client performs before deciding to refresh, and an attacker who forges
// an exp gains nothing because every real request still verifies.
func ExpiresSoon(tokenString string, grace time.Duration) bool {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		return true
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ExpiresAt == nil {
		return true
	}
	return !claims.ExpiresAt.Time.After(time.Now().Add(grace))
}

// isExpired reports whether a well-formed token failed purely on expiry.
// Malformed tokens return false so they surface as unauthorized, not as
// a refresh prompt.
func isExpired(tokenString string) bool {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		return false
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(time.Now())
}
