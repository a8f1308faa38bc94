// Package auth implements the token session lifecycle: mini-program
// code login, JWT access tokens, and rotating opaque refresh tokens.
//
// Refresh tokens are single use. Each refresh atomically consumes the
// presented token and issues a fresh pair; presenting a consumed token
// again is treated as replay and rejected. The access token is stateless
// and verified by signature alone.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emberai/huoyuan/internal/idgen"
	"github.com/emberai/huoyuan/internal/logging"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrTokenReused   = errors.New("refresh token already used")
	ErrLoginRejected = errors.New("identity provider rejected the code")
	ErrUserNotFound  = errors.New("user not found")
)

// User is an account reachable through the client API.
type User struct {
	ID        int64           `json:"id"`
	OpenID    string          `json:"-"`
	UnionID   string          `json:"-"`
	Phone     string          `json:"phone,omitempty"`
	Nickname  string          `json:"nickname"`
	Avatar    string          `json:"avatar,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Identity is what the identity provider resolves a login code to.
type Identity struct {
	OpenID  string
	UnionID string
	Phone   string
}

// TokenPair is the login/refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // access token lifetime in seconds
}

// Store persists users and refresh tokens.
type Store interface {
	FindUserByUnionID(ctx context.Context, unionID string) (*User, error)
	FindUserByOpenID(ctx context.Context, openID string) (*User, error)
	FindUserByPhone(ctx context.Context, phone string) (*User, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	CreateUser(ctx context.Context, u *User) (int64, error)
	// UpdateUserIdentity backfills identity fields learned at login.
	UpdateUserIdentity(ctx context.Context, id int64, identity Identity) error

	CreateRefreshToken(ctx context.Context, userID int64, hash string, expiresAt time.Time) error
	// ConsumeRefreshToken marks the token used and returns its user.
	// Exactly one caller wins when the same token races. A token that
	// exists but was already consumed returns ErrTokenReused.
	ConsumeRefreshToken(ctx context.Context, hash string) (int64, error)
	RevokeUserTokens(ctx context.Context, userID int64) error
}

// IdentityResolver exchanges a login code for a provider identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, code string) (Identity, error)
}

// Service implements login, refresh, and session introspection.
type Service struct {
	store      Store
	identity   IdentityResolver
	tokens     *TokenIssuer
	refreshTTL time.Duration
	grace      time.Duration
}

// NewService creates an auth service. grace is how close to expiry an
// access token is reported as needing refresh.
func NewService(store Store, identity IdentityResolver, tokens *TokenIssuer, refreshTTL, grace time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 720 * time.Hour
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Service{store: store, identity: identity, tokens: tokens, refreshTTL: refreshTTL, grace: grace}
}

// Login exchanges a mini-program code for a token pair, creating the
// account on first contact.
func (s *Service) Login(ctx context.Context, code string) (*User, *TokenPair, error) {
	identity, err := s.identity.Resolve(ctx, code)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.reconcile(ctx, identity)
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	logging.L(ctx).Info("user logged in", "user_id", user.ID)
	return user, pair, nil
}

// reconcile finds the account for an identity, strongest key first:
// unionid identifies the user across apps, openid within this app, and
// phone catches accounts imported before the identity provider linkage.
// Missing identity fields on the matched account are backfilled.
func (s *Service) reconcile(ctx context.Context, identity Identity) (*User, error) {
	lookups := []func() (*User, error){
		func() (*User, error) {
			if identity.UnionID == "" {
				return nil, ErrUserNotFound
			}
			return s.store.FindUserByUnionID(ctx, identity.UnionID)
		},
		func() (*User, error) {
			if identity.OpenID == "" {
				return nil, ErrUserNotFound
			}
			return s.store.FindUserByOpenID(ctx, identity.OpenID)
		},
		func() (*User, error) {
			if identity.Phone == "" {
				return nil, ErrUserNotFound
			}
			return s.store.FindUserByPhone(ctx, identity.Phone)
		},
	}

	for _, lookup := range lookups {
		user, err := lookup()
		if err == nil {
			if needsBackfill(user, identity) {
				if err := s.store.UpdateUserIdentity(ctx, user.ID, identity); err != nil {
					return nil, err
				}
			}
			return s.store.FindUserByID(ctx, user.ID)
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}

	user := &User{
		OpenID:   identity.OpenID,
		UnionID:  identity.UnionID,
		Phone:    identity.Phone,
		Nickname: "用户" + idgen.Hex(4),
		Balance:  decimal.Zero,
	}
	id, err := s.store.CreateUser(ctx, user)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("new user created", "user_id", id)
	return s.store.FindUserByID(ctx, id)
}

func needsBackfill(u *User, identity Identity) bool {
	return (u.UnionID == "" && identity.UnionID != "") ||
		(u.OpenID == "" && identity.OpenID != "") ||
		(u.Phone == "" && identity.Phone != "")
}

// Refresh rotates a refresh token: the presented token is consumed and a
// new pair issued in its place. A consumed token fails with ErrTokenReused.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := s.store.ConsumeRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrTokenReused) {
			logging.L(ctx).Warn("refresh token replay detected")
		}
		return nil, err
	}
	return s.issuePair(ctx, userID)
}

// GetUser returns the account behind an authenticated session.
func (s *Service) GetUser(ctx context.Context, userID int64) (*User, error) {
	return s.store.FindUserByID(ctx, userID)
}

// TokenExpiresSoon reports whether the access token is inside the
// configured refresh grace window.
func (s *Service) TokenExpiresSoon(tokenString string) bool {
	return ExpiresSoon(tokenString, s.grace)
}

// Logout revokes every outstanding refresh token for the user.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	return s.store.RevokeUserTokens(ctx, userID)
}

func (s *Service) issuePair(ctx context.Context, userID int64) (*TokenPair, error) {
	access, err := s.tokens.IssueAccess(userID)
	if err != nil {
		return nil, err
	}

	refresh := "rt_" + idgen.Hex(32)
	expiresAt := time.Now().Add(s.refreshTTL)
	if err := s.store.CreateRefreshToken(ctx, userID, hashToken(refresh), expiresAt); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// hashToken stores only a digest so a leaked table cannot mint sessions.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
