package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// IdentityClient resolves mini-program login codes against the identity
// provider's code2session endpoint.
type IdentityClient struct {
	endpoint  string
	appID     string
	appSecret string
	client    *http.Client
}

// NewIdentityClient creates a code2session client.
func NewIdentityClient(endpoint, appID, appSecret string) *IdentityClient {
	return &IdentityClient{
		endpoint:  endpoint,
		appID:     appID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type code2SessionResponse struct {
	OpenID  string `json:"openid"`
	UnionID string `json:"unionid"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Resolve exchanges code for the caller's provider identity.
func (c *IdentityClient) Resolve(ctx context.Context, code string) (Identity, error) {
	q := url.Values{}
	q.Set("appid", c.appID)
	q.Set("secret", c.appSecret)
	q.Set("js_code", code)
	q.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Identity{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity provider request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Identity{}, fmt.Errorf("read identity response: %w", err)
	}

	var parsed code2SessionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Identity{}, fmt.Errorf("decode identity response: %w", err)
	}
	if parsed.ErrCode != 0 || parsed.OpenID == "" {
		return Identity{}, fmt.Errorf("%w: code %d: %s", ErrLoginRejected, parsed.ErrCode, parsed.ErrMsg)
	}

	return Identity{OpenID: parsed.OpenID, UnionID: parsed.UnionID}, nil
}
