// Package identity talks to the hosted identity provider that issues mcpize
// access and refresh tokens.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/mcpize/internal/version"
	"pkt.systems/pslog"
)

const maxErrorBody = 4 << 10

// Config configures a Client.
type Config struct {
	BaseURL string
	AnonKey string
	// HTTPClient defaults to http.DefaultClient. Refresh relies on its
	// timeout behaviour rather than imposing one.
	HTTPClient *http.Client
}

// Client issues token grants against the identity provider.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
}

// TokenResponse is the success body of a token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// User describes the authenticated account.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Role         string `json:"role,omitempty"`
	LastSignInAt string `json:"last_sign_in_at,omitempty"`
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("identity base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("identity base url must include scheme and host: %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: base, anonKey: cfg.AnonKey, http: httpClient}, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	return c.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// Password performs the email/password grant used by `mcpize login`.
func (c *Client) Password(ctx context.Context, email, password string) (TokenResponse, error) {
	return c.grant(ctx, "password", map[string]string{"email": email, "password": password})
}

// User fetches the account behind the bearer token that authClient attaches.
// authClient is expected to come from oauth2.NewClient.
func (c *Client) User(ctx context.Context, authClient *http.Client) (User, error) {
	if authClient == nil {
		return User{}, errors.New("authorised http client is required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return User{}, err
	}
	var user User
	if err := c.do(authClient, req, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Logout revokes the session server-side.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(c.http, req, nil)
}

func (c *Client) grant(ctx context.Context, grantType string, body map[string]string) (TokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("encode request: %w", err)
	}
	endpoint := c.baseURL + "/auth/v1/token?grant_type=" + url.QueryEscape(grantType)
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	log := pslog.Ctx(ctx)
	log.Debug("identity grant start", "grant_type", grantType, "request_id", req.Header.Get("X-Request-Id"))
	var tokens TokenResponse
	if err := c.do(c.http, req, &tokens); err != nil {
		log.Debug("identity grant failed", "grant_type", grantType, "err", err)
		return TokenResponse{}, err
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return TokenResponse{}, errors.New("identity response missing access_token")
	}
	log.Debug("identity grant ok", "grant_type", grantType, "expires_in", tokens.ExpiresIn)
	return tokens, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Request-Id", uuid.NewString())
	if id := logx.Invocation(ctx); id != "" {
		req.Header.Set("X-Invocation-Id", id)
	}
	return req, nil
}

func (c *Client) do(httpClient *http.Client, req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newError(resp.StatusCode, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
