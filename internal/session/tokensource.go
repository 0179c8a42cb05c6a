package session

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource adapts the manager to oauth2 so HTTP clients pick up refreshed
// tokens transparently.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

// HTTPClient returns a client that attaches the current bearer token.
func (m *Manager) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, m.TokenSource(ctx))
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	token, ok := ts.m.ValidToken(ts.ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	out := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	if claims, ok := parseClaims(token); ok {
		out.Expiry = claims.ExpiresAt
	}
	return out, nil
}
