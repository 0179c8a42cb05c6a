package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pkt.systems/mcpize/internal/identity"
	"pkt.systems/pslog"
)

// ErrNotAuthenticated is returned when no usable bearer token exists.
var ErrNotAuthenticated = errors.New("not authenticated: run `mcpize login` or set MCPIZE_TOKEN")

const defaultRefreshMargin = 60 * time.Second

// defaultReuseDelays are the waits before each re-read of the session file
// after the provider reports a refresh token as already consumed.
var defaultReuseDelays = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 1500 * time.Millisecond}

// Identity is the subset of the identity provider the manager needs.
type Identity interface {
	Refresh(ctx context.Context, refreshToken string) (identity.TokenResponse, error)
	Password(ctx context.Context, email, password string) (identity.TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// Source names where a bearer token came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceOverride Source = "flag"
	SourceEnv      Source = "env"
	SourceSession  Source = "session"
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// Override wins over every other source, typically from --token.
	Override string
	// EnvToken is trusted as-is and never refreshed; set from MCPIZE_TOKEN.
	EnvToken      string
	RefreshMargin time.Duration
	ReuseDelays   []time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Manager hands out valid bearer tokens, refreshing the persisted session when
// it is about to expire. Separate CLI processes share the session file and
// coordinate only by re-reading it.
type Manager struct {
	store *Store
	idp   Identity
	opts  Options
	mu    sync.Mutex
}

// NewManager constructs a Manager.
func NewManager(store *Store, idp Identity, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if idp == nil {
		return nil, errors.New("identity client is required")
	}
	opts.Override = strings.TrimSpace(opts.Override)
	opts.EnvToken = strings.TrimSpace(opts.EnvToken)
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultRefreshMargin
	}
	if opts.ReuseDelays == nil {
		opts.ReuseDelays = defaultReuseDelays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Manager{store: store, idp: idp, opts: opts}, nil
}

// ValidToken returns a bearer token usable right now. It never returns an
// error for "no token"; callers decide whether that fails the command.
func (m *Manager) ValidToken(ctx context.Context) (string, bool) {
	if m.opts.Override != "" {
		return m.opts.Override, true
	}
	if m.opts.EnvToken != "" {
		return m.opts.EnvToken, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := pslog.Ctx(ctx)
	sess, ok, err := m.store.Load()
	if err != nil {
		log.Warn("session load failed", "path", m.store.Path(), "err", err)
		return "", false
	}
	if !ok {
		log.Debug("session missing", "path", m.store.Path())
		return "", false
	}
	if sess.Token != "" && !m.stale(sess) {
		return sess.Token, true
	}
	return m.refresh(ctx, sess)
}

func (m *Manager) refresh(ctx context.Context, sess Session) (string, bool) {
	log := pslog.Ctx(ctx)
	original := sess.RefreshToken
	if strings.TrimSpace(original) == "" {
		log.Debug("session refresh skipped", "reason", "no refresh token")
		return "", false
	}

	started := m.opts.Now()
	tokens, err := m.idp.Refresh(ctx, original)
	if err != nil {
		var idErr *identity.Error
		if errors.As(err, &idErr) && idErr.ReuseDetected() {
			log.Info("session refresh token already used, waiting for sibling process")
			return m.awaitSibling(ctx, original)
		}
		log.Warn("session refresh failed", "err", err)
		return "", false
	}

	current, ok, err := m.store.Load()
	if err == nil && ok && current.RefreshToken != "" && current.RefreshToken != original {
		if current.Token != "" && !m.stale(current) {
			log.Info("session refreshed concurrently, keeping persisted session")
			return current.Token, true
		}
	}

	next := Session{
		Token:        tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    m.expiresAt(tokens),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = original
	}
	if err := m.store.Save(next); err != nil {
		log.Warn("session save failed", "err", err)
	} else {
		log.Debug("session refreshed", "expires_at", next.ExpiresAt, "duration_ms", m.opts.Now().Sub(started).Milliseconds())
	}
	return next.Token, true
}

// awaitSibling re-reads the session file while a sibling process that won the
// refresh race persists its result.
func (m *Manager) awaitSibling(ctx context.Context, original string) (string, bool) {
	log := pslog.Ctx(ctx)
	for attempt, delay := range m.opts.ReuseDelays {
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return "", false
		}
		current, ok, err := m.store.Load()
		if err != nil || !ok {
			continue
		}
		if current.RefreshToken != "" && current.RefreshToken != original && current.Token != "" && !m.stale(current) {
			log.Info("session picked up from sibling process", "attempt", attempt+1)
			return current.Token, true
		}
	}
	log.Warn("session refresh token reuse unresolved", "attempts", len(m.opts.ReuseDelays))
	return "", false
}

// Login runs the password grant and persists the resulting session.
func (m *Manager) Login(ctx context.Context, email, password string) (Session, error) {
	tokens, err := m.idp.Password(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		Token:        tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    m.expiresAt(tokens),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(sess); err != nil {
		return Session{}, err
	}
	pslog.Ctx(ctx).Info("session saved", "path", m.store.Path(), "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Logout revokes the session server-side when possible and always clears the
// local file. It is the only path that removes the session.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := pslog.Ctx(ctx)
	sess, ok, err := m.store.Load()
	if err != nil {
		log.Warn("session load failed", "err", err)
	}
	if ok && sess.Token != "" && !m.stale(sess) {
		if err := m.idp.Logout(ctx, sess.Token); err != nil {
			log.Warn("session revoke failed", "err", err)
		}
	}
	return m.store.Clear()
}

// Status describes the active credential without touching the network.
type Status struct {
	Source          Source
	ExpiresAt       time.Time
	Expired         bool
	HasRefreshToken bool
	Subject         string
	Email           string
}

// Authenticated reports whether some source supplies a token.
func (s Status) Authenticated() bool {
	return s.Source != SourceNone
}

// Status reports which source would answer ValidToken.
func (m *Manager) Status() (Status, error) {
	if m.opts.Override != "" {
		return statusFor(SourceOverride, m.opts.Override), nil
	}
	if m.opts.EnvToken != "" {
		return statusFor(SourceEnv, m.opts.EnvToken), nil
	}
	sess, ok, err := m.store.Load()
	if err != nil {
		return Status{Source: SourceNone}, err
	}
	if !ok || (sess.Token == "" && sess.RefreshToken == "") {
		return Status{Source: SourceNone}, nil
	}
	st := statusFor(SourceSession, sess.Token)
	st.HasRefreshToken = sess.RefreshToken != ""
	st.ExpiresAt = m.expiry(sess)
	st.Expired = m.stale(sess)
	return st, nil
}

func statusFor(source Source, token string) Status {
	st := Status{Source: source}
	if claims, ok := parseClaims(token); ok {
		st.Subject = claims.Subject
		st.Email = claims.Email
		st.ExpiresAt = claims.ExpiresAt
	}
	return st
}

// stale reports whether the session's access token is expired or inside the
// refresh margin. Unknown expiry counts as fresh.
func (m *Manager) stale(sess Session) bool {
	exp := m.expiry(sess)
	if exp.IsZero() {
		return false
	}
	return !m.opts.Now().Add(m.opts.RefreshMargin).Before(exp)
}

func (m *Manager) expiry(sess Session) time.Time {
	if sess.ExpiresAt > 0 {
		return time.Unix(sess.ExpiresAt, 0)
	}
	if claims, ok := parseClaims(sess.Token); ok {
		return claims.ExpiresAt
	}
	return time.Time{}
}

func (m *Manager) expiresAt(tokens identity.TokenResponse) int64 {
	if tokens.ExpiresIn > 0 {
		return m.opts.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).Unix()
	}
	return tokens.ExpiresAt
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
