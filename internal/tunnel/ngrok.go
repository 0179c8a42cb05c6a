package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/pslog"
)

// forwarder is the part of an ngrok session the provider relies on.
type forwarder interface {
	URL() string
	Close() error
	Wait() error
}

type ngrokListenFunc func(ctx context.Context, backend *url.URL, authtoken string) (forwarder, error)

type ngrokProvider struct {
	envName        string
	lookupEnv      func(string) (string, bool)
	startupTimeout time.Duration
	listen         ngrokListenFunc
}

func newNgrok(cfg Config) *ngrokProvider {
	return &ngrokProvider{
		envName:        cfg.NgrokAuthtokenEnv,
		lookupEnv:      cfg.LookupEnv,
		startupTimeout: cfg.StartupTimeout,
		listen:         listenNgrok,
	}
}

func listenNgrok(ctx context.Context, backend *url.URL, authtoken string) (forwarder, error) {
	return ngrok.ListenAndForward(ctx, backend, config.HTTPEndpoint(), ngrok.WithAuthtoken(authtoken))
}

func (p *ngrokProvider) ID() ProviderID { return ProviderNgrok }
func (p *ngrokProvider) sealed()        {}

func (p *ngrokProvider) Hint() string {
	return fmt.Sprintf("set %s (get a token at https://dashboard.ngrok.com/get-started/your-authtoken)", p.envName)
}

func (p *ngrokProvider) token() string {
	value, ok := p.lookupEnv(p.envName)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Available only checks that a token is configured; validity is discovered on
// connect.
func (p *ngrokProvider) Available(context.Context) bool {
	return p.token() != ""
}

type ngrokResult struct {
	fwd forwarder
	err error
}

func (p *ngrokProvider) Connect(ctx context.Context, port int) (*Connection, error) {
	log := logx.WithPort(logx.WithProvider(pslog.Ctx(ctx), ProviderNgrok.String()), port)
	conn := newConnection(ProviderNgrok)

	token := p.token()
	if token == "" {
		err := fmt.Errorf("%s is not set", p.envName)
		conn.fail(err)
		return nil, err
	}
	backend := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}

	// The session must outlive Connect, so it gets a context that is only
	// cancelled by Close.
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	results := make(chan ngrokResult, 1)
	go func() {
		fwd, err := p.listen(sessionCtx, backend, token)
		results <- ngrokResult{fwd: fwd, err: err}
	}()

	// abandon closes a session that arrives after Connect gave up on it.
	abandon := func() {
		cancel()
		go func() {
			if res := <-results; res.fwd != nil {
				_ = res.fwd.Close()
			}
		}()
	}

	timer := time.NewTimer(p.startupTimeout)
	defer timer.Stop()

	var res ngrokResult
	select {
	case res = <-results:
	case <-timer.C:
		abandon()
		err := fmt.Errorf("%w: ngrok session not established after %s", ErrStartupTimeout, p.startupTimeout)
		log.Warn("ngrok startup timed out", "timeout", p.startupTimeout)
		conn.fail(err)
		return nil, err
	case <-ctx.Done():
		abandon()
		conn.fail(ctx.Err())
		return nil, ctx.Err()
	}
	if res.err != nil {
		cancel()
		log.Warn("ngrok session failed", "err", res.err)
		conn.fail(res.err)
		return nil, res.err
	}
	publicURL := strings.TrimSpace(res.fwd.URL())
	if publicURL == "" {
		_ = res.fwd.Close()
		cancel()
		err := errors.New("ngrok returned no public url")
		conn.fail(err)
		return nil, err
	}

	fwd := res.fwd
	conn.connected(publicURL, func() error {
		defer cancel()
		return fwd.Close()
	})
	go func() {
		err := fwd.Wait()
		log.Debug("ngrok forwarder stopped", "err", err)
		conn.ended(err)
		cancel()
	}()
	log.Info("ngrok tunnel ready", "url", publicURL)
	return conn, nil
}
