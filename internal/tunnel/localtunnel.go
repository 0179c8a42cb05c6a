package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/mcpize/internal/version"
	"pkt.systems/pslog"
)

const (
	localtunnelAttempts   = 3
	localtunnelRetryDelay = 2 * time.Second
	localtunnelMaxSockets = 10
	localRedialDelay      = time.Second
)

// lease is the server's answer to a new-tunnel request.
type lease struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	CachedURL    string `json:"cached_url"`
	Message      string `json:"message"`
}

type localtunnelProvider struct {
	host   string
	client *http.Client
	dialer net.Dialer
	sleep  func(context.Context, time.Duration) error
	// open requests a lease and starts the socket pool; replaced in tests.
	open func(ctx context.Context, port int) (string, func() error, <-chan error, error)
}

func newLocaltunnel(cfg Config) *localtunnelProvider {
	p := &localtunnelProvider{
		host:   strings.TrimRight(cfg.LocaltunnelHost, "/"),
		client: &http.Client{Timeout: cfg.StartupTimeout},
		dialer: net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		sleep:  sleepContext,
	}
	p.open = p.openLease
	return p
}

func (p *localtunnelProvider) ID() ProviderID { return ProviderLocaltunnel }
func (p *localtunnelProvider) sealed()        {}

func (p *localtunnelProvider) Hint() string {
	return "localtunnel is best effort; install cloudflared or set an ngrok token for a reliable tunnel"
}

func (p *localtunnelProvider) Available(context.Context) bool { return true }

func (p *localtunnelProvider) Connect(ctx context.Context, port int) (*Connection, error) {
	log := logx.WithPort(logx.WithProvider(pslog.Ctx(ctx), ProviderLocaltunnel.String()), port)
	conn := newConnection(ProviderLocaltunnel)

	var lastErr error
	for attempt := 1; attempt <= localtunnelAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, localtunnelRetryDelay); err != nil {
				conn.fail(err)
				return nil, err
			}
		}
		publicURL, closeFn, ended, err := p.open(ctx, port)
		if err == nil {
			conn.connected(publicURL, closeFn)
			go func() {
				err := <-ended
				conn.ended(err)
			}()
			log.Info("localtunnel ready", "url", publicURL, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		log.Warn("localtunnel attempt failed", "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			break
		}
	}
	err := fmt.Errorf("localtunnel failed after %d attempts: %w", localtunnelAttempts, lastErr)
	conn.fail(err)
	return nil, err
}

func (p *localtunnelProvider) requestLease(ctx context.Context) (lease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/?new", nil)
	if err != nil {
		return lease{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.client.Do(req)
	if err != nil {
		return lease{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return lease{}, err
	}
	if resp.StatusCode/100 != 2 {
		return lease{}, fmt.Errorf("lease request returned %s", resp.Status)
	}
	var l lease
	if err := json.Unmarshal(body, &l); err != nil {
		return lease{}, fmt.Errorf("decode lease: %w", err)
	}
	if l.Port <= 0 || strings.TrimSpace(l.URL) == "" {
		if l.Message != "" {
			return lease{}, errors.New(l.Message)
		}
		return lease{}, errors.New("lease response is missing port or url")
	}
	return l, nil
}

func (p *localtunnelProvider) openLease(ctx context.Context, port int) (string, func() error, <-chan error, error) {
	l, err := p.requestLease(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	base, err := url.Parse(p.host)
	if err != nil {
		return "", nil, nil, err
	}
	remote := net.JoinHostPort(base.Hostname(), strconv.Itoa(l.Port))
	local := net.JoinHostPort("localhost", strconv.Itoa(port))

	// The first socket is dialed here so a dead lease fails the attempt.
	first, err := p.dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return "", nil, nil, fmt.Errorf("dial tunnel server: %w", err)
	}

	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pool := &socketPool{
		remote: remote,
		local:  local,
		dialer: &p.dialer,
		log:    logx.WithPort(logx.WithProvider(pslog.Ctx(ctx), ProviderLocaltunnel.String()), port),
		ended:  make(chan error, 1),
	}
	size := min(max(l.MaxConnCount, 1), localtunnelMaxSockets)
	pool.run(poolCtx, cancel, first, size)

	closeFn := func() error {
		cancel()
		pool.wg.Wait()
		return nil
	}
	return l.URL, closeFn, pool.ended, nil
}

// socketPool keeps size connections open to the tunnel server and splices
// each one to the local port as requests arrive.
type socketPool struct {
	remote string
	local  string
	dialer *net.Dialer
	log    pslog.Logger
	ended  chan error
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures int
}

func (sp *socketPool) run(ctx context.Context, cancel context.CancelFunc, first net.Conn, size int) {
	sp.wg.Add(size)
	go sp.worker(ctx, cancel, first)
	for i := 1; i < size; i++ {
		go sp.worker(ctx, cancel, nil)
	}
	go func() {
		sp.wg.Wait()
		cancel()
		if sp.giveUp() {
			sp.ended <- errors.New("tunnel server unreachable")
		}
		close(sp.ended)
	}()
}

// giveUp reports whether the pool stopped because the server went away
// rather than because it was closed.
func (sp *socketPool) giveUp() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.failures >= maxRemoteFailures
}

const maxRemoteFailures = 5

func (sp *socketPool) worker(ctx context.Context, cancel context.CancelFunc, remote net.Conn) {
	defer sp.wg.Done()
	for ctx.Err() == nil {
		if remote == nil {
			conn, err := sp.dialer.DialContext(ctx, "tcp", sp.remote)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sp.mu.Lock()
				sp.failures++
				n := sp.failures
				sp.mu.Unlock()
				sp.log.Debug("localtunnel remote dial failed", "err", err, "failures", n)
				if n >= maxRemoteFailures {
					cancel()
					return
				}
				_ = sleepContext(ctx, localRedialDelay)
				continue
			}
			remote = conn
		}
		sp.mu.Lock()
		sp.failures = 0
		sp.mu.Unlock()
		sp.serve(ctx, remote)
		remote = nil
	}
	if remote != nil {
		_ = remote.Close()
	}
}

// serve splices one remote socket to a fresh local connection until either
// side closes.
func (sp *socketPool) serve(ctx context.Context, remote net.Conn) {
	defer remote.Close()
	stop := context.AfterFunc(ctx, func() { _ = remote.Close() })
	defer stop()

	var local net.Conn
	for {
		conn, err := sp.dialer.DialContext(ctx, "tcp", sp.local)
		if err == nil {
			local = conn
			break
		}
		if ctx.Err() != nil {
			return
		}
		sp.log.Debug("local port not accepting connections", "err", err)
		if sleepContext(ctx, localRedialDelay) != nil {
			return
		}
	}
	defer local.Close()
	stopLocal := context.AfterFunc(ctx, func() { _ = local.Close() })
	defer stopLocal()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(local, remote)
		closeWrite(local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(remote, local)
		closeWrite(remote)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func closeWrite(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
		return
	}
	_ = c.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
