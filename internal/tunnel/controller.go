package tunnel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/pslog"
)

// Controller opens at most one tunnel at a time for the dev workflow.
type Controller struct {
	registry     *Registry
	probeTimeout time.Duration

	mu     sync.Mutex
	active *Connection
}

// NewController builds a controller over registry. A nil registry uses every
// built-in provider with cfg.
func NewController(registry *Registry, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = NewRegistry(cfg)
	}
	return &Controller{registry: registry, probeTimeout: cfg.ProbeTimeout}
}

// CreateTunnel exposes localhost:port. With a hint only that provider is
// tried; with ProviderAuto the best available provider is chosen.
func (c *Controller) CreateTunnel(ctx context.Context, port int, hint ProviderID) (*Connection, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid local port %d", port)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !isFinished(c.active) {
		return nil, ErrTunnelActive
	}
	c.active = nil

	log := logx.WithPort(pslog.Ctx(ctx), port)
	provider, fallback, err := c.choose(ctx, hint)
	if err != nil {
		log.Warn("no tunnel provider", "hint", hint.String(), "err", err)
		return nil, err
	}
	log = logx.WithProvider(log, provider.ID().String())
	if fallback {
		log.Warn("falling back to localtunnel; expect an unstable url", "next", provider.Hint())
	}
	log.Info("opening tunnel")

	conn, err := provider.Connect(pslog.ContextWithLogger(ctx, log), port)
	if err != nil {
		return nil, &ConnectError{Provider: provider.ID(), Hint: provider.Hint(), Err: err}
	}
	conn.Fallback = fallback
	c.active = conn
	return conn, nil
}

func (c *Controller) choose(ctx context.Context, hint ProviderID) (Provider, bool, error) {
	if hint != ProviderAuto {
		p, ok := c.registry.Get(hint)
		if !ok {
			return nil, false, fmt.Errorf("tunnel provider %s is not registered", hint)
		}
		if !c.probe(ctx, p) {
			return nil, false, &UnavailableError{Provider: hint, Hint: p.Hint()}
		}
		return p, false, nil
	}

	providers := c.registry.Providers()
	available := make([]bool, len(providers))
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			available[i] = c.probe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	log := pslog.Ctx(ctx)
	for i, p := range providers {
		log.Debug("tunnel provider probe", "provider", p.ID().String(), "available", available[i])
		if available[i] {
			return p, p.ID() == ProviderLocaltunnel, nil
		}
	}
	hints := make([]string, 0, len(providers))
	for _, p := range providers {
		hints = append(hints, p.Hint())
	}
	return nil, false, &UnavailableError{Provider: ProviderAuto, Hint: strings.Join(hints, "; ")}
}

func (c *Controller) probe(ctx context.Context, p Provider) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return p.Available(probeCtx)
}

// Active returns the live connection, if any.
func (c *Controller) Active() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || isFinished(c.active) {
		return nil
	}
	return c.active
}

// Close tears down the active connection. It is safe to call repeatedly.
func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.active
	c.active = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func isFinished(conn *Connection) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}
