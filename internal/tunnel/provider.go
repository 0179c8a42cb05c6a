// Package tunnel exposes a local port under a public URL through one of a
// fixed set of providers.
package tunnel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// ProviderID identifies a tunnel backend. The set is closed: adding a
// provider means adding a constant here and a case to newProvider.
type ProviderID uint8

const (
	// ProviderAuto asks the controller to pick the best available provider.
	ProviderAuto ProviderID = iota
	// ProviderLocaltunnel needs no install or account; least reliable.
	ProviderLocaltunnel
	// ProviderNgrok uses the ngrok SDK and an auth token from the environment.
	ProviderNgrok
	// ProviderCloudflared runs a cloudflared quick tunnel; free, needs the binary.
	ProviderCloudflared
)

// autoOrder is the auto-selection priority, best first.
var autoOrder = [...]ProviderID{ProviderCloudflared, ProviderNgrok, ProviderLocaltunnel}

func (id ProviderID) String() string {
	switch id {
	case ProviderAuto:
		return "auto"
	case ProviderLocaltunnel:
		return "localtunnel"
	case ProviderNgrok:
		return "ngrok"
	case ProviderCloudflared:
		return "cloudflared"
	default:
		return fmt.Sprintf("provider(%d)", uint8(id))
	}
}

// ParseProviderID maps a user-supplied name to a ProviderID.
func ParseProviderID(value string) (ProviderID, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return ProviderAuto, nil
	case "cloudflared", "cloudflare":
		return ProviderCloudflared, nil
	case "ngrok":
		return ProviderNgrok, nil
	case "localtunnel", "lt":
		return ProviderLocaltunnel, nil
	default:
		return ProviderAuto, fmt.Errorf("unknown tunnel provider %q (use cloudflared, ngrok or localtunnel)", value)
	}
}

// Provider is one backend. It is sealed to this package.
type Provider interface {
	ID() ProviderID
	// Available is a fast capability probe without side effects.
	Available(ctx context.Context) bool
	// Hint is the one-line remediation shown when the provider is unusable.
	Hint() string
	// Connect blocks until a public URL is known or startup fails.
	Connect(ctx context.Context, port int) (*Connection, error)
	sealed()
}

// Config configures the providers.
type Config struct {
	CloudflaredBinary string
	NgrokAuthtokenEnv string
	LocaltunnelHost   string
	StartupTimeout    time.Duration
	ProbeTimeout      time.Duration
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.CloudflaredBinary) == "" {
		c.CloudflaredBinary = "cloudflared"
	}
	if strings.TrimSpace(c.NgrokAuthtokenEnv) == "" {
		c.NgrokAuthtokenEnv = "NGROK_AUTHTOKEN"
	}
	if strings.TrimSpace(c.LocaltunnelHost) == "" {
		c.LocaltunnelHost = "https://localtunnel.me"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.LookupEnv == nil {
		c.LookupEnv = os.LookupEnv
	}
	return c
}

// Registry maps every ProviderID to its implementation. It is read-only after
// construction and safe to share.
type Registry struct {
	providers map[ProviderID]Provider
}

// NewRegistry builds the registry for every known provider.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	providers := make([]Provider, 0, len(autoOrder))
	for _, id := range autoOrder {
		providers = append(providers, newProvider(id, cfg))
	}
	return newRegistry(providers...)
}

func newRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[ProviderID]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

func newProvider(id ProviderID, cfg Config) Provider {
	switch id {
	case ProviderCloudflared:
		return newCloudflared(cfg)
	case ProviderNgrok:
		return newNgrok(cfg)
	case ProviderLocaltunnel:
		return newLocaltunnel(cfg)
	default:
		panic(fmt.Sprintf("tunnel: no implementation for %s", id))
	}
}

// Get returns the provider for id.
func (r *Registry) Get(id ProviderID) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Providers returns the registered providers in auto-selection order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, id := range autoOrder {
		if p, ok := r.providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
