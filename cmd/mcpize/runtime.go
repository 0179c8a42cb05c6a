package main

import (
	"errors"
	"os"
	"strings"
	"time"

	"pkt.systems/mcpize/internal/appconfig"
	"pkt.systems/mcpize/internal/identity"
	"pkt.systems/mcpize/internal/session"
	"pkt.systems/mcpize/internal/tunnel"
	"pkt.systems/pslog"
)

func (o *rootOptions) load() (appconfig.Config, error) {
	return appconfig.Load(o.configPath)
}

func (o *rootOptions) resolvedConfigPath() (string, error) {
	if strings.TrimSpace(o.configPath) != "" {
		return o.configPath, nil
	}
	return appconfig.DefaultConfigPath()
}

func newIdentityClient(cfg appconfig.Config) (*identity.Client, error) {
	return identity.New(identity.Config{BaseURL: cfg.Auth.URL, AnonKey: cfg.Auth.AnonKey})
}

// newSessionManager wires the store, identity client and token sources for
// one invocation.
func newSessionManager(opts *rootOptions, cfg appconfig.Config, logger pslog.Logger) (*session.Manager, *identity.Client, error) {
	idp, err := newIdentityClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewStoreWithLogger(cfg.Auth.SessionFile, logger)
	if err != nil {
		return nil, nil, err
	}
	var envToken string
	if name := strings.TrimSpace(cfg.Auth.TokenEnv); name != "" {
		envToken = os.Getenv(name)
	}
	mgr, err := session.NewManager(store, idp, session.Options{
		Override:      opts.token,
		EnvToken:      envToken,
		RefreshMargin: cfg.Auth.RefreshMargin(),
	})
	if err != nil {
		return nil, nil, err
	}
	return mgr, idp, nil
}

func requireAnonKey(cfg appconfig.Config) error {
	if strings.TrimSpace(cfg.Auth.AnonKey) == "" {
		return errors.New("auth.anon_key is not configured; set it in the config file or export MCPIZE_AUTH_ANON_KEY")
	}
	return nil
}

func tunnelConfig(cfg appconfig.Config) tunnel.Config {
	return tunnel.Config{
		CloudflaredBinary: cfg.Tunnel.CloudflaredBinary,
		NgrokAuthtokenEnv: cfg.Tunnel.NgrokAuthtokenEnv,
		LocaltunnelHost:   cfg.Tunnel.LocaltunnelHost,
		StartupTimeout:    seconds(cfg.Tunnel.StartupTimeoutSeconds),
		ProbeTimeout:      seconds(cfg.Tunnel.ProbeTimeoutSeconds),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

var errNotLoggedIn = errors.New("not logged in; run `mcpize login` or pass --token")
