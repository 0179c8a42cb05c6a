package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/mcpize/internal/appconfig"
	"pkt.systems/mcpize/internal/session"
	"pkt.systems/mcpize/internal/tunnel"
	"pkt.systems/mcpize/internal/version"
	"pkt.systems/pslog"
)

type checkResult struct {
	name string
	ok   bool
	info string
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, session and tunnel prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			configPath, err := opts.resolvedConfigPath()
			if err != nil {
				return err
			}
			logger.Info("doctor start", "config", configPath, "version", version.Current())

			cfg, err := opts.load()
			if err != nil {
				printChecks(cmd.OutOrStdout(), []checkResult{{name: "config", info: err.Error()}})
				return err
			}
			results := []checkResult{{name: "config", ok: true, info: configPath}}
			results = append(results, sessionCheck(opts, cfg, logger))
			results = append(results, devCheck(cfg))
			results = append(results, providerChecks(ctx, cfg)...)
			printChecks(cmd.OutOrStdout(), results)
			logger.Info("doctor complete")
			return nil
		},
	}
}

func sessionCheck(opts *rootOptions, cfg appconfig.Config, logger pslog.Logger) checkResult {
	mgr, _, err := newSessionManager(opts, cfg, logger)
	if err != nil {
		return checkResult{name: "session", info: err.Error()}
	}
	status, err := mgr.Status()
	if err != nil {
		return checkResult{name: "session", info: err.Error()}
	}
	if !status.Authenticated() {
		return checkResult{name: "session", info: "not logged in; run `mcpize login`"}
	}
	info := fmt.Sprintf("source=%s", status.Source)
	if status.Email != "" {
		info += " email=" + status.Email
	}
	if status.Expired {
		if status.Source == session.SourceSession && status.HasRefreshToken {
			info += " (expired; refreshes on next use)"
		} else {
			return checkResult{name: "session", info: info + " (expired; run `mcpize login`)"}
		}
	}
	return checkResult{name: "session", ok: true, info: info}
}

func devCheck(cfg appconfig.Config) checkResult {
	if strings.TrimSpace(cfg.Dev.Command) == "" {
		return checkResult{name: "dev", info: "dev.command is not set; pass --command to `mcpize dev`"}
	}
	return checkResult{name: "dev", ok: true, info: fmt.Sprintf("%q on port %d", cfg.Dev.Command, cfg.Dev.Port)}
}

// providerChecks probes every tunnel provider concurrently.
func providerChecks(ctx context.Context, cfg appconfig.Config) []checkResult {
	tcfg := tunnelConfig(cfg)
	providers := tunnel.NewRegistry(tcfg).Providers()
	results := make([]checkResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, probeTimeout(tcfg))
			defer cancel()
			res := checkResult{name: "tunnel/" + p.ID().String(), ok: p.Available(probeCtx)}
			if !res.ok {
				res.info = p.Hint()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func probeTimeout(cfg tunnel.Config) time.Duration {
	if cfg.ProbeTimeout <= 0 {
		return tunnel.DefaultProbeTimeout
	}
	return cfg.ProbeTimeout
}

func printChecks(w io.Writer, results []checkResult) {
	for _, r := range results {
		mark := "ok  "
		if !r.ok {
			mark = "warn"
		}
		if r.info != "" {
			_, _ = fmt.Fprintf(w, "[%s] %-20s %s\n", mark, r.name, r.info)
			continue
		}
		_, _ = fmt.Fprintf(w, "[%s] %s\n", mark, r.name)
	}
}
