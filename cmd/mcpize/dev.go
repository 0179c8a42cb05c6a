package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/mcpize/internal/appconfig"
	"pkt.systems/mcpize/internal/devserver"
	"pkt.systems/mcpize/internal/tunnel"
	"pkt.systems/pslog"
)

type devOptions struct {
	port       int
	command    string
	healthPath string
	tunnel     bool
	provider   string
	showQR     bool
	watch      bool
}

func newDevCmd(opts *rootOptions) *cobra.Command {
	var dev devOptions
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the MCP server locally, optionally behind a public tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			applyDevDefaults(cmd, &dev, cfg)
			return runDev(cmd, dev, cfg)
		},
	}
	cmd.Flags().IntVarP(&dev.port, "port", "p", 0, "local port the server listens on")
	cmd.Flags().StringVar(&dev.command, "command", "", "command that starts the server")
	cmd.Flags().StringVar(&dev.healthPath, "health-path", "", "path polled until the server answers")
	cmd.Flags().BoolVar(&dev.tunnel, "tunnel", false, "expose the server under a public URL")
	cmd.Flags().StringVar(&dev.provider, "provider", "", "tunnel provider (auto, cloudflared, ngrok, localtunnel)")
	cmd.Flags().BoolVar(&dev.showQR, "qr", false, "print a QR code of the public URL")
	cmd.Flags().BoolVarP(&dev.watch, "watch", "w", false, "restart the server when files change")
	return cmd
}

// applyDevDefaults fills flags the user did not set from the config.
func applyDevDefaults(cmd *cobra.Command, dev *devOptions, cfg appconfig.Config) {
	flags := cmd.Flags()
	if !flags.Changed("port") {
		dev.port = cfg.Dev.Port
	}
	if !flags.Changed("command") {
		dev.command = cfg.Dev.Command
	}
	if !flags.Changed("health-path") {
		dev.healthPath = cfg.Dev.HealthPath
	}
	if !flags.Changed("provider") {
		dev.provider = cfg.Tunnel.Provider
	}
	if !flags.Changed("watch") {
		dev.watch = cfg.Dev.Watch
	}
}

func runDev(cmd *cobra.Command, dev devOptions, cfg appconfig.Config) error {
	ctx := cmd.Context()
	logger := pslog.Ctx(ctx)
	out := cmd.OutOrStdout()

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	srv, err := devserver.New(devserver.Config{
		Command:       dev.command,
		Dir:           dir,
		Port:          dev.port,
		HealthPath:    dev.healthPath,
		HealthTimeout: seconds(cfg.Dev.HealthTimeoutSeconds),
		Output:        cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	hint, err := tunnel.ParseProviderID(dev.provider)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = srv.Stop() }()
	if err := srv.WaitHealthy(ctx); err != nil {
		return fmt.Errorf("dev server did not become healthy: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Local:  %s\n", srv.URL())

	var tunnelDone <-chan struct{}
	var conn *tunnel.Connection
	if dev.tunnel {
		ctrl := tunnel.NewController(nil, tunnelConfig(cfg))
		defer func() { _ = ctrl.Close() }()
		conn, err = ctrl.CreateTunnel(ctx, dev.port, hint)
		if err != nil {
			logger.Warn("continuing without a public url", "err", err)
		} else {
			printTunnel(out, conn, dev.port, dev.showQR)
			tunnelDone = conn.Done()
		}
	}

	restarted := make(chan struct{}, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchDone := make(chan struct{})
	if dev.watch {
		go func() {
			defer close(watchDone)
			err := devserver.Watch(watchCtx, dir, devserver.DefaultDebounce, func() {
				if err := srv.Restart(watchCtx); err != nil {
					if !errors.Is(err, context.Canceled) && !errors.Is(err, devserver.ErrStopped) {
						logger.Warn("dev server restart failed", "err", err)
					}
					return
				}
				select {
				case restarted <- struct{}{}:
				default:
				}
			})
			if err != nil {
				logger.Warn("file watcher stopped", "err", err)
			}
		}()
	} else {
		close(watchDone)
	}

	exited := srv.Done()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down dev server")
			stopWatch()
			<-watchDone
			return shutdown(srv)
		case <-exited:
			if !dev.watch {
				return srv.Err()
			}
			if srv.Replaced(exited) {
				exited = nil
				if current := srv.Done(); !srv.Replaced(current) {
					exited = current
				}
				continue
			}
			logger.Warn("dev server exited; waiting for changes", "err", srv.Err())
			exited = nil
		case <-restarted:
			exited = srv.Done()
		case <-tunnelDone:
			logger.Warn("tunnel closed", "provider", conn.Provider.String(), "err", conn.Err())
			tunnelDone = nil
		}
	}
}

func shutdown(srv *devserver.Server) error {
	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("dev server did not stop in time")
	}
}
