package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"pkt.systems/mcpize/internal/tunnel"
	"pkt.systems/pslog"
)

func newTunnelCmd(opts *rootOptions) *cobra.Command {
	var provider string
	var showQR bool
	cmd := &cobra.Command{
		Use:   "tunnel <port>",
		Short: "Expose a local port under a public URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("provider") {
				provider = cfg.Tunnel.Provider
			}
			hint, err := tunnel.ParseProviderID(provider)
			if err != nil {
				return err
			}

			ctrl := tunnel.NewController(nil, tunnelConfig(cfg))
			conn, err := ctrl.CreateTunnel(ctx, port, hint)
			if err != nil {
				return err
			}
			defer func() { _ = ctrl.Close() }()

			printTunnel(cmd.OutOrStdout(), conn, port, showQR)
			select {
			case <-ctx.Done():
				logger.Info("closing tunnel")
				return nil
			case <-conn.Done():
				if err := conn.Err(); err != nil {
					return fmt.Errorf("tunnel ended: %w", err)
				}
				return errors.New("tunnel ended")
			}
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "auto", "tunnel provider (auto, cloudflared, ngrok, localtunnel)")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print a QR code of the public URL")
	return cmd
}

func printTunnel(w io.Writer, conn *tunnel.Connection, port int, showQR bool) {
	_, _ = fmt.Fprintf(w, "Tunnel (%s): %s -> http://localhost:%d\n", conn.Provider, conn.URL, port)
	if conn.Fallback {
		_, _ = fmt.Fprintln(w, "Using localtunnel as a fallback; install cloudflared or set NGROK_AUTHTOKEN for a stable URL.")
	}
	if showQR {
		qrterminal.GenerateHalfBlock(conn.URL, qrterminal.L, w)
	}
}
