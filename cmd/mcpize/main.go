package main

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	ctx = logx.ContextWithInvocation(ctx, uuid.NewString())
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("mcpize command failed")
		return 1
	}
	return 0
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	token      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mcpize",
		Short:         "Develop, tunnel and publish MCP servers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "access token to use instead of the stored session")

	root.AddCommand(newLoginCmd(opts))
	root.AddCommand(newLogoutCmd(opts))
	root.AddCommand(newWhoamiCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newDevCmd(opts))
	root.AddCommand(newTunnelCmd(opts))
	root.AddCommand(newDoctorCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}
