package cli

import (
	"os"
	"os/signal"
	"syscall"

	"clusterd/internal/app"

	"github.com/spf13/cobra"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follow log lines forwarded by members with logging.remote enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if err := requireSharedBackend(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Tail(ctx, cfg, app.Options{}, opts.log, cmd.OutOrStdout())
		},
	}
}
