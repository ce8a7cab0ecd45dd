package cli

import (
	"fmt"

	"clusterd/internal/app"
	"clusterd/internal/config"

	"github.com/spf13/cobra"
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := app.CheckConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("%s: %w", opts.configPath, err)
			}
			out := cmd.OutOrStdout()
			driver := cfg.Coordination.Driver
			if driver == "" {
				driver = "memory"
			}
			fmt.Fprintf(out, "%s: ok\n", opts.configPath)
			fmt.Fprintf(out, "  Driver:    %s\n", driver)
			fmt.Fprintf(out, "  Scheduler: %t\n", cfg.Scheduler.Enabled)
			fmt.Fprintf(out, "  Leader:    %t\n", cfg.Leader.Enabled)
			fmt.Fprintf(out, "  HTTP:      %t\n", cfg.HTTP.Enabled)
			return nil
		},
	}
}
