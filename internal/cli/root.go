// Package cli is the clusterd command line.
package cli

import (
	"os"

	logx "clusterd/pkg/logx"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X clusterd/internal/cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	log        logx.Logger
}

// defaultConfig returns the config path, checking CLUSTERD_CONFIG first.
func defaultConfig() string {
	if p := os.Getenv("CLUSTERD_CONFIG"); p != "" {
		return p
	}
	return "./clusterd.yaml"
}

// NewRootCmd creates the root cobra command for clusterd.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "clusterd",
		Short: "Distributed coordination and task scheduling daemon",
		Long:  "clusterd runs periodic tasks across a cluster of members sharing a coordination backend.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.log = logx.NewConsole(opts.logLevel).With(logx.String("comp", "cli"))
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig(), "config file, YAML or JSON (or CLUSTERD_CONFIG env)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level of CLI commands (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newCheckConfigCmd(opts),
		newMembersCmd(opts),
		newTailCmd(opts),
		newVersionCmd(),
	)
	return root
}
