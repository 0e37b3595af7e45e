// Package cli wires the whole system together behind a cobra command tree:
// challenge ingest, the rotation loop, the status API, and the agent image
// build.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/flagrace/internal/config"
	"github.com/me/flagrace/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the flagrace CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flagrace",
		Short: "flagrace races agent sandboxes against CTF challenges",
		Long:  "flagrace pulls challenges from a CTFd instance, races multiple agent\nsandboxes against each one, and rotates unsolved tasks through rounds with\ngrowing timeouts until they are solved or abandoned.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(flagLogLevel, flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "flagrace.yaml", "Path to the config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSolveCmd(),
		newStatusCmd(),
		newServeCmd(),
		newBuildImageCmd(),
	)

	return root
}

// loadConfig reads and validates the configured file. The logging section is
// applied on top of the command-line flags only when they are at defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel == "info" && !flagDebug && cfg.Logging.Level != "" {
		logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}
	return cfg, nil
}
