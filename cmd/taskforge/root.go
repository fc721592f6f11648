package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/logging"
)

// options holds the persistent flags and the state loaded from them.
type options struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Dependency-aware task orchestration for coding agents",
		Long: `taskforge runs a project's tasks on a bounded pool of specialised
agents. Tasks form a dependency graph; each agent generates code, verifies
it and self-corrects within a retry budget. Observers follow progress over
a WebSocket event stream or the terminal monitor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "project config file (default .taskforge/config.json or config.toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newImportCmd(opts),
		newMonitorCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *options) load() error {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return fmt.Errorf("getting home directory: %w", herr)
		}
		cfg, err = config.Load(config.FindConfig(filepath.Join(homeDir, ".taskforge")), o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	o.cfg = cfg
	o.logger = logging.New(os.Stderr, cfg.Logging)
	slog.SetDefault(o.logger)
	return nil
}
