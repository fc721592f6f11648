package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/clientstate"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/tui"
)

func newMonitorCmd(opts *options) *cobra.Command {
	var (
		addr    string
		project string
		resync  time.Duration
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a project's agents, tasks and activity in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if project == "" {
				return errors.New("--project is required")
			}
			return monitor(cmd.Context(), opts, addr, project, resync, logFile)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&project, "project", "", "project to watch")
	cmd.Flags().DurationVar(&resync, "resync", 30*time.Second, "periodic full resync interval (0 disables)")
	cmd.Flags().StringVar(&logFile, "log-file", ".taskforge/monitor.log", "where to write logs while the UI owns the terminal")
	return cmd
}

func monitor(ctx context.Context, opts *options, addr, project string, resync time.Duration, logFile string) error {
	logger, f, err := logging.OpenFile(logFile, opts.cfg.Logging)
	if err != nil {
		return err
	}
	defer f.Close()

	store := clientstate.NewStore(logger)
	syncer := clientstate.NewSyncer(store, clientstate.SyncerConfig{
		BaseURL:        addr,
		ProjectID:      project,
		ResyncInterval: resync,
	}, logger)

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go func() {
		if err := syncer.Run(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("syncer stopped", "error", err)
		}
	}()

	model := tui.New(store, project, syncer.Resync)
	defer model.Close()

	// Start Bubble Tea program in a goroutine so we can handle shutdown
	p := tea.NewProgram(model, tea.WithAltScreen())
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal exit (user pressed 'q')
		if err != nil {
			return fmt.Errorf("running monitor: %w", err)
		}
		return nil
	case <-ctx.Done():
		p.Quit()
	}

	// Wait for the UI to restore the terminal, with a timeout
	select {
	case err := <-errChan:
		return err
	case <-time.After(5 * time.Second):
		logger.Warn("monitor shutdown timeout exceeded")
		return nil
	}
}
