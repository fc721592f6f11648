package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/plan"
	"github.com/aristath/taskforge/internal/scheduler"
)

func newImportCmd(opts *options) *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Add a plan's tasks to the store without running them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return importPlan(cmd.Context(), opts, planPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "YAML plan file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

// importPlan only needs the graph and its store; no pool is built.
func importPlan(ctx context.Context, opts *options, planPath string, out io.Writer) error {
	p, err := plan.LoadFile(planPath)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, opts.cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	graph := scheduler.NewGraph(
		scheduler.WithPersister(store),
		scheduler.WithLogger(logging.Component(opts.logger, "graph")),
	)
	tasks, err := store.ListTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	if _, err := graph.Load(ctx, tasks); err != nil {
		return fmt.Errorf("restoring graph: %w", err)
	}

	added, err := plan.Apply(ctx, graph, p)
	for _, id := range added {
		fmt.Fprintf(out, "added %s\n", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d of %d task(s) into %s\n", len(added), len(p.Tasks), p.Project)
	return nil
}
