package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/plan"
	"github.com/aristath/taskforge/internal/scheduler"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		planPath string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import a plan and execute it headless until no work is left",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runPlan(ctx, opts, planPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "YAML plan file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runPlan(ctx context.Context, opts *options, planPath string, out io.Writer) error {
	p, err := plan.LoadFile(planPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			opts.logger.Error("shutdown incomplete", "error", err)
		}
	}()

	added, err := plan.Apply(ctx, a.graph, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d task(s) into %s\n", len(added), p.Project)

	activity := a.bus.Subscribe(events.TopicActivity, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range activity {
			if u, ok := ev.(events.ActivityUpdate); ok {
				fmt.Fprintf(out, "[%s] %s\n", u.Agent, u.Message)
			}
		}
	}()

	drainErr := a.pool.Drain(ctx, p.Project)
	a.bus.Unsubscribe(activity)
	<-done

	failed := printSummary(out, a.graph, p.Project)
	if drainErr != nil {
		return fmt.Errorf("running plan: %w", drainErr)
	}
	if failed > 0 {
		return fmt.Errorf("%d task(s) failed or blocked", failed)
	}
	return nil
}

// printSummary writes per-status counts and returns how many tasks ended
// FAILED or BLOCKED.
func printSummary(out io.Writer, g *scheduler.Graph, project string) int {
	counts := g.CountByStatus(project)
	completed, total := g.Progress(project)
	fmt.Fprintf(out, "\n%d/%d tasks complete\n", completed, total)

	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st.String())
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(out, "  %-12s %d\n", st, counts[scheduler.TaskStatus(st)])
	}

	for _, t := range g.Tasks(project) {
		if t.Status == scheduler.StatusFailed || t.Status == scheduler.StatusBlocked {
			fmt.Fprintf(out, "  %s %s: %s\n", t.Status, t.ID, t.Diagnostic)
		}
	}
	return counts[scheduler.StatusFailed] + counts[scheduler.StatusBlocked]
}
