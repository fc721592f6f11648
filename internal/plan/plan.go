// Package plan reads YAML task plans and loads them into a task graph.
//
// A plan names one project and lists its tasks with their dependencies:
//
//	project: shop
//	tasks:
//	  - id: schema
//	    title: Design the order schema
//	    agent_type: backend-worker
//	  - id: api
//	    title: Order API
//	    depends_on: [schema]
//	    writes_files: [internal/api/orders.go]
package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worker"
)

// ErrInvalidPlan is returned for plans that fail validation.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a project's task list as written in a plan file.
type Plan struct {
	Project string     `yaml:"project"`
	Tasks   []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task entry. Omitted can_parallelize means true, omitted
// status means READY.
type TaskSpec struct {
	ID             string   `yaml:"id"`
	Title          string   `yaml:"title"`
	Description    string   `yaml:"description"`
	AgentType      string   `yaml:"agent_type"`
	DependsOn      []string `yaml:"depends_on"`
	Priority       int      `yaml:"priority"`
	CanParallelize *bool    `yaml:"can_parallelize"`
	WritesFiles    []string `yaml:"writes_files"`
	Status         string   `yaml:"status"`
}

// Parse decodes and validates a plan. Unknown keys are rejected.
func Parse(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile parses the plan at path.
func LoadFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks ids, titles, statuses and the dependency order inside the
// plan. Dependencies naming tasks outside the plan are left to the graph.
func (p *Plan) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Project) == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if len(p.Tasks) == 0 {
		errs = append(errs, errors.New("plan has no tasks"))
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i, ts := range p.Tasks {
		switch {
		case ts.ID == "":
			errs = append(errs, fmt.Errorf("tasks[%d]: id is required", i))
		case seen[ts.ID]:
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, ts.ID))
		}
		seen[ts.ID] = true
		if strings.TrimSpace(ts.Title) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: title is required", i))
		}
		if _, err := ts.status(); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}

	if err := scheduler.DetectCycle(p.tasks()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return nil
}

func (ts TaskSpec) status() (scheduler.TaskStatus, error) {
	if ts.Status == "" {
		return scheduler.StatusReady, nil
	}
	st, err := scheduler.ParseStatus(ts.Status)
	if err != nil {
		return "", err
	}
	if st != scheduler.StatusBacklog && st != scheduler.StatusReady {
		return "", fmt.Errorf("status must be BACKLOG or READY, got %s", st)
	}
	return st, nil
}

// tasks converts the plan into graph tasks, in file order.
func (p *Plan) tasks() []*scheduler.Task {
	out := make([]*scheduler.Task, 0, len(p.Tasks))
	for _, ts := range p.Tasks {
		st, _ := ts.status()
		parallel := true
		if ts.CanParallelize != nil {
			parallel = *ts.CanParallelize
		}
		out = append(out, &scheduler.Task{
			ID:             ts.ID,
			ProjectID:      p.Project,
			Title:          ts.Title,
			Description:    ts.Description,
			AgentType:      string(worker.ParseKind(ts.AgentType)),
			Status:         st,
			DependsOn:      append([]string(nil), ts.DependsOn...),
			Priority:       ts.Priority,
			CanParallelize: parallel,
			WritesFiles:    append([]string(nil), ts.WritesFiles...),
		})
	}
	return out
}

// Apply adds the plan's tasks to the graph in dependency order and returns
// the ids added. Tasks already present in the graph are skipped, so importing
// the same plan twice is harmless. On error, tasks added before the failure
// stay in the graph.
func Apply(ctx context.Context, g *scheduler.Graph, p *Plan) ([]string, error) {
	tasks := p.tasks()
	order, err := scheduler.TopoOrder(tasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	added := make([]string, 0, len(order))
	for _, id := range order {
		if _, exists := g.Get(id); exists {
			continue
		}
		if err := g.AddTask(ctx, byID[id]); err != nil {
			return added, fmt.Errorf("adding task %s: %w", id, err)
		}
		added = append(added, id)
	}
	return added, nil
}
