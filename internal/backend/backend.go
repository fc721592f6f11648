package backend

import (
	"context"
	"fmt"
)

// Generator turns a task request into proposed file changes.
type Generator interface {
	Generate(ctx context.Context, req Request) (Generation, error)
}

// Verifier checks applied changes (tests, linters) and reports pass/fail.
// A returned error means verification could not run at all.
type Verifier interface {
	Verify(ctx context.Context, req Request, gen Generation) (Verification, error)
}

// ContextBuilder assembles the read-only execution context for a task.
type ContextBuilder interface {
	Build(ctx context.Context, req Request, writesFiles []string) (string, error)
}

// Applier writes proposed changes to the working tree.
type Applier interface {
	Apply(ctx context.Context, workDir string, files []FileChange) error
}

// New creates a generator for the provider named in cfg.Type.
func New(cfg Config, pm *ProcessManager) (Generator, error) {
	if _, ok := providers[cfg.Type]; !ok {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	return NewCLIGenerator(cfg, pm), nil
}
