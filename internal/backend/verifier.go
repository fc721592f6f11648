package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandVerifier runs shell commands (tests, linters) in the work dir. The
// change set passes when every command exits zero.
type CommandVerifier struct {
	Commands []string
	procMgr  *ProcessManager
}

// NewCommandVerifier creates a verifier for the given commands. An empty list
// always passes.
func NewCommandVerifier(commands []string, pm *ProcessManager) *CommandVerifier {
	return &CommandVerifier{Commands: commands, procMgr: pm}
}

// Verify runs the commands in order and stops at the first failure, whose
// combined output becomes the diagnostic.
func (v *CommandVerifier) Verify(ctx context.Context, req Request, _ Generation) (Verification, error) {
	var out strings.Builder
	for _, command := range v.Commands {
		if err := ctx.Err(); err != nil {
			return Verification{}, err
		}

		cmd := newCommand(ctx, "sh", "-c", command)
		cmd.Dir = req.WorkDir

		stdout, stderr, err := executeCommand(ctx, cmd, v.procMgr)
		fmt.Fprintf(&out, "$ %s\n%s%s", command, stdout, stderr)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return Verification{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintf(&out, "\nexit status %d", exitErr.ExitCode())
			return Verification{Passed: false, Output: out.String()}, nil
		}
		return Verification{}, fmt.Errorf("running %q: %w", command, err)
	}
	return Verification{Passed: true, Output: out.String()}, nil
}
