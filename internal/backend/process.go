package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxStderrInError bounds how much stderr is quoted in a command error.
const maxStderrInError = 2000

// newCommand builds a provider or verifier command in its own process group.
// Cancelling ctx kills the group, so helpers spawned by the provider CLI die
// with it.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// executeCommand runs cmd to completion and returns what it wrote. While it
// runs the process is registered with pm (when non-nil) so shutdown can reach
// it.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) ([]byte, []byte, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	// Both pipes are drained before Wait; a child filling one of them would
	// otherwise block forever.
	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		switch {
		case ctx.Err() != nil:
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("command interrupted: %w", ctx.Err())
		case stderr.Len() > 0:
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("command failed: %w (stderr: %s)", err, truncate(stderr.String(), maxStderrInError))
		default:
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("command failed: %w", err)
		}
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// signalGroup sends sig to the whole process group led by cmd (negative pid).
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks the generator and verifier subprocesses of every
// running execution so shutdown can stop each process group still alive.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command. Commands that never started are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd.Process.Pid] = cmd
	pm.mu.Unlock()
}

// Untrack forgets a command once it has been waited for.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.procs, cmd.Process.Pid)
	pm.mu.Unlock()
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// KillAll sends SIGKILL to every tracked process group.
func (pm *ProcessManager) KillAll() error {
	return pm.signalAll(syscall.SIGKILL)
}

// Shutdown asks every tracked process group to terminate, waits up to grace
// (or until ctx ends) for them to be untracked, then kills whatever is left.
func (pm *ProcessManager) Shutdown(ctx context.Context, grace time.Duration) error {
	if pm.Count() == 0 {
		return nil
	}
	termErr := pm.signalAll(syscall.SIGTERM)

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for pm.Count() > 0 {
		select {
		case <-poll.C:
			continue
		case <-deadline.C:
		case <-ctx.Done():
		}
		break
	}
	return errors.Join(termErr, pm.KillAll())
}

func (pm *ProcessManager) signalAll(sig syscall.Signal) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for _, cmd := range pm.procs {
		if err := signalGroup(cmd, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
