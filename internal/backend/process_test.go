package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_LargeOutput verifies concurrent pipe reading on output far above the pipe buffer.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 256KiB on stdout and 128KiB on stderr
	cmd := newCommand(ctx, "sh", "-c", "head -c 262144 /dev/zero | tr '\\0' 'a'; head -c 131072 /dev/zero | tr '\\0' 'b' >&2")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(stdout) != 262144 {
		t.Errorf("stdout length = %d, want 262144", len(stdout))
	}
	if len(stderr) != 131072 {
		t.Errorf("stderr length = %d, want 131072", len(stderr))
	}
}

// TestExecuteCommand_ContextCancellation verifies subprocess termination on context cancel
func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

// TestExecuteCommand_TracksWhileRunning verifies the process manager sees the child only while it runs.
func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		cmd := newCommand(ctx, "sh", "-c", "sleep 0.3")
		_, _, err := executeCommand(ctx, cmd, pm)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for pm.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("process never tracked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("executeCommand() error = %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after completion, got %d", pm.Count())
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll() error = %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestProcessManager_KillsProcessTree verifies process group signal propagation
func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & wait")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	time.Sleep(200 * time.Millisecond)
	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	// pgrep exits 1 when nothing matches, which is what we want
	output, err := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID)).CombinedOutput()
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}

// TestExecuteCommand_NonZeroExitCode verifies error handling and output capture on failure
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo test-output; echo oops >&2; exit 3")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if !strings.Contains(string(stdout), "test-output") {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}
	if !strings.Contains(err.Error(), "oops") || !strings.Contains(string(stderr), "oops") {
		t.Errorf("Expected stderr in error and output, got err=%v stderr=%s", err, stderr)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected error to wrap *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("Expected exit code 3, got %d", exitErr.ExitCode())
	}
}

// TestProcessManager_ShutdownTerminatesGracefully verifies that a process
// which exits on SIGTERM is gone before the grace period ends.
func TestProcessManager_ShutdownTerminatesGracefully(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := executeCommand(ctx, newCommand(ctx, "sleep", "300"), pm)
		done <- err
	}()
	for pm.Count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	if err := pm.Shutdown(ctx, 10*time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Shutdown waited %v, want well under the grace period", elapsed)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the terminated command to report an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command did not return after Shutdown")
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Shutdown, got %d", pm.Count())
	}
}

func TestProcessManager_ShutdownWithNothingTracked(t *testing.T) {
	if err := NewProcessManager().Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
