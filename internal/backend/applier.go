package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for change paths that resolve outside the work dir.
var ErrPathEscape = errors.New("path escapes work dir")

// DirApplier writes change sets into a work dir. Files are locked for the
// duration of the write so two tasks never interleave on the same path.
type DirApplier struct {
	locks *FileLocks
}

// NewDirApplier creates an applier sharing the given lock table. A nil table
// gets a private one.
func NewDirApplier(locks *FileLocks) *DirApplier {
	if locks == nil {
		locks = NewFileLocks()
	}
	return &DirApplier{locks: locks}
}

// Apply validates every path first and only then writes, so a bad path leaves
// the tree untouched.
func (a *DirApplier) Apply(ctx context.Context, workDir string, files []FileChange) error {
	if len(files) == 0 {
		return nil
	}
	root, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("resolving work dir: %w", err)
	}

	targets := make([]string, len(files))
	for i, f := range files {
		full, err := resolveInside(root, f.Path)
		if err != nil {
			return err
		}
		targets[i] = full
	}

	if err := a.locks.LockAll(ctx, targets); err != nil {
		return err
	}
	defer a.locks.UnlockAll(targets)

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch f.Action {
		case ActionDelete:
			if err := os.Remove(targets[i]); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("deleting %s: %w", f.Path, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(targets[i]), 0o755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", f.Path, err)
			}
			if err := os.WriteFile(targets[i], []byte(f.Content), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", f.Path, err)
			}
		}
	}
	return nil
}

// resolveInside joins name onto root and rejects results outside root.
func resolveInside(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	full := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return full, nil
}
