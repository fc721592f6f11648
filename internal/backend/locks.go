package backend

import (
	"context"
	"sort"
	"sync"
)

// FileLocks provides per-file mutual exclusion between concurrently running
// tasks. Each path gets its own one-slot semaphore so writes to different files
// proceed in parallel while writes to the same file serialize. Acquisition
// honours context cancellation.
type FileLocks struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // Per-file semaphores
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{
		locks: make(map[string]chan struct{}),
	}
}

func (l *FileLocks) sem(path string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.locks[path]
	if !ok {
		s = make(chan struct{}, 1)
		l.locks[path] = s
	}
	return s
}

// Lock acquires the lock for path or returns ctx.Err().
func (l *FileLocks) Lock(ctx context.Context, path string) error {
	select {
	case l.sem(path) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock for path. Unlocking a path that is not held is a no-op.
func (l *FileLocks) Unlock(path string) {
	select {
	case <-l.sem(path):
	default:
	}
}

// LockAll acquires every path in lexicographic order, which rules out
// lock-order deadlocks between tasks. On failure nothing stays held.
func (l *FileLocks) LockAll(ctx context.Context, paths []string) error {
	sorted := dedupeSorted(paths)
	for i, p := range sorted {
		if err := l.Lock(ctx, p); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases every path in reverse order.
func (l *FileLocks) UnlockAll(paths []string) {
	sorted := dedupeSorted(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		l.Unlock(sorted[i])
	}
}

func dedupeSorted(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
