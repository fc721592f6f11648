package scheduler

import "errors"

// Sentinel errors returned by graph operations. Callers match them with errors.Is.
var (
	ErrTaskNotFound           = errors.New("task not found")
	ErrDuplicateTask          = errors.New("task already exists")
	ErrUnknownDependency      = errors.New("dependency does not exist")
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDependencyNotSatisfied = errors.New("dependencies not satisfied")
	ErrInvalidState           = errors.New("task is not in a valid state for this operation")
)

// ErrPersistence marks a mutation that was committed in memory but could not be
// written to the store.
var ErrPersistence = errors.New("persisting task failed")
