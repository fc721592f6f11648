package worker

import (
	"errors"
	"fmt"
)

// ErrCancelled reports an execution stopped from outside. It never counts
// against the retry budget and the task goes back to READY.
var ErrCancelled = errors.New("execution cancelled")

// GenerationError is a failed generation call (CLI error, malformed output,
// timeout). It triggers self-correction.
type GenerationError struct {
	Attempt int
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// VerificationFailure is a failed test or lint run. It triggers self-correction.
type VerificationFailure struct {
	Attempt int
	Output  string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification attempt %d failed: %s", e.Attempt, summarize(e.Output, 200))
}

// ResourceExhausted means the retry budget ran out. The task is BLOCKED until reset.
type ResourceExhausted struct {
	RetryCount  int
	MaxAttempts int
	Last        error
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d of %d corrections: %v", e.RetryCount, e.MaxAttempts, e.Last)
}

func (e *ResourceExhausted) Unwrap() error { return e.Last }

// diagnosticOf renders an execution failure for the task's diagnostic field.
func diagnosticOf(err error) string {
	var vf *VerificationFailure
	if errors.As(err, &vf) {
		return summarize(vf.Output, maxDiagnostic)
	}
	return summarize(err.Error(), maxDiagnostic)
}

const maxDiagnostic = 4000

// summarize keeps the tail of long output, where test failures usually are.
func summarize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
