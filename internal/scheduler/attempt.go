package scheduler

import "time"

// Attempt records one generate->verify round of a task execution.
type Attempt struct {
	TaskID     string
	AgentID    string
	Number     int    // 1-based within the execution
	Phase      string // Phase the round ended in (e.g. VERIFYING, SELF_CORRECTING)
	Passed     bool
	Diagnostic string
	CreatedAt  time.Time
}
