package scheduler

// transitions is the task state machine. A status missing from a row's set is
// not reachable from that row.
var transitions = map[TaskStatus]map[TaskStatus]bool{
	StatusBacklog: {
		StatusReady:      true,
		StatusInProgress: true,
		StatusBlocked:    true,
	},
	StatusReady: {
		StatusBacklog:    true,
		StatusInProgress: true,
		StatusBlocked:    true,
	},
	StatusInProgress: {
		StatusReady:   true, // cancellation
		StatusDone:    true,
		StatusFailed:  true,
		StatusBlocked: true,
	},
	StatusBlocked: {StatusReady: true},
	StatusFailed:  {StatusReady: true},
	StatusDone: {
		StatusMerged: true,
		StatusReady:  true,
	},
	StatusMerged: {StatusReady: true},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	return transitions[from][to]
}

// TransitionOption adjusts assignment bookkeeping alongside a status change.
type TransitionOption func(*transitionParams)

type transitionParams struct {
	agent      *string
	diagnostic *string
	retryCount *int
}

// WithAgent records the agent that claimed the task.
func WithAgent(agentID string) TransitionOption {
	return func(p *transitionParams) { p.agent = &agentID }
}

// WithoutAgent clears the assigned agent.
func WithoutAgent() TransitionOption {
	empty := ""
	return func(p *transitionParams) { p.agent = &empty }
}

// WithDiagnostic attaches a failure diagnostic.
func WithDiagnostic(msg string) TransitionOption {
	return func(p *transitionParams) { p.diagnostic = &msg }
}

// WithRetryCount restores the retry counter (used when a cancelled run hands
// the task back without penalty).
func WithRetryCount(n int) TransitionOption {
	return func(p *transitionParams) {
		if n < 0 {
			n = 0
		}
		p.retryCount = &n
	}
}
