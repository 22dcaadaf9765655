package queue

import "fmt"

// ReasonMaxAttemptsExceeded marks a command dead-lettered after exhausting
// its retry budget.
const ReasonMaxAttemptsExceeded = "MaxAttemptsExceeded"

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeNotApplicable
)

// Outcome is a consumer's verdict for a leased command.
type Outcome struct {
	kind   outcomeKind
	reason string
}

// Success reports the command fully processed.
func Success() Outcome { return Outcome{kind: outcomeSuccess} }

// Retry asks for the command to become visible again after backoff.
func Retry() Outcome { return Outcome{kind: outcomeRetry} }

// NotApplicable reports the command does not apply to the agent; the reason
// code lands in history and the audit log.
func NotApplicable(reason string) Outcome {
	return Outcome{kind: outcomeNotApplicable, reason: reason}
}

func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuccess:
		return "success"
	case outcomeRetry:
		return "retry"
	case outcomeNotApplicable:
		return fmt.Sprintf("notApplicable(%s)", o.reason)
	default:
		return "unknown"
	}
}
