package session

import (
	"fmt"
	"strings"
)

// TransitionError reports an attempted move the state machine forbids.
type TransitionError struct {
	SessionID string
	From      string
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition from %s to %s", e.SessionID, e.From, e.Attempted)
}

// PolicyViolationError is a hard deny from the policy engine.
type PolicyViolationError struct {
	Policy  string
	Reasons []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy %s denied request: %s", e.Policy, strings.Join(e.Reasons, "; "))
}

// ApprovalRequiredError means the request is not denied but needs a
// privileged confirmation before it may proceed.
type ApprovalRequiredError struct {
	Policy  string
	Reasons []string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("policy %s requires approval: %s", e.Policy, strings.Join(e.Reasons, "; "))
}

// EngineError carries the external engine's own error lines verbatim. There
// is no automatic retry; the operator decides what happens next.
type EngineError struct {
	Op     string
	Errors []string
}

func (e *EngineError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("engine %s failed", e.Op)
	}
	return fmt.Sprintf("engine %s failed: %s", e.Op, strings.Join(e.Errors, "; "))
}
