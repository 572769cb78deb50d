// Package orcerr implements the orchestrator's error-kind taxonomy.
//
// Each kind carries its own disposition: whether it changes workflow status,
// whether it is retried, and which HTTP status it maps to at the API layer.
// Components construct one of these rather than a bare error so that callers
// up the stack (the Scheduler, QueueEngine, AgentRunner, the Reaper, the
// Store, the API handlers) can dispatch on kind without string-matching
// error text.
package orcerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the orchestrator's error kinds.
type Kind string

const (
	// KindTransientInfrastructure covers DB/lock timeouts and transport
	// hiccups. Disposition: local retry with bounded backoff; if still
	// failing, surface as 5xx; never changes workflow status.
	KindTransientInfrastructure Kind = "transient_infrastructure"

	// KindAgentExecutionError covers an agent reporting success=false or
	// throwing. Disposition: mark AgentExecution failed, mark workflow
	// failed, propagate to the parent via QueueEngine.
	KindAgentExecutionError Kind = "agent_execution_error"

	// KindTimeout covers an agent exceeding its timeout, or a stalled
	// workflow. Disposition: same as AgentExecutionError with reason
	// "timeout"; reaped by the Reaper.
	KindTimeout Kind = "timeout"

	// KindDeadlockSuspected covers nextExecutable finding only pending
	// entries whose dependencies can never complete. Disposition: log a
	// warning; do not change status; surfaces as effective_status
	// in_progress with no further progress.
	KindDeadlockSuspected Kind = "deadlock_suspected"

	// KindUserCancelled covers a pause/cancel message or a DELETE request.
	// Disposition: mark cancelled, propagate.
	KindUserCancelled Kind = "user_cancelled"

	// KindInvariantViolation covers defensive conditions such as a cycle
	// detected while walking parent_workflow_id. Disposition: log error,
	// return the node reached at the depth cap; never crash the process.
	KindInvariantViolation Kind = "invariant_violation"

	// KindClientError covers a bad request payload or a workflow in an
	// incompatible state. Disposition: 4xx with explanation; no state
	// change.
	KindClientError Kind = "client_error"
)

// Error wraps an underlying cause with a Kind and enough context to log and
// to map to an HTTP status.
type Error struct {
	Kind       Kind
	WorkflowID int64
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, workflowID int64, message string) *Error {
	return &Error{Kind: kind, WorkflowID: workflowID, Message: message}
}

// Wrap constructs an *Error of the given kind around an existing cause.
func Wrap(kind Kind, workflowID int64, message string, cause error) *Error {
	return &Error{Kind: kind, WorkflowID: workflowID, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return "", false
}

// IsRetryable reports whether the disposition for this kind calls for a
// local retry with backoff rather than an immediate status change.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindTransientInfrastructure
}

// HTTPStatus maps a Kind to the HTTP status it implies at the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindClientError:
		return 400
	case KindDeadlockSuspected:
		return 409
	case KindUserCancelled:
		return 200
	case KindTransientInfrastructure:
		return 503
	case KindAgentExecutionError, KindTimeout:
		return 500
	case KindInvariantViolation:
		return 500
	default:
		return 500
	}
}
