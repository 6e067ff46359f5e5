package dispatch

import (
	"errors"
	"fmt"
)

// Code is the machine-readable failure class carried on the wire.
type Code string

const (
	CodeAuthRejected        Code = "auth_rejected"
	CodeUnknownCall         Code = "unknown_call"
	CodeDuplicateCall       Code = "duplicate_call"
	CodeIllegalTransition   Code = "illegal_transition"
	CodeOutOfOrderFragment  Code = "out_of_order_fragment"
	CodeCallNotHandlingByAI Code = "call_not_handling_by_ai"
	CodeTakeoverInProgress  Code = "takeover_in_progress"
	CodeAuditWriteFailed    Code = "audit_write_failed"
	CodeSessionTimeout      Code = "session_timeout"
	CodeNotController       Code = "not_controller"
	CodeNotRequester        Code = "not_requester"
	CodeUnknownRequest      Code = "unknown_request"
	CodeUnknownSession      Code = "unknown_session"
	CodePermissionDenied    Code = "permission_denied"
	CodeBadRequest          Code = "bad_request"
)

// Reason codes carried by sessionClosed and takeoverDenied.
const (
	ReasonSessionTimeout     = string(CodeSessionTimeout)
	ReasonSessionClosed      = "session_closed"
	ReasonLogout             = "logout"
	ReasonSlowConsumer       = "slow_consumer"
	ReasonServerShutdown     = "server_shutdown"
	ReasonCancelled          = "cancelled"
	ReasonAIObjection        = "ai_objection"
	ReasonEscalationPriority = "escalation_priority"
	ReasonCallEnded          = "call_ended"
	ReasonRequesterGone      = "requester_gone"
	ReasonGraceElapsed       = "grace_elapsed"
	ReasonAIYield            = "ai_yield"
)

// Error is returned by every coordination operation.
type Error struct {
	Code      Code
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err, Retryable: code == CodeAuditWriteFailed}
}

// CodeOf returns the dispatch code in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the client may retry the same request.
func IsRetryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Retryable
}
