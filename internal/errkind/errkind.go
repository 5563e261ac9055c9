// Package errkind classifies runtime failures into the taxonomy that the
// agent loop, plan executor, and improvement loop reason about. No error
// ever crosses these boundaries as a raw Go error; it is always wrapped
// into one of the Kind values below first.
package errkind

// Kind names a class of failure, not a concrete error type.
type Kind string

const (
	ProviderTransient   Kind = "provider_transient"
	ProviderPermanent    Kind = "provider_permanent"
	ToolUnknown          Kind = "tool_unknown"
	ToolExecution        Kind = "tool_execution"
	PathEscape           Kind = "path_escape"
	DeadlockedPlan       Kind = "deadlocked_plan"
	PlanParseFailure     Kind = "plan_parse_failure"
	ScheduleValidation   Kind = "schedule_validation"
	BudgetExceeded       Kind = "budget_exceeded"
	EmbeddingsUnavailable Kind = "embeddings_unavailable"
	NotFound             Kind = "not_found"
	Internal             Kind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// taxonomy without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given Kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else if ae, ok := asError(err); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}

func asError(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Retryable reports whether a Kind should be retried by the agent loop's
// backoff policy.
func (k Kind) Retryable() bool { return k == ProviderTransient }
