// Package models defines the discriminated result type returned by every
// FSM transition operation. A single typed result replaces loosely keyed
// dictionaries so that an unrecognized result field is a compile error, not
// a silently dropped update.
package models

// ResultCode discriminates transition outcomes.
type ResultCode string

const (
	// ResultOK means the operation applied and the returned phase is current.
	ResultOK ResultCode = "ok"
	// ResultPhaseMismatch means the operation was invoked outside its legal
	// phase. State is untouched; this is a no-op, not an error.
	ResultPhaseMismatch ResultCode = "phase_mismatch"
	// ResultValidationFailed means one or more submitted values were
	// rejected. FieldErrors holds per-field messages; state keeps any
	// values that validated.
	ResultValidationFailed ResultCode = "validation_failed"
	// ResultNeedsConfirmation means a completion claim could not be
	// corroborated (zero received artifacts) and requires an explicit
	// second confirmation before the transition applies.
	ResultNeedsConfirmation ResultCode = "needs_confirmation"
)

// TransitionResult is returned by every case FSM operation.
type TransitionResult struct {
	Code        ResultCode        `json:"code"`
	Phase       CasePhase         `json:"phase"`                  // phase after the operation
	Outstanding []string          `json:"outstanding,omitempty"`  // required fields still missing or invalid
	FieldErrors map[string]string `json:"field_errors,omitempty"` // per-field validation messages
	Message     string            `json:"message"`                // what changed / what's next, for the responder
	Escalated   bool              `json:"escalated,omitempty"`
}

// OK reports whether the transition applied.
func (r TransitionResult) OK() bool {
	return r.Code == ResultOK
}
