package agent

import "errors"

// ErrInvalidAction marks a decision that named a tool outside the run's
// filtered catalog.
var ErrInvalidAction = errors.New("invalid action")

// Status is the outcome class of a run.
type Status string

// Run statuses.
const (
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Reason says why a run stopped. Canceled, step budget and stuck are
// normal terminations, not errors.
type Reason string

// Terminal reasons.
const (
	ReasonFinished   Reason = "finished"
	ReasonCanceled   Reason = "canceled"
	ReasonStepBudget Reason = "step_budget"
	ReasonStuck      Reason = "stuck"
	ReasonPolicy     Reason = "policy"
	ReasonError      Reason = "error"
)
