package flow

import (
	"fmt"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// StepError reports the step a run failed on. Kind is one of the models error
// sentinels, so callers can branch with errors.Is(err, models.ErrDispatchFailed)
// while Unwrap still reaches the underlying cause.
type StepError struct {
	FlowID    string
	StepID    string
	StepIndex int
	Kind      error
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("flow %s step %d (%s): %v: %v", e.FlowID, e.StepIndex, e.StepID, e.Kind, e.Err)
}

func (e *StepError) Is(target error) bool {
	return target == e.Kind
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(f models.Flow, index int, kind, err error) *StepError {
	return &StepError{FlowID: f.ID, StepID: f.Steps[index].ID, StepIndex: index, Kind: kind, Err: err}
}
