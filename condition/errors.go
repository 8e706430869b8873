package condition

import (
	"fmt"

	"dealflow/domainerr"
)

// BlockingError is returned when a step cannot complete because blocking
// conditions on it are still open.
type BlockingError struct {
	StepID     string
	Conditions []Condition
}

func (e *BlockingError) Error() string {
	return fmt.Sprintf("condition: %d blocking condition(s) unresolved on step %s", len(e.Conditions), e.StepID)
}

func (e *BlockingError) ErrorCode() domainerr.Code {
	return domainerr.CodeBlockingConditions
}

func (e *BlockingError) Is(target error) bool {
	return target == domainerr.ErrBlockingConditions
}
