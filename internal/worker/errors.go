package worker

import "fmt"

// Stage steps reported in StageError
const (
	StepClaim     = "claim"
	StepFetch     = "fetch"
	StepDownload  = "download"
	StepProbe     = "probe"
	StepTransform = "transform"
	StepVerify    = "verify"
	StepStore     = "store"
	StepComplete  = "complete"
	StepHandoff   = "handoff"
	StepPanic     = "panic"
)

// StageError is a stage-aware pipeline failure
type StageError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s stage failed at %s: %v", e.Stage, e.Step, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
