package scan

import (
	"fmt"
	"time"
)

// Stage names one step of the scan pipeline.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageAnalytics Stage = "analytics"
	StageAward     Stage = "award"
	StageProvision Stage = "provision"
	StageRedirect  Stage = "redirect"
)

// Action is what the pipeline does when a stage fails.
type Action int

const (
	// Continue logs the failure and proceeds to the next stage.
	Continue Action = iota
	// Escalate aborts the scan and returns the failure.
	Escalate
)

func (a Action) String() string {
	if a == Escalate {
		return "escalate"
	}
	return "continue"
}

// Policy maps stages to failure actions. Stages without an entry continue.
type Policy map[Stage]Action

// DefaultPolicy keeps the redirect available whatever happens to analytics
// and loyalty side effects.
func DefaultPolicy() Policy {
	return Policy{
		StageAnalytics: Continue,
		StageAward:     Continue,
		StageProvision: Continue,
	}
}

// For returns the action configured for stage.
func (p Policy) For(stage Stage) Action {
	if a, ok := p[stage]; ok {
		return a
	}
	return Continue
}

// StageOutcome is the result of one pipeline stage.
type StageOutcome struct {
	Stage    Stage         `json:"stage"`
	Skipped  bool          `json:"skipped,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the stage ran and returned an error.
func (o StageOutcome) Failed() bool { return o.Err != nil }

// StageError is returned when an escalated stage fails.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("scan: %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
