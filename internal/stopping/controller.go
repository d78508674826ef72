package stopping

import (
	"time"

	"github.com/strideml/stride/internal/runstate"
)

// StopReason identifies which bound or request ended a fit.
type StopReason string

const (
	ReasonNone          StopReason = ""
	ReasonMaxEpochs     StopReason = "max_epochs_reached"
	ReasonMaxSteps      StopReason = "max_steps_reached"
	ReasonMaxTime       StopReason = "max_time_reached"
	ReasonStopRequested StopReason = "stop_requested"
)

// Decision is the outcome of a single evaluation pass.
type Decision struct {
	Continue bool
	Reason   StopReason
}

// Evaluate applies criteria to the current progress counters. Reaching
// any max bound stops unconditionally. A latched stop request only takes
// effect once every configured min floor is satisfied; until then the
// run continues. CurrentEpoch counts completed epochs.
func Evaluate(state runstate.State, criteria Criteria, elapsed time.Duration) Decision {
	c := criteria.Normalized()

	if c.MaxEpochs != Unbounded && state.CurrentEpoch >= c.MaxEpochs {
		return Decision{Reason: ReasonMaxEpochs}
	}
	if c.MaxSteps != Unbounded && state.GlobalStep >= c.MaxSteps {
		return Decision{Reason: ReasonMaxSteps}
	}
	if c.MaxTime > 0 && elapsed >= c.MaxTime {
		return Decision{Reason: ReasonMaxTime}
	}
	if state.ShouldStop && MinsSatisfied(state, c) {
		return Decision{Reason: ReasonStopRequested}
	}
	return Decision{Continue: true}
}

// MinsSatisfied reports whether every configured min floor is met.
func MinsSatisfied(state runstate.State, c Criteria) bool {
	if c.MinEpochs > 0 && state.CurrentEpoch < c.MinEpochs {
		return false
	}
	if c.MinSteps > 0 && state.GlobalStep < c.MinSteps {
		return false
	}
	return true
}

// Controller evaluates stopping criteria for one fit call. It owns the
// wall clock for MaxTime accounting; loops call ShouldContinue between
// epochs and between batches.
type Controller struct {
	criteria  Criteria
	startedAt time.Time
	nowFunc   func() time.Time
}

// NewController creates a controller with normalized criteria.
func NewController(criteria Criteria) *Controller {
	return &Controller{
		criteria: criteria.Normalized(),
		nowFunc:  time.Now,
	}
}

// Criteria returns the normalized criteria in effect.
func (c *Controller) Criteria() Criteria {
	return c.criteria
}

// Start marks the beginning of the fit for MaxTime accounting.
func (c *Controller) Start() {
	c.startedAt = c.nowFunc()
}

// Elapsed returns the time since Start, or zero before Start.
func (c *Controller) Elapsed() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	return c.nowFunc().Sub(c.startedAt)
}

// ShouldContinue runs a single evaluation pass against a snapshot of the
// run state.
func (c *Controller) ShouldContinue(state runstate.State) Decision {
	return Evaluate(state, c.criteria, c.Elapsed())
}
