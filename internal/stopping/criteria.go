package stopping

import "time"

// Unbounded disables a max bound.
const Unbounded = -1

// DefaultMaxEpochs applies when neither MaxEpochs nor MaxSteps is set.
const DefaultMaxEpochs = 1000

// Criteria bounds a fit. Zero values mean unset: an unset MaxSteps is
// unbounded, an unset MaxEpochs falls back to DefaultMaxEpochs unless
// MaxSteps carries the bound instead. Min floors guard against premature
// stop requests and are off when zero.
type Criteria struct {
	MaxEpochs int           `json:"max_epochs"`
	MinEpochs int           `json:"min_epochs"`
	MaxSteps  int           `json:"max_steps"`
	MinSteps  int           `json:"min_steps"`
	MaxTime   time.Duration `json:"max_time"`
}

// Normalized resolves unset bounds to their effective values.
func (c Criteria) Normalized() Criteria {
	out := c
	if out.MaxEpochs == 0 {
		if out.MaxSteps == 0 || out.MaxSteps == Unbounded {
			out.MaxEpochs = DefaultMaxEpochs
		} else {
			out.MaxEpochs = Unbounded
		}
	}
	if out.MaxSteps == 0 {
		out.MaxSteps = Unbounded
	}
	return out
}

// Bounded reports whether any max bound can ever end the fit.
func (c Criteria) Bounded() bool {
	n := c.Normalized()
	return n.MaxEpochs != Unbounded || n.MaxSteps != Unbounded || n.MaxTime > 0
}
