package schedule

import (
	"fmt"
	"sort"
)

// Accumulation controls how many train batches feed one optimizer step.
// A trailing group smaller than the factor still steps at the end of the
// epoch, so no gradients are dropped.
type Accumulation struct {
	// Factor is the fixed number of batches per optimizer step.
	// Zero means one.
	Factor int `json:"factor,omitempty"`
	// Schedule maps a starting epoch to the factor applying from that
	// epoch on. Epochs before the first key use factor one. Overrides
	// Factor when non-empty.
	Schedule map[int]int `json:"schedule,omitempty"`
}

// Validate checks factors and schedule keys.
func (a Accumulation) Validate() error {
	if a.Factor < 0 {
		return fmt.Errorf("accumulation factor %d must be positive", a.Factor)
	}
	for epoch, factor := range a.Schedule {
		if epoch < 0 {
			return fmt.Errorf("accumulation schedule epoch %d must not be negative", epoch)
		}
		if factor < 1 {
			return fmt.Errorf("accumulation schedule factor %d for epoch %d must be positive", factor, epoch)
		}
	}
	return nil
}

// FactorFor returns the factor in effect for an epoch: the value of the
// greatest scheduled epoch at or below it.
func (a Accumulation) FactorFor(epoch int) int {
	if len(a.Schedule) == 0 {
		if a.Factor < 1 {
			return 1
		}
		return a.Factor
	}
	epochs := make([]int, 0, len(a.Schedule))
	for e := range a.Schedule {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)
	factor := 1
	for _, e := range epochs {
		if e > epoch {
			break
		}
		factor = a.Schedule[e]
	}
	return factor
}

// ShouldStep reports whether the optimizer steps after the given train
// batch. batchIdx is zero-based within the epoch; lastBatch flushes a
// partial trailing group.
func (a Accumulation) ShouldStep(epoch, batchIdx int, lastBatch bool) bool {
	factor := a.FactorFor(epoch)
	if factor <= 1 {
		return true
	}
	if (batchIdx+1)%factor == 0 {
		return true
	}
	return lastBatch
}
