package schedule

import "fmt"

// ValidationSchedule decides when the train loop pauses for validation.
type ValidationSchedule struct {
	// CheckInterval is the validation cadence. Unset means once per
	// epoch, after the last train batch.
	CheckInterval Interval `json:"check_interval"`
	// EveryNEpochs restricts validation to every n-th epoch. Zero means
	// every epoch. Ignored in cross-epoch mode.
	EveryNEpochs int `json:"every_n_epochs"`
	// CrossEpoch counts the cadence over the cumulative batch index of
	// the whole fit instead of within each epoch. Sources with unknown
	// length use this mode; it requires an absolute CheckInterval.
	CrossEpoch bool `json:"cross_epoch"`
}

// Validate checks the schedule for contradictions.
func (s ValidationSchedule) Validate() error {
	if err := s.CheckInterval.Validate(); err != nil {
		return err
	}
	if s.EveryNEpochs < 0 {
		return fmt.Errorf("every_n_epochs %d must not be negative", s.EveryNEpochs)
	}
	if s.CrossEpoch {
		if !s.CheckInterval.IsSet() || s.CheckInterval.IsFraction() {
			return fmt.Errorf("cross-epoch validation cadence requires an absolute batch interval")
		}
	}
	return nil
}

// ValidationTicker tracks the validation cadence across one fit. The
// train loop calls StartEpoch when a new epoch begins and ShouldValidate
// after every train batch.
type ValidationTicker struct {
	schedule   ValidationSchedule
	checkBatch int
	counter    int
}

// NewValidationTicker validates the schedule and builds its ticker.
func NewValidationTicker(s ValidationSchedule) (*ValidationTicker, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	t := &ValidationTicker{schedule: s}
	if s.CrossEpoch {
		t.checkBatch = s.CheckInterval.Batches
	}
	return t, nil
}

// StartEpoch resolves the cadence against the epoch length. Fractional
// intervals re-resolve every epoch so resized datasets keep their
// relative cadence. totalBatches < 0 means unknown length.
func (t *ValidationTicker) StartEpoch(totalBatches int) error {
	if t.schedule.CrossEpoch {
		return nil
	}
	n, err := t.checkBatchFor(totalBatches)
	if err != nil {
		return err
	}
	t.checkBatch = n
	return nil
}

func (t *ValidationTicker) checkBatchFor(totalBatches int) (int, error) {
	return t.schedule.CheckInterval.ResolveCheck(totalBatches)
}

// ShouldValidate reports whether validation runs after the given train
// batch. epoch and batchIdx are zero-based; batchIdx is the position
// within the current epoch.
func (t *ValidationTicker) ShouldValidate(epoch, batchIdx int) bool {
	if t.schedule.CrossEpoch {
		t.counter++
		if t.counter >= t.checkBatch {
			t.counter = 0
			return true
		}
		return false
	}
	if n := t.schedule.EveryNEpochs; n > 1 && (epoch+1)%n != 0 {
		return false
	}
	if t.checkBatch <= 0 {
		return false
	}
	return (batchIdx+1)%t.checkBatch == 0
}
