// Package callbacks provides hook points into the training loop and
// the built-in callbacks (early stopping, checkpointing, timing,
// device stats, learning-rate and progress reporting).
package callbacks

import (
	"context"
	"encoding/json"
	"math"

	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/runstate"
)

// Run is the view of an active training run exposed to callbacks.
// Implementations live in the loop engine.
type Run interface {
	// RunID returns the run identifier.
	RunID() string

	// State returns a snapshot of the run's current state.
	State() runstate.State

	// RequestStop latches the run's stop flag. The request may be
	// deferred until the run's minimum bounds are satisfied.
	RequestStop(reason string)

	// LogMetrics injects extra metrics into the current step's batch,
	// routed to the run's experiment loggers.
	LogMetrics(metrics map[string]float64)

	// Optimizers returns the run's configured optimizers.
	Optimizers() []module.Optimizer

	// BuildCheckpoint assembles a checkpoint payload from the current
	// module, optimizer and callback state.
	BuildCheckpoint() (*checkpoint.Checkpoint, error)
}

// Callback receives lifecycle hooks from the training loop. Hooks run
// in registration order; an error aborts the run.
type Callback interface {
	// Setup runs before the first stage begins.
	Setup(ctx context.Context, run Run) error

	// Teardown runs exactly once when the run ends, regardless of
	// whether it finished or was interrupted.
	Teardown(ctx context.Context, run Run)

	OnFitStart(ctx context.Context, run Run) error
	OnFitEnd(ctx context.Context, run Run) error

	OnTrainEpochStart(ctx context.Context, run Run) error
	// OnTrainEpochEnd receives the epoch's aggregated training metrics.
	OnTrainEpochEnd(ctx context.Context, run Run, metrics map[string]float64) error

	OnTrainBatchStart(ctx context.Context, run Run, batchIdx int) error
	OnTrainBatchEnd(ctx context.Context, run Run, result module.StepResult, batchIdx int) error

	OnValidationStart(ctx context.Context, run Run) error
	// OnValidationEnd receives the validation pass's aggregated metrics.
	OnValidationEnd(ctx context.Context, run Run, metrics map[string]float64) error

	// OnCheckpointSave may mutate the assembled payload before it is
	// persisted.
	OnCheckpointSave(ctx context.Context, run Run, ckpt *checkpoint.Checkpoint) error
	// OnCheckpointLoad runs after a checkpoint has been restored.
	OnCheckpointLoad(ctx context.Context, run Run, ckpt *checkpoint.Checkpoint) error

	// OnException runs when the loop is about to fail with err.
	OnException(ctx context.Context, run Run, err error)
}

// Stateful is implemented by callbacks whose state belongs in
// checkpoints (early-stopping counters, best-k bookkeeping).
type Stateful interface {
	// StateKey identifies the callback's slot in the checkpoint.
	StateKey() string

	// SaveState serializes the callback's state.
	SaveState() (json.RawMessage, error)

	// LoadState restores previously saved state.
	LoadState(data json.RawMessage) error
}

// Base is a no-op Callback for embedding. Built-in callbacks embed it
// and override the hooks they care about.
type Base struct{}

func (Base) Setup(ctx context.Context, run Run) error { return nil }

func (Base) Teardown(ctx context.Context, run Run) {}

func (Base) OnFitStart(ctx context.Context, run Run) error { return nil }

func (Base) OnFitEnd(ctx context.Context, run Run) error { return nil }

func (Base) OnTrainEpochStart(ctx context.Context, run Run) error { return nil }

func (Base) OnTrainEpochEnd(ctx context.Context, run Run, metrics map[string]float64) error {
	return nil
}

func (Base) OnTrainBatchStart(ctx context.Context, run Run, batchIdx int) error { return nil }

func (Base) OnTrainBatchEnd(ctx context.Context, run Run, result module.StepResult, batchIdx int) error {
	return nil
}

func (Base) OnValidationStart(ctx context.Context, run Run) error { return nil }

func (Base) OnValidationEnd(ctx context.Context, run Run, metrics map[string]float64) error {
	return nil
}

func (Base) OnCheckpointSave(ctx context.Context, run Run, ckpt *checkpoint.Checkpoint) error {
	return nil
}

func (Base) OnCheckpointLoad(ctx context.Context, run Run, ckpt *checkpoint.Checkpoint) error {
	return nil
}

func (Base) OnException(ctx context.Context, run Run, err error) {}

// Mode says whether a monitored metric improves by decreasing or
// increasing.
type Mode string

const (
	ModeMin Mode = "min"
	ModeMax Mode = "max"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	return m == ModeMin || m == ModeMax
}

// InitialBest returns the starting comparison value: +Inf for min
// mode, -Inf for max mode.
func (m Mode) InitialBest() float64 {
	if m == ModeMax {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// Improved reports whether current beats best by more than minDelta.
func (m Mode) Improved(current, best, minDelta float64) bool {
	if m == ModeMax {
		return current > best+minDelta
	}
	return current < best-minDelta
}

// Better reports whether a beats b, ignoring any delta.
func (m Mode) Better(a, b float64) bool {
	if m == ModeMax {
		return a > b
	}
	return a < b
}
