package trainer

import (
	"fmt"
	"io"
	"time"

	"github.com/strideml/stride/internal/callbacks"
	"github.com/strideml/stride/internal/loggers"
	"github.com/strideml/stride/internal/loop"
	"github.com/strideml/stride/internal/schedule"
	"github.com/strideml/stride/internal/stopping"
)

// DefaultRootDir is where run artifacts land when no root directory is
// configured.
const DefaultRootDir = "stride_runs"

// DefaultNumSanityValSteps is the number of validation batches probed
// before the first training epoch.
const DefaultNumSanityValSteps = 2

// Options configures a Trainer. Start from DefaultOptions; the zero
// value is usable but disables checkpointing, events and the sanity
// check.
type Options struct {
	// MaxEpochs bounds the fit by completed epochs. Zero falls back to
	// the framework default unless MaxSteps carries the bound; -1 is
	// unbounded.
	MaxEpochs int

	// MinEpochs defers latched stop requests until this many epochs
	// completed. Zero disables the floor.
	MinEpochs int

	// MaxSteps bounds the fit by optimizer steps. Zero or -1 is
	// unbounded.
	MaxSteps int

	// MinSteps defers latched stop requests until this many optimizer
	// steps ran. Zero disables the floor.
	MinSteps int

	// MaxTime bounds the fit by wall clock, checked between batches.
	MaxTime time.Duration

	// Accelerator selects the hardware kind: "auto" or "cpu".
	Accelerator string

	// Devices is the device spec: "auto" for every available device, a
	// count, or explicit ids like "0,1". Defaults to one device.
	Devices string

	// Strategy selects how ranks execute: "auto", "single" or "ddp".
	// Auto picks ddp when more than one device is requested.
	Strategy string

	// ValCheckInterval is the validation cadence within an epoch.
	// Unset validates once per epoch.
	ValCheckInterval schedule.Interval

	// CheckValEveryNEpoch restricts validation to every n-th epoch.
	// Zero means every epoch.
	CheckValEveryNEpoch int

	// CrossEpochValidation counts the cadence over the cumulative
	// batch index of the whole fit. Requires an absolute
	// ValCheckInterval.
	CrossEpochValidation bool

	// AccumulateGradBatches is the fixed number of train batches per
	// optimizer step. Zero means one.
	AccumulateGradBatches int

	// AccumulationSchedule maps a starting epoch to the factor
	// applying from that epoch on. Overrides AccumulateGradBatches
	// when non-empty.
	AccumulationSchedule map[int]int

	LimitTrainBatches   schedule.Interval
	LimitValBatches     schedule.Interval
	LimitTestBatches    schedule.Interval
	LimitPredictBatches schedule.Interval

	// NumSanityValSteps validation batches run before the first train
	// epoch. Zero disables the check.
	NumSanityValSteps int

	// LogEveryNSteps is the metrics flush cadence in optimizer steps.
	// Zero falls back to the framework default.
	LogEveryNSteps int

	// FastDevRun caps every loop at one batch, a single epoch, and
	// disables checkpointing, early stopping and experiment logging.
	// For smoke-testing a module end to end.
	FastDevRun bool

	// EnableCheckpointing adds a default ModelCheckpoint callback when
	// none is configured.
	EnableCheckpointing bool

	// RootDir is where the default checkpoint store writes. Empty
	// falls back to DefaultRootDir when checkpointing is enabled.
	RootDir string

	// ResumePath restores a checkpoint before fitting: loop counters,
	// module, optimizer and callback state.
	ResumePath string

	// Callbacks observe every run of this trainer, in order.
	// ModelCheckpoint instances are moved to the end so they capture
	// state the other callbacks mutated.
	Callbacks []callbacks.Callback

	// Logger receives hyperparameters and metrics. Nil disables
	// experiment logging. Fit finalizes the logger; build a fresh one
	// per fit when reusing the trainer.
	Logger loggers.Logger

	// EnableEvents emits lifecycle events for each run through the
	// global event logger.
	EnableEvents bool

	// EventWriter overrides the event destination. Nil writes to
	// stderr.
	EventWriter io.Writer
}

// DefaultOptions returns the options a plain trainer starts from.
func DefaultOptions() Options {
	return Options{
		Accelerator:         "auto",
		Devices:             "1",
		Strategy:            "auto",
		NumSanityValSteps:   DefaultNumSanityValSteps,
		LogEveryNSteps:      loop.DefaultLogEveryNSteps,
		EnableCheckpointing: true,
		RootDir:             DefaultRootDir,
		EnableEvents:        true,
	}
}

func (o Options) withDefaults() Options {
	if o.Accelerator == "" {
		o.Accelerator = "auto"
	}
	if o.Devices == "" {
		o.Devices = "1"
	}
	if o.Strategy == "" {
		o.Strategy = "auto"
	}
	if o.EnableCheckpointing && o.RootDir == "" {
		o.RootDir = DefaultRootDir
	}
	return o
}

func (o Options) validate() error {
	if o.MaxEpochs < stopping.Unbounded {
		return fmt.Errorf("trainer: max epochs must be -1, zero or positive, got %d", o.MaxEpochs)
	}
	if o.MaxSteps < stopping.Unbounded {
		return fmt.Errorf("trainer: max steps must be -1, zero or positive, got %d", o.MaxSteps)
	}
	if o.MinEpochs < 0 {
		return fmt.Errorf("trainer: min epochs cannot be negative, got %d", o.MinEpochs)
	}
	if o.MinSteps < 0 {
		return fmt.Errorf("trainer: min steps cannot be negative, got %d", o.MinSteps)
	}
	if o.MaxEpochs > 0 && o.MinEpochs > o.MaxEpochs {
		return fmt.Errorf("trainer: min epochs %d exceeds max epochs %d", o.MinEpochs, o.MaxEpochs)
	}
	if o.MaxSteps > 0 && o.MinSteps > o.MaxSteps {
		return fmt.Errorf("trainer: min steps %d exceeds max steps %d", o.MinSteps, o.MaxSteps)
	}
	if o.MaxTime < 0 {
		return fmt.Errorf("trainer: max time cannot be negative, got %v", o.MaxTime)
	}
	if o.NumSanityValSteps < 0 {
		return fmt.Errorf("trainer: sanity val steps cannot be negative, got %d", o.NumSanityValSteps)
	}
	if o.LogEveryNSteps < 0 {
		return fmt.Errorf("trainer: log every n steps cannot be negative, got %d", o.LogEveryNSteps)
	}

	if err := o.validationSchedule().Validate(); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	if err := o.accumulation().Validate(); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	for _, limit := range []struct {
		name string
		iv   schedule.Interval
	}{
		{"limit train batches", o.LimitTrainBatches},
		{"limit val batches", o.LimitValBatches},
		{"limit test batches", o.LimitTestBatches},
		{"limit predict batches", o.LimitPredictBatches},
	} {
		if err := limit.iv.Validate(); err != nil {
			return fmt.Errorf("trainer: %s: %w", limit.name, err)
		}
	}
	return nil
}

func (o Options) criteria() stopping.Criteria {
	return stopping.Criteria{
		MaxEpochs: o.MaxEpochs,
		MinEpochs: o.MinEpochs,
		MaxSteps:  o.MaxSteps,
		MinSteps:  o.MinSteps,
		MaxTime:   o.MaxTime,
	}
}

func (o Options) validationSchedule() schedule.ValidationSchedule {
	return schedule.ValidationSchedule{
		CheckInterval: o.ValCheckInterval,
		EveryNEpochs:  o.CheckValEveryNEpoch,
		CrossEpoch:    o.CrossEpochValidation,
	}
}

func (o Options) accumulation() schedule.Accumulation {
	return schedule.Accumulation{
		Factor:   o.AccumulateGradBatches,
		Schedule: o.AccumulationSchedule,
	}
}
