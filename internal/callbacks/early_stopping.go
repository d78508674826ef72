package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/strideml/stride/internal/events"
)

// DefaultPatience is the number of non-improving checks tolerated
// before early stopping fires.
const DefaultPatience = 3

// EarlyStoppingConfig configures the EarlyStopping callback.
type EarlyStoppingConfig struct {
	// Monitor is the metric to watch. Required.
	Monitor string

	// MinDelta is the minimum change that counts as an improvement.
	MinDelta float64

	// Patience is how many checks without improvement to tolerate
	// before stopping. Defaults to DefaultPatience.
	Patience int

	// Mode says whether the metric improves by decreasing (min) or
	// increasing (max). Defaults to min.
	Mode Mode

	// StoppingThreshold stops immediately once the metric reaches
	// this value. Optional.
	StoppingThreshold *float64

	// DivergenceThreshold stops immediately once the metric becomes
	// worse than this value. Optional.
	DivergenceThreshold *float64

	// Strict makes a missing monitored metric an error. Enabled by
	// default; NewEarlyStopping sets it.
	Strict bool

	// CheckOnTrainEpochEnd evaluates on training epoch end instead of
	// validation end.
	CheckOnTrainEpochEnd bool
}

// EarlyStopping watches a metric and requests a stop after Patience
// checks without improvement. The stop request goes through the usual
// deferral rules, so minimum epoch and step floors still apply.
type EarlyStopping struct {
	Base

	config EarlyStoppingConfig

	wait    int
	best    float64
	stopped bool
}

// NewEarlyStopping validates the config and applies defaults
// (mode=min, patience=DefaultPatience, strict).
func NewEarlyStopping(config EarlyStoppingConfig) (*EarlyStopping, error) {
	if config.Monitor == "" {
		return nil, fmt.Errorf("early stopping: monitor cannot be empty")
	}
	if config.Mode == "" {
		config.Mode = ModeMin
	}
	if !config.Mode.Valid() {
		return nil, fmt.Errorf("early stopping: invalid mode %q", config.Mode)
	}
	if config.Patience < 0 {
		return nil, fmt.Errorf("early stopping: patience cannot be negative")
	}
	if config.Patience == 0 {
		config.Patience = DefaultPatience
	}
	if config.MinDelta < 0 {
		return nil, fmt.Errorf("early stopping: min delta cannot be negative")
	}
	config.Strict = true

	return &EarlyStopping{
		config: config,
		best:   config.Mode.InitialBest(),
	}, nil
}

// Lenient disables the strict missing-metric check.
func (e *EarlyStopping) Lenient() *EarlyStopping {
	e.config.Strict = false
	return e
}

// Stopped reports whether this callback has requested a stop.
func (e *EarlyStopping) Stopped() bool { return e.stopped }

// Best returns the best monitored value seen so far.
func (e *EarlyStopping) Best() float64 { return e.best }

// Wait returns the current count of checks without improvement.
func (e *EarlyStopping) Wait() int { return e.wait }

func (e *EarlyStopping) OnValidationEnd(ctx context.Context, run Run, metrics map[string]float64) error {
	if e.config.CheckOnTrainEpochEnd {
		return nil
	}
	return e.check(run, metrics)
}

func (e *EarlyStopping) OnTrainEpochEnd(ctx context.Context, run Run, metrics map[string]float64) error {
	if !e.config.CheckOnTrainEpochEnd {
		return nil
	}
	return e.check(run, metrics)
}

func (e *EarlyStopping) check(run Run, metrics map[string]float64) error {
	if e.stopped {
		return nil
	}

	current, ok := metrics[e.config.Monitor]
	if !ok {
		if e.config.Strict {
			return fmt.Errorf("early stopping: monitored metric %q not found", e.config.Monitor)
		}
		return nil
	}

	if t := e.config.StoppingThreshold; t != nil && e.config.Mode.Better(current, *t) {
		e.trip(run, current, fmt.Sprintf("metric %s passed stopping threshold %v", e.config.Monitor, *t))
		return nil
	}
	if t := e.config.DivergenceThreshold; t != nil && e.config.Mode.Better(*t, current) {
		e.trip(run, current, fmt.Sprintf("metric %s diverged past %v", e.config.Monitor, *t))
		return nil
	}

	if e.config.Mode.Improved(current, e.best, e.config.MinDelta) {
		e.best = current
		e.wait = 0
		return nil
	}

	e.wait++
	if e.wait >= e.config.Patience {
		e.trip(run, current, fmt.Sprintf("metric %s did not improve in %d checks", e.config.Monitor, e.wait))
	}
	return nil
}

func (e *EarlyStopping) trip(run Run, current float64, reason string) {
	e.stopped = true
	run.RequestStop("early_stopping: " + reason)
	events.GetGlobalEventLogger().LogEarlyStop(e.config.Monitor, e.best, current, e.config.Patience)
}

// Best stays nil until the first improvement: the initial best is
// infinite, which JSON cannot carry.
type earlyStoppingState struct {
	Wait    int      `json:"wait"`
	Best    *float64 `json:"best,omitempty"`
	Stopped bool     `json:"stopped"`
}

func (e *EarlyStopping) StateKey() string {
	return "early_stopping:" + e.config.Monitor
}

func (e *EarlyStopping) SaveState() (json.RawMessage, error) {
	state := earlyStoppingState{Wait: e.wait, Stopped: e.stopped}
	if !math.IsInf(e.best, 0) {
		best := e.best
		state.Best = &best
	}
	return json.Marshal(state)
}

func (e *EarlyStopping) LoadState(data json.RawMessage) error {
	var state earlyStoppingState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("early stopping: failed to restore state: %w", err)
	}
	e.wait = state.Wait
	e.stopped = state.Stopped
	if state.Best != nil {
		e.best = *state.Best
	} else {
		e.best = e.config.Mode.InitialBest()
	}
	return nil
}
