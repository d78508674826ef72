// Package loop contains the engines that drive a run: the fit engine
// with its train epochs and scheduled validation, and the standalone
// evaluation and prediction passes. An engine executes on one rank;
// the strategy layer launches the ranks and carries the collectives
// that keep them coherent.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strideml/stride/internal/callbacks"
	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/loggers"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/runstate"
	"github.com/strideml/stride/internal/schedule"
	"github.com/strideml/stride/internal/stopping"
	"github.com/strideml/stride/internal/strategy"
)

// DefaultLogEveryNSteps is the optimizer step cadence at which batched
// train metrics are flushed to the experiment logger.
const DefaultLogEveryNSteps = 50

var (
	// ErrNoModule reports a fit or evaluation without a module.
	ErrNoModule = errors.New("no module configured")

	// ErrNoTrainLoader reports a fit without training data.
	ErrNoTrainLoader = errors.New("no training loader configured")

	// ErrNoLoader reports an evaluation or prediction without data.
	ErrNoLoader = errors.New("no loader configured")

	// ErrInterrupted reports a run cut short by context cancellation.
	ErrInterrupted = errors.New("run interrupted")
)

// Config assembles everything one fit needs. The trainer builds one
// per rank: Module and Optimizers must be rank-local instances, the
// loaders rank-local shards.
type Config struct {
	RunID  string
	Module module.Module

	// Optimizers overrides the module's ConfigureOptimizers result.
	// Leave empty to let the engine configure them.
	Optimizers []module.Optimizer

	TrainLoader data.Loader

	// ValLoader enables scheduled validation. The module must also
	// implement ValidationStepper, otherwise validation is skipped.
	ValLoader data.Loader

	Criteria     stopping.Criteria
	Validation   schedule.ValidationSchedule
	Accumulation schedule.Accumulation

	// Callbacks observe the run on the global-zero rank only, in
	// registration order.
	Callbacks []callbacks.Callback

	// Logger receives hyperparameters and metrics on the global-zero
	// rank. Nil disables experiment logging.
	Logger loggers.Logger

	// LogEveryNSteps overrides DefaultLogEveryNSteps when positive.
	LogEveryNSteps int

	LimitTrainBatches schedule.Interval
	LimitValBatches   schedule.Interval

	// NumSanityValSteps validation batches run before the first train
	// epoch. Zero or negative skips the sanity check.
	NumSanityValSteps int

	// StartEpoch and StartStep seed the progress counters when the
	// run resumes from a checkpoint.
	StartEpoch int
	StartStep  int

	// Resume restores module, optimizer and callback state before the
	// fit hooks run. It also overrides StartEpoch and StartStep with
	// the checkpoint's counters.
	Resume *checkpoint.Checkpoint
}

// Result reports how a fit ended on one rank.
type Result struct {
	State      runstate.State
	StopReason stopping.StopReason

	// TrainMetrics holds the world means of the last completed train
	// epoch, ValMetrics those of the last validation pass.
	TrainMetrics map[string]float64
	ValMetrics   map[string]float64
}

// interruption tags a cancellation with its context cause so launch
// error selection can tell a propagated abort from the failure that
// triggered it.
func interruption(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}
	return ErrInterrupted
}

// meanSet accumulates running means per metric key.
type meanSet struct {
	sums   map[string]float64
	counts map[string]int
}

func newMeanSet() *meanSet {
	return &meanSet{
		sums:   make(map[string]float64),
		counts: make(map[string]int),
	}
}

func (s *meanSet) add(key string, value float64) {
	s.sums[key] += value
	s.counts[key]++
}

func (s *meanSet) means() map[string]float64 {
	out := make(map[string]float64, len(s.sums))
	for k, sum := range s.sums {
		out[k] = sum / float64(s.counts[k])
	}
	return out
}

// reduceMeans averages a metric map across the world. Keys reduce in
// sorted order so every rank issues the same collective sequence.
func reduceMeans(ctx context.Context, rc strategy.RankContext, local map[string]float64) (map[string]float64, error) {
	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]float64, len(local))
	for _, k := range keys {
		v, err := rc.AllReduceMean(ctx, local[k])
		if err != nil {
			if ctx.Err() != nil {
				return nil, interruption(ctx)
			}
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// runHandle is the callbacks.Run view of one rank's engine. Hooks only
// ever see the global-zero rank's handle.
type runHandle struct {
	runID      string
	state      *runstate.State
	criteria   stopping.Criteria
	module     module.Module
	optimizers []module.Optimizer
	callbacks  []callbacks.Callback
	ctx        context.Context

	// epochDone marks hook sites where the current epoch's batch pass
	// has fully run. Checkpoints built there count the epoch as
	// completed.
	epochDone bool

	mu       sync.Mutex
	injected map[string]float64
}

func newRunHandle(runID string, state *runstate.State, criteria stopping.Criteria, m module.Module, opts []module.Optimizer, cbs []callbacks.Callback) *runHandle {
	return &runHandle{
		runID:      runID,
		state:      state,
		criteria:   criteria,
		module:     m,
		optimizers: opts,
		callbacks:  cbs,
		ctx:        context.Background(),
		injected:   make(map[string]float64),
	}
}

func (h *runHandle) RunID() string { return h.runID }

func (h *runHandle) State() runstate.State { return *h.state }

func (h *runHandle) RequestStop(reason string) {
	h.state.RequestStop()
	deferred := !stopping.MinsSatisfied(*h.state, h.criteria)
	events.GetGlobalEventLogger().LogStopRequested("callback", reason, h.state.CurrentEpoch, h.state.GlobalStep, deferred)
}

func (h *runHandle) LogMetrics(metrics map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range metrics {
		h.injected[k] = v
	}
}

// takeInjected drains the metrics callbacks logged since the last
// flush.
func (h *runHandle) takeInjected() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.injected) == 0 {
		return nil
	}
	out := h.injected
	h.injected = make(map[string]float64)
	return out
}

func (h *runHandle) Optimizers() []module.Optimizer { return h.optimizers }

// BuildCheckpoint assembles a checkpoint from the module, optimizer
// and callback state, then lets every callback amend it through its
// OnCheckpointSave hook.
func (h *runHandle) BuildCheckpoint() (*checkpoint.Checkpoint, error) {
	// Epoch counts completed epochs at save time. The counter itself
	// advances after the epoch end hooks, so boundary saves add the
	// epoch whose pass just finished; resuming then continues with the
	// next one instead of retraining it.
	epoch := h.state.CurrentEpoch
	if h.epochDone {
		epoch++
	}
	ckpt := &checkpoint.Checkpoint{
		FormatVersion: checkpoint.FormatVersion,
		RunID:         h.runID,
		ModuleName:    h.module.Name(),
		Epoch:         epoch,
		GlobalStep:    h.state.GlobalStep,
		CreatedAtMs:   time.Now().UnixMilli(),
	}

	if snap, ok := h.module.(module.Snapshotter); ok {
		state, err := snap.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("module snapshot failed: %w", err)
		}
		ckpt.ModuleState = state
	}

	if len(h.optimizers) > 0 {
		// Positions align with ConfigureOptimizers order; optimizers
		// without state get a null placeholder.
		ckpt.OptimizerStates = make([]json.RawMessage, len(h.optimizers))
		for i, opt := range h.optimizers {
			ckpt.OptimizerStates[i] = json.RawMessage("null")
			snap, ok := opt.(module.Snapshotter)
			if !ok {
				continue
			}
			state, err := snap.Snapshot()
			if err != nil {
				return nil, fmt.Errorf("optimizer %d snapshot failed: %w", i, err)
			}
			ckpt.OptimizerStates[i] = state
		}
	}

	for _, cb := range h.callbacks {
		st, ok := cb.(callbacks.Stateful)
		if !ok {
			continue
		}
		state, err := st.SaveState()
		if err != nil {
			return nil, fmt.Errorf("callback %s state save failed: %w", st.StateKey(), err)
		}
		if ckpt.CallbackStates == nil {
			ckpt.CallbackStates = make(map[string]json.RawMessage)
		}
		ckpt.CallbackStates[st.StateKey()] = state
	}

	if hp, ok := h.module.(module.HyperparamProvider); ok {
		ckpt.Hyperparams = hp.Hyperparams()
	}

	for _, cb := range h.callbacks {
		if err := cb.OnCheckpointSave(h.ctx, h, ckpt); err != nil {
			return nil, fmt.Errorf("checkpoint save hook failed: %w", err)
		}
	}
	return ckpt, nil
}
