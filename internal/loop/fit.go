package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/strideml/stride/internal/callbacks"
	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/loggers"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/otel"
	"github.com/strideml/stride/internal/runstate"
	"github.com/strideml/stride/internal/schedule"
	"github.com/strideml/stride/internal/stopping"
	"github.com/strideml/stride/internal/strategy"
)

// FitLoop drives the train epochs of one rank. Collectives run on
// every rank in the same order; callbacks, loggers and events fire on
// the global-zero rank only.
type FitLoop struct {
	cfg    Config
	rc     strategy.RankContext
	isZero bool

	state      runstate.State
	ctrl       *stopping.Controller
	ticker     *schedule.ValidationTicker
	optimizers []module.Optimizer
	handle     *runHandle
	logger     loggers.Logger
	om         *otel.Metrics

	hasValidation bool
	stopReason    stopping.StopReason

	pending   map[string]float64
	epochAgg  *meanSet
	lastTrain map[string]float64
	lastVal   map[string]float64
}

// NewFitLoop validates the config and prepares the engine for one
// rank. A nil rank context gets the single-rank world.
func NewFitLoop(cfg Config, rc strategy.RankContext) (*FitLoop, error) {
	if cfg.Module == nil {
		return nil, ErrNoModule
	}
	if cfg.TrainLoader == nil {
		return nil, ErrNoTrainLoader
	}
	if rc == nil {
		rc = strategy.Solo()
	}
	if err := cfg.Accumulation.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LimitTrainBatches.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LimitValBatches.Validate(); err != nil {
		return nil, err
	}
	ticker, err := schedule.NewValidationTicker(cfg.Validation)
	if err != nil {
		return nil, err
	}
	if cfg.LogEveryNSteps <= 0 {
		cfg.LogEveryNSteps = DefaultLogEveryNSteps
	}
	if cfg.Resume != nil {
		cfg.StartEpoch = cfg.Resume.Epoch
		cfg.StartStep = cfg.Resume.GlobalStep
	}

	optimizers := cfg.Optimizers
	if len(optimizers) == 0 {
		optimizers, err = cfg.Module.ConfigureOptimizers()
		if err != nil {
			return nil, fmt.Errorf("configuring optimizers: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil || !rc.IsGlobalZero() {
		logger = loggers.NewNoopLogger()
	}

	_, hasValStep := cfg.Module.(module.ValidationStepper)

	l := &FitLoop{
		cfg:           cfg,
		rc:            rc,
		isZero:        rc.IsGlobalZero(),
		ctrl:          stopping.NewController(cfg.Criteria),
		ticker:        ticker,
		optimizers:    optimizers,
		logger:        logger,
		om:            otel.GetGlobalMetrics(),
		hasValidation: cfg.ValLoader != nil && hasValStep,
		pending:       make(map[string]float64),
		epochAgg:      newMeanSet(),
	}
	l.state = runstate.State{
		RunID:        cfg.RunID,
		CurrentEpoch: cfg.StartEpoch,
		GlobalStep:   cfg.StartStep,
		Stage:        runstate.StageTrain,
		Status:       runstate.StatusInitializing,
	}
	l.handle = newRunHandle(cfg.RunID, &l.state, l.ctrl.Criteria(), cfg.Module, optimizers, cfg.Callbacks)
	return l, nil
}

// Run executes the fit on this rank. It blocks until a stop condition
// trips, an error aborts the run, or ctx is canceled. The returned
// result is valid even when the error is not nil.
func (l *FitLoop) Run(ctx context.Context) (*Result, error) {
	ctx, span := otel.GetGlobalTracer().StartPhaseSpan(ctx, otel.PhaseSpanOptions{
		RunID: l.cfg.RunID,
		Stage: "fit",
		Rank:  l.rc.Rank(),
	})
	defer span.End()

	l.handle.ctx = ctx
	l.ctrl.Start()

	err := l.fit(ctx)

	if err != nil {
		otel.RecordError(span, err, "fit")
		if l.isZero {
			for _, cb := range l.cfg.Callbacks {
				cb.OnException(ctx, l.handle, err)
			}
			if errors.Is(err, ErrInterrupted) {
				events.GetGlobalEventLogger().LogInterrupted(interruptCause(ctx), l.state.CurrentEpoch, l.state.GlobalStep)
			}
		}
		l.setStatus(runstate.StatusInterrupted)
	}
	if l.isZero {
		for _, cb := range l.cfg.Callbacks {
			cb.Teardown(ctx, l.handle)
		}
	}
	return l.result(), err
}

func (l *FitLoop) fit(ctx context.Context) error {
	if l.isZero {
		for _, cb := range l.cfg.Callbacks {
			if err := cb.Setup(ctx, l.handle); err != nil {
				return fmt.Errorf("callback setup failed: %w", err)
			}
		}
	}

	if l.cfg.Resume != nil {
		if err := l.applyResume(ctx); err != nil {
			return err
		}
	}

	if h, ok := l.cfg.Module.(module.FitHooks); ok {
		if err := h.OnFitStart(ctx); err != nil {
			return fmt.Errorf("fit start hook failed: %w", err)
		}
	}
	if l.isZero {
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnFitStart(ctx, l.handle); err != nil {
				return fmt.Errorf("fit start hook failed: %w", err)
			}
		}
	}

	if err := l.transition(runstate.StatusRunning); err != nil {
		return err
	}

	criteria := l.ctrl.Criteria()
	if l.isZero {
		events.GetGlobalEventLogger().LogRunStarted(runstate.StageTrain, l.cfg.Module.Name(), criteria.MaxEpochs, criteria.MaxSteps)
		l.om.IncrementActiveRuns(ctx)
		defer l.om.DecrementActiveRuns(ctx)

		if hp, ok := l.cfg.Module.(module.HyperparamProvider); ok {
			if err := l.logger.LogHyperparams(ctx, hp.Hyperparams()); err != nil {
				log.Printf("[FitLoop] hyperparameter logging failed: %v", err)
			}
		}
	}

	if err := l.sanityCheck(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		decision := l.ctrl.ShouldContinue(l.state)
		if !decision.Continue {
			l.stopReason = decision.Reason
			break
		}
		stopped, err := l.trainEpoch(ctx)
		if err != nil {
			return err
		}
		if stopped {
			break
		}
	}

	if l.isZero {
		l.flushStepMetrics(ctx)
		if err := l.logger.Save(ctx); err != nil {
			log.Printf("[FitLoop] metrics flush failed: %v", err)
		}
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnFitEnd(ctx, l.handle); err != nil {
				return fmt.Errorf("fit end hook failed: %w", err)
			}
		}
	}
	if h, ok := l.cfg.Module.(module.FitHooks); ok {
		if err := h.OnFitEnd(ctx); err != nil {
			return fmt.Errorf("fit end hook failed: %w", err)
		}
	}

	if err := l.transition(runstate.StatusFinished); err != nil {
		return err
	}
	if l.isZero {
		events.GetGlobalEventLogger().LogRunFinished(l.state.Status, string(l.stopReason), l.state.CurrentEpoch, l.state.GlobalStep, l.ctrl.Elapsed().Milliseconds())
	}
	return nil
}

// applyResume restores checkpointed state. Module and optimizer state
// is restored on every rank; callback state and the load hooks belong
// to the global-zero rank, like the callbacks themselves.
func (l *FitLoop) applyResume(ctx context.Context) error {
	ckpt := l.cfg.Resume

	if snap, ok := l.cfg.Module.(module.Snapshotter); ok && len(ckpt.ModuleState) > 0 {
		if err := snap.Restore(ckpt.ModuleState); err != nil {
			return fmt.Errorf("restoring module state: %w", err)
		}
	}

	for i, opt := range l.optimizers {
		if i >= len(ckpt.OptimizerStates) {
			break
		}
		state := ckpt.OptimizerStates[i]
		if len(state) == 0 || string(state) == "null" {
			continue
		}
		snap, ok := opt.(module.Snapshotter)
		if !ok {
			continue
		}
		if err := snap.Restore(state); err != nil {
			return fmt.Errorf("restoring optimizer %d state: %w", i, err)
		}
	}

	if !l.isZero {
		return nil
	}
	for _, cb := range l.cfg.Callbacks {
		st, ok := cb.(callbacks.Stateful)
		if !ok {
			continue
		}
		state, found := ckpt.CallbackStates[st.StateKey()]
		if !found {
			continue
		}
		if err := st.LoadState(state); err != nil {
			return fmt.Errorf("restoring callback %s state: %w", st.StateKey(), err)
		}
	}
	for _, cb := range l.cfg.Callbacks {
		if err := cb.OnCheckpointLoad(ctx, l.handle, ckpt); err != nil {
			return fmt.Errorf("checkpoint load hook failed: %w", err)
		}
	}
	return nil
}

// trainEpoch runs one pass over the training loader. It reports
// stopped=true when a stop condition latched during the pass. Epoch
// end hooks always run; the epoch counter advances only when every
// batch of the pass was processed.
func (l *FitLoop) trainEpoch(ctx context.Context) (bool, error) {
	epoch := l.state.CurrentEpoch
	l.handle.epochDone = false

	ctx, span := otel.GetGlobalTracer().StartPhaseSpan(ctx, otel.PhaseSpanOptions{
		RunID: l.cfg.RunID,
		Stage: "train_epoch",
		Epoch: epoch,
		Rank:  l.rc.Rank(),
	})
	defer span.End()

	if es, ok := l.cfg.TrainLoader.(data.EpochSetter); ok {
		es.SetEpoch(epoch)
	}

	total := l.cfg.TrainLoader.Len()
	limit, err := l.cfg.LimitTrainBatches.ResolveLimit(total)
	if err != nil {
		return false, err
	}

	// The validation cadence resolves against the batches that will
	// actually run. Unknown-length sources without an absolute cadence
	// validate once the pass ends.
	epochLen := total
	if total >= 0 && limit < total {
		epochLen = limit
	}
	epochEndVal := l.hasValidation && total < 0 &&
		!l.cfg.Validation.CrossEpoch && !l.cfg.Validation.CheckInterval.IsSet()
	if l.hasValidation && !epochEndVal {
		if err := l.ticker.StartEpoch(epochLen); err != nil {
			return false, err
		}
	}

	if l.isZero {
		events.GetGlobalEventLogger().LogEpochStarted(epoch, epochLen)
		l.om.SetCurrentEpoch(epoch)
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnTrainEpochStart(ctx, l.handle); err != nil {
				return false, fmt.Errorf("epoch start hook failed: %w", err)
			}
		}
	}
	if h, ok := l.cfg.Module.(module.EpochHooks); ok {
		if err := h.OnTrainEpochStart(ctx, epoch); err != nil {
			return false, fmt.Errorf("epoch start hook failed: %w", err)
		}
	}

	l.epochAgg = newMeanSet()

	// One batch of lookahead distinguishes the final batch without
	// counting the source first, so trailing accumulation groups step
	// even on unknown-length sources.
	stopped := false
	stoppedAtEnd := false
	batchIdx := 0
	it := l.cfg.TrainLoader.Batches()
	var pending data.Batch
	perr := io.EOF
	if limit > 0 {
		pending, perr = it.Next()
	}

	for perr == nil && batchIdx < limit {
		batch := pending
		last := batchIdx+1 >= limit
		if !last {
			pending, perr = it.Next()
			if perr == io.EOF {
				last = true
			} else if perr != nil {
				return false, fmt.Errorf("reading train batch %d: %w", batchIdx+1, perr)
			}
		} else {
			perr = io.EOF
		}

		stepNow := l.cfg.Accumulation.ShouldStep(epoch, batchIdx, last)
		if err := l.trainBatch(ctx, batch, batchIdx, stepNow); err != nil {
			return false, err
		}

		if l.hasValidation && !epochEndVal && l.ticker.ShouldValidate(epoch, batchIdx) {
			// A validation on the epoch's last batch sits past the full
			// pass; checkpoints taken in it count the epoch completed.
			l.handle.epochDone = last
			if err := l.fitValidation(ctx); err != nil {
				return false, err
			}
		}

		stopNow, err := l.syncShouldStop(ctx)
		if err != nil {
			return false, err
		}
		if stopNow {
			stopped = true
			stoppedAtEnd = last
			break
		}
		batchIdx++
	}
	if perr != nil && perr != io.EOF {
		return false, fmt.Errorf("reading train batch %d: %w", batchIdx, perr)
	}

	l.handle.epochDone = !stopped || stoppedAtEnd

	if !stopped && epochEndVal {
		if n := l.cfg.Validation.EveryNEpochs; n <= 1 || (epoch+1)%n == 0 {
			if err := l.fitValidation(ctx); err != nil {
				return false, err
			}
		}
	}

	// Epoch end hooks run even when a stop cut the epoch short, so
	// checkpoint and stopping callbacks see the final state. All ranks
	// agreed on the stop at the same batch, keeping the reduce aligned.
	epochMetrics, err := reduceMeans(ctx, l.rc, l.epochAgg.means())
	if err != nil {
		return false, fmt.Errorf("epoch metric reduce failed: %w", err)
	}
	l.lastTrain = epochMetrics

	if h, ok := l.cfg.Module.(module.EpochHooks); ok {
		if err := h.OnTrainEpochEnd(ctx, epoch); err != nil {
			return false, fmt.Errorf("epoch end hook failed: %w", err)
		}
	}
	if l.isZero {
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnTrainEpochEnd(ctx, l.handle, epochMetrics); err != nil {
				return false, fmt.Errorf("epoch end hook failed: %w", err)
			}
		}
		if len(epochMetrics) > 0 {
			suffixed := make(map[string]float64, len(epochMetrics))
			for k, v := range epochMetrics {
				suffixed[k+"_epoch"] = v
			}
			if err := l.logger.LogMetrics(ctx, suffixed, l.state.GlobalStep); err != nil {
				log.Printf("[FitLoop] epoch metrics logging failed: %v", err)
			}
		}
		events.GetGlobalEventLogger().LogEpochEnded(epoch, l.state.GlobalStep)
	}

	if stopped {
		// A stop landing on the final batch still completed the pass.
		if stoppedAtEnd {
			l.state.CurrentEpoch++
		}
		return true, nil
	}

	// Only completed epochs advance the counter.
	l.state.CurrentEpoch++

	// Epoch end hooks may latch a stop on the zero rank alone; agree
	// before the next epoch issues collectives.
	agreed, err := l.rc.AllReduceOr(ctx, l.state.ShouldStop)
	if err != nil {
		if ctx.Err() != nil {
			return false, interruption(ctx)
		}
		return false, fmt.Errorf("stop sync failed: %w", err)
	}
	l.state.ShouldStop = agreed

	return false, nil
}

func (l *FitLoop) trainBatch(ctx context.Context, batch data.Batch, batchIdx int, stepNow bool) error {
	if ctx.Err() != nil {
		return interruption(ctx)
	}

	if l.isZero {
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnTrainBatchStart(ctx, l.handle, batchIdx); err != nil {
				return fmt.Errorf("batch start hook failed: %w", err)
			}
		}
	}

	start := time.Now()
	result, err := l.cfg.Module.TrainingStep(ctx, batch, batchIdx)
	if err != nil {
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		l.om.RecordError(ctx, "train_step")
		return asStepError(l.cfg.Module.Name(), "training", batchIdx, err)
	}
	l.om.RecordBatchDuration(ctx, "train", float64(time.Since(start).Microseconds())/1000.0)
	l.om.AddBatches(ctx, "train", 1)

	if stepNow {
		for i, opt := range l.optimizers {
			if err := opt.Step(ctx); err != nil {
				l.om.RecordError(ctx, "optimizer_step")
				return fmt.Errorf("optimizer %d step failed: %w", i, err)
			}
			opt.ZeroGrad()
		}
		l.state.GlobalStep++
		if l.isZero {
			l.om.AddOptimizerSteps(ctx, 1)
		}
	}

	l.epochAgg.add("train_loss", result.Loss)
	for k, v := range result.Metrics {
		l.epochAgg.add(k, v)
	}

	if l.isZero {
		l.pending["train_loss"] = result.Loss
		for k, v := range result.Metrics {
			l.pending[k] = v
		}
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnTrainBatchEnd(ctx, l.handle, result, batchIdx); err != nil {
				return fmt.Errorf("batch end hook failed: %w", err)
			}
		}
		if stepNow && l.state.GlobalStep%l.cfg.LogEveryNSteps == 0 {
			l.flushStepMetrics(ctx)
		}
	}
	return nil
}

// syncShouldStop evaluates the local stop decision and agrees on it
// with the other ranks. Any rank wanting to stop stops the world.
func (l *FitLoop) syncShouldStop(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, interruption(ctx)
	}
	decision := l.ctrl.ShouldContinue(l.state)
	agreed, err := l.rc.AllReduceOr(ctx, !decision.Continue)
	if err != nil {
		if ctx.Err() != nil {
			return false, interruption(ctx)
		}
		return false, fmt.Errorf("stop sync failed: %w", err)
	}
	if !agreed {
		return false, nil
	}
	if !decision.Continue {
		l.stopReason = decision.Reason
	} else {
		// Another rank hit a bound this rank has not seen.
		l.state.RequestStop()
		l.stopReason = stopping.ReasonStopRequested
	}
	return true, nil
}

// fitValidation runs one scheduled validation pass inside the fit.
func (l *FitLoop) fitValidation(ctx context.Context) error {
	prevStage := l.state.Stage
	l.state.Stage = runstate.StageValidate
	defer func() { l.state.Stage = prevStage }()

	ctx, span := otel.GetGlobalTracer().StartPhaseSpan(ctx, otel.PhaseSpanOptions{
		RunID: l.cfg.RunID,
		Stage: string(runstate.StageValidate),
		Epoch: l.state.CurrentEpoch,
		Rank:  l.rc.Rank(),
	})
	defer span.End()

	if l.isZero {
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnValidationStart(ctx, l.handle); err != nil {
				return fmt.Errorf("validation start hook failed: %w", err)
			}
		}
	}

	p := evalPass{
		module: l.cfg.Module,
		loader: l.cfg.ValLoader,
		stage:  runstate.StageValidate,
		limit:  l.cfg.LimitValBatches,
		rc:     l.rc,
	}
	metrics, batches, err := p.run(ctx)
	if err != nil {
		return err
	}
	l.lastVal = metrics

	if l.isZero {
		if err := l.logger.LogMetrics(ctx, metrics, l.state.GlobalStep); err != nil {
			log.Printf("[FitLoop] validation metrics logging failed: %v", err)
		}
		l.om.RecordValidationPass(ctx)
		events.GetGlobalEventLogger().LogValidation(runstate.StageValidate, l.state.CurrentEpoch, l.state.GlobalStep, batches)
		for _, cb := range l.cfg.Callbacks {
			if err := cb.OnValidationEnd(ctx, l.handle, metrics); err != nil {
				return fmt.Errorf("validation end hook failed: %w", err)
			}
		}
	}
	return nil
}

// sanityCheck probes a few validation batches before the first train
// epoch so a broken validation path fails fast. Its metrics are
// dropped and no validation hooks fire.
func (l *FitLoop) sanityCheck(ctx context.Context) error {
	if l.cfg.NumSanityValSteps <= 0 || !l.hasValidation {
		return nil
	}
	prevStage := l.state.Stage
	l.state.Stage = runstate.StageSanityCheck
	defer func() { l.state.Stage = prevStage }()

	if l.isZero {
		events.GetGlobalEventLogger().LogSanityCheck(l.cfg.NumSanityValSteps)
	}

	p := evalPass{
		module:     l.cfg.Module,
		loader:     l.cfg.ValLoader,
		stage:      runstate.StageSanityCheck,
		limit:      l.cfg.LimitValBatches,
		maxBatches: l.cfg.NumSanityValSteps,
		rc:         l.rc,
	}
	_, _, err := p.run(ctx)
	return err
}

// flushStepMetrics hands the batched step metrics to the experiment
// logger. Logging failures do not abort training.
func (l *FitLoop) flushStepMetrics(ctx context.Context) {
	for k, v := range l.handle.takeInjected() {
		l.pending[k] = v
	}
	if len(l.pending) == 0 {
		return
	}
	if err := l.logger.LogMetrics(ctx, l.pending, l.state.GlobalStep); err != nil {
		log.Printf("[FitLoop] metrics logging failed: %v", err)
	}
	l.pending = make(map[string]float64)
}

// transition moves the run status along the allowed machine.
func (l *FitLoop) transition(to runstate.Status) error {
	if !runstate.CanTransition(l.state.Status, to) {
		return runstate.NewInvalidTransitionError(l.state.RunID, l.state.Status, to)
	}
	l.setStatus(to)
	return nil
}

// setStatus applies a transition when legal and drops it otherwise,
// for paths that must not fail while unwinding.
func (l *FitLoop) setStatus(to runstate.Status) {
	if !runstate.CanTransition(l.state.Status, to) {
		return
	}
	if l.isZero {
		events.GetGlobalEventLogger().LogStatusTransition(l.state.Status, to)
	}
	l.state.Status = to
}

func (l *FitLoop) result() *Result {
	return &Result{
		State:        l.state,
		StopReason:   l.stopReason,
		TrainMetrics: l.lastTrain,
		ValMetrics:   l.lastVal,
	}
}

func interruptCause(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "interrupted"
}

// asStepError wraps a module failure with its position unless the
// module already did.
func asStepError(moduleName, phase string, batchIdx int, err error) error {
	var stepErr *module.StepError
	if errors.As(err, &stepErr) {
		return err
	}
	return module.NewStepError(moduleName, phase, batchIdx, err)
}
