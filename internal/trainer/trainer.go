// Package trainer is the entry point of the framework: it resolves
// hardware and strategy, assembles callbacks and schedules, and drives
// the loop engines through Fit, Validate, Test and Predict.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strideml/stride/internal/accelerator"
	"github.com/strideml/stride/internal/callbacks"
	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/loggers"
	"github.com/strideml/stride/internal/loop"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/runstate"
	"github.com/strideml/stride/internal/schedule"
	"github.com/strideml/stride/internal/stopping"
	"github.com/strideml/stride/internal/strategy"
)

// ModuleFactory builds the module instance one rank trains. Fits that
// span more than one rank call it once per rank, so the instances stay
// independent.
type ModuleFactory func(rank int) (module.Module, error)

// Result summarizes one fit.
type Result struct {
	RunID      string
	State      runstate.State
	StopReason stopping.StopReason

	// TrainMetrics holds the world means of the last completed train
	// epoch, ValMetrics those of the last validation pass.
	TrainMetrics map[string]float64
	ValMetrics   map[string]float64

	// BestModelPath is the best ranked checkpoint, or "" when nothing
	// was saved.
	BestModelPath string

	Duration time.Duration
}

// Trainer drives training runs. One trainer can serve several
// sequential runs; each gets its own run id and result record.
type Trainer struct {
	opts    Options
	accel   accelerator.Accelerator
	devices []int
	strat   strategy.Strategy
	store   checkpoint.Store

	mu        sync.Mutex
	results   map[string]*Result
	lastRunID string

	runCounter atomic.Int64
}

// New resolves the accelerator, devices and strategy and validates the
// options.
func New(opts Options) (*Trainer, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	accel, err := accelerator.Resolve(opts.Accelerator)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	available, err := accel.AvailableDevices()
	if err != nil {
		return nil, fmt.Errorf("trainer: probing %s devices: %w", accel.Name(), err)
	}
	devices, err := accelerator.ParseDevices(opts.Devices, available)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	strat, err := strategy.Resolve(opts.Strategy, len(devices))
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}

	var store checkpoint.Store
	if opts.EnableCheckpointing && !opts.FastDevRun {
		fs, err := checkpoint.NewFilesystemStore(opts.RootDir)
		if err != nil {
			return nil, fmt.Errorf("trainer: checkpoint store: %w", err)
		}
		store = fs
	}

	return &Trainer{
		opts:    opts,
		accel:   accel,
		devices: devices,
		strat:   strat,
		store:   store,
		results: make(map[string]*Result),
	}, nil
}

// WorldSize returns how many ranks a fit spans.
func (t *Trainer) WorldSize() int { return t.strat.WorldSize() }

// Accelerator returns the resolved accelerator.
func (t *Trainer) Accelerator() accelerator.Accelerator { return t.accel }

// Devices returns the resolved device ids.
func (t *Trainer) Devices() []int {
	out := make([]int, len(t.devices))
	copy(out, t.devices)
	return out
}

// CheckpointStore returns the store backing the default checkpoint
// callback, or nil when checkpointing is disabled.
func (t *Trainer) CheckpointStore() checkpoint.Store { return t.store }

// GetResult returns the result of a finished run.
func (t *Trainer) GetResult(runID string) (*Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.results[runID]
	return res, ok
}

// LastResult returns the most recent fit's result, or nil.
func (t *Trainer) LastResult() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results[t.lastRunID]
}

// Fit trains a module until a stop condition trips. The module is
// trained in place; fits spanning more than one rank need one module
// instance per rank and must go through FitFactory.
func (t *Trainer) Fit(ctx context.Context, m module.Module, train, val data.Loader) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("trainer: %w", loop.ErrNoModule)
	}
	if ws := t.strat.WorldSize(); ws > 1 {
		return nil, fmt.Errorf("trainer: a fit across %d ranks needs one module instance per rank, use FitFactory", ws)
	}
	return t.fit(ctx, func(int) (module.Module, error) { return m, nil }, train, val)
}

// FitFactory trains one module instance per rank. The factory runs
// once per rank; rank 0 owns checkpointing and logging.
func (t *Trainer) FitFactory(ctx context.Context, factory ModuleFactory, train, val data.Loader) (*Result, error) {
	if factory == nil {
		return nil, errors.New("trainer: module factory is required")
	}
	return t.fit(ctx, factory, train, val)
}

func (t *Trainer) fit(ctx context.Context, factory ModuleFactory, train, val data.Loader) (*Result, error) {
	runID := t.generateRunID()
	t.setupEvents(runID)

	zero, err := t.buildModule(factory, 0)
	if err != nil {
		return nil, err
	}

	train, err = trainLoaderFor(zero, train)
	if err != nil {
		return nil, err
	}
	if train == nil {
		return nil, fmt.Errorf("trainer: %w: pass one to Fit or implement TrainLoaderProvider", loop.ErrNoTrainLoader)
	}
	val, err = valLoaderFor(zero, val)
	if err != nil {
		return nil, err
	}

	plan, err := t.planFit()
	if err != nil {
		return nil, err
	}

	var resume *checkpoint.Checkpoint
	if t.opts.ResumePath != "" {
		ckpt, err := checkpoint.LoadFile(t.opts.ResumePath)
		if err != nil {
			return nil, fmt.Errorf("trainer: %w", err)
		}
		if ckpt.ModuleName != "" && ckpt.ModuleName != zero.Name() {
			log.Printf("[Trainer] Resuming checkpoint of module %q into module %q", ckpt.ModuleName, zero.Name())
		}
		resume = ckpt
	}

	results := make([]*loop.Result, t.strat.WorldSize())
	start := time.Now()

	lerr := t.strat.Launch(ctx, func(ctx context.Context, rc strategy.RankContext) error {
		m := zero
		if rc.Rank() != 0 {
			var err error
			m, err = t.buildModule(factory, rc.Rank())
			if err != nil {
				return err
			}
		}

		rtrain, err := data.Distribute(train, rc.Rank(), rc.WorldSize(), true)
		if err != nil {
			return fmt.Errorf("sharding train loader for rank %d: %w", rc.Rank(), err)
		}
		var rval data.Loader
		if val != nil {
			rval, err = data.Distribute(val, rc.Rank(), rc.WorldSize(), false)
			if err != nil {
				return fmt.Errorf("sharding val loader for rank %d: %w", rc.Rank(), err)
			}
		}

		fl, err := loop.NewFitLoop(loop.Config{
			RunID:             runID,
			Module:            m,
			TrainLoader:       rtrain,
			ValLoader:         rval,
			Criteria:          plan.criteria,
			Validation:        plan.validation,
			Accumulation:      plan.accumulation,
			Callbacks:         plan.callbacks,
			Logger:            plan.logger,
			LogEveryNSteps:    t.opts.LogEveryNSteps,
			LimitTrainBatches: plan.limitTrain,
			LimitValBatches:   plan.limitVal,
			NumSanityValSteps: plan.sanity,
			Resume:            resume,
		}, rc)
		if err != nil {
			return err
		}

		res, err := fl.Run(ctx)
		results[rc.Rank()] = res
		return err
	})

	if plan.logger != nil {
		if ferr := plan.logger.Finalize(context.WithoutCancel(ctx), finalStatus(lerr)); ferr != nil {
			log.Printf("[Trainer] logger finalize failed: %v", ferr)
		}
	}

	res := &Result{
		RunID:         runID,
		BestModelPath: bestModelPath(plan.callbacks),
		Duration:      time.Since(start),
	}
	if r := results[0]; r != nil {
		res.State = r.State
		res.StopReason = r.StopReason
		res.TrainMetrics = r.TrainMetrics
		res.ValMetrics = r.ValMetrics
	}

	t.mu.Lock()
	t.results[runID] = res
	t.lastRunID = runID
	t.mu.Unlock()

	return res, lerr
}

// Validate runs one validation pass outside a fit and returns its
// metrics. Evaluation entry points drive a single rank; scheduled
// validation inside a multi-rank fit shards across ranks instead.
func (t *Trainer) Validate(ctx context.Context, m module.Module, loader data.Loader) (map[string]float64, error) {
	return t.eval(ctx, m, loader, runstate.StageValidate)
}

// Test runs one test pass and returns its metrics.
func (t *Trainer) Test(ctx context.Context, m module.Module, loader data.Loader) (map[string]float64, error) {
	return t.eval(ctx, m, loader, runstate.StageTest)
}

func (t *Trainer) eval(ctx context.Context, m module.Module, loader data.Loader, stage runstate.Stage) (map[string]float64, error) {
	if m == nil {
		return nil, fmt.Errorf("trainer: %w", loop.ErrNoModule)
	}
	var err error
	switch stage {
	case runstate.StageTest:
		loader, err = testLoaderFor(m, loader)
	default:
		loader, err = valLoaderFor(m, loader)
	}
	if err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, fmt.Errorf("trainer: %w: pass one or implement the loader provider", loop.ErrNoLoader)
	}

	runID := t.generateRunID()
	t.setupEvents(runID)

	limit := t.opts.LimitValBatches
	if stage == runstate.StageTest {
		limit = t.opts.LimitTestBatches
	}
	logger := t.opts.Logger
	if t.opts.FastDevRun {
		limit = schedule.Batches(1)
		logger = nil
	}

	return loop.RunEval(ctx, loop.EvalConfig{
		RunID:     runID,
		Module:    m,
		Loader:    loader,
		Stage:     stage,
		Limit:     limit,
		Callbacks: dropFitOnly(t.opts.Callbacks),
		Logger:    logger,
	}, nil)
}

// Predict runs the module's predict step over a loader and returns one
// output per batch.
func (t *Trainer) Predict(ctx context.Context, m module.Module, loader data.Loader) ([]any, error) {
	if m == nil {
		return nil, fmt.Errorf("trainer: %w", loop.ErrNoModule)
	}
	loader, err := predictLoaderFor(m, loader)
	if err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, fmt.Errorf("trainer: %w: pass one or implement PredictLoaderProvider", loop.ErrNoLoader)
	}

	runID := t.generateRunID()
	t.setupEvents(runID)

	limit := t.opts.LimitPredictBatches
	if t.opts.FastDevRun {
		limit = schedule.Batches(1)
	}

	return loop.RunPredict(ctx, loop.PredictConfig{
		RunID:  runID,
		Module: m,
		Loader: loader,
		Limit:  limit,
	}, nil)
}

// fitPlan is the per-fit rendering of the options: criteria, schedules
// and the assembled callback chain.
type fitPlan struct {
	criteria     stopping.Criteria
	validation   schedule.ValidationSchedule
	accumulation schedule.Accumulation
	limitTrain   schedule.Interval
	limitVal     schedule.Interval
	sanity       int
	callbacks    []callbacks.Callback
	logger       loggers.Logger
}

func (t *Trainer) planFit() (fitPlan, error) {
	o := t.opts
	plan := fitPlan{
		criteria:     o.criteria(),
		validation:   o.validationSchedule(),
		accumulation: o.accumulation(),
		limitTrain:   o.LimitTrainBatches,
		limitVal:     o.LimitValBatches,
		sanity:       o.NumSanityValSteps,
		logger:       o.Logger,
	}

	cbs := make([]callbacks.Callback, 0, len(o.Callbacks)+1)
	cbs = append(cbs, o.Callbacks...)

	if o.FastDevRun {
		plan.criteria = stopping.Criteria{MaxEpochs: 1}
		plan.limitTrain = schedule.Batches(1)
		plan.limitVal = schedule.Batches(1)
		plan.sanity = 0
		plan.logger = nil
		cbs = dropFitOnly(cbs)
		log.Printf("[Trainer] Fast dev run: one batch per loop, checkpointing and early stopping disabled")
	} else if t.store != nil && !hasModelCheckpoint(cbs) {
		mc, err := callbacks.NewModelCheckpoint(callbacks.ModelCheckpointConfig{
			Store:    t.store,
			SaveTopK: 1,
		})
		if err != nil {
			return fitPlan{}, fmt.Errorf("trainer: default checkpoint callback: %w", err)
		}
		cbs = append(cbs, mc)
	}

	plan.callbacks = orderCallbacks(cbs)
	return plan, nil
}

func (t *Trainer) buildModule(factory ModuleFactory, rank int) (module.Module, error) {
	m, err := factory(rank)
	if err != nil {
		return nil, fmt.Errorf("building module for rank %d: %w", rank, err)
	}
	if m == nil {
		return nil, fmt.Errorf("module factory returned nil for rank %d", rank)
	}
	return m, nil
}

// generateRunID generates a unique run id.
// Format: run_{20 hex chars}.
func (t *Trainer) generateRunID() string {
	ts := time.Now().UnixNano()
	counter := t.runCounter.Add(1)
	suffix := fmt.Sprintf("%016x%04x", ts, counter&0xFFFF)
	return fmt.Sprintf("run_%s", suffix)
}

func (t *Trainer) setupEvents(runID string) {
	if !t.opts.EnableEvents {
		return
	}
	w := t.opts.EventWriter
	if w == nil {
		w = os.Stderr
	}
	events.SetGlobalEventLogger(events.NewEventLoggerWithWriter(runID, 0, w))
}

func trainLoaderFor(m module.Module, loader data.Loader) (data.Loader, error) {
	if loader != nil {
		return loader, nil
	}
	if p, ok := m.(module.TrainLoaderProvider); ok {
		l, err := p.TrainLoader()
		if err != nil {
			return nil, fmt.Errorf("module train loader: %w", err)
		}
		return l, nil
	}
	return nil, nil
}

func valLoaderFor(m module.Module, loader data.Loader) (data.Loader, error) {
	if loader != nil {
		return loader, nil
	}
	if p, ok := m.(module.ValLoaderProvider); ok {
		l, err := p.ValLoader()
		if err != nil {
			return nil, fmt.Errorf("module val loader: %w", err)
		}
		return l, nil
	}
	return nil, nil
}

func testLoaderFor(m module.Module, loader data.Loader) (data.Loader, error) {
	if loader != nil {
		return loader, nil
	}
	if p, ok := m.(module.TestLoaderProvider); ok {
		l, err := p.TestLoader()
		if err != nil {
			return nil, fmt.Errorf("module test loader: %w", err)
		}
		return l, nil
	}
	return nil, nil
}

func predictLoaderFor(m module.Module, loader data.Loader) (data.Loader, error) {
	if loader != nil {
		return loader, nil
	}
	if p, ok := m.(module.PredictLoaderProvider); ok {
		l, err := p.PredictLoader()
		if err != nil {
			return nil, fmt.Errorf("module predict loader: %w", err)
		}
		return l, nil
	}
	return nil, nil
}

// fitOnly reports whether a callback only makes sense while fitting.
// Checkpoint saves and stop requests from a standalone evaluation pass
// would corrupt the fit they belong to.
func fitOnly(cb callbacks.Callback) bool {
	switch cb.(type) {
	case *callbacks.ModelCheckpoint, *callbacks.EarlyStopping:
		return true
	}
	return false
}

func dropFitOnly(cbs []callbacks.Callback) []callbacks.Callback {
	out := make([]callbacks.Callback, 0, len(cbs))
	for _, cb := range cbs {
		if fitOnly(cb) {
			continue
		}
		out = append(out, cb)
	}
	return out
}

func hasModelCheckpoint(cbs []callbacks.Callback) bool {
	for _, cb := range cbs {
		if _, ok := cb.(*callbacks.ModelCheckpoint); ok {
			return true
		}
	}
	return false
}

// orderCallbacks moves checkpoint callbacks to the end of the chain so
// they save after every other callback updated its state.
func orderCallbacks(cbs []callbacks.Callback) []callbacks.Callback {
	ordered := make([]callbacks.Callback, 0, len(cbs))
	var saving []callbacks.Callback
	for _, cb := range cbs {
		if _, ok := cb.(*callbacks.ModelCheckpoint); ok {
			saving = append(saving, cb)
			continue
		}
		ordered = append(ordered, cb)
	}
	return append(ordered, saving...)
}

func bestModelPath(cbs []callbacks.Callback) string {
	for _, cb := range cbs {
		if mc, ok := cb.(*callbacks.ModelCheckpoint); ok {
			if p := mc.BestModelPath(); p != "" {
				return p
			}
		}
	}
	return ""
}

func finalStatus(err error) string {
	switch {
	case err == nil:
		return "finished"
	case errors.Is(err, loop.ErrInterrupted):
		return "interrupted"
	default:
		return "failed"
	}
}

// SeedEverything seeds the framework RNGs so loader shuffles and
// distributed shards reproduce across processes and ranks. It returns
// the seed.
func SeedEverything(seed int64) int64 {
	data.SetDefaultSeed(seed)
	log.Printf("[Trainer] Global seed set to %d", seed)
	return seed
}
