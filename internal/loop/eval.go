package loop

import (
	"context"
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

// EvalConfig assembles a standalone validation or test pass.
type EvalConfig struct {
	RunID  string
	Module module.Module
	Loader data.Loader

	// Stage selects the step hook: StageValidate or StageTest.
	Stage runstate.Stage

	Limit     schedule.Interval
	Callbacks []callbacks.Callback
	Logger    loggers.Logger
}

// RunEval executes one evaluation pass on this rank and returns the
// world means of its metrics.
func RunEval(ctx context.Context, cfg EvalConfig, rc strategy.RankContext) (map[string]float64, error) {
	if cfg.Module == nil {
		return nil, ErrNoModule
	}
	if cfg.Loader == nil {
		return nil, ErrNoLoader
	}
	if rc == nil {
		rc = strategy.Solo()
	}
	if cfg.Stage != runstate.StageValidate && cfg.Stage != runstate.StageTest {
		return nil, fmt.Errorf("stage %q cannot drive an evaluation pass", cfg.Stage)
	}
	if err := cfg.Limit.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil || !rc.IsGlobalZero() {
		logger = loggers.NewNoopLogger()
	}
	isZero := rc.IsGlobalZero()

	ctx, span := otel.GetGlobalTracer().StartPhaseSpan(ctx, otel.PhaseSpanOptions{
		RunID: cfg.RunID,
		Stage: string(cfg.Stage),
		Rank:  rc.Rank(),
	})
	defer span.End()

	state := runstate.State{
		RunID:  cfg.RunID,
		Stage:  cfg.Stage,
		Status: runstate.StatusRunning,
	}
	handle := newRunHandle(cfg.RunID, &state, stopping.Criteria{}.Normalized(), cfg.Module, nil, cfg.Callbacks)
	handle.ctx = ctx

	if isZero && cfg.Stage == runstate.StageValidate {
		for _, cb := range cfg.Callbacks {
			if err := cb.OnValidationStart(ctx, handle); err != nil {
				return nil, fmt.Errorf("validation start hook failed: %w", err)
			}
		}
	}

	p := evalPass{
		module: cfg.Module,
		loader: cfg.Loader,
		stage:  cfg.Stage,
		limit:  cfg.Limit,
		rc:     rc,
	}
	metrics, batches, err := p.run(ctx)
	if err != nil {
		return nil, err
	}

	if isZero {
		if err := logger.LogMetrics(ctx, metrics, 0); err != nil {
			log.Printf("[EvalLoop] metrics logging failed: %v", err)
		}
		if err := logger.Save(ctx); err != nil {
			log.Printf("[EvalLoop] metrics flush failed: %v", err)
		}
		events.GetGlobalEventLogger().LogValidation(cfg.Stage, 0, 0, batches)
		if cfg.Stage == runstate.StageValidate {
			otel.GetGlobalMetrics().RecordValidationPass(ctx)
			for _, cb := range cfg.Callbacks {
				if err := cb.OnValidationEnd(ctx, handle, metrics); err != nil {
					return nil, fmt.Errorf("validation end hook failed: %w", err)
				}
			}
		}
	}
	return metrics, nil
}

// PredictConfig assembles a prediction pass.
type PredictConfig struct {
	RunID  string
	Module module.Module
	Loader data.Loader
	Limit  schedule.Interval
}

// RunPredict executes a prediction pass and returns one output per
// batch, in loader order. Each rank returns the outputs of its own
// shard.
func RunPredict(ctx context.Context, cfg PredictConfig, rc strategy.RankContext) ([]any, error) {
	if cfg.Module == nil {
		return nil, ErrNoModule
	}
	if cfg.Loader == nil {
		return nil, ErrNoLoader
	}
	if rc == nil {
		rc = strategy.Solo()
	}
	stepper, ok := cfg.Module.(module.PredictStepper)
	if !ok {
		return nil, fmt.Errorf("module %s has no predict step", cfg.Module.Name())
	}
	if err := cfg.Limit.Validate(); err != nil {
		return nil, err
	}
	total := cfg.Loader.Len()
	limit, err := cfg.Limit.ResolveLimit(total)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.GetGlobalTracer().StartPhaseSpan(ctx, otel.PhaseSpanOptions{
		RunID: cfg.RunID,
		Stage: string(runstate.StagePredict),
		Rank:  rc.Rank(),
	})
	defer span.End()

	om := otel.GetGlobalMetrics()
	var outputs []any
	it := cfg.Loader.Batches()
	for batchIdx := 0; batchIdx < limit; batchIdx++ {
		if ctx.Err() != nil {
			return outputs, interruption(ctx)
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return outputs, fmt.Errorf("reading predict batch %d: %w", batchIdx, err)
		}
		start := time.Now()
		out, err := stepper.PredictStep(ctx, batch, batchIdx)
		if err != nil {
			if ctx.Err() != nil {
				return outputs, interruption(ctx)
			}
			om.RecordError(ctx, "predict_step")
			return outputs, asStepError(cfg.Module.Name(), "predict", batchIdx, err)
		}
		om.RecordBatchDuration(ctx, "predict", float64(time.Since(start).Microseconds())/1000.0)
		om.AddBatches(ctx, "predict", 1)
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// evalPass is one inference pass over a loader. It serves the sanity
// check, fit validation and the standalone entry points.
type evalPass struct {
	module module.Module
	loader data.Loader
	stage  runstate.Stage
	limit  schedule.Interval

	// maxBatches caps the pass after the limit applies; zero means no
	// cap. The sanity check uses it.
	maxBatches int

	rc strategy.RankContext
}

// run iterates the pass and returns the world means of its metrics
// together with the number of batches this rank processed.
func (p *evalPass) run(ctx context.Context) (map[string]float64, int, error) {
	step, lossKey, phase, err := p.stepper()
	if err != nil {
		return nil, 0, err
	}

	total := p.loader.Len()
	limit, err := p.limit.ResolveLimit(total)
	if err != nil {
		return nil, 0, err
	}
	if p.maxBatches > 0 && p.maxBatches < limit {
		limit = p.maxBatches
	}

	om := otel.GetGlobalMetrics()
	agg := newMeanSet()
	it := p.loader.Batches()
	batches := 0
	for batches < limit {
		if ctx.Err() != nil {
			return nil, batches, interruption(ctx)
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, batches, fmt.Errorf("reading %s batch %d: %w", p.stage, batches, err)
		}
		start := time.Now()
		result, err := step(ctx, batch, batches)
		if err != nil {
			if ctx.Err() != nil {
				return nil, batches, interruption(ctx)
			}
			om.RecordError(ctx, phase+"_step")
			return nil, batches, asStepError(p.module.Name(), phase, batches, err)
		}
		om.RecordBatchDuration(ctx, string(p.stage), float64(time.Since(start).Microseconds())/1000.0)
		om.AddBatches(ctx, string(p.stage), 1)

		agg.add(lossKey, result.Loss)
		for k, v := range result.Metrics {
			agg.add(k, v)
		}
		batches++
	}

	metrics, err := reduceMeans(ctx, p.rc, agg.means())
	if err != nil {
		return nil, batches, fmt.Errorf("%s metric reduce failed: %w", p.stage, err)
	}
	return metrics, batches, nil
}

func (p *evalPass) stepper() (func(context.Context, data.Batch, int) (module.StepResult, error), string, string, error) {
	switch p.stage {
	case runstate.StageValidate, runstate.StageSanityCheck:
		s, ok := p.module.(module.ValidationStepper)
		if !ok {
			return nil, "", "", fmt.Errorf("module %s has no validation step", p.module.Name())
		}
		return s.ValidationStep, "val_loss", "validation", nil
	case runstate.StageTest:
		s, ok := p.module.(module.TestStepper)
		if !ok {
			return nil, "", "", fmt.Errorf("module %s has no test step", p.module.Name())
		}
		return s.TestStep, "test_loss", "test", nil
	default:
		return nil, "", "", fmt.Errorf("stage %q cannot drive an evaluation pass", p.stage)
	}
}
