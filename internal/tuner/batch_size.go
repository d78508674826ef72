package tuner

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/module"
)

// Defaults of the batch-size search.
const (
	DefaultBatchSizeInit = 2
	DefaultMaxTrials     = 25
	DefaultStepsPerTrial = 3
)

// BatchSizeFinderConfig configures ScaleBatchSize.
type BatchSizeFinderConfig struct {
	Module module.Module

	// Dataset provides the samples batched at each candidate size.
	Dataset data.Dataset

	// InitVal is the first size probed. Defaults to DefaultBatchSizeInit.
	InitVal int

	// MaxTrials bounds how many doublings to try.
	MaxTrials int

	// StepsPerTrial is how many training steps vet one candidate.
	StepsPerTrial int
}

// ScaleBatchSize doubles the batch size from InitVal until the dataset
// can no longer fill a batch or the module errors on one, and returns
// the largest size that survived a full trial. The module's parameters
// are restored before returning.
func ScaleBatchSize(ctx context.Context, cfg BatchSizeFinderConfig) (int, error) {
	if cfg.Module == nil {
		return 0, fmt.Errorf("batch size finder: module is required")
	}
	if cfg.Dataset == nil {
		return 0, fmt.Errorf("batch size finder: dataset is required")
	}
	if cfg.InitVal <= 0 {
		cfg.InitVal = DefaultBatchSizeInit
	}
	if cfg.MaxTrials <= 0 {
		cfg.MaxTrials = DefaultMaxTrials
	}
	if cfg.StepsPerTrial <= 0 {
		cfg.StepsPerTrial = DefaultStepsPerTrial
	}

	optimizers, err := cfg.Module.ConfigureOptimizers()
	if err != nil {
		return 0, fmt.Errorf("batch size finder: configuring optimizers: %w", err)
	}

	restore, err := snapshotForRestore(cfg.Module)
	if err != nil {
		return 0, err
	}
	defer restore()

	size := cfg.InitVal
	best := 0
	for trial := 0; trial < cfg.MaxTrials; trial++ {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("batch size finder: %w", context.Cause(ctx))
		}
		if size > cfg.Dataset.Len() {
			log.Printf("[Tuner] Batch size %d exceeds the dataset, stopping the search", size)
			break
		}
		if err := probeBatchSize(ctx, cfg, optimizers, size); err != nil {
			if ctx.Err() != nil {
				return 0, fmt.Errorf("batch size finder: %w", context.Cause(ctx))
			}
			if best == 0 {
				return 0, fmt.Errorf("batch size finder: initial size %d failed: %w", size, err)
			}
			log.Printf("[Tuner] Batch size %d failed (%v), keeping %d", size, err, best)
			break
		}
		best = size
		size *= 2
	}
	if best == 0 {
		return 0, fmt.Errorf("batch size finder: dataset of %d samples cannot fill the initial batch size %d",
			cfg.Dataset.Len(), cfg.InitVal)
	}

	events.GetGlobalEventLogger().LogTunerResult("scale_batch_size", float64(best))
	log.Printf("[Tuner] Suggested batch size: %d", best)
	return best, nil
}

// probeBatchSize runs a short trial at one candidate size. DropLast
// keeps every probed batch at the full size, so a trial that survives
// actually exercised the size it vouches for.
func probeBatchSize(ctx context.Context, cfg BatchSizeFinderConfig, optimizers []module.Optimizer, size int) error {
	loader, err := data.NewDataLoader(cfg.Dataset, data.LoaderOptions{BatchSize: size, DropLast: true})
	if err != nil {
		return err
	}
	it := loader.Batches()
	for step := 0; step < cfg.StepsPerTrial; step++ {
		batch, err := it.Next()
		if err == io.EOF {
			it = loader.Batches()
			if batch, err = it.Next(); err == io.EOF {
				return fmt.Errorf("loader cannot fill a batch of %d", size)
			}
		}
		if err != nil {
			return err
		}
		if _, err := cfg.Module.TrainingStep(ctx, batch, step); err != nil {
			return err
		}
		for _, opt := range optimizers {
			if err := opt.Step(ctx); err != nil {
				return err
			}
			opt.ZeroGrad()
		}
	}
	return nil
}
