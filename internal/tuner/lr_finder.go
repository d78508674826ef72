// Package tuner probes a module for workable hyperparameters before a
// real fit: an exponential learning-rate sweep and a doubling
// batch-size search. Probes train the module in place and restore its
// parameters afterwards when it snapshots.
package tuner

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/module"
)

// Defaults of the learning-rate sweep.
const (
	DefaultLRSteps       = 100
	DefaultMinLR         = 1e-8
	DefaultMaxLR         = 1.0
	DefaultDivergeFactor = 4.0
	DefaultSmoothing     = 0.98
)

// The first points of a sweep are dominated by the initial loss and
// the last by divergence; the suggestion skips both edges.
const (
	suggestSkipBegin = 10
	suggestSkipEnd   = 1
)

// LRFinderConfig configures FindLR.
type LRFinderConfig struct {
	Module module.Module

	// Loader feeds the sweep and is cycled when shorter than NumSteps.
	Loader data.Loader

	// NumSteps bounds the sweep length. Defaults to DefaultLRSteps.
	NumSteps int

	// MinLR and MaxLR bound the exponential ramp.
	MinLR float64
	MaxLR float64

	// DivergeFactor aborts the sweep once the smoothed loss exceeds
	// this multiple of the best smoothed loss seen.
	DivergeFactor float64

	// Smoothing is the exponential smoothing weight applied to the
	// recorded losses.
	Smoothing float64
}

// LRFinderResult is the sweep curve and its suggestion.
type LRFinderResult struct {
	// LRs and Losses hold the learning rate tried at each step and the
	// smoothed loss it produced.
	LRs    []float64
	Losses []float64

	// Suggestion is the learning rate at the steepest descent of the
	// smoothed loss curve.
	Suggestion float64
}

// FindLR ramps the learning rate exponentially from MinLR to MaxLR
// over NumSteps training steps, recording the smoothed loss at each
// rate, and suggests the rate where the curve falls fastest. The
// module's parameters and the optimizer's learning rate are restored
// before returning.
func FindLR(ctx context.Context, cfg LRFinderConfig) (*LRFinderResult, error) {
	if cfg.Module == nil {
		return nil, fmt.Errorf("lr finder: module is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("lr finder: loader is required")
	}
	if cfg.NumSteps <= 0 {
		cfg.NumSteps = DefaultLRSteps
	}
	if cfg.MinLR == 0 {
		cfg.MinLR = DefaultMinLR
	}
	if cfg.MaxLR == 0 {
		cfg.MaxLR = DefaultMaxLR
	}
	if cfg.DivergeFactor == 0 {
		cfg.DivergeFactor = DefaultDivergeFactor
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = DefaultSmoothing
	}
	if cfg.MinLR <= 0 || cfg.MaxLR <= cfg.MinLR {
		return nil, fmt.Errorf("lr finder: need 0 < min lr < max lr, got [%g, %g]", cfg.MinLR, cfg.MaxLR)
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, fmt.Errorf("lr finder: smoothing must be in [0, 1), got %g", cfg.Smoothing)
	}

	optimizers, err := cfg.Module.ConfigureOptimizers()
	if err != nil {
		return nil, fmt.Errorf("lr finder: configuring optimizers: %w", err)
	}
	if len(optimizers) == 0 {
		return nil, fmt.Errorf("lr finder: module has no optimizer")
	}
	holder, ok := optimizers[0].(module.LRHolder)
	if !ok {
		return nil, fmt.Errorf("lr finder: optimizer does not expose its learning rate")
	}

	restore, err := snapshotForRestore(cfg.Module)
	if err != nil {
		return nil, err
	}
	originalLR := holder.LR()
	defer func() {
		holder.SetLR(originalLR)
		restore()
	}()

	ratio := cfg.MaxLR / cfg.MinLR
	res := &LRFinderResult{}
	var avg, best float64

	it := cfg.Loader.Batches()
	for step := 0; step < cfg.NumSteps; step++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lr finder: %w", context.Cause(ctx))
		}

		batch, err := it.Next()
		if err == io.EOF {
			it = cfg.Loader.Batches()
			if batch, err = it.Next(); err == io.EOF {
				return nil, fmt.Errorf("lr finder: loader yielded no batches")
			}
		}
		if err != nil {
			return nil, fmt.Errorf("lr finder: reading batch: %w", err)
		}

		lr := cfg.MinLR
		if cfg.NumSteps > 1 {
			lr = cfg.MinLR * math.Pow(ratio, float64(step)/float64(cfg.NumSteps-1))
		}
		holder.SetLR(lr)

		result, err := cfg.Module.TrainingStep(ctx, batch, step)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("lr finder: %w", context.Cause(ctx))
			}
			return nil, fmt.Errorf("lr finder: training step %d failed: %w", step, err)
		}
		for _, opt := range optimizers {
			if err := opt.Step(ctx); err != nil {
				return nil, fmt.Errorf("lr finder: optimizer step failed: %w", err)
			}
			opt.ZeroGrad()
		}

		// Bias-corrected exponential smoothing, so the first points are
		// not dragged toward zero.
		avg = cfg.Smoothing*avg + (1-cfg.Smoothing)*result.Loss
		smoothed := avg / (1 - math.Pow(cfg.Smoothing, float64(step+1)))

		if step == 0 || smoothed < best {
			best = smoothed
		}
		res.LRs = append(res.LRs, lr)
		res.Losses = append(res.Losses, smoothed)

		if step > 0 && smoothed > cfg.DivergeFactor*best {
			log.Printf("[Tuner] Loss diverged at lr=%.3g after %d steps, stopping the sweep", lr, step+1)
			break
		}
	}

	suggestion, err := steepestDescent(res.LRs, res.Losses)
	if err != nil {
		return nil, err
	}
	res.Suggestion = suggestion

	events.GetGlobalEventLogger().LogTunerResult("lr_find", suggestion)
	log.Printf("[Tuner] Suggested learning rate: %.3g", suggestion)
	return res, nil
}

// steepestDescent returns the lr at the fastest drop of the loss
// curve. The skip margins shrink for short sweeps.
func steepestDescent(lrs, losses []float64) (float64, error) {
	n := len(losses)
	if n < 3 {
		return 0, fmt.Errorf("lr finder: %d points is too short a sweep to suggest from", n)
	}
	skipBegin := suggestSkipBegin
	for n-skipBegin-suggestSkipEnd < 2 && skipBegin > 0 {
		skipBegin--
	}

	bestIdx := -1
	bestDrop := math.Inf(1)
	for i := skipBegin; i+1 < n-suggestSkipEnd; i++ {
		if d := losses[i+1] - losses[i]; d < bestDrop {
			bestDrop = d
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return 0, fmt.Errorf("lr finder: sweep too short to suggest from")
	}
	return lrs[bestIdx], nil
}

// snapshotForRestore captures the module's parameters and returns the
// func that puts them back. Modules without snapshot support restore
// nothing.
func snapshotForRestore(m module.Module) (func(), error) {
	snap, ok := m.(module.Snapshotter)
	if !ok {
		return func() {}, nil
	}
	state, err := snap.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("tuner: snapshot failed: %w", err)
	}
	return func() {
		if err := snap.Restore(state); err != nil {
			log.Printf("[Tuner] Failed to restore module state: %v", err)
		}
	}, nil
}
