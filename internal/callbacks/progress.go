package callbacks

import (
	"context"
	"time"

	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/module"
)

// DefaultProgressInterval is how often the progress reporter emits.
const DefaultProgressInterval = 10 * time.Second

// ProgressReporter periodically emits a structured progress event with
// the current epoch, step and loss.
type ProgressReporter struct {
	Base

	interval time.Duration
	nowFunc  func() time.Time

	lastReport time.Time
}

// NewProgressReporter emits at most once per interval. Zero or
// negative uses DefaultProgressInterval.
func NewProgressReporter(interval time.Duration) *ProgressReporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressReporter{
		interval: interval,
		nowFunc:  time.Now,
	}
}

func (p *ProgressReporter) OnFitStart(ctx context.Context, run Run) error {
	p.lastReport = p.nowFunc()
	return nil
}

func (p *ProgressReporter) OnTrainBatchEnd(ctx context.Context, run Run, result module.StepResult, batchIdx int) error {
	now := p.nowFunc()
	if now.Sub(p.lastReport) < p.interval {
		return nil
	}
	p.lastReport = now

	state := run.State()
	events.GetGlobalEventLogger().LogProgress(state.CurrentEpoch, state.GlobalStep, batchIdx, result.Loss)
	return nil
}
