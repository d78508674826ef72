package callbacks

import (
	"context"
	"strconv"

	"github.com/strideml/stride/internal/module"
)

// LearningRateMonitor records the learning rate of every optimizer
// that exposes one. A single optimizer logs under "lr", multiple
// optimizers under "lr-0", "lr-1", ...
type LearningRateMonitor struct {
	Base
}

// NewLearningRateMonitor creates the monitor.
func NewLearningRateMonitor() *LearningRateMonitor {
	return &LearningRateMonitor{}
}

func (l *LearningRateMonitor) OnTrainBatchEnd(ctx context.Context, run Run, result module.StepResult, batchIdx int) error {
	optimizers := run.Optimizers()

	metrics := make(map[string]float64)
	for i, opt := range optimizers {
		holder, ok := opt.(module.LRHolder)
		if !ok {
			continue
		}
		key := "lr"
		if len(optimizers) > 1 {
			key = "lr-" + strconv.Itoa(i)
		}
		metrics[key] = holder.LR()
	}

	if len(metrics) > 0 {
		run.LogMetrics(metrics)
	}
	return nil
}
