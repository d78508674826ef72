package callbacks

import (
	"context"
	"testing"

	"github.com/strideml/stride/internal/module"
)

func TestLearningRateMonitorSingleOptimizer(t *testing.T) {
	run := newFakeRun("run_1")
	run.optimizers = []module.Optimizer{&fakeOptimizer{lr: 0.01}}

	monitor := NewLearningRateMonitor()
	_ = monitor.OnTrainBatchEnd(context.Background(), run, module.StepResult{}, 0)

	if len(run.logged) != 1 {
		t.Fatalf("expected 1 metrics batch, got %d", len(run.logged))
	}
	if run.logged[0]["lr"] != 0.01 {
		t.Errorf("expected lr 0.01, got %v", run.logged[0])
	}
}

func TestLearningRateMonitorMultipleOptimizers(t *testing.T) {
	run := newFakeRun("run_1")
	run.optimizers = []module.Optimizer{
		&fakeOptimizer{lr: 0.01},
		&fakeOptimizer{lr: 0.1},
	}

	monitor := NewLearningRateMonitor()
	_ = monitor.OnTrainBatchEnd(context.Background(), run, module.StepResult{}, 0)

	metrics := run.logged[0]
	if metrics["lr-0"] != 0.01 || metrics["lr-1"] != 0.1 {
		t.Errorf("expected indexed lr keys, got %v", metrics)
	}
}

func TestLearningRateMonitorSkipsOpaqueOptimizers(t *testing.T) {
	run := newFakeRun("run_1")
	run.optimizers = []module.Optimizer{&plainOptimizer{}}

	monitor := NewLearningRateMonitor()
	_ = monitor.OnTrainBatchEnd(context.Background(), run, module.StepResult{}, 0)

	if len(run.logged) != 0 {
		t.Errorf("expected no metrics for optimizers without a learning rate, got %d", len(run.logged))
	}
}
