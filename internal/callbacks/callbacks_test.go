package callbacks

import (
	"context"
	"encoding/json"

	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/runstate"
)

type fakeRun struct {
	id          string
	state       runstate.State
	stopReasons []string
	logged      []map[string]float64
	optimizers  []module.Optimizer
	buildErr    error
}

func newFakeRun(id string) *fakeRun {
	return &fakeRun{
		id: id,
		state: runstate.State{
			RunID:  id,
			Stage:  runstate.StageTrain,
			Status: runstate.StatusRunning,
		},
	}
}

func (f *fakeRun) RunID() string { return f.id }

func (f *fakeRun) State() runstate.State { return f.state }

func (f *fakeRun) RequestStop(reason string) {
	f.state.ShouldStop = true
	f.stopReasons = append(f.stopReasons, reason)
}

func (f *fakeRun) LogMetrics(metrics map[string]float64) {
	f.logged = append(f.logged, metrics)
}

func (f *fakeRun) Optimizers() []module.Optimizer { return f.optimizers }

func (f *fakeRun) BuildCheckpoint() (*checkpoint.Checkpoint, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &checkpoint.Checkpoint{
		RunID:       f.id,
		ModuleName:  "fake",
		Epoch:       f.state.CurrentEpoch,
		GlobalStep:  f.state.GlobalStep,
		ModuleState: json.RawMessage(`{}`),
	}, nil
}

type fakeOptimizer struct {
	lr    float64
	steps int
}

func (f *fakeOptimizer) Step(ctx context.Context) error {
	f.steps++
	return nil
}

func (f *fakeOptimizer) ZeroGrad() {}

func (f *fakeOptimizer) LR() float64 { return f.lr }

func (f *fakeOptimizer) SetLR(lr float64) { f.lr = lr }

// plainOptimizer has no learning-rate accessor.
type plainOptimizer struct{}

func (p *plainOptimizer) Step(ctx context.Context) error { return nil }

func (p *plainOptimizer) ZeroGrad() {}
