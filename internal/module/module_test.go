package module

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/strideml/stride/internal/data"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	err := r.Register("demo", NewSGDRegression)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	_ = r.Register("demo", NewSGDRegression)

	err := r.Register("demo", NewSGDRegression)
	if err == nil {
		t.Fatal("expected error for duplicate registration")
	}

	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Errorf("expected RegistrationError, got %T", err)
	}
}

func TestRegistry_RegisterNil(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("demo", nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
	if err := r.Register("", NewSGDRegression); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegistry_New(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("demo", NewSGDRegression)

	m, err := r.New("demo", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m.Name() != NameSGDRegression {
		t.Errorf("expected name %s, got %s", NameSGDRegression, m.Name())
	}

	if _, err := r.New("missing", nil); err == nil {
		t.Fatal("expected error for unregistered module")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("zeta", NewSGDRegression)
	_ = r.Register("alpha", NewSGDRegression)

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("expected sorted names [alpha zeta], got %v", names)
	}
}

func TestDefaultRegistryHasBuiltins(t *testing.T) {
	if _, ok := DefaultRegistry.Get(NameSGDRegression); !ok {
		t.Fatalf("expected %s in the default registry", NameSGDRegression)
	}
}

func TestSGDRegressionParams(t *testing.T) {
	m, err := NewSGDRegression(map[string]any{
		"lr":         0.1,
		"samples":    64,
		"batch_size": 8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg := m.(*SGDRegression)
	if reg.lr != 0.1 || reg.samples != 64 || reg.batchSize != 8 {
		t.Fatalf("params not applied: %+v", reg)
	}

	if _, err := NewSGDRegression(map[string]any{"lr": "fast"}); err == nil {
		t.Fatal("expected error for non numeric lr")
	}
	if _, err := NewSGDRegression(map[string]any{"lr": -1.0}); err == nil {
		t.Fatal("expected error for negative lr")
	}
}

func TestSGDRegressionGradientAccumulation(t *testing.T) {
	m, err := NewSGDRegression(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg := m.(*SGDRegression)

	batch := data.Batch{Samples: []any{[2]float64{1, 2}}}
	if _, err := reg.TrainingStep(context.Background(), batch, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.weight != 0 || reg.bias != 0 {
		t.Fatalf("parameters must not move before the optimizer steps")
	}
	if reg.gradW == 0 && reg.gradB == 0 {
		t.Fatalf("expected accumulated gradients after a training step")
	}

	gradW := reg.gradW
	if _, err := reg.TrainingStep(context.Background(), batch, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.gradW != 2*gradW {
		t.Fatalf("gradients must accumulate across batches: %v then %v", gradW, reg.gradW)
	}

	opts, err := reg.ConfigureOptimizers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := opts[0].Step(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.weight == 0 && reg.bias == 0 {
		t.Fatalf("optimizer step must move the parameters")
	}
	opts[0].ZeroGrad()
	if reg.gradW != 0 || reg.gradB != 0 {
		t.Fatalf("zero grad must clear accumulated gradients")
	}
}

func TestSGDRegressionConverges(t *testing.T) {
	m, err := NewSGDRegression(map[string]any{"samples": 128, "lr": 0.2, "noise": 0.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg := m.(*SGDRegression)

	loader, err := reg.TrainLoader()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts, err := reg.ConfigureOptimizers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	for epoch := 0; epoch < 60; epoch++ {
		it := loader.Batches()
		batchIdx := 0
		for {
			batch, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := reg.TrainingStep(ctx, batch, batchIdx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := opts[0].Step(ctx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			opts[0].ZeroGrad()
			batchIdx++
		}
	}

	if math.Abs(reg.Weight()-3.0) > 0.1 {
		t.Fatalf("weight did not converge to 3.0, got %v", reg.Weight())
	}
	if math.Abs(reg.Bias()-(-1.0)) > 0.1 {
		t.Fatalf("bias did not converge to -1.0, got %v", reg.Bias())
	}
}

func TestSGDRegressionSnapshotRestore(t *testing.T) {
	m, _ := NewSGDRegression(nil)
	reg := m.(*SGDRegression)
	reg.weight = 1.5
	reg.bias = -0.25

	state, err := reg.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other, _ := NewSGDRegression(nil)
	if err := other.(*SGDRegression).Restore(state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.(*SGDRegression).Weight() != 1.5 || other.(*SGDRegression).Bias() != -0.25 {
		t.Fatalf("restore did not reproduce the snapshot")
	}
}

func TestStepErrorUnwrap(t *testing.T) {
	cause := errors.New("bad sample")
	err := NewStepError("demo", "training", 4, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to reach the cause")
	}
}
