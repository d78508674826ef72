package tuner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/module"
)

// capModule trains fine up to a fixed batch size and reports an
// out-of-memory error above it.
type capModule struct {
	cap      int
	batches  []int
	restored []byte
}

func (m *capModule) Name() string { return "cap" }

func (m *capModule) TrainingStep(_ context.Context, batch data.Batch, _ int) (module.StepResult, error) {
	if batch.Size() > m.cap {
		return module.StepResult{}, fmt.Errorf("out of memory at batch size %d", batch.Size())
	}
	m.batches = append(m.batches, batch.Size())
	return module.StepResult{Loss: 0.1}, nil
}

func (m *capModule) ConfigureOptimizers() ([]module.Optimizer, error) {
	return []module.Optimizer{&fakeOptimizer{lr: 0.01}}, nil
}

func (m *capModule) Snapshot() ([]byte, error) { return []byte(`{"w":2}`), nil }

func (m *capModule) Restore(state []byte) error {
	m.restored = append([]byte(nil), state...)
	return nil
}

func TestScaleBatchSizeStopsAtDatasetBound(t *testing.T) {
	m := &capModule{cap: 1000}

	best, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{
		Module:        m,
		Dataset:       &intDataset{n: 10},
		StepsPerTrial: 2,
	})
	if err != nil {
		t.Fatalf("ScaleBatchSize failed: %v", err)
	}
	if best != 8 {
		t.Fatalf("expected batch size 8 on a 10-sample dataset, got %d", best)
	}

	want := []int{2, 2, 4, 4, 8, 8}
	if len(m.batches) != len(want) {
		t.Fatalf("expected %d probe steps, got %v", len(want), m.batches)
	}
	for i, size := range want {
		if m.batches[i] != size {
			t.Errorf("probe step %d: expected batch size %d, got %d", i, size, m.batches[i])
		}
	}
	if string(m.restored) != `{"w":2}` {
		t.Errorf("expected the module snapshot restored, got %q", m.restored)
	}
}

func TestScaleBatchSizeStopsAtModuleCapacity(t *testing.T) {
	m := &capModule{cap: 16}

	best, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{
		Module:  m,
		Dataset: &intDataset{n: 64},
	})
	if err != nil {
		t.Fatalf("ScaleBatchSize failed: %v", err)
	}
	if best != 16 {
		t.Fatalf("expected batch size 16 from a capacity of 16, got %d", best)
	}
	if last := m.batches[len(m.batches)-1]; last != 16 {
		t.Errorf("expected the last surviving probe at size 16, got %d", last)
	}
}

func TestScaleBatchSizeHonorsMaxTrials(t *testing.T) {
	m := &capModule{cap: 1024}

	best, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{
		Module:    m,
		Dataset:   &intDataset{n: 1024},
		MaxTrials: 3,
	})
	if err != nil {
		t.Fatalf("ScaleBatchSize failed: %v", err)
	}
	if best != 8 {
		t.Fatalf("expected batch size 8 after 3 trials, got %d", best)
	}
}

func TestScaleBatchSizeInitialFailure(t *testing.T) {
	m := &capModule{cap: 1}

	_, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{
		Module:  m,
		Dataset: &intDataset{n: 64},
	})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !strings.Contains(err.Error(), "initial size 2 failed") {
		t.Errorf("expected an initial-size failure, got %q", err)
	}
}

func TestScaleBatchSizeDatasetTooSmall(t *testing.T) {
	m := &capModule{cap: 1000}

	_, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{
		Module:  m,
		Dataset: &intDataset{n: 1},
	})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !strings.Contains(err.Error(), "cannot fill the initial batch size") {
		t.Errorf("expected a too-small-dataset failure, got %q", err)
	}
}

func TestScaleBatchSizeRejectsBadInputs(t *testing.T) {
	if _, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{Dataset: &intDataset{n: 4}}); err == nil || !strings.Contains(err.Error(), "module is required") {
		t.Errorf("expected a missing-module error, got %v", err)
	}
	if _, err := ScaleBatchSize(context.Background(), BatchSizeFinderConfig{Module: &capModule{cap: 8}}); err == nil || !strings.Contains(err.Error(), "dataset is required") {
		t.Errorf("expected a missing-dataset error, got %v", err)
	}
}

func TestScaleBatchSizeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ScaleBatchSize(ctx, BatchSizeFinderConfig{
		Module:  &capModule{cap: 8},
		Dataset: &intDataset{n: 64},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
