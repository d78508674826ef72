package callbacks

import (
	"context"
	"strings"
	"testing"

	"github.com/strideml/stride/internal/checkpoint"
)

func newTestStore(t *testing.T) *checkpoint.FilesystemStore {
	t.Helper()
	store, err := checkpoint.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store
}

func TestNewModelCheckpointValidation(t *testing.T) {
	store := newTestStore(t)

	t.Run("missing store", func(t *testing.T) {
		if _, err := NewModelCheckpoint(ModelCheckpointConfig{}); err == nil {
			t.Error("expected error for missing store")
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		if _, err := NewModelCheckpoint(ModelCheckpointConfig{Store: store, Mode: "bogus"}); err == nil {
			t.Error("expected error for invalid mode")
		}
	})

	t.Run("invalid top k", func(t *testing.T) {
		if _, err := NewModelCheckpoint(ModelCheckpointConfig{Store: store, SaveTopK: -2}); err == nil {
			t.Error("expected error for save top k below -1")
		}
	})
}

func saveAt(t *testing.T, mc *ModelCheckpoint, run *fakeRun, epoch, step int, valLoss float64) {
	t.Helper()
	run.state.CurrentEpoch = epoch
	run.state.GlobalStep = step
	err := mc.OnValidationEnd(context.Background(), run, map[string]float64{"val_loss": valLoss})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestModelCheckpointTopK(t *testing.T) {
	store := newTestStore(t)
	mc, err := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		Monitor:  "val_loss",
		SaveTopK: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	run := newFakeRun("run_1")

	saveAt(t, mc, run, 0, 10, 0.5)
	saveAt(t, mc, run, 1, 20, 0.3)
	saveAt(t, mc, run, 2, 30, 0.4)

	saved := mc.Saved()
	if len(saved) != 2 {
		t.Fatalf("expected 2 retained checkpoints, got %d", len(saved))
	}
	for _, entry := range saved {
		if *entry.Score == 0.5 {
			t.Errorf("expected the worst checkpoint (0.5) to be pruned, kept %+v", entry)
		}
	}

	infos, _ := store.List("run_1")
	if len(infos) != 2 {
		t.Errorf("expected 2 files on disk, got %d", len(infos))
	}

	if !strings.HasSuffix(mc.BestModelPath(), "epoch=1-step=20.json") {
		t.Errorf("unexpected best model path: %s", mc.BestModelPath())
	}
	if best, ok := mc.BestModelScore(); !ok || best != 0.3 {
		t.Errorf("expected best score 0.3, got %v (ok=%v)", best, ok)
	}
}

func TestModelCheckpointKeepAll(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		Monitor:  "val_loss",
		SaveTopK: -1,
	})
	run := newFakeRun("run_1")

	saveAt(t, mc, run, 0, 10, 0.5)
	saveAt(t, mc, run, 1, 20, 0.3)
	saveAt(t, mc, run, 2, 30, 0.4)

	if len(mc.Saved()) != 3 {
		t.Errorf("expected all 3 checkpoints retained, got %d", len(mc.Saved()))
	}
}

func TestModelCheckpointSaveLast(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		Monitor:  "val_loss",
		SaveTopK: 1,
		SaveLast: true,
	})
	run := newFakeRun("run_1")

	saveAt(t, mc, run, 0, 10, 0.5)

	if !strings.HasSuffix(mc.LastModelPath(), LastCheckpointName) {
		t.Errorf("unexpected last model path: %s", mc.LastModelPath())
	}

	loaded, err := store.Load(mc.LastModelPath())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Epoch != 0 || loaded.GlobalStep != 10 {
		t.Errorf("last checkpoint has wrong progress: epoch=%d step=%d", loaded.Epoch, loaded.GlobalStep)
	}

	infos, _ := store.List("run_1")
	if len(infos) != 2 {
		t.Errorf("expected ranked + last on disk, got %d files", len(infos))
	}
}

func TestModelCheckpointEveryNEpochs(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:        store,
		Monitor:      "val_loss",
		SaveTopK:     -1,
		EveryNEpochs: 2,
	})
	run := newFakeRun("run_1")

	saveAt(t, mc, run, 0, 10, 0.5) // epoch 0: skipped
	saveAt(t, mc, run, 1, 20, 0.4) // epoch 1: saved
	saveAt(t, mc, run, 2, 30, 0.3) // epoch 2: skipped
	saveAt(t, mc, run, 3, 40, 0.2) // epoch 3: saved

	if len(mc.Saved()) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(mc.Saved()))
	}
	if mc.Saved()[0].Epoch != 1 || mc.Saved()[1].Epoch != 3 {
		t.Errorf("unexpected epochs saved: %+v", mc.Saved())
	}
}

func TestModelCheckpointRecencyMode(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		SaveTopK: 2,
	})
	run := newFakeRun("run_1")

	ctx := context.Background()
	for epoch := 0; epoch < 3; epoch++ {
		run.state.CurrentEpoch = epoch
		run.state.GlobalStep = (epoch + 1) * 10
		if err := mc.OnValidationEnd(ctx, run, map[string]float64{"train_loss": 1.0}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	saved := mc.Saved()
	if len(saved) != 2 {
		t.Fatalf("expected 2 retained checkpoints, got %d", len(saved))
	}
	if saved[0].Epoch != 1 || saved[1].Epoch != 2 {
		t.Errorf("expected the two newest checkpoints, got %+v", saved)
	}
	if !strings.HasSuffix(mc.BestModelPath(), "epoch=2-step=30.json") {
		t.Errorf("expected newest checkpoint as best, got %s", mc.BestModelPath())
	}
}

func TestModelCheckpointDisabled(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		SaveTopK: 0,
	})
	run := newFakeRun("run_1")

	saveAt(t, mc, run, 0, 10, 0.5)

	infos, _ := store.List("run_1")
	if len(infos) != 0 {
		t.Errorf("expected no files with save top k 0, got %d", len(infos))
	}
}

func TestModelCheckpointTrainEpochEndFallback(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		SaveTopK: -1,
	})
	run := newFakeRun("run_1")
	ctx := context.Background()

	// Validation saves for epoch 0; the epoch-end hook must not
	// duplicate it.
	run.state.CurrentEpoch = 0
	run.state.GlobalStep = 10
	_ = mc.OnValidationEnd(ctx, run, map[string]float64{"loss": 1})
	run.state.GlobalStep = 12
	_ = mc.OnTrainEpochEnd(ctx, run, map[string]float64{"loss": 1})

	if len(mc.Saved()) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(mc.Saved()))
	}

	// Without validation the epoch-end hook takes over.
	run.state.CurrentEpoch = 1
	run.state.GlobalStep = 20
	_ = mc.OnTrainEpochEnd(ctx, run, map[string]float64{"loss": 0.9})

	if len(mc.Saved()) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(mc.Saved()))
	}
}

func TestModelCheckpointMissingMonitor(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		Monitor:  "val_loss",
		SaveTopK: 1,
		SaveLast: true,
	})
	run := newFakeRun("run_1")

	err := mc.OnValidationEnd(context.Background(), run, map[string]float64{"other": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mc.Saved()) != 0 {
		t.Errorf("expected no ranked save without the monitored metric, got %d", len(mc.Saved()))
	}
	// last.json is still maintained.
	if mc.LastModelPath() == "" {
		t.Error("expected last checkpoint to be written")
	}
}

func TestModelCheckpointStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	mc, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		Monitor:  "val_loss",
		SaveTopK: 2,
	})
	run := newFakeRun("run_1")

	saveAt(t, mc, run, 0, 10, 0.5)
	saveAt(t, mc, run, 1, 20, 0.3)

	data, err := mc.SaveState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	restored, _ := NewModelCheckpoint(ModelCheckpointConfig{
		Store:    store,
		Monitor:  "val_loss",
		SaveTopK: 2,
	})
	if err := restored.LoadState(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(restored.Saved()) != 2 {
		t.Errorf("expected 2 tracked checkpoints, got %d", len(restored.Saved()))
	}
	if best, ok := restored.BestModelScore(); !ok || best != 0.3 {
		t.Errorf("expected best score 0.3, got %v (ok=%v)", best, ok)
	}

	// The restored tracker keeps pruning where it left off.
	saveAt(t, restored, run, 2, 30, 0.2)
	if len(restored.Saved()) != 2 {
		t.Errorf("expected pruning to continue, got %d retained", len(restored.Saved()))
	}
}
