package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullConfig = `
run_name: exp-1
seed: 42

module:
  name: sgd-regression
  params:
    lr: 0.05
    samples: 128

trainer:
  max_epochs: 20
  min_epochs: 2
  max_steps: 500
  min_steps: 10
  max_time: 1h30m
  accelerator: cpu
  devices: 2
  strategy: ddp
  val_check_interval: 0.25
  check_val_every_n_epoch: 2
  cross_epoch_validation: true
  accumulate_grad_batches: 4
  accumulation_schedule:
    0: 1
    5: 4
  limit_train_batches: 100
  limit_val_batches: 0.5
  num_sanity_val_steps: 0
  log_every_n_steps: 10
  enable_checkpointing: false
  root_dir: /tmp/runs
  resume_from: last.json

checkpoint:
  monitor: val_loss
  mode: min
  save_top_k: 3
  save_last: true
  every_n_epochs: 2

early_stopping:
  monitor: val_loss
  mode: min
  min_delta: 0.001
  patience: 5
  stopping_threshold: 0.01

loggers:
  - type: csv
    dir: logs
  - type: mlflow
    uri: http://localhost:5000
    experiment: exp

tuner:
  lr_finder:
    num_steps: 50
    min_lr: 1.0e-6
    max_lr: 0.1
  batch_size:
    init_val: 4
    max_trials: 10

events:
  enabled: false

otel:
  enabled: true
  exporter: stdout
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.RunName != "exp-1" {
		t.Errorf("expected run_name exp-1, got %q", cfg.RunName)
	}
	if cfg.Seed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Seed)
	}
	if cfg.Module.Name != "sgd-regression" {
		t.Errorf("expected module sgd-regression, got %q", cfg.Module.Name)
	}
	if lr, ok := cfg.Module.Params["lr"].(float64); !ok || lr != 0.05 {
		t.Errorf("expected params.lr 0.05, got %v", cfg.Module.Params["lr"])
	}

	tr := cfg.Trainer
	if tr.MaxEpochs != 20 || tr.MinEpochs != 2 || tr.MaxSteps != 500 || tr.MinSteps != 10 {
		t.Errorf("unexpected bounds: %+v", tr)
	}
	d, err := tr.MaxTimeDuration()
	if err != nil {
		t.Fatalf("MaxTimeDuration failed: %v", err)
	}
	if d != 90*time.Minute {
		t.Errorf("expected max_time 90m, got %v", d)
	}
	if tr.Devices != "2" {
		t.Errorf("expected the bare device count to decode as %q, got %q", "2", tr.Devices)
	}
	if tr.Strategy != "ddp" || tr.Accelerator != "cpu" {
		t.Errorf("unexpected hardware selection: %+v", tr)
	}
	if tr.ValCheckInterval != 0.25 || tr.CheckValEveryNEpoch != 2 || !tr.CrossEpochValidation {
		t.Errorf("unexpected validation cadence: %+v", tr)
	}
	if tr.AccumulateGradBatches != 4 || tr.AccumulationSchedule[5] != 4 {
		t.Errorf("unexpected accumulation: %+v", tr)
	}
	if tr.LimitTrainBatches != 100 || tr.LimitValBatches != 0.5 {
		t.Errorf("unexpected limits: %+v", tr)
	}
	if tr.NumSanityValSteps == nil || *tr.NumSanityValSteps != 0 {
		t.Errorf("expected an explicit num_sanity_val_steps 0, got %v", tr.NumSanityValSteps)
	}
	if tr.EnableCheckpointing == nil || *tr.EnableCheckpointing {
		t.Errorf("expected an explicit enable_checkpointing false, got %v", tr.EnableCheckpointing)
	}
	if tr.RootDir != "/tmp/runs" || tr.ResumeFrom != "last.json" {
		t.Errorf("unexpected paths: %+v", tr)
	}

	if cfg.Checkpoint == nil {
		t.Fatal("expected a checkpoint section")
	}
	if cfg.Checkpoint.SaveTopK == nil || *cfg.Checkpoint.SaveTopK != 3 {
		t.Errorf("expected save_top_k 3, got %v", cfg.Checkpoint.SaveTopK)
	}
	if !cfg.Checkpoint.SaveLast || cfg.Checkpoint.EveryNEpochs != 2 {
		t.Errorf("unexpected checkpoint section: %+v", cfg.Checkpoint)
	}

	if cfg.EarlyStopping == nil {
		t.Fatal("expected an early_stopping section")
	}
	if cfg.EarlyStopping.StoppingThreshold == nil || *cfg.EarlyStopping.StoppingThreshold != 0.01 {
		t.Errorf("expected stopping_threshold 0.01, got %v", cfg.EarlyStopping.StoppingThreshold)
	}
	if cfg.EarlyStopping.DivergenceThreshold != nil {
		t.Errorf("expected no divergence_threshold, got %v", *cfg.EarlyStopping.DivergenceThreshold)
	}

	if len(cfg.Loggers) != 2 || cfg.Loggers[0].Type != "csv" || cfg.Loggers[1].Experiment != "exp" {
		t.Errorf("unexpected loggers: %+v", cfg.Loggers)
	}
	if cfg.Loggers[1].URI != "http://localhost:5000" {
		t.Errorf("expected mlflow uri to parse, got %q", cfg.Loggers[1].URI)
	}
	if cfg.Tuner.LRFinder.NumSteps != 50 || cfg.Tuner.LRFinder.MinLR != 1e-6 {
		t.Errorf("unexpected lr_finder settings: %+v", cfg.Tuner.LRFinder)
	}
	if cfg.Tuner.BatchSize.InitVal != 4 || cfg.Tuner.BatchSize.MaxTrials != 10 {
		t.Errorf("unexpected batch_size settings: %+v", cfg.Tuner.BatchSize)
	}
	if cfg.Events.Enabled == nil || *cfg.Events.Enabled {
		t.Errorf("expected an explicit events.enabled false, got %v", cfg.Events.Enabled)
	}
	if !cfg.Otel.Enabled || cfg.Otel.Exporter != "stdout" {
		t.Errorf("unexpected otel section: %+v", cfg.Otel)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("trainer:\n  max_epocs: 3\n"))
	if err == nil {
		t.Fatal("expected an error for a misspelled key, got nil")
	}
	if !strings.Contains(err.Error(), "max_epocs") {
		t.Errorf("expected the error to name the unknown key, got %q", err)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse failed on empty input: %v", err)
	}
	if cfg.Module.Name != "" {
		t.Errorf("expected a zero config, got %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte("run_name: from-file\nmodule:\n  name: sgd-regression\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RunName != "from-file" {
		t.Errorf("expected run_name from-file, got %q", cfg.RunName)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file, got nil")
	}
}

func TestMaxTimeDuration(t *testing.T) {
	if d, err := (TrainerConfig{}).MaxTimeDuration(); err != nil || d != 0 {
		t.Errorf("expected zero duration for unset max_time, got %v, %v", d, err)
	}
	if _, err := (TrainerConfig{MaxTime: "soon"}).MaxTimeDuration(); err == nil {
		t.Error("expected an error for an unparseable max_time, got nil")
	}
}
