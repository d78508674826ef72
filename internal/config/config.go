// Package config defines the YAML surface of a training run and
// validates it into a ValidationReport before anything executes.
// Settings left out of a file keep the trainer defaults; the config
// only overrides what it names.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfig is the top-level document of a run config file.
type RunConfig struct {
	// RunName labels the run in loggers and events.
	RunName string `yaml:"run_name"`

	// Seed seeds every permutation of the run when non-zero.
	Seed int64 `yaml:"seed"`

	Module        ModuleConfig         `yaml:"module"`
	Trainer       TrainerConfig        `yaml:"trainer"`
	Checkpoint    *CheckpointConfig    `yaml:"checkpoint"`
	EarlyStopping *EarlyStopRuleConfig `yaml:"early_stopping"`
	Loggers       []LoggerConfig       `yaml:"loggers"`
	Tuner         TunerConfig          `yaml:"tuner"`
	Events        EventsConfig         `yaml:"events"`
	Otel          OtelConfig           `yaml:"otel"`
}

// ModuleConfig names a registered module and its constructor params.
type ModuleConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// TrainerConfig mirrors the trainer options a file can set. Interval
// fields hold either a fraction in (0, 1] or a whole batch count
// above 1; zero leaves the setting at its default.
type TrainerConfig struct {
	MaxEpochs int    `yaml:"max_epochs"`
	MinEpochs int    `yaml:"min_epochs"`
	MaxSteps  int    `yaml:"max_steps"`
	MinSteps  int    `yaml:"min_steps"`
	MaxTime   string `yaml:"max_time"`

	Accelerator string     `yaml:"accelerator"`
	Devices     DeviceSpec `yaml:"devices"`
	Strategy    string     `yaml:"strategy"`

	ValCheckInterval      float64     `yaml:"val_check_interval"`
	CheckValEveryNEpoch   int         `yaml:"check_val_every_n_epoch"`
	CrossEpochValidation  bool        `yaml:"cross_epoch_validation"`
	AccumulateGradBatches int         `yaml:"accumulate_grad_batches"`
	AccumulationSchedule  map[int]int `yaml:"accumulation_schedule"`

	LimitTrainBatches   float64 `yaml:"limit_train_batches"`
	LimitValBatches     float64 `yaml:"limit_val_batches"`
	LimitTestBatches    float64 `yaml:"limit_test_batches"`
	LimitPredictBatches float64 `yaml:"limit_predict_batches"`

	// NumSanityValSteps is a pointer because an explicit 0 disables the
	// sanity check while an absent key keeps the default.
	NumSanityValSteps *int `yaml:"num_sanity_val_steps"`

	LogEveryNSteps int  `yaml:"log_every_n_steps"`
	FastDevRun     bool `yaml:"fast_dev_run"`

	// EnableCheckpointing defaults to on; only an explicit false turns
	// it off.
	EnableCheckpointing *bool  `yaml:"enable_checkpointing"`
	RootDir             string `yaml:"root_dir"`
	ResumeFrom          string `yaml:"resume_from"`
}

// DeviceSpec is a device selection: "auto", a count, or explicit ids
// like "0,1". It accepts both the bare and the quoted YAML form, so
// devices: 2 and devices: "2" read the same.
type DeviceSpec string

func (d *DeviceSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("devices must be a single value, not a list or map")
	}
	*d = DeviceSpec(value.Value)
	return nil
}

// MaxTimeDuration parses the wall-clock bound. Zero when unset.
func (t TrainerConfig) MaxTimeDuration() (time.Duration, error) {
	if t.MaxTime == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.MaxTime)
	if err != nil {
		return 0, fmt.Errorf("config: max_time %q is not a duration: %w", t.MaxTime, err)
	}
	return d, nil
}

// CheckpointConfig shapes the checkpoint callback of the run.
type CheckpointConfig struct {
	Monitor string `yaml:"monitor"`
	Mode    string `yaml:"mode"`

	// SaveTopK is a pointer because an explicit 0 disables ranked
	// saving while an absent key keeps one checkpoint.
	SaveTopK *int `yaml:"save_top_k"`

	SaveLast     bool `yaml:"save_last"`
	EveryNEpochs int  `yaml:"every_n_epochs"`
}

// EarlyStopRuleConfig shapes the early-stopping callback of the run.
type EarlyStopRuleConfig struct {
	Monitor             string   `yaml:"monitor"`
	Mode                string   `yaml:"mode"`
	MinDelta            float64  `yaml:"min_delta"`
	Patience            int      `yaml:"patience"`
	StoppingThreshold   *float64 `yaml:"stopping_threshold"`
	DivergenceThreshold *float64 `yaml:"divergence_threshold"`
}

// LoggerConfig selects one experiment logger. Type is csv, jsonl or
// mlflow; the other fields apply per type and default under the run's
// root directory when empty. Tracking credentials never live in the
// file; the token comes from the environment.
type LoggerConfig struct {
	Type       string `yaml:"type"`
	Dir        string `yaml:"dir,omitempty"`
	Path       string `yaml:"path,omitempty"`
	URI        string `yaml:"uri,omitempty"`
	Experiment string `yaml:"experiment,omitempty"`
}

// TunerConfig bundles the settings of the tune stage.
type TunerConfig struct {
	LRFinder  LRFinderSettings  `yaml:"lr_finder"`
	BatchSize BatchSizeSettings `yaml:"batch_size"`
}

// LRFinderSettings overrides the learning-rate sweep defaults.
type LRFinderSettings struct {
	NumSteps      int     `yaml:"num_steps"`
	MinLR         float64 `yaml:"min_lr"`
	MaxLR         float64 `yaml:"max_lr"`
	DivergeFactor float64 `yaml:"diverge_factor"`
}

// BatchSizeSettings overrides the batch-size search defaults.
type BatchSizeSettings struct {
	InitVal       int `yaml:"init_val"`
	MaxTrials     int `yaml:"max_trials"`
	StepsPerTrial int `yaml:"steps_per_trial"`
}

// EventsConfig controls lifecycle event emission. Enabled is a pointer
// because events default to on.
type EventsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// OtelConfig controls the OpenTelemetry instruments. Disabled unless
// the file turns it on.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// DefaultRunConfig is a runnable starting point: the built-in
// regression demo for a few epochs on one device.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		RunName: "stride-run",
		Module:  ModuleConfig{Name: "sgd-regression"},
		Trainer: TrainerConfig{
			MaxEpochs:   10,
			Accelerator: "auto",
			Devices:     "1",
			Strategy:    "auto",
		},
	}
}

// Load reads and parses a run config file.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into a RunConfig. Unknown keys are errors so a
// typo cannot silently drop a setting.
func Parse(data []byte) (*RunConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg RunConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &RunConfig{}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// ValidateBytes parses and validates raw config bytes, folding parse
// failures into the report so callers get one verdict either way.
func ValidateBytes(data []byte) (*RunConfig, *ValidationReport) {
	cfg, err := Parse(data)
	if err != nil {
		report := NewValidationReport()
		report.AddErrorWithRemediation(CodeParseFailed, err.Error(), "",
			"Fix the YAML syntax; field names are snake_case")
		return nil, report
	}
	return cfg, cfg.Validate()
}
