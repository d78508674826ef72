package config

import (
	"strings"
	"testing"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func validConfig() *RunConfig {
	return &RunConfig{
		RunName: "test",
		Module:  ModuleConfig{Name: "sgd-regression"},
		Trainer: TrainerConfig{MaxEpochs: 5},
	}
}

func hasErrorCode(report *ValidationReport, code string) bool {
	for _, e := range report.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func hasWarningCode(report *ValidationReport, code string) bool {
	for _, w := range report.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsDefaults(t *testing.T) {
	report := DefaultRunConfig().Validate()
	if !report.OK {
		t.Fatalf("expected the default config to validate, got %s", report)
	}
	if report.HasWarnings() {
		t.Errorf("expected no warnings, got %+v", report.Warnings)
	}
}

func TestValidateCatchesErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *RunConfig)
		code   string
	}{
		{
			name:   "missing module name",
			mutate: func(c *RunConfig) { c.Module.Name = "" },
			code:   CodeModuleRequired,
		},
		{
			name:   "min epochs above max",
			mutate: func(c *RunConfig) { c.Trainer.MinEpochs = 10 },
			code:   CodeEpochBoundsInvalid,
		},
		{
			name:   "max steps below -1",
			mutate: func(c *RunConfig) { c.Trainer.MaxSteps = -2 },
			code:   CodeStepBoundsInvalid,
		},
		{
			name:   "unparseable max time",
			mutate: func(c *RunConfig) { c.Trainer.MaxTime = "soon" },
			code:   CodeDurationInvalid,
		},
		{
			name:   "negative max time",
			mutate: func(c *RunConfig) { c.Trainer.MaxTime = "-5m" },
			code:   CodeDurationInvalid,
		},
		{
			name:   "negative sanity steps",
			mutate: func(c *RunConfig) { c.Trainer.NumSanityValSteps = intPtr(-1) },
			code:   CodeSanityStepsInvalid,
		},
		{
			name:   "negative log cadence",
			mutate: func(c *RunConfig) { c.Trainer.LogEveryNSteps = -5 },
			code:   CodeLogStepsInvalid,
		},
		{
			name:   "unknown accelerator",
			mutate: func(c *RunConfig) { c.Trainer.Accelerator = "quantum" },
			code:   CodeAcceleratorInvalid,
		},
		{
			name:   "unsupported accelerator",
			mutate: func(c *RunConfig) { c.Trainer.Accelerator = "gpu" },
			code:   CodeAcceleratorInvalid,
		},
		{
			name:   "unknown strategy",
			mutate: func(c *RunConfig) { c.Trainer.Strategy = "warp" },
			code:   CodeStrategyInvalid,
		},
		{
			name:   "malformed device spec",
			mutate: func(c *RunConfig) { c.Trainer.Devices = "two" },
			code:   CodeDeviceSpecInvalid,
		},
		{
			name:   "negative interval",
			mutate: func(c *RunConfig) { c.Trainer.ValCheckInterval = -0.5 },
			code:   CodeIntervalInvalid,
		},
		{
			name:   "ragged batch limit",
			mutate: func(c *RunConfig) { c.Trainer.LimitTrainBatches = 2.5 },
			code:   CodeIntervalInvalid,
		},
		{
			name:   "negative epoch gate",
			mutate: func(c *RunConfig) { c.Trainer.CheckValEveryNEpoch = -1 },
			code:   CodeIntervalInvalid,
		},
		{
			name:   "negative accumulation",
			mutate: func(c *RunConfig) { c.Trainer.AccumulateGradBatches = -1 },
			code:   CodeAccumulationInvalid,
		},
		{
			name:   "zero accumulation factor in schedule",
			mutate: func(c *RunConfig) { c.Trainer.AccumulationSchedule = map[int]int{3: 0} },
			code:   CodeAccumulationInvalid,
		},
		{
			name:   "bad checkpoint mode",
			mutate: func(c *RunConfig) { c.Checkpoint = &CheckpointConfig{Mode: "best"} },
			code:   CodeModeInvalid,
		},
		{
			name:   "save top k below -1",
			mutate: func(c *RunConfig) { c.Checkpoint = &CheckpointConfig{SaveTopK: intPtr(-2)} },
			code:   CodeSaveTopKInvalid,
		},
		{
			name:   "early stopping without monitor",
			mutate: func(c *RunConfig) { c.EarlyStopping = &EarlyStopRuleConfig{Patience: 3} },
			code:   CodeMonitorRequired,
		},
		{
			name: "negative patience",
			mutate: func(c *RunConfig) {
				c.EarlyStopping = &EarlyStopRuleConfig{Monitor: "val_loss", Patience: -1}
			},
			code: CodePatienceInvalid,
		},
		{
			name: "negative min delta",
			mutate: func(c *RunConfig) {
				c.EarlyStopping = &EarlyStopRuleConfig{Monitor: "val_loss", MinDelta: -0.1}
			},
			code: CodeMinDeltaInvalid,
		},
		{
			name:   "unknown logger type",
			mutate: func(c *RunConfig) { c.Loggers = []LoggerConfig{{Type: "tensorboard"}} },
			code:   CodeLoggerUnknown,
		},
		{
			name:   "inverted lr range",
			mutate: func(c *RunConfig) { c.Tuner.LRFinder = LRFinderSettings{MinLR: 0.1, MaxLR: 0.01} },
			code:   CodeLRRangeInvalid,
		},
		{
			name:   "negative batch size finder",
			mutate: func(c *RunConfig) { c.Tuner.BatchSize = BatchSizeSettings{InitVal: -1} },
			code:   CodeBatchSizeInvalid,
		},
		{
			name:   "unknown otel exporter",
			mutate: func(c *RunConfig) { c.Otel.Exporter = "jaeger" },
			code:   CodeExporterUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			report := cfg.Validate()
			if report.OK {
				t.Fatal("expected validation to fail")
			}
			if !hasErrorCode(report, tt.code) {
				t.Errorf("expected code %s, got %+v", tt.code, report.Errors)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	t.Run("fast dev run overrides", func(t *testing.T) {
		cfg := validConfig()
		cfg.Trainer.FastDevRun = true
		cfg.Loggers = []LoggerConfig{{Type: "csv"}}

		report := cfg.Validate()
		if !report.OK {
			t.Fatalf("expected warnings only, got %s", report)
		}
		if !hasWarningCode(report, CodeFastDevRunOverride) {
			t.Errorf("expected %s, got %+v", CodeFastDevRunOverride, report.Warnings)
		}
	})

	t.Run("checkpoint section without checkpointing", func(t *testing.T) {
		cfg := validConfig()
		cfg.Trainer.EnableCheckpointing = boolPtr(false)
		cfg.Checkpoint = &CheckpointConfig{SaveLast: true}

		report := cfg.Validate()
		if !report.OK {
			t.Fatalf("expected warnings only, got %s", report)
		}
		if !hasWarningCode(report, CodeCheckpointIgnored) {
			t.Errorf("expected %s, got %+v", CodeCheckpointIgnored, report.Warnings)
		}
	})
}

func TestValidateBytes(t *testing.T) {
	cfg, report := ValidateBytes([]byte("module:\n  name: sgd-regression\n"))
	if cfg == nil || !report.OK {
		t.Fatalf("expected a valid config, got %s", report)
	}

	cfg, report = ValidateBytes([]byte("module: [unclosed"))
	if cfg != nil {
		t.Error("expected no config for malformed YAML")
	}
	if report.OK || !hasErrorCode(report, CodeParseFailed) {
		t.Errorf("expected %s, got %+v", CodeParseFailed, report.Errors)
	}
}

func TestValidationReport(t *testing.T) {
	t.Run("starts passing", func(t *testing.T) {
		r := NewValidationReport()
		if !r.OK || r.HasErrors() || r.HasWarnings() {
			t.Errorf("expected an empty passing report, got %+v", r)
		}
	})

	t.Run("errors flip OK", func(t *testing.T) {
		r := NewValidationReport()
		r.AddError("TEST_CODE", "broken", "/test/path")
		if r.OK {
			t.Error("expected OK false after an error")
		}
		if len(r.Errors) != 1 || r.Errors[0].Code != "TEST_CODE" {
			t.Errorf("unexpected errors: %+v", r.Errors)
		}
	})

	t.Run("warnings keep OK", func(t *testing.T) {
		r := NewValidationReport()
		r.AddWarning("WARN_CODE", "iffy", "/warn/path")
		if !r.OK {
			t.Error("expected OK true after a warning")
		}
		if len(r.Warnings) != 1 {
			t.Errorf("expected 1 warning, got %d", len(r.Warnings))
		}
	})

	t.Run("merge combines issues", func(t *testing.T) {
		r1 := NewValidationReport()
		r1.AddError("ERR1", "first", "/a")
		r2 := NewValidationReport()
		r2.AddError("ERR2", "second", "/b")
		r2.AddWarning("WARN1", "third", "/c")

		r1.Merge(r2)
		if len(r1.Errors) != 2 || len(r1.Warnings) != 1 {
			t.Errorf("unexpected merge result: %+v", r1)
		}
		if r1.OK {
			t.Error("expected merged report to fail")
		}
	})

	t.Run("string names codes and pointers", func(t *testing.T) {
		r := NewValidationReport()
		r.AddErrorWithRemediation("SOME_CODE", "broken", "/some/field", "Fix it like so")
		s := r.String()
		for _, want := range []string{"[ERROR]", "SOME_CODE", "/some/field", "Fix it like so"} {
			if !strings.Contains(s, want) {
				t.Errorf("expected %q in report string, got %q", want, s)
			}
		}
	})

	t.Run("error wrapper", func(t *testing.T) {
		r := NewValidationReport()
		if err := NewValidationErrorFromReport(r); err != nil {
			t.Errorf("expected nil for a passing report, got %v", err)
		}
		r.AddError("TEST_CODE", "broken", "")
		err := NewValidationErrorFromReport(r)
		if err == nil {
			t.Fatal("expected an error for a failing report")
		}
		if !strings.Contains(err.Error(), "TEST_CODE") {
			t.Errorf("expected the error to name the code, got %q", err)
		}
	})
}
