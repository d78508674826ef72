package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/strideml/stride/internal/schedule"
)

// Validation issue codes. The CLI prints these with their remediation
// so a broken config can be fixed without reading source.
const (
	CodeParseFailed         = "PARSE_FAILED"
	CodeModuleRequired      = "MODULE_REQUIRED"
	CodeModuleUnknown       = "MODULE_UNKNOWN"
	CodeEpochBoundsInvalid  = "EPOCH_BOUNDS_INVALID"
	CodeStepBoundsInvalid   = "STEP_BOUNDS_INVALID"
	CodeDurationInvalid     = "DURATION_INVALID"
	CodeIntervalInvalid     = "INTERVAL_INVALID"
	CodeAccumulationInvalid = "ACCUMULATION_INVALID"
	CodeAcceleratorInvalid  = "ACCELERATOR_INVALID"
	CodeDeviceSpecInvalid   = "DEVICE_SPEC_INVALID"
	CodeStrategyInvalid     = "STRATEGY_INVALID"
	CodeSanityStepsInvalid  = "SANITY_STEPS_INVALID"
	CodeLogStepsInvalid     = "LOG_STEPS_INVALID"
	CodeMonitorRequired     = "MONITOR_REQUIRED"
	CodeModeInvalid         = "MODE_INVALID"
	CodeSaveTopKInvalid     = "SAVE_TOP_K_INVALID"
	CodePatienceInvalid     = "PATIENCE_INVALID"
	CodeMinDeltaInvalid     = "MIN_DELTA_INVALID"
	CodeLoggerUnknown       = "LOGGER_UNKNOWN"
	CodeLRRangeInvalid      = "LR_RANGE_INVALID"
	CodeBatchSizeInvalid    = "BATCH_SIZE_INVALID"
	CodeExporterUnknown     = "EXPORTER_UNKNOWN"
	CodeFastDevRunOverride  = "FAST_DEV_RUN_OVERRIDE"
	CodeCheckpointIgnored   = "CHECKPOINT_IGNORED"
)

// Validate checks the config's internal consistency. Whether the named
// module actually exists is checked by the caller that owns a registry.
func (c *RunConfig) Validate() *ValidationReport {
	report := NewValidationReport()
	c.validateModule(report)
	c.validateBounds(report)
	c.validateHardware(report)
	c.validateIntervals(report)
	c.validateAccumulation(report)
	c.validateCheckpoint(report)
	c.validateEarlyStopping(report)
	c.validateLoggers(report)
	c.validateTuner(report)
	c.validateOtel(report)
	c.validateOverrides(report)
	return report
}

func (c *RunConfig) validateModule(report *ValidationReport) {
	if c.Module.Name == "" {
		report.AddErrorWithRemediation(CodeModuleRequired,
			"a module name is required", "/module/name",
			"Set module.name to a registered module, e.g. sgd-regression")
	}
}

func (c *RunConfig) validateBounds(report *ValidationReport) {
	t := c.Trainer
	if t.MaxEpochs < -1 {
		report.AddError(CodeEpochBoundsInvalid,
			fmt.Sprintf("max_epochs must be -1, 0 or positive, got %d", t.MaxEpochs),
			"/trainer/max_epochs")
	}
	if t.MinEpochs < 0 {
		report.AddError(CodeEpochBoundsInvalid,
			fmt.Sprintf("min_epochs cannot be negative, got %d", t.MinEpochs),
			"/trainer/min_epochs")
	}
	if t.MaxEpochs > 0 && t.MinEpochs > t.MaxEpochs {
		report.AddError(CodeEpochBoundsInvalid,
			fmt.Sprintf("min_epochs %d exceeds max_epochs %d", t.MinEpochs, t.MaxEpochs),
			"/trainer/min_epochs")
	}
	if t.MaxSteps < -1 {
		report.AddError(CodeStepBoundsInvalid,
			fmt.Sprintf("max_steps must be -1, 0 or positive, got %d", t.MaxSteps),
			"/trainer/max_steps")
	}
	if t.MinSteps < 0 {
		report.AddError(CodeStepBoundsInvalid,
			fmt.Sprintf("min_steps cannot be negative, got %d", t.MinSteps),
			"/trainer/min_steps")
	}
	if t.MaxSteps > 0 && t.MinSteps > t.MaxSteps {
		report.AddError(CodeStepBoundsInvalid,
			fmt.Sprintf("min_steps %d exceeds max_steps %d", t.MinSteps, t.MaxSteps),
			"/trainer/min_steps")
	}
	if t.MaxTime != "" {
		d, err := time.ParseDuration(t.MaxTime)
		if err != nil {
			report.AddErrorWithRemediation(CodeDurationInvalid,
				fmt.Sprintf("max_time %q is not a duration", t.MaxTime),
				"/trainer/max_time",
				"Use a Go duration such as 90m or 1h30m")
		} else if d <= 0 {
			report.AddError(CodeDurationInvalid,
				fmt.Sprintf("max_time must be positive, got %s", t.MaxTime),
				"/trainer/max_time")
		}
	}
	if t.NumSanityValSteps != nil && *t.NumSanityValSteps < 0 {
		report.AddError(CodeSanityStepsInvalid,
			fmt.Sprintf("num_sanity_val_steps cannot be negative, got %d", *t.NumSanityValSteps),
			"/trainer/num_sanity_val_steps")
	}
	if t.LogEveryNSteps < 0 {
		report.AddError(CodeLogStepsInvalid,
			fmt.Sprintf("log_every_n_steps cannot be negative, got %d", t.LogEveryNSteps),
			"/trainer/log_every_n_steps")
	}
}

func (c *RunConfig) validateHardware(report *ValidationReport) {
	switch c.Trainer.Accelerator {
	case "", "auto", "cpu":
	case "gpu", "cuda", "mps", "tpu":
		report.AddErrorWithRemediation(CodeAcceleratorInvalid,
			fmt.Sprintf("accelerator %q is not supported in this build", c.Trainer.Accelerator),
			"/trainer/accelerator", "Use cpu or auto")
	default:
		report.AddErrorWithRemediation(CodeAcceleratorInvalid,
			fmt.Sprintf("unknown accelerator %q", c.Trainer.Accelerator),
			"/trainer/accelerator", "Use cpu or auto")
	}

	switch c.Trainer.Strategy {
	case "", "auto", "single", "ddp":
	default:
		report.AddErrorWithRemediation(CodeStrategyInvalid,
			fmt.Sprintf("unknown strategy %q", c.Trainer.Strategy),
			"/trainer/strategy", "Use auto, single or ddp")
	}

	if d := string(c.Trainer.Devices); d != "" && d != "auto" && !validDeviceSpec(d) {
		report.AddErrorWithRemediation(CodeDeviceSpecInvalid,
			fmt.Sprintf("devices %q is neither a count nor an id list", d),
			"/trainer/devices",
			`Use "auto", a device count like "2", or ids like "0,1"`)
	}
}

func validDeviceSpec(spec string) bool {
	for _, part := range strings.Split(spec, ",") {
		if _, err := strconv.Atoi(strings.TrimSpace(part)); err != nil {
			return false
		}
	}
	return true
}

func (c *RunConfig) validateIntervals(report *ValidationReport) {
	checks := []struct {
		name  string
		value float64
	}{
		{"val_check_interval", c.Trainer.ValCheckInterval},
		{"limit_train_batches", c.Trainer.LimitTrainBatches},
		{"limit_val_batches", c.Trainer.LimitValBatches},
		{"limit_test_batches", c.Trainer.LimitTestBatches},
		{"limit_predict_batches", c.Trainer.LimitPredictBatches},
	}
	for _, chk := range checks {
		if _, err := schedule.FromFloat(chk.value); err != nil {
			report.AddErrorWithRemediation(CodeIntervalInvalid,
				fmt.Sprintf("%s: %v", chk.name, err),
				"/trainer/"+chk.name,
				"Use a fraction in (0, 1] or a whole batch count")
		}
	}
	if c.Trainer.CheckValEveryNEpoch < 0 {
		report.AddError(CodeIntervalInvalid,
			fmt.Sprintf("check_val_every_n_epoch cannot be negative, got %d", c.Trainer.CheckValEveryNEpoch),
			"/trainer/check_val_every_n_epoch")
	}
}

func (c *RunConfig) validateAccumulation(report *ValidationReport) {
	if c.Trainer.AccumulateGradBatches < 0 {
		report.AddError(CodeAccumulationInvalid,
			fmt.Sprintf("accumulate_grad_batches cannot be negative, got %d", c.Trainer.AccumulateGradBatches),
			"/trainer/accumulate_grad_batches")
	}
	for epoch, factor := range c.Trainer.AccumulationSchedule {
		if epoch < 0 {
			report.AddError(CodeAccumulationInvalid,
				fmt.Sprintf("accumulation_schedule epoch %d cannot be negative", epoch),
				"/trainer/accumulation_schedule")
		}
		if factor < 1 {
			report.AddError(CodeAccumulationInvalid,
				fmt.Sprintf("accumulation_schedule factor %d at epoch %d must be at least 1", factor, epoch),
				"/trainer/accumulation_schedule")
		}
	}
}

func (c *RunConfig) validateCheckpoint(report *ValidationReport) {
	cp := c.Checkpoint
	if cp == nil {
		return
	}
	if cp.Mode != "" && cp.Mode != "min" && cp.Mode != "max" {
		report.AddErrorWithRemediation(CodeModeInvalid,
			fmt.Sprintf("checkpoint mode %q is neither min nor max", cp.Mode),
			"/checkpoint/mode", "Use min or max")
	}
	if cp.SaveTopK != nil && *cp.SaveTopK < -1 {
		report.AddError(CodeSaveTopKInvalid,
			fmt.Sprintf("save_top_k must be -1, 0 or positive, got %d", *cp.SaveTopK),
			"/checkpoint/save_top_k")
	}
	if cp.EveryNEpochs < 0 {
		report.AddError(CodeIntervalInvalid,
			fmt.Sprintf("every_n_epochs cannot be negative, got %d", cp.EveryNEpochs),
			"/checkpoint/every_n_epochs")
	}
}

func (c *RunConfig) validateEarlyStopping(report *ValidationReport) {
	es := c.EarlyStopping
	if es == nil {
		return
	}
	if es.Monitor == "" {
		report.AddErrorWithRemediation(CodeMonitorRequired,
			"early_stopping needs a metric to monitor", "/early_stopping/monitor",
			"Set monitor to a logged metric such as val_loss")
	}
	if es.Mode != "" && es.Mode != "min" && es.Mode != "max" {
		report.AddErrorWithRemediation(CodeModeInvalid,
			fmt.Sprintf("early_stopping mode %q is neither min nor max", es.Mode),
			"/early_stopping/mode", "Use min or max")
	}
	if es.Patience < 0 {
		report.AddError(CodePatienceInvalid,
			fmt.Sprintf("patience cannot be negative, got %d", es.Patience),
			"/early_stopping/patience")
	}
	if es.MinDelta < 0 {
		report.AddError(CodeMinDeltaInvalid,
			fmt.Sprintf("min_delta cannot be negative, got %g", es.MinDelta),
			"/early_stopping/min_delta")
	}
}

func (c *RunConfig) validateLoggers(report *ValidationReport) {
	for i, lg := range c.Loggers {
		switch lg.Type {
		case "csv", "jsonl", "mlflow":
		default:
			report.AddErrorWithRemediation(CodeLoggerUnknown,
				fmt.Sprintf("unknown logger type %q", lg.Type),
				fmt.Sprintf("/loggers/%d/type", i),
				"Use csv, jsonl or mlflow")
		}
	}
}

func (c *RunConfig) validateTuner(report *ValidationReport) {
	lr := c.Tuner.LRFinder
	if lr.NumSteps < 0 {
		report.AddError(CodeLRRangeInvalid,
			fmt.Sprintf("num_steps cannot be negative, got %d", lr.NumSteps),
			"/tuner/lr_finder/num_steps")
	}
	if lr.MinLR < 0 || lr.MaxLR < 0 {
		report.AddError(CodeLRRangeInvalid,
			"learning rates cannot be negative", "/tuner/lr_finder")
	}
	if lr.MinLR > 0 && lr.MaxLR > 0 && lr.MinLR >= lr.MaxLR {
		report.AddError(CodeLRRangeInvalid,
			fmt.Sprintf("min_lr %g must be below max_lr %g", lr.MinLR, lr.MaxLR),
			"/tuner/lr_finder/min_lr")
	}
	if lr.DivergeFactor < 0 {
		report.AddError(CodeLRRangeInvalid,
			fmt.Sprintf("diverge_factor cannot be negative, got %g", lr.DivergeFactor),
			"/tuner/lr_finder/diverge_factor")
	}

	bs := c.Tuner.BatchSize
	if bs.InitVal < 0 || bs.MaxTrials < 0 || bs.StepsPerTrial < 0 {
		report.AddError(CodeBatchSizeInvalid,
			"batch_size finder settings cannot be negative", "/tuner/batch_size")
	}
}

func (c *RunConfig) validateOtel(report *ValidationReport) {
	switch c.Otel.Exporter {
	case "", "none", "stdout", "otlp-grpc", "otlp-http":
	default:
		report.AddErrorWithRemediation(CodeExporterUnknown,
			fmt.Sprintf("unknown otel exporter %q", c.Otel.Exporter),
			"/otel/exporter",
			"Use none, stdout, otlp-grpc or otlp-http")
	}
}

func (c *RunConfig) validateOverrides(report *ValidationReport) {
	if c.Trainer.FastDevRun && (c.Checkpoint != nil || c.EarlyStopping != nil || len(c.Loggers) > 0) {
		report.AddWarning(CodeFastDevRunOverride,
			"fast_dev_run disables checkpointing, early stopping and experiment logging for the run",
			"/trainer/fast_dev_run")
	}
	if c.Checkpoint != nil && c.Trainer.EnableCheckpointing != nil && !*c.Trainer.EnableCheckpointing {
		report.AddWarning(CodeCheckpointIgnored,
			"checkpoint settings have no effect while enable_checkpointing is false",
			"/checkpoint")
	}
}
