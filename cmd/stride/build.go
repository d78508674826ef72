package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strideml/stride/internal/callbacks"
	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/config"
	"github.com/strideml/stride/internal/loggers"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/otel"
	"github.com/strideml/stride/internal/schedule"
	"github.com/strideml/stride/internal/trainer"
)

const serviceVersion = "0.1.0"

// configPath resolves the run config path from --config or the
// STRIDE_CONFIG environment. Empty when neither is set.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = viper.GetString("config")
	}
	return path
}

// loadRun reads and validates the config named by --config or
// STRIDE_CONFIG. Warnings print to stderr; errors abort the command
// with the full report.
func loadRun(cmd *cobra.Command) (*config.RunConfig, error) {
	path := configPath(cmd)
	if path == "" {
		return nil, fmt.Errorf("a run config is required: pass --config or set STRIDE_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	report := cfg.Validate()
	if name := cfg.Module.Name; name != "" {
		if _, ok := module.DefaultRegistry.Get(name); !ok {
			report.AddErrorWithRemediation(config.CodeModuleUnknown,
				fmt.Sprintf("unknown module %q", name),
				"/module/name",
				fmt.Sprintf("Registered modules: %s", strings.Join(module.List(), ", ")))
		}
	}
	if err := config.NewValidationErrorFromReport(report); err != nil {
		return nil, err
	}
	if report.HasWarnings() {
		fmt.Fprintln(os.Stderr, report.String())
	}

	if cfg.Seed != 0 {
		trainer.SeedEverything(cfg.Seed)
	}
	return cfg, nil
}

// buildOptions maps the config onto trainer options. Settings the file
// leaves at zero keep the trainer defaults.
func buildOptions(cfg *config.RunConfig) (trainer.Options, error) {
	opts := trainer.DefaultOptions()
	t := cfg.Trainer

	opts.MaxEpochs = t.MaxEpochs
	opts.MinEpochs = t.MinEpochs
	opts.MaxSteps = t.MaxSteps
	opts.MinSteps = t.MinSteps

	maxTime, err := t.MaxTimeDuration()
	if err != nil {
		return opts, err
	}
	opts.MaxTime = maxTime

	if t.Accelerator != "" {
		opts.Accelerator = t.Accelerator
	}
	if d := string(t.Devices); d != "" {
		opts.Devices = d
	}
	if t.Strategy != "" {
		opts.Strategy = t.Strategy
	}

	interval := func(field string, v float64) schedule.Interval {
		iv, ferr := schedule.FromFloat(v)
		if ferr != nil && err == nil {
			err = fmt.Errorf("%s: %w", field, ferr)
		}
		return iv
	}
	opts.ValCheckInterval = interval("val_check_interval", t.ValCheckInterval)
	opts.LimitTrainBatches = interval("limit_train_batches", t.LimitTrainBatches)
	opts.LimitValBatches = interval("limit_val_batches", t.LimitValBatches)
	opts.LimitTestBatches = interval("limit_test_batches", t.LimitTestBatches)
	opts.LimitPredictBatches = interval("limit_predict_batches", t.LimitPredictBatches)
	if err != nil {
		return opts, err
	}

	opts.CheckValEveryNEpoch = t.CheckValEveryNEpoch
	opts.CrossEpochValidation = t.CrossEpochValidation
	opts.AccumulateGradBatches = t.AccumulateGradBatches
	opts.AccumulationSchedule = t.AccumulationSchedule

	if t.NumSanityValSteps != nil {
		opts.NumSanityValSteps = *t.NumSanityValSteps
	}
	if t.LogEveryNSteps != 0 {
		opts.LogEveryNSteps = t.LogEveryNSteps
	}
	opts.FastDevRun = t.FastDevRun

	if t.EnableCheckpointing != nil {
		opts.EnableCheckpointing = *t.EnableCheckpointing
	}
	if t.RootDir != "" {
		opts.RootDir = t.RootDir
	}
	opts.ResumePath = t.ResumeFrom

	if cfg.Events.Enabled != nil {
		opts.EnableEvents = *cfg.Events.Enabled
	}

	return opts, nil
}

// buildCallbacks renders the checkpoint and early stopping sections.
// The checkpoint callback shares the trainer's root directory, so the
// trainer skips its own default ranked checkpointing.
func buildCallbacks(cfg *config.RunConfig, opts trainer.Options) ([]callbacks.Callback, error) {
	var cbs []callbacks.Callback

	if es := cfg.EarlyStopping; es != nil {
		cb, err := callbacks.NewEarlyStopping(callbacks.EarlyStoppingConfig{
			Monitor:             es.Monitor,
			Mode:                callbacks.Mode(es.Mode),
			MinDelta:            es.MinDelta,
			Patience:            es.Patience,
			StoppingThreshold:   es.StoppingThreshold,
			DivergenceThreshold: es.DivergenceThreshold,
		})
		if err != nil {
			return nil, err
		}
		cbs = append(cbs, cb)
	}

	if ck := cfg.Checkpoint; ck != nil && opts.EnableCheckpointing && !opts.FastDevRun {
		store, err := checkpoint.NewFilesystemStore(opts.RootDir)
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		topK := 1
		if ck.SaveTopK != nil {
			topK = *ck.SaveTopK
		}
		cb, err := callbacks.NewModelCheckpoint(callbacks.ModelCheckpointConfig{
			Store:        store,
			Monitor:      ck.Monitor,
			Mode:         callbacks.Mode(ck.Mode),
			SaveTopK:     topK,
			SaveLast:     ck.SaveLast,
			EveryNEpochs: ck.EveryNEpochs,
		})
		if err != nil {
			return nil, err
		}
		cbs = append(cbs, cb)
	}

	return cbs, nil
}

// buildLoggers renders the loggers section into a single logger,
// teeing when the config names more than one. File backends default
// under the run root directory; the MLflow tracking URI and token fall
// back to the environment.
func buildLoggers(cfg *config.RunConfig, opts trainer.Options) (loggers.Logger, error) {
	var out []loggers.Logger

	for i, lc := range cfg.Loggers {
		switch lc.Type {
		case "csv":
			dir := lc.Dir
			if dir == "" {
				dir = filepath.Join(opts.RootDir, "csv")
			}
			l, err := loggers.NewCSVLogger(dir)
			if err != nil {
				return nil, err
			}
			out = append(out, l)

		case "jsonl":
			path := lc.Path
			if path == "" {
				path = filepath.Join(opts.RootDir, "metrics.jsonl")
			}
			l, err := loggers.NewJSONLLogger(&loggers.JSONLConfig{OutputPath: path})
			if err != nil {
				return nil, fmt.Errorf("jsonl logger: %w", err)
			}
			out = append(out, l)

		case "mlflow":
			uri := lc.URI
			if uri == "" {
				uri = viper.GetString("mlflow_uri")
			}
			if uri == "" {
				return nil, fmt.Errorf("mlflow logger: set uri in the config or MLFLOW_TRACKING_URI")
			}
			if lc.Experiment == "" {
				return nil, fmt.Errorf("mlflow logger: experiment is required")
			}
			l, err := loggers.NewMLflowLogger(loggers.MLflowConfig{
				TrackingURI:  uri,
				Token:        viper.GetString("mlflow_token"),
				ExperimentID: lc.Experiment,
				RunName:      cfg.RunName,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, l)

		default:
			return nil, fmt.Errorf("loggers[%d]: unknown type %q", i, lc.Type)
		}
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return loggers.NewTeeLogger(out...), nil
	}
}

// buildTrainer assembles the full trainer from a validated config.
func buildTrainer(cfg *config.RunConfig) (*trainer.Trainer, error) {
	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Callbacks, err = buildCallbacks(cfg, opts); err != nil {
		return nil, err
	}
	if opts.Logger, err = buildLoggers(cfg, opts); err != nil {
		return nil, err
	}
	return trainer.New(opts)
}

// buildModule resolves the configured module from the registry.
func buildModule(cfg *config.RunConfig) (module.Module, error) {
	return module.New(cfg.Module.Name, cfg.Module.Params)
}

// setupTelemetry installs the global tracer and meter when the otel
// section enables them. The returned function flushes and shuts both
// down.
func setupTelemetry(ctx context.Context, cfg *config.RunConfig) (func(), error) {
	if !cfg.Otel.Enabled {
		return func() {}, nil
	}

	exporter := otel.ExporterType(cfg.Otel.Exporter)
	if exporter == "" {
		exporter = otel.ExporterStdout
	}

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:        true,
		ServiceName:    "stride",
		ServiceVersion: serviceVersion,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.Otel.Endpoint,
		OTLPInsecure:   cfg.Otel.Insecure,
		SampleRate:     1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:        true,
		ServiceName:    "stride",
		ServiceVersion: serviceVersion,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.Otel.Endpoint,
		OTLPInsecure:   cfg.Otel.Insecure,
	})
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	otel.SetGlobalTracer(tracer)
	otel.SetGlobalMetrics(metrics)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down tracer: %v\n", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down metrics: %v\n", err)
		}
	}, nil
}

// runContext returns a context canceled by SIGINT or SIGTERM, so an
// interrupted run still finalizes loggers and checkpoints.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printMetrics writes metrics sorted by key, one per line.
func printMetrics(metrics map[string]float64) {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %.6g\n", k, metrics[k])
	}
}
