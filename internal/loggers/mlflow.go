package loggers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/service/ml"
)

// maxPendingMetrics bounds the metric buffer between Save calls.
const maxPendingMetrics = 1000

// MLflowConfig holds connection settings for an MLflow tracking server.
type MLflowConfig struct {
	// TrackingURI is the tracking server address. Supported forms:
	// a plain http(s) URL, "databricks" (ambient credentials) or
	// "databricks://{profile}".
	TrackingURI string

	// Token authenticates against Databricks-hosted MLflow. Optional
	// for plain tracking servers.
	Token string

	// ExperimentID is the target experiment. Required.
	ExperimentID string

	// RunName names the tracked run. Defaults to a timestamped name.
	RunName string

	// Tags are attached to the run at creation.
	Tags map[string]string
}

// MLflowLogger mirrors metrics and hyperparameters to an MLflow
// tracking server. Metrics are buffered locally and pushed on Save;
// Finalize terminates the remote run.
type MLflowLogger struct {
	client *databricks.WorkspaceClient
	config MLflowConfig

	mu      sync.Mutex
	runID   string
	pending []pendingMetric
}

type pendingMetric struct {
	key         string
	value       float64
	step        int64
	timestampMs int64
}

// NewMLflowLogger connects to the configured tracking server. The run
// itself is created lazily on first use.
func NewMLflowLogger(config MLflowConfig) (*MLflowLogger, error) {
	if config.TrackingURI == "" {
		return nil, fmt.Errorf("mlflow logger: tracking URI is required")
	}
	if config.ExperimentID == "" {
		return nil, fmt.Errorf("mlflow logger: experiment ID is required")
	}

	dbConfig := &databricks.Config{}
	switch {
	case config.TrackingURI == "databricks":
		// Host and credentials come from the SDK's default chain
		// (DATABRICKS_HOST, profile files).
	case strings.HasPrefix(config.TrackingURI, "databricks://"):
		dbConfig.Profile = strings.TrimPrefix(config.TrackingURI, "databricks://")
	default:
		dbConfig.Host = config.TrackingURI
		// Plain MLflow servers ignore authentication but the SDK
		// refuses to start without a token.
		dbConfig.Token = "unused-for-plain-mlflow"
	}
	if config.Token != "" {
		dbConfig.Token = config.Token
	}

	client, err := databricks.NewWorkspaceClient(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("mlflow logger: failed to create client: %w", err)
	}

	return &MLflowLogger{
		client: client,
		config: config,
	}, nil
}

func (l *MLflowLogger) Name() string { return "mlflow" }

// RunID returns the MLflow run id, or "" before the run is created.
func (l *MLflowLogger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

func (l *MLflowLogger) ensureRunLocked(ctx context.Context) error {
	if l.runID != "" {
		return nil
	}

	runName := l.config.RunName
	if runName == "" {
		runName = "run-" + time.Now().Format("2006-01-02-15-04-05")
	}

	tags := make([]ml.RunTag, 0, len(l.config.Tags)+1)
	for key, value := range l.config.Tags {
		tags = append(tags, ml.RunTag{Key: key, Value: value})
	}
	tags = append(tags, ml.RunTag{Key: "mlflow.runName", Value: runName})

	resp, err := l.client.Experiments.CreateRun(ctx, ml.CreateRun{
		ExperimentId: l.config.ExperimentID,
		RunName:      runName,
		StartTime:    time.Now().UnixMilli(),
		Tags:         tags,
	})
	if err != nil {
		return fmt.Errorf("mlflow logger: failed to create run: %w", err)
	}

	l.runID = resp.Run.Info.RunId
	return nil
}

func (l *MLflowLogger) LogHyperparams(ctx context.Context, params map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureRunLocked(ctx); err != nil {
		return err
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		err := l.client.Experiments.LogParam(ctx, ml.LogParam{
			RunId: l.runID,
			Key:   key,
			Value: formatParam(params[key]),
		})
		if err != nil {
			return fmt.Errorf("mlflow logger: failed to log parameter %s: %w", key, err)
		}
	}

	return nil
}

func (l *MLflowLogger) LogMetrics(ctx context.Context, metrics map[string]float64, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixMilli()
	for key, value := range metrics {
		l.pending = append(l.pending, pendingMetric{
			key:         key,
			value:       value,
			step:        int64(step),
			timestampMs: now,
		})
	}

	if len(l.pending) >= maxPendingMetrics {
		return l.flushLocked(ctx)
	}

	return nil
}

// Save pushes buffered metrics to the tracking server.
func (l *MLflowLogger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

func (l *MLflowLogger) flushLocked(ctx context.Context) error {
	if len(l.pending) == 0 {
		return nil
	}

	if err := l.ensureRunLocked(ctx); err != nil {
		return err
	}

	// Pushed one at a time: the batch endpoint rejects mixed-step
	// payloads on some tracking server versions.
	for _, m := range l.pending {
		err := l.client.Experiments.LogMetric(ctx, ml.LogMetric{
			RunId:     l.runID,
			Key:       m.key,
			Value:     m.value,
			Timestamp: m.timestampMs,
			Step:      m.step,
		})
		if err != nil {
			return fmt.Errorf("mlflow logger: failed to log metric %s: %w", m.key, err)
		}
	}

	l.pending = l.pending[:0]
	return nil
}

// Finalize flushes buffered metrics and terminates the remote run with
// the MLflow status corresponding to the given run status.
func (l *MLflowLogger) Finalize(ctx context.Context, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(ctx); err != nil {
		return err
	}
	if l.runID == "" {
		return nil
	}

	_, err := l.client.Experiments.UpdateRun(ctx, ml.UpdateRun{
		RunId:   l.runID,
		Status:  mlflowStatus(status),
		EndTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("mlflow logger: failed to update run: %w", err)
	}

	return nil
}

// mlflowStatus maps a run status to the MLflow run status vocabulary.
func mlflowStatus(status string) ml.UpdateRunStatus {
	switch status {
	case "finished":
		return ml.UpdateRunStatusFinished
	case "interrupted":
		return ml.UpdateRunStatusKilled
	case "failed":
		return ml.UpdateRunStatusFailed
	case "running":
		return ml.UpdateRunStatusRunning
	default:
		return ml.UpdateRunStatusFinished
	}
}
