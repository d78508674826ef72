// Package loggers provides experiment tracking backends for training runs.
package loggers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MetricsLogVersion is the current metrics log format version.
const MetricsLogVersion = "metrics-log/v1"

// Logger records hyperparameters and step-indexed metrics for a run.
// Implementations must be safe for concurrent use.
type Logger interface {
	// Name returns a short identifier for the backend (e.g. "csv").
	Name() string

	// LogHyperparams records the run's hyperparameters once, before
	// the first metrics arrive.
	LogHyperparams(ctx context.Context, params map[string]any) error

	// LogMetrics records scalar metrics for a global step. Backends
	// may buffer; Save forces the buffer out.
	LogMetrics(ctx context.Context, metrics map[string]float64, step int) error

	// Save flushes any buffered records to the backend.
	Save(ctx context.Context) error

	// Finalize flushes and marks the run with a terminal status
	// ("finished", "interrupted" or "failed"). The logger must not be
	// used after Finalize returns.
	Finalize(ctx context.Context, status string) error
}

// MetricsRecord is a single step's metrics in metrics-log/v1 format.
type MetricsRecord struct {
	Version   string             `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Kind      string             `json:"kind"`
	Step      int                `json:"step"`
	Metrics   map[string]float64 `json:"metrics"`
}

// MarshalJSONL marshals the record to a JSONL line (no trailing newline).
func (r *MetricsRecord) MarshalJSONL() ([]byte, error) {
	return json.Marshal(r)
}

// HyperparamsRecord is a run's hyperparameters in metrics-log/v1 format.
type HyperparamsRecord struct {
	Version     string         `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        string         `json:"kind"`
	Hyperparams map[string]any `json:"hyperparams"`
}

// MarshalJSONL marshals the record to a JSONL line (no trailing newline).
func (r *HyperparamsRecord) MarshalJSONL() ([]byte, error) {
	return json.Marshal(r)
}

// StatusRecord marks the end of a run in metrics-log/v1 format.
type StatusRecord struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
}

// MarshalJSONL marshals the record to a JSONL line (no trailing newline).
func (r *StatusRecord) MarshalJSONL() ([]byte, error) {
	return json.Marshal(r)
}

// NoopLogger discards everything. Used when tracking is disabled.
type NoopLogger struct{}

var noopLogger = &NoopLogger{}

// NewNoopLogger returns the shared no-op logger.
func NewNoopLogger() *NoopLogger { return noopLogger }

func (n *NoopLogger) Name() string { return "noop" }

func (n *NoopLogger) LogHyperparams(ctx context.Context, params map[string]any) error { return nil }

func (n *NoopLogger) LogMetrics(ctx context.Context, metrics map[string]float64, step int) error {
	return nil
}

func (n *NoopLogger) Save(ctx context.Context) error { return nil }

func (n *NoopLogger) Finalize(ctx context.Context, status string) error { return nil }

// formatParam renders a hyperparameter value as a stable string.
func formatParam(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	default:
		return fmt.Sprintf("%v", val)
	}
}
