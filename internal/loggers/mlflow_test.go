package loggers

import (
	"testing"

	"github.com/databricks/databricks-sdk-go/service/ml"
)

func TestNewMLflowLoggerValidation(t *testing.T) {
	t.Run("missing tracking URI", func(t *testing.T) {
		_, err := NewMLflowLogger(MLflowConfig{ExperimentID: "1"})
		if err == nil {
			t.Error("expected error for missing tracking URI")
		}
	})

	t.Run("missing experiment ID", func(t *testing.T) {
		_, err := NewMLflowLogger(MLflowConfig{TrackingURI: "http://localhost:5000"})
		if err == nil {
			t.Error("expected error for missing experiment ID")
		}
	})
}

func TestMLflowStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   ml.UpdateRunStatus
	}{
		{"finished", ml.UpdateRunStatusFinished},
		{"interrupted", ml.UpdateRunStatusKilled},
		{"failed", ml.UpdateRunStatusFailed},
		{"running", ml.UpdateRunStatusRunning},
		{"something-else", ml.UpdateRunStatusFinished},
	}

	for _, tt := range tests {
		if got := mlflowStatus(tt.status); got != tt.want {
			t.Errorf("mlflowStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestFormatParam(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"sgd", "sgd"},
		{true, "true"},
		{42, "42"},
		{int64(7), "7"},
		{0.001, "0.001"},
		{[]int{1, 2}, "[1 2]"},
	}

	for _, tt := range tests {
		if got := formatParam(tt.in); got != tt.want {
			t.Errorf("formatParam(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
