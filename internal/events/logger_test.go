package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/strideml/stride/internal/runstate"
)

func TestGetGlobalEventLoggerReturnsSingletonNoopWhenUnset(t *testing.T) {
	SetGlobalEventLogger(nil)

	a := GetGlobalEventLogger()
	b := GetGlobalEventLogger()

	if a == nil || b == nil {
		t.Fatal("expected non-nil noop logger")
	}
	if a != b {
		t.Fatal("expected singleton noop logger instance")
	}
}

func TestEventLoggerEmitsJSONWithBaseAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter("run_abc", 2, &buf)

	l.LogRunStarted(runstate.StageTrain, "sgd-regression", 10, -1)
	l.LogEpochStarted(0, 32)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 event lines, got %d", len(lines))
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("event line is not valid JSON: %v", err)
	}
	if event["msg"] != "run_started" {
		t.Errorf("expected msg run_started, got %v", event["msg"])
	}
	if event["run_id"] != "run_abc" {
		t.Errorf("expected run_id run_abc, got %v", event["run_id"])
	}
	if event["rank"] != float64(2) {
		t.Errorf("expected rank 2, got %v", event["rank"])
	}
	if event["stage"] != "train" {
		t.Errorf("expected stage train, got %v", event["stage"])
	}
}

func TestEventLoggerStopRequested(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter("run_abc", 0, &buf)

	l.LogStopRequested("early_stopping", "val_loss plateaued", 3, 120, true)

	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("event line is not valid JSON: %v", err)
	}
	if event["msg"] != "stop_requested" {
		t.Errorf("expected msg stop_requested, got %v", event["msg"])
	}
	if event["deferred"] != true {
		t.Errorf("expected deferred true, got %v", event["deferred"])
	}
	if event["level"] != "WARN" {
		t.Errorf("expected WARN level, got %v", event["level"])
	}
}
