package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strideml/stride/internal/module"
)

// Timer requests a stop once a wall-clock training budget is spent.
// Elapsed time persists through checkpoints, so a resumed run keeps
// consuming the same budget.
type Timer struct {
	Base

	duration time.Duration
	nowFunc  func() time.Time

	startedAt time.Time
	elapsed   time.Duration // carried over from a restored checkpoint
	stopped   bool
}

// NewTimer creates a timer with the given duration budget.
func NewTimer(duration time.Duration) (*Timer, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("timer: duration must be positive, got %v", duration)
	}
	return &Timer{
		duration: duration,
		nowFunc:  time.Now,
	}, nil
}

// Elapsed returns the total training time consumed, including time
// restored from a checkpoint.
func (t *Timer) Elapsed() time.Duration {
	if t.startedAt.IsZero() {
		return t.elapsed
	}
	return t.elapsed + t.nowFunc().Sub(t.startedAt)
}

// Remaining returns the unspent budget, never negative.
func (t *Timer) Remaining() time.Duration {
	remaining := t.duration - t.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *Timer) OnFitStart(ctx context.Context, run Run) error {
	t.startedAt = t.nowFunc()
	return nil
}

func (t *Timer) OnTrainBatchEnd(ctx context.Context, run Run, result module.StepResult, batchIdx int) error {
	if t.stopped {
		return nil
	}
	if t.Elapsed() >= t.duration {
		t.stopped = true
		run.RequestStop(fmt.Sprintf("timer: %v budget exhausted", t.duration))
	}
	return nil
}

type timerState struct {
	ElapsedMs int64 `json:"elapsed_ms"`
	Stopped   bool  `json:"stopped"`
}

func (t *Timer) StateKey() string { return "timer" }

func (t *Timer) SaveState() (json.RawMessage, error) {
	return json.Marshal(timerState{
		ElapsedMs: t.Elapsed().Milliseconds(),
		Stopped:   t.stopped,
	})
}

func (t *Timer) LoadState(data json.RawMessage) error {
	var state timerState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("timer: failed to restore state: %w", err)
	}
	t.elapsed = time.Duration(state.ElapsedMs) * time.Millisecond
	t.stopped = state.Stopped
	t.startedAt = time.Time{}
	return nil
}
