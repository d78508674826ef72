package events

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/strideml/stride/internal/runstate"
)

// EventLogger provides structured logging for run lifecycle events.
type EventLogger struct {
	logger *slog.Logger
	runID  string
	rank   int
}

// NewEventLogger creates a new EventLogger with JSON output to stderr.
// It includes base attributes: run_id and rank.
func NewEventLogger(runID string, rank int) *EventLogger {
	return NewEventLoggerWithWriter(runID, rank, os.Stderr)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to
// a custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(runID string, rank int, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"run_id", runID,
		"rank", rank,
	)
	return &EventLogger{
		logger: logger,
		runID:  runID,
		rank:   rank,
	}
}

// LogRunStarted logs the start of a trainer entry point.
// event: "run_started"
// Attributes: stage, module, max_epochs, max_steps
func (el *EventLogger) LogRunStarted(stage runstate.Stage, moduleName string, maxEpochs, maxSteps int) {
	el.logger.Info("run_started",
		"stage", string(stage),
		"module", moduleName,
		"max_epochs", maxEpochs,
		"max_steps", maxSteps,
	)
}

// LogRunFinished logs the end of a trainer entry point.
// event: "run_finished"
// Attributes: status, reason, epochs, steps, duration_ms
func (el *EventLogger) LogRunFinished(status runstate.Status, reason string, epochs, steps int, durationMs int64) {
	el.logger.Info("run_finished",
		"status", string(status),
		"reason", reason,
		"epochs", epochs,
		"steps", steps,
		"duration_ms", durationMs,
	)
}

// LogStatusTransition logs a run status change.
// event: "status_transition"
// Attributes: from, to
func (el *EventLogger) LogStatusTransition(from, to runstate.Status) {
	el.logger.Info("status_transition",
		"from", string(from),
		"to", string(to),
	)
}

// LogEpochStarted logs the start of a training epoch.
// event: "epoch_started"
// Attributes: epoch, batches
func (el *EventLogger) LogEpochStarted(epoch, batches int) {
	el.logger.Info("epoch_started",
		"epoch", epoch,
		"batches", batches,
	)
}

// LogEpochEnded logs the end of a training epoch.
// event: "epoch_ended"
// Attributes: epoch, global_step
func (el *EventLogger) LogEpochEnded(epoch, globalStep int) {
	el.logger.Info("epoch_ended",
		"epoch", epoch,
		"global_step", globalStep,
	)
}

// LogValidation logs a completed validation pass.
// event: "validation_completed"
// Attributes: stage, epoch, global_step, batches
func (el *EventLogger) LogValidation(stage runstate.Stage, epoch, globalStep, batches int) {
	el.logger.Info("validation_completed",
		"stage", string(stage),
		"epoch", epoch,
		"global_step", globalStep,
		"batches", batches,
	)
}

// LogCheckpointSaved logs a persisted checkpoint.
// event: "checkpoint_saved"
// Attributes: path, epoch, global_step
func (el *EventLogger) LogCheckpointSaved(path string, epoch, globalStep int) {
	el.logger.Info("checkpoint_saved",
		"path", path,
		"epoch", epoch,
		"global_step", globalStep,
	)
}

// LogStopRequested logs a latched stop request.
// event: "stop_requested"
// Attributes: source, reason, epoch, global_step, deferred
func (el *EventLogger) LogStopRequested(source, reason string, epoch, globalStep int, deferred bool) {
	el.logger.Warn("stop_requested",
		"source", source,
		"reason", reason,
		"epoch", epoch,
		"global_step", globalStep,
		"deferred", deferred,
	)
}

// LogEarlyStop logs an early-stopping trigger.
// event: "early_stop_triggered"
// Attributes: monitor, best, current, patience
func (el *EventLogger) LogEarlyStop(monitor string, best, current float64, patience int) {
	el.logger.Warn("early_stop_triggered",
		"monitor", monitor,
		"best", best,
		"current", current,
		"patience", patience,
	)
}

// LogInterrupted logs an interruption of the run.
// event: "run_interrupted"
// Attributes: cause, epoch, global_step
func (el *EventLogger) LogInterrupted(cause string, epoch, globalStep int) {
	el.logger.Warn("run_interrupted",
		"cause", cause,
		"epoch", epoch,
		"global_step", globalStep,
	)
}

// LogSanityCheck logs the pre-fit validation probe.
// event: "sanity_check"
// Attributes: batches
func (el *EventLogger) LogSanityCheck(batches int) {
	el.logger.Info("sanity_check",
		"batches", batches,
	)
}

// LogProgress logs periodic training progress.
// event: "progress"
// Attributes: epoch, global_step, batch, loss
func (el *EventLogger) LogProgress(epoch, globalStep, batch int, loss float64) {
	el.logger.Info("progress",
		"epoch", epoch,
		"global_step", globalStep,
		"batch", batch,
		"loss", loss,
	)
}

// LogTunerResult logs the outcome of a tuning probe.
// event: "tuner_result"
// Attributes: kind, value
func (el *EventLogger) LogTunerResult(kind string, value float64) {
	el.logger.Info("tuner_result",
		"kind", kind,
		"value", value,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex

	noopOnce   sync.Once
	noopLogger *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
		noopLogger = &EventLogger{logger: slog.New(handler)}
	})
	return noopLogger
}
