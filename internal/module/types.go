// Package module defines the interface between user training logic and
// the loop engines, plus a registry so configs can name modules.
package module

import (
	"context"
	"fmt"

	"github.com/strideml/stride/internal/data"
)

// StepResult carries the loss and any extra metrics produced by one
// module step. Metrics flow to the experiment loggers keyed as given.
type StepResult struct {
	Loss    float64            `json:"loss"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Module is the user's training logic. TrainingStep consumes one batch
// and accumulates gradient state; the optimizer applies that state when
// the accumulation policy fires.
type Module interface {
	// Name identifies the module in configs, logs and checkpoints.
	Name() string

	// TrainingStep processes one training batch.
	TrainingStep(ctx context.Context, batch data.Batch, batchIdx int) (StepResult, error)

	// ConfigureOptimizers returns the optimizers stepping this module.
	ConfigureOptimizers() ([]Optimizer, error)
}

// Optimizer applies accumulated gradient state to module parameters.
type Optimizer interface {
	Step(ctx context.Context) error
	ZeroGrad()
}

// LRHolder is implemented by optimizers with a tunable learning rate.
// The learning-rate monitor and the tuner depend on it.
type LRHolder interface {
	LR() float64
	SetLR(lr float64)
}

// ValidationStepper is implemented by modules that support validation.
type ValidationStepper interface {
	ValidationStep(ctx context.Context, batch data.Batch, batchIdx int) (StepResult, error)
}

// TestStepper is implemented by modules that support a test stage.
type TestStepper interface {
	TestStep(ctx context.Context, batch data.Batch, batchIdx int) (StepResult, error)
}

// PredictStepper is implemented by modules that support prediction.
type PredictStepper interface {
	PredictStep(ctx context.Context, batch data.Batch, batchIdx int) (any, error)
}

// Snapshotter is implemented by modules whose parameters survive in
// checkpoints. Restore must accept exactly what Snapshot produced.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(state []byte) error
}

// HyperparamProvider exposes the settings an experiment logger records
// once at run start.
type HyperparamProvider interface {
	Hyperparams() map[string]any
}

// FitHooks run at the outermost boundary of a fit call.
type FitHooks interface {
	OnFitStart(ctx context.Context) error
	OnFitEnd(ctx context.Context) error
}

// EpochHooks run around every training epoch.
type EpochHooks interface {
	OnTrainEpochStart(ctx context.Context, epoch int) error
	OnTrainEpochEnd(ctx context.Context, epoch int) error
}

// TrainLoaderProvider lets a module carry its own training data.
type TrainLoaderProvider interface {
	TrainLoader() (data.Loader, error)
}

// ValLoaderProvider lets a module carry its own validation data.
type ValLoaderProvider interface {
	ValLoader() (data.Loader, error)
}

// TestLoaderProvider lets a module carry its own test data.
type TestLoaderProvider interface {
	TestLoader() (data.Loader, error)
}

// PredictLoaderProvider lets a module carry its own prediction data.
type PredictLoaderProvider interface {
	PredictLoader() (data.Loader, error)
}

// StepError reports a failed module step with its position.
type StepError struct {
	Module   string
	Phase    string
	BatchIdx int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("module %s: %s step failed at batch %d: %v", e.Module, e.Phase, e.BatchIdx, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a new step error.
func NewStepError(module, phase string, batchIdx int, err error) *StepError {
	return &StepError{
		Module:   module,
		Phase:    phase,
		BatchIdx: batchIdx,
		Err:      err,
	}
}

// ParamError reports an invalid module construction parameter.
type ParamError struct {
	Module  string
	Param   string
	Message string
}

func (e *ParamError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("module %s: invalid parameter %q: %s", e.Module, e.Param, e.Message)
	}
	return fmt.Sprintf("module %s: invalid parameters: %s", e.Module, e.Message)
}

// NewParamError creates a new parameter error.
func NewParamError(module, param, message string) *ParamError {
	return &ParamError{
		Module:  module,
		Param:   param,
		Message: message,
	}
}

// RegistrationError reports a failed module registration.
type RegistrationError struct {
	Module  string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed for module %q: %s", e.Module, e.Message)
}

// NewRegistrationError creates a new registration error.
func NewRegistrationError(module, message string) *RegistrationError {
	return &RegistrationError{
		Module:  module,
		Message: message,
	}
}
