package module

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/strideml/stride/internal/data"
)

func init() {
	MustRegister(NameSGDRegression, NewSGDRegression)
}

// NameSGDRegression is the registry name of the built-in demo module.
const NameSGDRegression = "sgd-regression"

// SGDRegression fits y = w*x + b to a synthetic line by plain SGD on the
// mean squared error. It exists to exercise the full trainer surface
// without an external model runtime: gradients accumulate across batches
// and only move the parameters when the optimizer steps.
type SGDRegression struct {
	weight float64
	bias   float64
	gradW  float64
	gradB  float64

	lr        float64
	samples   int
	batchSize int
	seed      int64
	trueW     float64
	trueB     float64
	noise     float64
}

// NewSGDRegression builds the module from config parameters. Recognized
// keys: lr, samples, batch_size, seed, true_weight, true_bias, noise.
func NewSGDRegression(params map[string]any) (Module, error) {
	m := &SGDRegression{
		lr:        0.05,
		samples:   256,
		batchSize: 16,
		seed:      1,
		trueW:     3.0,
		trueB:     -1.0,
		noise:     0.01,
	}
	var err error
	if m.lr, err = floatParam(params, "lr", m.lr); err != nil {
		return nil, err
	}
	if m.samples, err = intParam(params, "samples", m.samples); err != nil {
		return nil, err
	}
	if m.batchSize, err = intParam(params, "batch_size", m.batchSize); err != nil {
		return nil, err
	}
	seed, err := intParam(params, "seed", int(m.seed))
	if err != nil {
		return nil, err
	}
	m.seed = int64(seed)
	if m.trueW, err = floatParam(params, "true_weight", m.trueW); err != nil {
		return nil, err
	}
	if m.trueB, err = floatParam(params, "true_bias", m.trueB); err != nil {
		return nil, err
	}
	if m.noise, err = floatParam(params, "noise", m.noise); err != nil {
		return nil, err
	}
	if m.lr <= 0 {
		return nil, NewParamError(NameSGDRegression, "lr", "must be greater than 0")
	}
	if m.samples <= 0 {
		return nil, NewParamError(NameSGDRegression, "samples", "must be greater than 0")
	}
	if m.batchSize <= 0 {
		return nil, NewParamError(NameSGDRegression, "batch_size", "must be greater than 0")
	}
	return m, nil
}

func (m *SGDRegression) Name() string {
	return NameSGDRegression
}

// Weight returns the current slope estimate.
func (m *SGDRegression) Weight() float64 { return m.weight }

// Bias returns the current intercept estimate.
func (m *SGDRegression) Bias() float64 { return m.bias }

func (m *SGDRegression) Hyperparams() map[string]any {
	return map[string]any{
		"lr":         m.lr,
		"samples":    m.samples,
		"batch_size": m.batchSize,
		"seed":       m.seed,
	}
}

func (m *SGDRegression) TrainingStep(ctx context.Context, batch data.Batch, batchIdx int) (StepResult, error) {
	loss, gw, gb, err := m.evaluate(batch)
	if err != nil {
		return StepResult{}, NewStepError(m.Name(), "training", batchIdx, err)
	}
	m.gradW += gw
	m.gradB += gb
	return StepResult{
		Loss:    loss,
		Metrics: map[string]float64{"train_loss": loss},
	}, nil
}

func (m *SGDRegression) ValidationStep(ctx context.Context, batch data.Batch, batchIdx int) (StepResult, error) {
	loss, _, _, err := m.evaluate(batch)
	if err != nil {
		return StepResult{}, NewStepError(m.Name(), "validation", batchIdx, err)
	}
	return StepResult{
		Loss:    loss,
		Metrics: map[string]float64{"val_loss": loss},
	}, nil
}

func (m *SGDRegression) TestStep(ctx context.Context, batch data.Batch, batchIdx int) (StepResult, error) {
	loss, _, _, err := m.evaluate(batch)
	if err != nil {
		return StepResult{}, NewStepError(m.Name(), "test", batchIdx, err)
	}
	return StepResult{
		Loss:    loss,
		Metrics: map[string]float64{"test_loss": loss},
	}, nil
}

func (m *SGDRegression) PredictStep(ctx context.Context, batch data.Batch, batchIdx int) (any, error) {
	preds := make([]float64, 0, batch.Size())
	for _, sample := range batch.Samples {
		point, ok := sample.([2]float64)
		if !ok {
			return nil, NewStepError(m.Name(), "predict", batchIdx, fmt.Errorf("unexpected sample type %T", sample))
		}
		preds = append(preds, m.weight*point[0]+m.bias)
	}
	return preds, nil
}

func (m *SGDRegression) evaluate(batch data.Batch) (loss, gradW, gradB float64, err error) {
	n := float64(batch.Size())
	if n == 0 {
		return 0, 0, 0, fmt.Errorf("empty batch")
	}
	for _, sample := range batch.Samples {
		point, ok := sample.([2]float64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("unexpected sample type %T", sample)
		}
		x, y := point[0], point[1]
		diff := m.weight*x + m.bias - y
		loss += diff * diff
		gradW += 2 * diff * x
		gradB += 2 * diff
	}
	return loss / n, gradW / n, gradB / n, nil
}

func (m *SGDRegression) ConfigureOptimizers() ([]Optimizer, error) {
	return []Optimizer{&sgdOptimizer{module: m, lr: m.lr}}, nil
}

type sgdOptimizer struct {
	module *SGDRegression
	lr     float64
}

func (o *sgdOptimizer) Step(ctx context.Context) error {
	o.module.weight -= o.lr * o.module.gradW
	o.module.bias -= o.lr * o.module.gradB
	return nil
}

func (o *sgdOptimizer) ZeroGrad() {
	o.module.gradW = 0
	o.module.gradB = 0
}

func (o *sgdOptimizer) LR() float64 {
	return o.lr
}

func (o *sgdOptimizer) SetLR(lr float64) {
	o.lr = lr
}

type regressionState struct {
	Weight float64 `json:"weight"`
	Bias   float64 `json:"bias"`
}

func (m *SGDRegression) Snapshot() ([]byte, error) {
	return json.Marshal(regressionState{Weight: m.weight, Bias: m.bias})
}

func (m *SGDRegression) Restore(state []byte) error {
	var s regressionState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	m.weight = s.Weight
	m.bias = s.Bias
	return nil
}

func (m *SGDRegression) TrainLoader() (data.Loader, error) {
	return data.NewDataLoader(m.dataset(m.samples, m.seed), data.LoaderOptions{
		BatchSize: m.batchSize,
		Shuffle:   true,
		Seed:      m.seed,
	})
}

func (m *SGDRegression) ValLoader() (data.Loader, error) {
	n := m.samples / 5
	if n < 1 {
		n = 1
	}
	return data.NewDataLoader(m.dataset(n, m.seed+1), data.LoaderOptions{
		BatchSize: m.batchSize,
	})
}

func (m *SGDRegression) TestLoader() (data.Loader, error) {
	n := m.samples / 5
	if n < 1 {
		n = 1
	}
	return data.NewDataLoader(m.dataset(n, m.seed+2), data.LoaderOptions{
		BatchSize: m.batchSize,
	})
}

func (m *SGDRegression) PredictLoader() (data.Loader, error) {
	samples := make([]any, 16)
	for i := range samples {
		x := -1.0 + 2.0*float64(i)/15.0
		samples[i] = [2]float64{x, 0}
	}
	return data.NewDataLoader(data.NewSliceDataset(samples...), data.LoaderOptions{
		BatchSize: m.batchSize,
	})
}

func (m *SGDRegression) dataset(n int, seed int64) data.Dataset {
	rng := rand.New(rand.NewSource(seed))
	samples := make([]any, n)
	for i := range samples {
		x := rng.Float64()*2 - 1
		y := m.trueW*x + m.trueB + rng.NormFloat64()*m.noise
		samples[i] = [2]float64{x, y}
	}
	return data.NewSliceDataset(samples...)
}

func floatParam(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, NewParamError(NameSGDRegression, key, fmt.Sprintf("expected a number, got %T", v))
	}
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, NewParamError(NameSGDRegression, key, fmt.Sprintf("expected an integer, got %T", v))
	}
}
