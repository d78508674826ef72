package data

import "errors"

var (
	ErrInvalidBatchSize = errors.New("batch size must be greater than 0")
	ErrInvalidWorldSize = errors.New("world size must be greater than 0")
	ErrInvalidRank      = errors.New("rank must be in [0, world size)")
	ErrEmptyDataset     = errors.New("dataset has no samples")
)

// Dataset is a finite, indexable source of samples. Sample values are
// opaque to the framework; modules decode them in their step methods.
type Dataset interface {
	Len() int
	Sample(i int) (any, error)
}

// Batch groups the samples handed to one module step. Indices carry the
// dataset positions the batch was drawn from.
type Batch struct {
	Samples []any
	Indices []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Samples)
}

// Loader yields batches for repeated passes over a data source.
type Loader interface {
	// Len returns the number of batches in one pass, or -1 when the
	// source length is unknown.
	Len() int
	// Batches starts a new pass.
	Batches() BatchIterator
}

// BatchIterator walks one pass. Next returns io.EOF when the pass ends.
type BatchIterator interface {
	Next() (Batch, error)
}

// SampleStream yields samples until io.EOF. Streams have no length.
type SampleStream interface {
	Next() (any, error)
}

// IterableDataset is a source of unknown length, opened once per pass.
type IterableDataset interface {
	Stream() (SampleStream, error)
}

// SliceDataset adapts an in-memory slice to the Dataset interface.
type SliceDataset struct {
	samples []any
}

// NewSliceDataset wraps the given samples. The slice is not copied.
func NewSliceDataset(samples ...any) *SliceDataset {
	return &SliceDataset{samples: samples}
}

func (d *SliceDataset) Len() int {
	return len(d.samples)
}

func (d *SliceDataset) Sample(i int) (any, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, errors.New("sample index out of range")
	}
	return d.samples[i], nil
}
