package data

import "io"

// LoaderOptions configures a DataLoader.
type LoaderOptions struct {
	// BatchSize is the number of samples per batch. Zero means one.
	BatchSize int
	// Shuffle draws batches from a seeded random permutation. Ignored
	// when Sampler is set.
	Shuffle bool
	// DropLast discards a trailing batch smaller than BatchSize.
	DropLast bool
	// Seed feeds the shuffle permutation. Zero falls back to the
	// package default seed, see SetDefaultSeed.
	Seed int64
	// Sampler overrides the default sequential or random order.
	Sampler Sampler
}

// DataLoader assembles batches from an indexable dataset according to a
// sampler order.
type DataLoader struct {
	dataset Dataset
	opts    LoaderOptions
	sampler Sampler
}

// NewDataLoader builds a loader over the dataset. Without an explicit
// sampler the loader uses a sequential one, or a seeded random one when
// Shuffle is set.
func NewDataLoader(dataset Dataset, opts LoaderOptions) (*DataLoader, error) {
	if opts.BatchSize < 0 {
		return nil, ErrInvalidBatchSize
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 1
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed()
	}
	sampler := opts.Sampler
	if sampler == nil {
		if opts.Shuffle {
			sampler = NewRandomSampler(dataset.Len(), opts.Seed)
		} else {
			sampler = NewSequentialSampler(dataset.Len())
		}
	}
	return &DataLoader{dataset: dataset, opts: opts, sampler: sampler}, nil
}

// Dataset returns the underlying dataset.
func (l *DataLoader) Dataset() Dataset {
	return l.dataset
}

// Sampler returns the sampler driving the batch order.
func (l *DataLoader) Sampler() Sampler {
	return l.sampler
}

// BatchSize returns the configured batch size.
func (l *DataLoader) BatchSize() int {
	return l.opts.BatchSize
}

// WithSampler clones the loader with a different sampler. The dataset
// and batching options are shared.
func (l *DataLoader) WithSampler(s Sampler) *DataLoader {
	opts := l.opts
	opts.Sampler = s
	return &DataLoader{dataset: l.dataset, opts: opts, sampler: s}
}

// SetEpoch forwards the epoch to epoch-aware samplers so shuffles
// reseed deterministically.
func (l *DataLoader) SetEpoch(epoch int) {
	if es, ok := l.sampler.(EpochSetter); ok {
		es.SetEpoch(epoch)
	}
}

// Len returns the number of batches in one pass.
func (l *DataLoader) Len() int {
	n := l.sampler.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Batches starts a new pass in the sampler's current order.
func (l *DataLoader) Batches() BatchIterator {
	return &sliceIterator{
		dataset:   l.dataset,
		indices:   l.sampler.Indices(),
		batchSize: l.opts.BatchSize,
		dropLast:  l.opts.DropLast,
	}
}

type sliceIterator struct {
	dataset   Dataset
	indices   []int
	batchSize int
	dropLast  bool
	pos       int
}

func (it *sliceIterator) Next() (Batch, error) {
	remaining := len(it.indices) - it.pos
	if remaining <= 0 {
		return Batch{}, io.EOF
	}
	if remaining < it.batchSize && it.dropLast {
		return Batch{}, io.EOF
	}

	n := it.batchSize
	if n > remaining {
		n = remaining
	}
	batch := Batch{
		Samples: make([]any, 0, n),
		Indices: make([]int, 0, n),
	}
	for _, idx := range it.indices[it.pos : it.pos+n] {
		sample, err := it.dataset.Sample(idx)
		if err != nil {
			return Batch{}, err
		}
		batch.Samples = append(batch.Samples, sample)
		batch.Indices = append(batch.Indices, idx)
	}
	it.pos += n
	return batch, nil
}

// StreamLoader batches an iterable source of unknown length. Len is
// always -1; validation cadence over such a loader must use an absolute
// cross-epoch interval.
type StreamLoader struct {
	source    IterableDataset
	batchSize int
}

// NewStreamLoader builds a loader over a stream source.
func NewStreamLoader(source IterableDataset, batchSize int) (*StreamLoader, error) {
	if batchSize < 0 {
		return nil, ErrInvalidBatchSize
	}
	if batchSize == 0 {
		batchSize = 1
	}
	return &StreamLoader{source: source, batchSize: batchSize}, nil
}

func (l *StreamLoader) Len() int {
	return -1
}

func (l *StreamLoader) Batches() BatchIterator {
	stream, err := l.source.Stream()
	if err != nil {
		return &errIterator{err: err}
	}
	return &streamIterator{stream: stream, batchSize: l.batchSize}
}

type errIterator struct {
	err error
}

func (it *errIterator) Next() (Batch, error) {
	return Batch{}, it.err
}

type streamIterator struct {
	stream    SampleStream
	batchSize int
	done      bool
	seq       int
}

func (it *streamIterator) Next() (Batch, error) {
	if it.done {
		return Batch{}, io.EOF
	}
	batch := Batch{
		Samples: make([]any, 0, it.batchSize),
		Indices: make([]int, 0, it.batchSize),
	}
	for len(batch.Samples) < it.batchSize {
		sample, err := it.stream.Next()
		if err == io.EOF {
			it.done = true
			break
		}
		if err != nil {
			return Batch{}, err
		}
		batch.Samples = append(batch.Samples, sample)
		batch.Indices = append(batch.Indices, it.seq)
		it.seq++
	}
	if len(batch.Samples) == 0 {
		return Batch{}, io.EOF
	}
	return batch, nil
}

// Distribute injects a DistributedSampler into the loader when the run
// spans more than one rank. Loaders that already carry a distributed
// sampler, and loader types the framework does not know how to rewrap,
// pass through unchanged. Training loaders shuffle their shards; eval
// loaders keep dataset order.
func Distribute(l Loader, rank, worldSize int, training bool) (Loader, error) {
	if worldSize <= 1 {
		return l, nil
	}
	dl, ok := l.(*DataLoader)
	if !ok {
		return l, nil
	}
	if _, ok := dl.Sampler().(DistributedCap); ok {
		return l, nil
	}
	sampler, err := NewDistributedSampler(dl.Dataset().Len(), rank, worldSize, DistributedOptions{
		Shuffle:  training,
		Seed:     dl.opts.Seed,
		DropLast: dl.opts.DropLast,
	})
	if err != nil {
		return nil, err
	}
	return dl.WithSampler(sampler), nil
}
