package data

import (
	"math/rand"
)

// Sampler yields the dataset indices of one pass in order.
type Sampler interface {
	Len() int
	Indices() []int
}

// EpochSetter is implemented by samplers whose order depends on the
// current epoch. Loaders forward SetEpoch at every epoch start so
// shuffles reseed deterministically, and identically on every rank.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// DistributedCap marks samplers that already partition across ranks.
// The trainer never wraps such a sampler a second time.
type DistributedCap interface {
	DistributedShard() (rank, worldSize int)
}

// SequentialSampler visits indices in dataset order.
type SequentialSampler struct {
	n int
}

func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Len() int {
	return s.n
}

func (s *SequentialSampler) Indices() []int {
	out := make([]int, s.n)
	for i := range out {
		out[i] = i
	}
	return out
}

// RandomSampler visits all indices in a seeded random order. The
// permutation is a function of seed and epoch only.
type RandomSampler struct {
	n     int
	seed  int64
	epoch int
}

func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{n: n, seed: seed}
}

func (s *RandomSampler) Len() int {
	return s.n
}

func (s *RandomSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

func (s *RandomSampler) Indices() []int {
	rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
	return rng.Perm(s.n)
}

// DistributedOptions tunes shard construction.
type DistributedOptions struct {
	Shuffle bool
	Seed    int64
	// DropLast trims the tail instead of padding, so the dataset length
	// no longer needs to divide evenly but some samples are skipped.
	DropLast bool
}

// DistributedSampler partitions a dataset across ranks. Each rank sees a
// disjoint contiguous shard of a (shuffled) permutation; unless DropLast
// is set the permutation is padded by wrapping around to the front so
// every rank runs the same number of batches.
type DistributedSampler struct {
	datasetLen int
	rank       int
	worldSize  int
	opts       DistributedOptions
	epoch      int
}

// NewDistributedSampler validates the rank geometry and builds a shard
// sampler for one rank.
func NewDistributedSampler(datasetLen, rank, worldSize int, opts DistributedOptions) (*DistributedSampler, error) {
	if worldSize <= 0 {
		return nil, ErrInvalidWorldSize
	}
	if rank < 0 || rank >= worldSize {
		return nil, ErrInvalidRank
	}
	if datasetLen <= 0 {
		return nil, ErrEmptyDataset
	}
	return &DistributedSampler{
		datasetLen: datasetLen,
		rank:       rank,
		worldSize:  worldSize,
		opts:       opts,
	}, nil
}

// DistributedShard identifies the shard this sampler serves.
func (s *DistributedSampler) DistributedShard() (rank, worldSize int) {
	return s.rank, s.worldSize
}

// SetEpoch reseeds the shuffle. All ranks must pass the same epoch.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Len returns the per-rank shard length.
func (s *DistributedSampler) Len() int {
	if s.opts.DropLast {
		return s.datasetLen / s.worldSize
	}
	return (s.datasetLen + s.worldSize - 1) / s.worldSize
}

func (s *DistributedSampler) Indices() []int {
	base := make([]int, s.datasetLen)
	if s.opts.Shuffle {
		rng := rand.New(rand.NewSource(s.opts.Seed + int64(s.epoch)))
		copy(base, rng.Perm(s.datasetLen))
	} else {
		for i := range base {
			base[i] = i
		}
	}

	perRank := s.Len()
	total := perRank * s.worldSize
	// Pad by wrapping to the front of the permutation. More ranks than
	// samples keeps wrapping until every rank has a full shard.
	for total > len(base) {
		need := total - len(base)
		if need > s.datasetLen {
			need = s.datasetLen
		}
		base = append(base, base[:need]...)
	}
	base = base[:total]

	start := s.rank * perRank
	end := start + perRank
	shard := make([]int, perRank)
	copy(shard, base[start:end])
	return shard
}
