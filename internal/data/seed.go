package data

import "sync/atomic"

var defaultSeed atomic.Int64

// SetDefaultSeed sets the fallback seed consulted when a loader is
// constructed with a zero Seed option. One call at process start makes
// every shuffle and shard permutation deterministic.
func SetDefaultSeed(seed int64) {
	defaultSeed.Store(seed)
}

// DefaultSeed returns the current fallback seed.
func DefaultSeed() int64 {
	return defaultSeed.Load()
}
