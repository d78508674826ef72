// Package strategy coordinates how many loop workers execute a run
// and how they synchronize. The ddp strategy fans one worker out per
// rank inside the process; collectives keep their metrics and stop
// flags coherent.
package strategy

import (
	"context"
	"fmt"
)

// RankContext is the per-worker view of a launched strategy.
type RankContext interface {
	// Rank returns this worker's rank, 0-based.
	Rank() int

	// WorldSize returns the total number of ranks.
	WorldSize() int

	// IsGlobalZero reports whether this rank owns checkpointing and
	// experiment logging.
	IsGlobalZero() bool

	// Barrier blocks until every rank arrives.
	Barrier(ctx context.Context) error

	// AllReduceMean averages a scalar across all ranks; every rank
	// receives the same result.
	AllReduceMean(ctx context.Context, value float64) (float64, error)

	// AllReduceOr ORs a flag across all ranks. A stop request on any
	// rank reaches all of them this way.
	AllReduceOr(ctx context.Context, value bool) (bool, error)
}

// Strategy launches the loop body across its ranks.
//
// Collective calls must happen in the same order on every rank; after
// a collective returns an error the strategy is unusable and the run
// must be abandoned.
type Strategy interface {
	Name() string
	WorldSize() int

	// Launch runs body once per rank and waits for all of them. The
	// first body error aborts the remaining ranks.
	Launch(ctx context.Context, body func(ctx context.Context, rc RankContext) error) error
}

// Resolve maps a strategy name and device count to an implementation.
// "auto" picks ddp when more than one device is requested.
func Resolve(name string, devices int) (Strategy, error) {
	if devices < 1 {
		return nil, fmt.Errorf("strategy: device count must be positive, got %d", devices)
	}

	switch name {
	case "", "auto":
		if devices > 1 {
			return NewDDP(devices)
		}
		return NewSingleDevice(), nil
	case "single":
		if devices > 1 {
			return nil, fmt.Errorf("strategy: single device strategy cannot drive %d devices", devices)
		}
		return NewSingleDevice(), nil
	case "ddp":
		return NewDDP(devices)
	default:
		return nil, fmt.Errorf("strategy: unknown strategy %q", name)
	}
}

// SingleDevice runs the loop body in the calling goroutine with a
// world size of one. All collectives are identities.
type SingleDevice struct{}

// NewSingleDevice creates the single device strategy.
func NewSingleDevice() *SingleDevice { return &SingleDevice{} }

func (s *SingleDevice) Name() string { return "single" }

func (s *SingleDevice) WorldSize() int { return 1 }

func (s *SingleDevice) Launch(ctx context.Context, body func(ctx context.Context, rc RankContext) error) error {
	return body(ctx, soloRank{})
}

// Solo returns the rank context of a single-rank world. Engines driven
// outside a Launch call, like the standalone evaluation passes, use it
// directly.
func Solo() RankContext { return soloRank{} }

type soloRank struct{}

func (soloRank) Rank() int { return 0 }

func (soloRank) WorldSize() int { return 1 }

func (soloRank) IsGlobalZero() bool { return true }

func (soloRank) Barrier(ctx context.Context) error { return ctx.Err() }

func (soloRank) AllReduceMean(ctx context.Context, value float64) (float64, error) {
	return value, ctx.Err()
}

func (soloRank) AllReduceOr(ctx context.Context, value bool) (bool, error) {
	return value, ctx.Err()
}
