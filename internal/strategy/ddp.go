package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DDP runs one loop worker per rank inside the process. Rank 0 is the
// global-zero rank; the others replicate the loop over their shard of
// the data and meet at collectives.
type DDP struct {
	worldSize int
}

// NewDDP creates a ddp strategy with the given world size.
func NewDDP(worldSize int) (*DDP, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("strategy: world size must be positive, got %d", worldSize)
	}
	return &DDP{worldSize: worldSize}, nil
}

func (d *DDP) Name() string { return "ddp" }

func (d *DDP) WorldSize() int { return d.worldSize }

func (d *DDP) Launch(ctx context.Context, body func(ctx context.Context, rc RankContext) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	comm := newCommunicator(d.worldSize)
	errs := make([]error, d.worldSize)

	var wg sync.WaitGroup
	for rank := 0; rank < d.worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()

			rc := &ddpRank{rank: rank, comm: comm}
			if err := body(ctx, rc); err != nil {
				errs[rank] = err
				// Release peers stuck in collectives.
				cancel()
			}
		}(rank)
	}
	wg.Wait()

	// Prefer the originating failure over the context errors it
	// caused on the other ranks.
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type ddpRank struct {
	rank int
	comm *communicator
}

func (r *ddpRank) Rank() int { return r.rank }

func (r *ddpRank) WorldSize() int { return r.comm.n }

func (r *ddpRank) IsGlobalZero() bool { return r.rank == 0 }

func (r *ddpRank) Barrier(ctx context.Context) error {
	return r.comm.barrier(ctx)
}

func (r *ddpRank) AllReduceMean(ctx context.Context, value float64) (float64, error) {
	return r.comm.reduceMean(ctx, r.rank, value)
}

func (r *ddpRank) AllReduceOr(ctx context.Context, value bool) (bool, error) {
	contribution := 0.0
	if value {
		contribution = 1.0
	}
	mean, err := r.comm.reduceMean(ctx, r.rank, contribution)
	if err != nil {
		return false, err
	}
	return mean > 0, nil
}

// communicator is the in-process rendezvous for one launched world.
// The last rank to arrive completes the collective and releases the
// waiters; a cancelled rank poisons the communicator for good.
type communicator struct {
	n int

	mu      sync.Mutex
	arrived int
	release chan struct{}
	values  []float64
	result  float64
}

func newCommunicator(n int) *communicator {
	return &communicator{
		n:       n,
		release: make(chan struct{}),
		values:  make([]float64, n),
	}
}

func (c *communicator) barrier(ctx context.Context) error {
	c.mu.Lock()
	c.arrived++
	if c.arrived == c.n {
		c.arrived = 0
		close(c.release)
		c.release = make(chan struct{})
		c.mu.Unlock()
		return nil
	}
	release := c.release
	c.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *communicator) reduceMean(ctx context.Context, rank int, value float64) (float64, error) {
	c.mu.Lock()
	c.values[rank] = value
	c.arrived++
	if c.arrived == c.n {
		sum := 0.0
		for _, v := range c.values {
			sum += v
		}
		c.result = sum / float64(c.n)
		c.arrived = 0
		close(c.release)
		c.release = make(chan struct{})
		result := c.result
		c.mu.Unlock()
		return result, nil
	}
	release := c.release
	c.mu.Unlock()

	select {
	case <-release:
		c.mu.Lock()
		result := c.result
		c.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
