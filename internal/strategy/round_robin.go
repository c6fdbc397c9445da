package strategy

import (
	"sync/atomic"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// RoundRobin walks the candidate list in ID order and wraps at the end.
type RoundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (rr *RoundRobin) Name() string { return NameRoundRobin }

// Select selects a proxy from the pool using round-robin.
func (rr *RoundRobin) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(rr, pool, sel)
}

// SelectFrom picks the next candidate. The shared counter is reduced modulo
// the current list length, so membership changes only shift the position.
func (rr *RoundRobin) SelectFrom(poolName string, cands []*types.Proxy, _ *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}
	counter := rr.counter.Add(1)
	index := (counter - 1) % uint64(len(cands))
	return cands[index], nil
}

func (rr *RoundRobin) RecordResult(*types.Proxy, bool, time.Duration) {}

// Random draws uniformly.
type Random struct {
	rng *lockedRand
}

// NewRandom creates a uniform random strategy.
func NewRandom(seed uint64) *Random {
	return &Random{rng: newLockedRand(seed)}
}

func (r *Random) Name() string { return NameRandom }

func (r *Random) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(r, pool, sel)
}

func (r *Random) SelectFrom(poolName string, cands []*types.Proxy, _ *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}
	return cands[r.rng.IntN(len(cands))], nil
}

func (r *Random) RecordResult(*types.Proxy, bool, time.Duration) {}

// LeastUsed picks the proxy with the fewest started requests. Ties go to the
// lowest proxy ID since candidates arrive in ID order.
type LeastUsed struct{}

// NewLeastUsed creates a least-used strategy.
func NewLeastUsed() *LeastUsed {
	return &LeastUsed{}
}

func (l *LeastUsed) Name() string { return NameLeastUsed }

func (l *LeastUsed) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(l, pool, sel)
}

func (l *LeastUsed) SelectFrom(poolName string, cands []*types.Proxy, _ *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}
	best := cands[0]
	bestCount := best.RequestsStarted()
	for _, p := range cands[1:] {
		if n := p.RequestsStarted(); n < bestCount {
			best, bestCount = p, n
		}
	}
	return best, nil
}

func (l *LeastUsed) RecordResult(*types.Proxy, bool, time.Duration) {}
