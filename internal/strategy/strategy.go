// Package strategy implements the proxy rotation strategies.
//
// Every strategy selects among the pool's healthy proxies minus the ones
// already tried for the current request, ordered by proxy ID. Strategies keep
// their own bookkeeping (indexes, caches, sessions) behind their own mutex and
// never change pool membership.
package strategy

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// Registry names of the builtin strategies.
const (
	NameRoundRobin  = "round_robin"
	NameRandom      = "random"
	NameWeighted    = "weighted"
	NameLeastUsed   = "least_used"
	NamePerformance = "performance"
	NameSession     = "session"
	NameGeo         = "geo"
	NameCost        = "cost"
	NameComposite   = "composite"
)

// Strategy chooses one proxy per call and is told how the attempt went.
type Strategy interface {
	Name() string
	Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error)
	RecordResult(proxy *types.Proxy, success bool, latency time.Duration)
}

// Selector is a strategy that can pick from an already narrowed candidate list.
// All builtin strategies implement it.
type Selector interface {
	Strategy
	SelectFrom(poolName string, candidates []*types.Proxy, sel *types.SelectionContext) (*types.Proxy, error)
}

// Filter narrows a candidate list. Used by the composite strategy.
type Filter interface {
	Filter(candidates []*types.Proxy, sel *types.SelectionContext) []*types.Proxy
}

// candidates returns the eligible, not-yet-tried proxies of pool.
func candidates(pool *types.Pool, sel *types.SelectionContext) []*types.Proxy {
	return types.Exclude(pool.Healthy(), sel)
}

func selectFromPool(s Selector, pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return s.SelectFrom(pool.Name(), candidates(pool, sel), sel)
}

func errEmpty(pool string) error {
	return types.NewPoolEmptyError(pool, "no healthy untried proxy")
}

// lockedRand is a math/rand/v2 source shared by a strategy's callers.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRand{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *lockedRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// pickWeighted draws an index with probability weights[i]/sum(weights).
// Weights must be positive.
func pickWeighted(r *lockedRand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	target := r.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if target < acc {
			return i
		}
	}
	return len(weights) - 1
}
