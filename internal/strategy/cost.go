package strategy

import (
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// costEpsilon keeps the weight of free proxies finite.
const costEpsilon = 0.01

// Cost favors cheap proxies with weight 1/(cost+ε); free proxies are
// multiplied by a boost. Proxies above the ceiling are never chosen.
type Cost struct {
	maxCost float64
	boost   float64
	rng     *lockedRand
}

// NewCost creates a cost-aware strategy. maxCost <= 0 disables the ceiling.
func NewCost(maxCost, freeBoost float64, seed uint64) *Cost {
	return &Cost{maxCost: maxCost, boost: freeBoost, rng: newLockedRand(seed)}
}

func (c *Cost) Name() string { return NameCost }

func (c *Cost) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(c, pool, sel)
}

func (c *Cost) SelectFrom(poolName string, cands []*types.Proxy, sel *types.SelectionContext) (*types.Proxy, error) {
	affordable := c.Filter(cands, sel)
	if len(affordable) == 0 {
		if len(cands) == 0 {
			return nil, errEmpty(poolName)
		}
		return nil, types.NewPoolEmptyError(poolName, "every proxy exceeds the cost ceiling")
	}

	weights := make([]float64, len(affordable))
	for i, p := range affordable {
		weights[i] = c.weight(p)
	}
	return affordable[pickWeighted(c.rng, weights)], nil
}

// Filter drops proxies above the cost ceiling.
func (c *Cost) Filter(cands []*types.Proxy, _ *types.SelectionContext) []*types.Proxy {
	if c.maxCost <= 0 {
		return cands
	}
	out := make([]*types.Proxy, 0, len(cands))
	for _, p := range cands {
		if p.CostPerRequest <= c.maxCost {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cost) RecordResult(*types.Proxy, bool, time.Duration) {}

func (c *Cost) weight(p *types.Proxy) float64 {
	cost := p.CostPerRequest
	if cost < 0 {
		cost = 0
	}
	w := 1 / (cost + costEpsilon)
	if cost == 0 {
		w *= c.boost
	}
	return w
}
