package strategy

import (
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// minWeight keeps proxies with poor success rates selectable.
const minWeight = 0.1

// Weighted draws proportionally to a configured weight or, without one, the
// proxy's success rate. Normalized weights are cached per candidate set.
type Weighted struct {
	weights map[string]float64
	rng     *lockedRand

	mu        sync.Mutex
	cacheKey  string
	cacheNorm []float64
}

// NewWeighted creates a weighted strategy. weights is keyed by proxy ID or URL.
func NewWeighted(weights map[string]float64, seed uint64) *Weighted {
	copied := make(map[string]float64, len(weights))
	for k, v := range weights {
		copied[k] = v
	}
	return &Weighted{weights: copied, rng: newLockedRand(seed)}
}

func (w *Weighted) Name() string { return NameWeighted }

func (w *Weighted) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(w, pool, sel)
}

func (w *Weighted) SelectFrom(poolName string, cands []*types.Proxy, _ *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}
	norm := w.normalized(cands)
	return cands[pickWeighted(w.rng, norm)], nil
}

// RecordResult drops the cache: success rates feeding unconfigured weights moved.
func (w *Weighted) RecordResult(*types.Proxy, bool, time.Duration) {
	w.mu.Lock()
	w.cacheKey = ""
	w.cacheNorm = nil
	w.mu.Unlock()
}

// Weight returns the raw weight of p before normalization.
func (w *Weighted) Weight(p *types.Proxy) float64 {
	weight, ok := w.weights[p.ID]
	if !ok {
		weight, ok = w.weights[p.URL]
	}
	if !ok {
		weight = p.SuccessRate()
	}
	if weight < minWeight {
		weight = minWeight
	}
	return weight
}

func (w *Weighted) normalized(cands []*types.Proxy) []float64 {
	key := signature(cands)

	w.mu.Lock()
	defer w.mu.Unlock()

	if key == w.cacheKey && len(w.cacheNorm) == len(cands) {
		return w.cacheNorm
	}

	norm := make([]float64, len(cands))
	total := 0.0
	for i, p := range cands {
		norm[i] = w.Weight(p)
		total += norm[i]
	}
	for i := range norm {
		norm[i] /= total
	}
	w.cacheKey = key
	w.cacheNorm = norm
	return norm
}

func signature(cands []*types.Proxy) string {
	var b strings.Builder
	for _, p := range cands {
		b.WriteString(p.ID)
		b.WriteByte(0)
	}
	return b.String()
}
