package strategy

import (
	"sync"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// minLatencyMs bounds the inverse-latency weight of near-instant proxies.
const minLatencyMs = 1.0

// Performance favors fast proxies: weight is the inverse of the smoothed
// response time. Proxies with fewer than ExplorationCount completed attempts
// are drawn uniformly before any weighted draw so that every proxy gets
// measured.
type Performance struct {
	alpha       float64
	exploration int64
	rng         *lockedRand

	mu  sync.Mutex
	ema map[string]float64
}

// NewPerformance creates a performance-based strategy.
func NewPerformance(alpha float64, exploration int64, seed uint64) *Performance {
	return &Performance{
		alpha:       alpha,
		exploration: exploration,
		rng:         newLockedRand(seed),
		ema:         make(map[string]float64),
	}
}

func (s *Performance) Name() string { return NamePerformance }

func (s *Performance) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(s, pool, sel)
}

func (s *Performance) SelectFrom(poolName string, cands []*types.Proxy, _ *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}

	var cold []*types.Proxy
	for _, p := range cands {
		if p.RequestsCompleted() < s.exploration {
			cold = append(cold, p)
		}
	}
	if len(cold) > 0 {
		return cold[s.rng.IntN(len(cold))], nil
	}

	weights := make([]float64, len(cands))
	s.mu.Lock()
	for i, p := range cands {
		weights[i] = 1 / s.latencyLocked(p)
	}
	s.mu.Unlock()

	return cands[pickWeighted(s.rng, weights)], nil
}

// RecordResult folds latency into the strategy's own average for proxy.
func (s *Performance) RecordResult(proxy *types.Proxy, _ bool, latency time.Duration) {
	if proxy == nil {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ema[proxy.ID]; ok {
		s.ema[proxy.ID] = s.alpha*ms + (1-s.alpha)*prev
	} else {
		s.ema[proxy.ID] = ms
	}
}

// latencyLocked prefers the strategy's own average and falls back to the proxy's.
func (s *Performance) latencyLocked(p *types.Proxy) float64 {
	ms, ok := s.ema[p.ID]
	if !ok {
		ms, _ = p.EMAResponseTime()
	}
	if ms < minLatencyMs {
		ms = minLatencyMs
	}
	return ms
}
