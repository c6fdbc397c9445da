package strategy

import (
	"strings"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// Geo narrows candidates to the requested country, or region when no proxy
// matches the country, and lets a secondary strategy pick among them.
type Geo struct {
	secondary Selector
	fallback  bool
}

// NewGeo creates a geo-targeted strategy. With fallback enabled an unmatched
// target falls back to every candidate instead of failing.
func NewGeo(secondary Selector, fallback bool) *Geo {
	return &Geo{secondary: secondary, fallback: fallback}
}

func (g *Geo) Name() string { return NameGeo }

func (g *Geo) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(g, pool, sel)
}

func (g *Geo) SelectFrom(poolName string, cands []*types.Proxy, sel *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}
	matched := g.Filter(cands, sel)
	if len(matched) == 0 {
		return nil, types.NewPoolEmptyError(poolName, "no proxy matches the geo target "+geoTarget(sel))
	}
	return g.secondary.SelectFrom(poolName, matched, sel)
}

// Filter returns the candidates matching the geo target of sel. Without a
// target every candidate matches.
func (g *Geo) Filter(cands []*types.Proxy, sel *types.SelectionContext) []*types.Proxy {
	if sel == nil || (sel.TargetCountry == "" && sel.TargetRegion == "") {
		return cands
	}

	if sel.TargetCountry != "" {
		if byCountry := matchGeo(cands, sel.TargetCountry, func(p *types.Proxy) string { return p.CountryCode }); len(byCountry) > 0 {
			return byCountry
		}
	}
	if sel.TargetRegion != "" {
		if byRegion := matchGeo(cands, sel.TargetRegion, func(p *types.Proxy) string { return p.Region }); len(byRegion) > 0 {
			return byRegion
		}
	}
	if g.fallback {
		return cands
	}
	return nil
}

func (g *Geo) RecordResult(proxy *types.Proxy, success bool, latency time.Duration) {
	g.secondary.RecordResult(proxy, success, latency)
}

func matchGeo(cands []*types.Proxy, want string, field func(*types.Proxy) string) []*types.Proxy {
	var out []*types.Proxy
	for _, p := range cands {
		if strings.EqualFold(field(p), want) {
			out = append(out, p)
		}
	}
	return out
}

func geoTarget(sel *types.SelectionContext) string {
	if sel == nil {
		return ""
	}
	if sel.TargetCountry != "" && sel.TargetRegion != "" {
		return sel.TargetCountry + "/" + sel.TargetRegion
	}
	return sel.TargetCountry + sel.TargetRegion
}
