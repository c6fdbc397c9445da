package strategy

import (
	"fmt"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

// NamedFilter pairs a filter with the name used in error messages.
type NamedFilter struct {
	Name   string
	Filter Filter
}

// Composite applies filters in order, then hands the survivors to a selector.
type Composite struct {
	filters  []NamedFilter
	selector Selector
}

// NewComposite creates a composite strategy.
func NewComposite(selector Selector, filters ...NamedFilter) *Composite {
	return &Composite{filters: filters, selector: selector}
}

func (c *Composite) Name() string { return NameComposite }

func (c *Composite) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(c, pool, sel)
}

func (c *Composite) SelectFrom(poolName string, cands []*types.Proxy, sel *types.SelectionContext) (*types.Proxy, error) {
	if len(cands) == 0 {
		return nil, errEmpty(poolName)
	}
	for _, f := range c.filters {
		cands = f.Filter.Filter(cands, sel)
		if len(cands) == 0 {
			return nil, types.NewPoolEmptyError(poolName, fmt.Sprintf("filter %s left no candidates", f.Name))
		}
	}
	return c.selector.SelectFrom(poolName, cands, sel)
}

// RecordResult forwards to the selector and to filters that keep state.
func (c *Composite) RecordResult(proxy *types.Proxy, success bool, latency time.Duration) {
	c.selector.RecordResult(proxy, success, latency)
	for _, f := range c.filters {
		if s, ok := f.Filter.(Strategy); ok && s != Strategy(c.selector) {
			s.RecordResult(proxy, success, latency)
		}
	}
}
