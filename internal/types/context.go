package types

// SelectionContext carries per-request hints to a strategy. It is never
// mutated once built; the With* methods return modified copies.
type SelectionContext struct {
	SessionID     string
	TargetCountry string
	TargetRegion  string
	// AttemptNumber is 1-indexed.
	AttemptNumber int
	Metadata      map[string]string

	failed map[string]struct{}
}

// NewSelectionContext returns an empty context for the first attempt.
func NewSelectionContext() *SelectionContext {
	return &SelectionContext{AttemptNumber: 1}
}

// HasFailed reports whether id was already tried for this logical request.
func (c *SelectionContext) HasFailed(id string) bool {
	if c == nil {
		return false
	}
	_, ok := c.failed[id]
	return ok
}

// FailedIDs returns the already-tried proxy IDs in no particular order.
func (c *SelectionContext) FailedIDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.failed))
	for id := range c.failed {
		out = append(out, id)
	}
	return out
}

// FailedCount returns the number of already-tried proxies.
func (c *SelectionContext) FailedCount() int {
	if c == nil {
		return 0
	}
	return len(c.failed)
}

// WithFailed returns a copy with ids added to the already-tried set.
func (c *SelectionContext) WithFailed(ids ...string) *SelectionContext {
	out := c.clone()
	if out.failed == nil {
		out.failed = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		out.failed[id] = struct{}{}
	}
	return out
}

// WithAttempt returns a copy with AttemptNumber set to n.
func (c *SelectionContext) WithAttempt(n int) *SelectionContext {
	out := c.clone()
	out.AttemptNumber = n
	return out
}

func (c *SelectionContext) clone() *SelectionContext {
	if c == nil {
		return NewSelectionContext()
	}
	out := *c
	if c.failed != nil {
		out.failed = make(map[string]struct{}, len(c.failed)+1)
		for id := range c.failed {
			out.failed[id] = struct{}{}
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Exclude drops proxies already tried in sel from candidates.
func Exclude(candidates []*Proxy, sel *SelectionContext) []*Proxy {
	if sel.FailedCount() == 0 {
		return candidates
	}
	out := make([]*Proxy, 0, len(candidates))
	for _, p := range candidates {
		if !sel.HasFailed(p.ID) {
			out = append(out, p)
		}
	}
	return out
}
