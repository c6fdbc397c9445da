package strategy

import (
	"container/list"
	"sync"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
)

type binding struct {
	sessionID string
	proxyID   string
	expiresAt time.Time
}

// Session pins a session ID to one proxy. A binding survives while the proxy
// stays in the healthy set and the TTL, renewed on every hit, has not passed.
// A request that already tried the bound proxy is served by the fallback
// without moving the binding.
// Requests without a session ID go straight to the fallback.
type Session struct {
	fallback    Selector
	ttl         time.Duration
	maxSessions int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*list.Element
	lru      *list.List // front is most recently used
}

// NewSession creates a sticky-session strategy over fallback.
func NewSession(fallback Selector, ttl time.Duration, maxSessions int) *Session {
	return &Session{
		fallback:    fallback,
		ttl:         ttl,
		maxSessions: maxSessions,
		now:         time.Now,
		sessions:    make(map[string]*list.Element),
		lru:         list.New(),
	}
}

func (s *Session) Name() string { return NameSession }

func (s *Session) Select(pool *types.Pool, sel *types.SelectionContext) (*types.Proxy, error) {
	return selectFromPool(s, pool, sel)
}

func (s *Session) SelectFrom(poolName string, cands []*types.Proxy, sel *types.SelectionContext) (*types.Proxy, error) {
	if sel == nil || sel.SessionID == "" {
		return s.fallback.SelectFrom(poolName, cands, sel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, ok := s.sessions[sel.SessionID]; ok {
		b := elem.Value.(*binding)
		if now.Before(b.expiresAt) {
			for _, p := range cands {
				if p.ID == b.proxyID {
					b.expiresAt = now.Add(s.ttl)
					s.lru.MoveToFront(elem)
					return p, nil
				}
			}
			if sel.HasFailed(b.proxyID) {
				// excluded for this request only; the binding stays for the next one
				return s.fallback.SelectFrom(poolName, cands, sel)
			}
		}
		s.removeLocked(elem)
	}

	// fallback 只做簿记，不会回调本策略
	proxy, err := s.fallback.SelectFrom(poolName, cands, sel)
	if err != nil {
		return nil, err
	}
	s.bindLocked(sel.SessionID, proxy.ID, now)
	return proxy, nil
}

func (s *Session) RecordResult(proxy *types.Proxy, success bool, latency time.Duration) {
	s.fallback.RecordResult(proxy, success, latency)
}

// Bind pins sessionID to proxyID explicitly.
func (s *Session) Bind(sessionID, proxyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.sessions[sessionID]; ok {
		s.removeLocked(elem)
	}
	s.bindLocked(sessionID, proxyID, s.now())
}

// Unbind forgets sessionID.
func (s *Session) Unbind(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.sessions[sessionID]; ok {
		s.removeLocked(elem)
	}
}

// Lookup returns the proxy ID bound to sessionID, if the binding is live.
func (s *Session) Lookup(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	b := elem.Value.(*binding)
	if !s.now().Before(b.expiresAt) {
		return "", false
	}
	return b.proxyID, true
}

// Len returns the number of stored bindings, expired ones included.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Sweep drops expired bindings and returns how many were removed.
func (s *Session) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for elem := s.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*binding).expiresAt) {
			s.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (s *Session) bindLocked(sessionID, proxyID string, now time.Time) {
	for s.lru.Len() >= s.maxSessions {
		s.removeLocked(s.lru.Back())
	}
	elem := s.lru.PushFront(&binding{sessionID: sessionID, proxyID: proxyID, expiresAt: now.Add(s.ttl)})
	s.sessions[sessionID] = elem
}

func (s *Session) removeLocked(elem *list.Element) {
	s.lru.Remove(elem)
	delete(s.sessions, elem.Value.(*binding).sessionID)
}
