package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/proxyrotator/internal/types"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// RemoveFunc removes a proxy from the pool and whatever state hangs off it.
// Rotator.RemoveProxy is the usual choice.
type RemoveFunc func(id string) bool

// SyncResult lists what one Sync changed.
type SyncResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
	Skipped int      `json:"skipped"`
}

// Syncer reconciles a pool with a set of sources.
type Syncer struct {
	pool     *types.Pool
	sources  []Source
	remove   RemoveFunc
	interval time.Duration
	logger   log.Logger
	now      func() time.Time
}

// NewSyncer creates a syncer. A nil remove uses pool.Remove.
func NewSyncer(pool *types.Pool, sources []Source, remove RemoveFunc, interval time.Duration, logger log.Logger) *Syncer {
	if remove == nil {
		remove = pool.Remove
	}
	return &Syncer{
		pool:     pool,
		sources:  sources,
		remove:   remove,
		interval: interval,
		logger:   log.OrNop(logger).With(log.Component("source")),
		now:      time.Now,
	}
}

// Sync loads every source once and applies the difference to the pool. New
// records are added, records whose URL changed are replaced, health changes
// are applied and expired proxies are removed. Proxies missing from the
// sources are removed only when every source loaded successfully.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	var (
		result   SyncResult
		errs     []error
		records  = make(map[string]*types.Proxy)
		explicit = make(map[string]bool) // record carries its own health
	)

	for _, src := range s.sources {
		recs, err := src.Load(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
			continue
		}
		for i := range recs {
			p, err := recs[i].ToProxy()
			if err != nil {
				result.Skipped++
				s.logger.Warn("Skipping invalid proxy record",
					log.String("source", src.Name()),
					log.String("proxy_id", recs[i].ID),
					log.Error(err),
				)
				continue
			}
			if _, dup := records[p.ID]; dup {
				result.Skipped++
				continue
			}
			records[p.ID] = p
			explicit[p.ID] = recs[i].Health != ""
		}
	}

	now := s.now()
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		incoming := records[id]
		if incoming.IsExpired(now) {
			continue
		}
		existing, ok := s.pool.Get(id)
		switch {
		case !ok:
			if err := s.pool.Add(incoming); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Added = append(result.Added, id)
		case existing.URL != incoming.URL || !existing.Credentials.Equal(incoming.Credentials) ||
			!existing.ExpiresAt.Equal(incoming.ExpiresAt):
			s.remove(id)
			if err := s.pool.Add(incoming); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Updated = append(result.Updated, id)
		case explicit[id] && existing.HealthStatus() != incoming.HealthStatus():
			existing.SetHealthStatus(incoming.HealthStatus())
			result.Updated = append(result.Updated, id)
		}
	}

	loadedAll := len(errs) == 0
	for _, p := range s.pool.All() {
		_, listed := records[p.ID]
		if p.IsExpired(now) || (loadedAll && !listed) {
			if s.remove(p.ID) {
				result.Removed = append(result.Removed, p.ID)
			}
		}
	}

	if len(result.Added)+len(result.Removed)+len(result.Updated) > 0 {
		s.logger.Info("Pool synchronized",
			log.Int("added", len(result.Added)),
			log.Int("removed", len(result.Removed)),
			log.Int("updated", len(result.Updated)),
			log.Int("pool_size", s.pool.Size()),
		)
	}
	return result, errors.Join(errs...)
}

// Run syncs immediately and then every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Error("Initial proxy sync failed", log.Error(err))
	}
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Warn("Proxy sync failed", log.Error(err))
			}
		}
	}
}

// Close closes every source.
func (s *Syncer) Close() error {
	var errs []error
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
