package cache

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// Layer is the cache the read path talks to: memory first, then the
// durable tier. A nil *Layer is a valid, always-empty cache.
type Layer struct {
	mem     *LRUCache
	durable Durable
	cfg     *CacheConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewLayer creates a Layer from the given configuration. durable may be nil
// for a memory-only cache. If cfg is nil or disabled, it returns nil.
func NewLayer(cfg *CacheConfig, durable Durable, logger *slog.Logger) *Layer {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Durable {
		durable = nil
	}
	return &Layer{
		mem:     NewLRUCache(cfg.MaxSize),
		durable: durable,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithTx returns a Layer sharing this layer's memory tier whose durable
// writes go through tx. Layers without a database-backed tier are returned
// unchanged.
func (l *Layer) WithTx(tx *gorm.DB) *Layer {
	if l == nil {
		return nil
	}
	db, ok := l.durable.(*DBStore)
	if !ok {
		return l
	}
	cp := *l
	cp.durable = db.WithTx(tx)
	return &cp
}

// HasDurable reports whether the layer has a persistent tier.
func (l *Layer) HasDurable() bool {
	return l != nil && l.durable != nil
}

// SetClock overrides the layer's time source. Intended for tests.
func (l *Layer) SetClock(now func() time.Time) {
	if l == nil {
		return
	}
	l.now = now
	l.mem.now = now
}

// Now returns the layer's current time.
func (l *Layer) Now() time.Time {
	if l == nil {
		return time.Now()
	}
	return l.now()
}

// EntityTTL returns the configured TTL for entity entries.
func (l *Layer) EntityTTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.cfg.EntityTTL
}

// SearchTTL returns the configured TTL for search and aggregate entries.
func (l *Layer) SearchTTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.cfg.SearchTTL
}

// Get returns the entry for key, fresh or stale; callers decide freshness
// with Entry.FreshAt. Durable-tier errors are logged and treated as a miss.
func (l *Layer) Get(ctx context.Context, key string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	if e, ok := l.mem.Get(key); ok {
		return e, true
	}
	if l.durable == nil {
		return Entry{}, false
	}
	e, ok, err := l.durable.Get(ctx, key)
	if err != nil {
		l.logger.Warn("durable cache read failed", "key", key, "error", err)
		return Entry{}, false
	}
	if ok {
		l.mem.Set(e)
	}
	return e, ok
}

// GetMemory is Get restricted to the in-memory tier. It never blocks on I/O.
func (l *Layer) GetMemory(key string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	return l.mem.Get(key)
}

// Set stores payload under key with a new TTL, fetched now.
func (l *Layer) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if l == nil {
		return nil
	}
	e := Entry{Key: key, Payload: payload, FetchedAt: l.now(), TTL: ttl}
	l.mem.Set(e)
	if l.durable == nil {
		return nil
	}
	return l.durable.Set(ctx, e)
}

// Remove deletes key from both tiers.
func (l *Layer) Remove(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	l.mem.Invalidate(key)
	if l.durable == nil {
		return nil
	}
	return l.durable.Remove(ctx, key)
}

// RemovePrefix deletes every key starting with prefix from both tiers.
func (l *Layer) RemovePrefix(ctx context.Context, prefix string) error {
	if l == nil {
		return nil
	}
	l.mem.InvalidatePrefix(prefix)
	if l.durable == nil {
		return nil
	}
	_, err := l.durable.RemovePrefix(ctx, prefix)
	return err
}

// Size returns the number of in-memory entries.
func (l *Layer) Size() int {
	if l == nil {
		return 0
	}
	return l.mem.Size()
}

// expiryDeleter is implemented by durable tiers that can drop expired rows.
type expiryDeleter interface {
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweep deletes durable entries that expired more than StaleGrace ago and
// returns how many were removed. The memory tier is bounded and left alone.
func (l *Layer) Sweep(ctx context.Context) (int64, error) {
	if l == nil || l.durable == nil {
		return 0, nil
	}
	d, ok := l.durable.(expiryDeleter)
	if !ok {
		return 0, nil
	}
	return d.DeleteExpiredBefore(ctx, l.now().Add(-l.cfg.StaleGrace))
}

// RunSweeper calls Sweep every SweepInterval until ctx is done. It returns
// immediately when there is nothing to sweep.
func (l *Layer) RunSweeper(ctx context.Context) {
	if l == nil || l.durable == nil || l.cfg.SweepInterval <= 0 {
		return
	}
	l.logger.Info("durable cache sweeper starting",
		"interval", l.cfg.SweepInterval.String(), "staleGrace", l.cfg.StaleGrace.String())

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				l.logger.Warn("durable cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Info("swept expired cache entries", "removed", n)
			}
		}
	}
}
