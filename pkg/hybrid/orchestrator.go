// Package hybrid composes the read chain: a fresh cache entry first, then
// the remote store, then the bundled snapshot. Reads never fail; every
// result says where its data came from.
package hybrid

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/edudirectory/edusync/pkg/cache"
	"github.com/edudirectory/edusync/pkg/fallback"
	"github.com/edudirectory/edusync/pkg/records"
)

// DataSource names the tier a result was served from.
type DataSource string

const (
	SourceRemote   DataSource = "remote"
	SourceCache    DataSource = "cache"
	SourceFallback DataSource = "fallback"
	// SourceNone marks an empty result: no tier had the data.
	SourceNone DataSource = "none"
)

// EntityResult is the outcome of a single-record read. Record is nil when
// no tier had it.
type EntityResult struct {
	Record *records.StaticRecord `json:"record,omitempty"`
	Source DataSource            `json:"dataSource"`
	Stale  bool                  `json:"stale,omitempty"`
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	Records []records.StaticRecord `json:"records"`
	Source  DataSource             `json:"dataSource"`
	Stale   bool                   `json:"stale,omitempty"`
}

// RefreshResult reports the refresh of one entity type.
type RefreshResult struct {
	EntityType string        `json:"entityType"`
	Skipped    bool          `json:"skipped,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Loaded     int           `json:"loaded"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Orchestrator serves reads over the cache, remote and fallback tiers.
type Orchestrator struct {
	remote   records.RemoteStore
	cache    *cache.Layer
	fallback *fallback.Store
	cfg      *HybridConfig
	logger   *slog.Logger
	now      func() time.Time

	group    singleflight.Group
	throttle *refreshThrottle
}

// New creates an Orchestrator. The cache and fallback may be nil.
func New(remote records.RemoteStore, layer *cache.Layer, fb *fallback.Store, cfg *HybridConfig, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultHybridConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		remote:   remote,
		cache:    layer,
		fallback: fb,
		cfg:      cfg,
		logger:   logger,
		now:      layer.Now,
		throttle: newRefreshThrottle(cfg.RefreshInterval),
	}
}

// SetClock overrides the orchestrator's time source. Intended for tests;
// the cache layer keeps its own clock.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// GetEntity returns the record with the given id.
func (o *Orchestrator) GetEntity(ctx context.Context, id string) EntityResult {
	key := cache.EntityKey(id)
	cached, haveCached := o.cachedRecord(ctx, key)
	if haveCached && cached.fresh {
		return EntityResult{Record: cached.record, Source: SourceCache}
	}

	recs, err := o.fetch(ctx, key, "", records.Query{ID: id})
	if err == nil && len(recs) > 0 {
		rec := recs[0]
		o.storeRecord(ctx, &rec)
		return EntityResult{Record: &rec, Source: SourceRemote}
	}
	if err != nil {
		o.logger.Warn("remote read failed, falling back", "entityID", id, "error", err)
	}

	if rec, ok := o.fallback.Get(id); ok {
		return EntityResult{Record: &rec, Source: SourceFallback}
	}
	if err != nil && haveCached {
		return EntityResult{Record: cached.record, Source: SourceCache, Stale: true}
	}
	return EntityResult{Source: SourceNone}
}

// GetEntitySync reads only the in-memory cache and the snapshot. It never
// performs I/O and is meant for first paint.
func (o *Orchestrator) GetEntitySync(id string) EntityResult {
	var stale *records.StaticRecord
	if e, ok := o.cache.GetMemory(cache.EntityKey(id)); ok {
		var rec records.StaticRecord
		if err := json.Unmarshal(e.Payload, &rec); err == nil {
			if e.FreshAt(o.cache.Now()) {
				return EntityResult{Record: &rec, Source: SourceCache}
			}
			stale = &rec
		}
	}
	if rec, ok := o.fallback.Get(id); ok {
		return EntityResult{Record: &rec, Source: SourceFallback}
	}
	if stale != nil {
		return EntityResult{Record: stale, Source: SourceCache, Stale: true}
	}
	return EntityResult{Source: SourceNone}
}

// Search returns the records of entityType matching q. An empty entityType
// searches every type.
func (o *Orchestrator) Search(ctx context.Context, entityType string, q records.Query) SearchResult {
	key := cache.SearchKey(entityType, q.String())
	cached, haveCached := o.cachedList(ctx, key)
	if haveCached && cached.fresh {
		return SearchResult{Records: cached.records, Source: SourceCache}
	}

	recs, err := o.fetch(ctx, key, entityType, q)
	if err == nil {
		o.storeList(ctx, key, o.cache.SearchTTL(), recs)
		return SearchResult{Records: nonNil(recs), Source: SourceRemote}
	}
	o.logger.Warn("remote search failed, falling back", "entityType", entityType, "query", q.String(), "error", err)

	if recs := o.fallback.Search(entityType, q); len(recs) > 0 {
		return SearchResult{Records: recs, Source: SourceFallback}
	}
	if haveCached {
		return SearchResult{Records: cached.records, Source: SourceCache, Stale: true}
	}
	return SearchResult{Records: []records.StaticRecord{}, Source: SourceNone}
}

// SearchSync is Search restricted to the in-memory cache and the snapshot.
func (o *Orchestrator) SearchSync(entityType string, q records.Query) SearchResult {
	var stale []records.StaticRecord
	if e, ok := o.cache.GetMemory(cache.SearchKey(entityType, q.String())); ok {
		var recs []records.StaticRecord
		if err := json.Unmarshal(e.Payload, &recs); err == nil {
			if e.FreshAt(o.cache.Now()) {
				return SearchResult{Records: nonNil(recs), Source: SourceCache}
			}
			stale = recs
		}
	}
	if recs := o.fallback.Search(entityType, q); len(recs) > 0 {
		return SearchResult{Records: recs, Source: SourceFallback}
	}
	if stale != nil {
		return SearchResult{Records: nonNil(stale), Source: SourceCache, Stale: true}
	}
	return SearchResult{Records: []records.StaticRecord{}, Source: SourceNone}
}

// Refresh reloads every record of entityType from the remote store into the
// cache. An empty entityType or "*" refreshes all configured types in
// parallel. Without force, a type refreshed within RefreshInterval or whose
// list entry is still fresh is skipped.
func (o *Orchestrator) Refresh(ctx context.Context, entityType string, force bool) []RefreshResult {
	types := []string{entityType}
	if entityType == "" || entityType == "*" {
		types = o.cfg.EntityTypes
	}

	results := make([]RefreshResult, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range types {
		g.Go(func() error {
			results[i] = o.refreshType(gctx, t, force)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) refreshType(ctx context.Context, entityType string, force bool) RefreshResult {
	start := o.now()
	res := RefreshResult{EntityType: entityType}
	listKey := cache.ListKey(entityType)

	if !force {
		if e, ok := o.cache.Get(ctx, listKey); ok && e.FreshAt(o.cache.Now()) {
			res.Skipped = true
			res.RetryAfter = e.ExpiresAt().Sub(o.cache.Now())
			return res
		}
		if ok, wait := o.throttle.allowAt(entityType, start); !ok {
			res.Skipped = true
			res.RetryAfter = wait
			return res
		}
	} else {
		o.throttle.mark(entityType, start)
	}

	recs, err := o.fetch(ctx, listKey, entityType, records.Query{})
	res.Duration = o.now().Sub(start)
	if err != nil {
		res.Error = err.Error()
		o.logger.Warn("refresh failed", "entityType", entityType, "error", err)
		return res
	}

	for _, prefix := range cache.DependentPrefixes(entityType) {
		if err := o.cache.RemovePrefix(ctx, prefix); err != nil {
			o.logger.Warn("cache invalidation failed", "prefix", prefix, "error", err)
		}
	}
	o.storeList(ctx, listKey, o.cache.SearchTTL(), recs)
	for i := range recs {
		o.storeRecord(ctx, &recs[i])
	}
	res.Loaded = len(recs)
	o.logger.Info("entity type refreshed", "entityType", entityType, "loaded", res.Loaded, "force", force, "duration", res.Duration)
	return res
}

// fetch calls the remote store once per key at a time, bounded by
// RemoteTimeout. Callers sharing a key share the result; the call is not
// canceled when one of them goes away.
func (o *Orchestrator) fetch(ctx context.Context, key, entityType string, q records.Query) ([]records.StaticRecord, error) {
	if o.remote == nil {
		return nil, records.ErrNetworkUnavailable
	}
	ch := o.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RemoteTimeout)
		defer cancel()
		return o.remote.Fetch(fctx, entityType, q)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		recs := r.Val.([]records.StaticRecord)
		return slices.Clone(recs), nil
	}
}

type cachedRecord struct {
	record *records.StaticRecord
	fresh  bool
}

func (o *Orchestrator) cachedRecord(ctx context.Context, key string) (cachedRecord, bool) {
	e, ok := o.cache.Get(ctx, key)
	if !ok {
		return cachedRecord{}, false
	}
	var rec records.StaticRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		o.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = o.cache.Remove(ctx, key)
		return cachedRecord{}, false
	}
	return cachedRecord{record: &rec, fresh: e.FreshAt(o.cache.Now())}, true
}

type cachedList struct {
	records []records.StaticRecord
	fresh   bool
}

func (o *Orchestrator) cachedList(ctx context.Context, key string) (cachedList, bool) {
	e, ok := o.cache.Get(ctx, key)
	if !ok {
		return cachedList{}, false
	}
	var recs []records.StaticRecord
	if err := json.Unmarshal(e.Payload, &recs); err != nil {
		o.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = o.cache.Remove(ctx, key)
		return cachedList{}, false
	}
	return cachedList{records: nonNil(recs), fresh: e.FreshAt(o.cache.Now())}, true
}

func (o *Orchestrator) storeRecord(ctx context.Context, rec *records.StaticRecord) {
	o.store(ctx, cache.EntityKey(rec.ID), o.cache.EntityTTL(), rec)
}

func (o *Orchestrator) storeList(ctx context.Context, key string, ttl time.Duration, recs []records.StaticRecord) {
	o.store(ctx, key, ttl, nonNil(recs))
}

func (o *Orchestrator) store(ctx context.Context, key string, ttl time.Duration, v any) {
	if o.cache == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		o.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := o.cache.Set(ctx, key, payload, ttl); err != nil {
		o.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func nonNil(recs []records.StaticRecord) []records.StaticRecord {
	if recs == nil {
		return []records.StaticRecord{}
	}
	return recs
}
