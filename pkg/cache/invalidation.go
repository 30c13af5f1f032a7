package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Key prefixes. Aggregate views (cutoff lists, recommendation indexes,
// upcoming deadlines) are computed from many entities and keyed by view.
const (
	PrefixEntity          = "entity:"
	PrefixSearch          = "search:"
	PrefixList            = "list:"
	PrefixCutoffs         = "cutoffs:"
	PrefixRecommendations = "recommendations:"
	PrefixDeadlines       = "deadlines:"
)

// EntityKey is the cache key of a single record.
func EntityKey(id string) string { return PrefixEntity + id }

// SearchKey is the cache key of a search result. entityType may be empty.
func SearchKey(entityType, canonicalQuery string) string {
	return PrefixSearch + entityType + ":" + canonicalQuery
}

// ListKey is the cache key of the full list of one entity type.
func ListKey(entityType string) string { return PrefixList + entityType }

var (
	viewsMu sync.RWMutex
	views   = map[string][]string{
		"university": {PrefixCutoffs, PrefixRecommendations},
		"program":    {PrefixCutoffs, PrefixRecommendations},
		"deadline":   {PrefixDeadlines},
		"test":       {PrefixDeadlines},
	}
)

// RegisterView declares that the aggregate view stored under prefix reads
// records of entityType, so applying a change to such a record invalidates
// the view.
func RegisterView(entityType, prefix string) {
	viewsMu.Lock()
	defer viewsMu.Unlock()
	for _, p := range views[entityType] {
		if p == prefix {
			return
		}
	}
	views[entityType] = append(views[entityType], prefix)
}

// DependentPrefixes returns every key prefix whose entries may read a record
// of entityType: searches of that type, cross-type searches and registered
// aggregate views. The type's list is an exact key, see ListKey. The result
// is sorted.
func DependentPrefixes(entityType string) []string {
	viewsMu.RLock()
	defer viewsMu.RUnlock()

	set := map[string]struct{}{
		PrefixSearch + entityType + ":": {},
		PrefixSearch + ":":              {},
	}
	for _, p := range views[entityType] {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// InvalidateEntity removes the record's own entry and every dependent view.
// It returns the first failure; memory entries are always dropped.
func (l *Layer) InvalidateEntity(ctx context.Context, entityType, id string) error {
	if l == nil {
		return nil
	}
	if err := l.Remove(ctx, EntityKey(id)); err != nil {
		return fmt.Errorf("invalidate %s: %w", id, err)
	}
	if err := l.Remove(ctx, ListKey(entityType)); err != nil {
		return fmt.Errorf("invalidate list %s: %w", entityType, err)
	}
	for _, prefix := range DependentPrefixes(entityType) {
		if err := l.RemovePrefix(ctx, prefix); err != nil {
			return fmt.Errorf("invalidate view %s: %w", prefix, err)
		}
	}
	return nil
}

// InvalidateAll clears both tiers.
func (l *Layer) InvalidateAll(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mem.InvalidateAll()
	if l.durable == nil {
		return nil
	}
	_, err := l.durable.RemovePrefix(ctx, "")
	return err
}
