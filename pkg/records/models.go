// Package records holds the shared reference dataset (institutions,
// deadlines, tests) and the read interface the rest of the pipeline uses to
// reach it.
package records

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Well-known entity types.
const (
	EntityUniversity = "university"
	EntityDeadline   = "deadline"
	EntityTest       = "test"
	EntityProgram    = "program"
)

// ErrNetworkUnavailable marks a remote read that failed because the remote
// store could not be reached or answered with a server error.
var ErrNetworkUnavailable = errors.New("network unavailable")

// StaticRecord is the GORM model for one shared reference record.
// It is mutated only by the cascade applier; Version increases on every apply.
type StaticRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(128)" json:"id" yaml:"id"`
	EntityType string    `gorm:"column:entity_type;index:idx_record_type;not null" json:"entityType" yaml:"entityType"`
	Fields     JSONAny   `gorm:"column:fields;type:text" json:"fields" yaml:"fields"`
	Version    int64     `gorm:"column:version;not null;default:1" json:"version" yaml:"version"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updatedAt" yaml:"updatedAt"`
}

// TableName returns the GORM table name.
func (StaticRecord) TableName() string { return "static_records" }

// Field returns the named field value and whether it is present.
func (r *StaticRecord) Field(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Query narrows a fetch. The zero value matches every record of the
// requested entity type.
type Query struct {
	ID      string
	Text    string
	Filters map[string]string
	Limit   int
}

// ParseQuery parses the compact "key=value&key=value" form used by clients,
// e.g. "id=uni-1" or "q=lahore&city=Lahore".
func ParseQuery(raw string) (Query, error) {
	var q Query
	if strings.TrimSpace(raw) == "" {
		return q, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return q, fmt.Errorf("parse query %q: %w", raw, err)
	}
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case "id":
			q.ID = vs[0]
		case "q":
			q.Text = vs[0]
		case "limit":
			n, err := strconv.Atoi(vs[0])
			if err != nil || n < 0 {
				return q, fmt.Errorf("parse query %q: invalid limit %q", raw, vs[0])
			}
			q.Limit = n
		default:
			if q.Filters == nil {
				q.Filters = map[string]string{}
			}
			q.Filters[k] = vs[0]
		}
	}
	return q, nil
}

// String renders the query in canonical form: keys sorted, so that equal
// queries produce equal cache keys.
func (q Query) String() string {
	values := url.Values{}
	if q.ID != "" {
		values.Set("id", q.ID)
	}
	if q.Text != "" {
		values.Set("q", q.Text)
	}
	for k, v := range q.Filters {
		values.Set(k, v)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	return values.Encode()
}

// Matches reports whether a record satisfies the query. Text matching is a
// case-insensitive substring match over the record id and its string fields.
func (q Query) Matches(r *StaticRecord) bool {
	if q.ID != "" && r.ID != q.ID {
		return false
	}
	for k, want := range q.Filters {
		v, ok := r.Field(k)
		if !ok || !strings.EqualFold(FormatValue(v), want) {
			return false
		}
	}
	if q.Text == "" {
		return true
	}
	needle := strings.ToLower(q.Text)
	if strings.Contains(strings.ToLower(r.ID), needle) {
		return true
	}
	for _, v := range r.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Filter applies q to recs, preserving id order, and truncates to q.Limit.
func Filter(recs []StaticRecord, entityType string, q Query) []StaticRecord {
	out := make([]StaticRecord, 0, len(recs))
	for i := range recs {
		if entityType != "" && recs[i].EntityType != entityType {
			continue
		}
		if q.Matches(&recs[i]) {
			out = append(out, recs[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// RemoteStore is network-backed read access to the shared dataset.
// Implementations may time out or fail; callers treat any error as a
// fallback trigger. An empty entityType matches every type.
type RemoteStore interface {
	Fetch(ctx context.Context, entityType string, q Query) ([]StaticRecord, error)
}
