// Package fallback serves the read-only dataset snapshot bundled with the
// application. It is the last link of the read chain and never touches the
// network.
package fallback

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/edudirectory/edusync/pkg/records"
)

//go:embed snapshot/default.yaml
var defaultSnapshot []byte

// Snapshot is the on-disk YAML layout of a bundled snapshot.
type Snapshot struct {
	GeneratedAt string                 `yaml:"generatedAt,omitempty"`
	Source      string                 `yaml:"source,omitempty"`
	Records     []records.StaticRecord `yaml:"records"`
}

// Store is an immutable in-memory index over a snapshot.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]records.StaticRecord
	sorted []records.StaticRecord
}

// New creates a store over the given records. Later duplicates of an id win.
func New(recs []records.StaticRecord) *Store {
	s := &Store{byID: make(map[string]records.StaticRecord, len(recs))}
	for _, r := range recs {
		s.byID[r.ID] = r
	}
	s.sorted = make([]records.StaticRecord, 0, len(s.byID))
	for _, r := range s.byID {
		s.sorted = append(s.sorted, r)
	}
	sort.Slice(s.sorted, func(i, j int) bool { return s.sorted[i].ID < s.sorted[j].ID })
	return s
}

// Load reads a snapshot file. A missing file yields the embedded default
// snapshot rather than an error.
func Load(path string) (*Store, error) {
	if path == "" {
		return LoadDefault()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadDefault()
		}
		return nil, fmt.Errorf("read fallback snapshot: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// LoadDefault returns the snapshot compiled into the binary.
func LoadDefault() (*Store, error) {
	return Parse(bytes.NewReader(defaultSnapshot))
}

// Parse decodes a YAML snapshot.
func Parse(r io.Reader) (*Store, error) {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse fallback snapshot: %w", err)
	}
	return New(snap.Records), nil
}

// Get returns the snapshot copy of a record.
func (s *Store) Get(id string) (records.StaticRecord, bool) {
	if s == nil {
		return records.StaticRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// Search returns the snapshot records matching entityType and q.
func (s *Store) Search(entityType string, q records.Query) []records.StaticRecord {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return records.Filter(s.sorted, entityType, q)
}

// Len returns the number of records in the snapshot.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// WriteSnapshot encodes recs as a snapshot file.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode fallback snapshot: %w", err)
	}
	return enc.Close()
}

// Records returns every snapshot record ordered by id.
func (s *Store) Records() []records.StaticRecord {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sorted)
}
