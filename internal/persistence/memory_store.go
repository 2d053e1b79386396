package persistence

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple, goroutine-safe GraphStore backed by maps.
type InMemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]map[string]GraphRecord
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		graphs: make(map[string]map[string]GraphRecord),
	}
}

// Ensure InMemoryStore implements the interface.
var _ GraphStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveGraph(ctx context.Context, rec GraphRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.graphs[rec.Name]
	if versions == nil {
		versions = make(map[string]GraphRecord)
		s.graphs[rec.Name] = versions
	}
	if _, exists := versions[rec.Version]; exists {
		return ErrGraphExists
	}

	rec.Image = append([]byte(nil), rec.Image...)
	versions[rec.Version] = rec
	return nil
}

func (s *InMemoryStore) GetGraph(ctx context.Context, name, version string) (GraphRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.graphs[name][version]
	if !ok {
		return GraphRecord{}, ErrGraphNotFound
	}
	rec.Image = append([]byte(nil), rec.Image...)
	return rec, nil
}

func (s *InMemoryStore) GetLatestGraph(ctx context.Context, name string) (GraphRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.sorted(name)
	if len(recs) == 0 {
		return GraphRecord{}, ErrGraphNotFound
	}
	rec := recs[len(recs)-1]
	rec.Image = append([]byte(nil), rec.Image...)
	return rec, nil
}

func (s *InMemoryStore) ListGraphVersions(ctx context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.sorted(name)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Version)
	}
	return out, nil
}

// sorted returns the versions of name oldest first. Callers hold mu.
func (s *InMemoryStore) sorted(name string) []GraphRecord {
	versions := s.graphs[name]
	out := make([]GraphRecord, 0, len(versions))
	for _, r := range versions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Version < out[j].Version
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
