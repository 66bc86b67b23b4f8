package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TableSource is one stored decision-table source: the raw bytes plus the
// declared content type, keyed by resource id.
type TableSource struct {
	ResourceID  string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableStore manages decision-table source persistence and retrieval.
type TableStore interface {
	// Save stores or replaces the source for a resource id.
	Save(src *TableSource) error

	// Get retrieves a source by resource id.
	Get(resourceID string) (*TableSource, error)

	// List returns every stored source, ordered by resource id.
	List() ([]*TableSource, error)

	// Delete removes a source.
	Delete(resourceID string) error
}

// InMemoryTableStore implements TableStore with a mutex-guarded map.
type InMemoryTableStore struct {
	sources map[string]*TableSource
	mu      sync.RWMutex
}

// NewInMemoryTableStore creates an empty in-memory table store.
func NewInMemoryTableStore() *InMemoryTableStore {
	return &InMemoryTableStore{
		sources: make(map[string]*TableSource),
	}
}

// Save stores or replaces a source, maintaining the timestamps.
func (s *InMemoryTableStore) Save(src *TableSource) error {
	if src.ResourceID == "" {
		return fmt.Errorf("table source has no resource id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := &TableSource{
		ResourceID:  src.ResourceID,
		ContentType: src.ContentType,
		Data:        append([]byte(nil), src.Data...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev, exists := s.sources[src.ResourceID]; exists {
		stored.CreatedAt = prev.CreatedAt
	}
	s.sources[src.ResourceID] = stored
	return nil
}

// Get retrieves a source by resource id.
func (s *InMemoryTableStore) Get(resourceID string) (*TableSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, exists := s.sources[resourceID]
	if !exists {
		return nil, fmt.Errorf("table source %q not found", resourceID)
	}
	cp := *src
	cp.Data = append([]byte(nil), src.Data...)
	return &cp, nil
}

// List returns every stored source ordered by resource id.
func (s *InMemoryTableStore) List() ([]*TableSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TableSource, 0, len(s.sources))
	for _, src := range s.sources {
		cp := *src
		cp.Data = append([]byte(nil), src.Data...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// Delete removes a source from the store.
func (s *InMemoryTableStore) Delete(resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sources[resourceID]; !exists {
		return fmt.Errorf("table source %q not found", resourceID)
	}
	delete(s.sources, resourceID)
	return nil
}
