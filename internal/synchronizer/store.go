package synchronizer

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// UpdateFunc mutates a correlation in place and reports whether it changed.
// Unchanged entries are not written back.
type UpdateFunc func(c *domain.Correlation) (bool, error)

// CorrelationStore persists correlation entries. Update is an atomic
// read-modify-write: no other Update for the same key interleaves with fn.
type CorrelationStore interface {
	// Get returns the entry or domain.ErrCorrelationNotFound
	Get(ctx context.Context, key string) (*domain.Correlation, error)

	// Update runs fn on the entry for key, creating an empty one if missing
	Update(ctx context.Context, key string, fn UpdateFunc) (*domain.Correlation, error)
}

// MemoryStore keeps correlations in process memory
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*domain.Correlation
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*domain.Correlation),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.Correlation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[key]
	if !ok {
		return nil, domain.ErrCorrelationNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) (*domain.Correlation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok {
		current = domain.NewCorrelation(key, s.now())
	}

	// fn works on a copy so a failed update leaves the entry untouched
	working := current.Clone()
	changed, err := fn(working)
	if err != nil {
		return nil, err
	}
	if changed {
		working.UpdatedAt = s.now()
		s.entries[key] = working
		return working.Clone(), nil
	}
	return current.Clone(), nil
}
