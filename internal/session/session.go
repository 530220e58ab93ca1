// Package session stores the per-client pending relay buffer. The store is
// keyed by an opaque session key; a parallel response path may modify the
// same session concurrently, so callers reload before reading or writing.
package session

import (
	"context"
	"sync"

	"github.com/fieldtrace/fieldtrace/internal/models"
)

// Store is the keyed session interface consumed by the deferred completion
// relay. Get returns nil when the session holds no buffer.
type Store interface {
	Get(ctx context.Context, key string) (*models.PendingRelayBuffer, error)
	Set(ctx context.Context, key string, buf *models.PendingRelayBuffer) error
	Clear(ctx context.Context, key string) error
	// Reload refreshes any locally cached view of the session before use.
	Reload(ctx context.Context, key string) error
}

// MemoryStore keeps sessions in process memory. Suitable for single-node
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	buffers map[string]*models.PendingRelayBuffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buffers: map[string]*models.PendingRelayBuffer{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.PendingRelayBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.buffers[key]
	if buf == nil {
		return nil, nil
	}
	cp := models.PendingRelayBuffer{
		InterviewID:  buf.InterviewID,
		UpdatedPaths: append([]string(nil), buf.UpdatedPaths...),
	}
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, buf *models.PendingRelayBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf == nil {
		delete(s.buffers, key)
		return nil
	}
	cp := models.PendingRelayBuffer{
		InterviewID:  buf.InterviewID,
		UpdatedPaths: append([]string(nil), buf.UpdatedPaths...),
	}
	s.buffers[key] = &cp
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, key)
	return nil
}

// Reload is a no-op: the in-memory store has no stale view to refresh.
func (s *MemoryStore) Reload(context.Context, string) error { return nil }
