package revision

import (
	"context"
	"sync"

	"github.com/roamplan/roamsync/internal/domain"
)

// MemoryBackend keeps revision history in process memory. It is the default
// backend; history is lost on restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string][]memoryEntry
}

type memoryEntry struct {
	rev     domain.Revision
	content domain.Itinerary
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]memoryEntry)}
}

func (b *MemoryBackend) Append(_ context.Context, documentID string, rev domain.Revision, content domain.Itinerary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[documentID] = append(b.docs[documentID], memoryEntry{rev: rev, content: content.Clone()})
	return nil
}

func (b *MemoryBackend) Revisions(_ context.Context, documentID string) ([]domain.Revision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.docs[documentID]
	revs := make([]domain.Revision, len(entries))
	for i, e := range entries {
		revs[i] = e.rev
	}
	return revs, nil
}

func (b *MemoryBackend) Content(_ context.Context, documentID string, version int64) (*domain.Itinerary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.docs[documentID] {
		if e.rev.Version == version {
			c := e.content.Clone()
			return &c, nil
		}
	}
	return nil, nil
}

func (b *MemoryBackend) Head(_ context.Context, documentID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.docs[documentID]
	var head int64
	for _, e := range entries {
		if e.rev.Version > head {
			head = e.rev.Version
		}
	}
	return head, nil
}
