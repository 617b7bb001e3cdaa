package search

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]models.ECRequest
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[uuid.UUID]models.ECRequest)}
}

func (m *MemoryIndex) Index(_ context.Context, r *models.ECRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Messages = nil
	m.docs[r.ID] = cp
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, storeID, query string) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]models.ECRequest, 0)
	for _, r := range m.docs {
		if r.StoreID == storeID && Matches(&r, query) {
			hits = append(hits, r)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.After(hits[j].CreatedAt) })

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids, nil
}
