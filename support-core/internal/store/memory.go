package store

import (
	"context"
	"sync"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	areas map[Area]map[string]*models.Proposal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{areas: map[Area]map[string]*models.Proposal{}}
}

func (m *MemoryStore) EnsureAreas(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, area := range Areas {
		if m.areas[area] == nil {
			m.areas[area] = map[string]*models.Proposal{}
		}
	}
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, area Area, p *models.Proposal) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.areas[area] == nil {
		m.areas[area] = map[string]*models.Proposal{}
	}
	m.areas[area][p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, area Area, id string) (*models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.areas[area][id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, area Area, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.areas[area], id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, area Area) ([]*models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Proposal, 0, len(m.areas[area]))
	for _, p := range m.areas[area] {
		out = append(out, p.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
