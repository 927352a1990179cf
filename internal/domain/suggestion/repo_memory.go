package suggestion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/platform/apperr"
)

// MemoryRepo is a goroutine-safe Repository. Resolve is a compare-and-set
// under the mutex.
type MemoryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Suggestion
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[uuid.UUID]*Suggestion)}
}

// Fields values are immutable structs, so a shallow copy is a full copy.
func clone(s *Suggestion) *Suggestion {
	c := *s
	return &c
}

func (m *MemoryRepo) Create(_ context.Context, s *Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.items[s.ID] = clone(s)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("suggestion %s not found", id)
	}
	return clone(s), nil
}

func (m *MemoryRepo) ListPending(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Suggestion, int, error) {
	m.mu.Lock()
	var all []*Suggestion
	for _, s := range m.items {
		if s.DoctorID == doctorID && s.Status == StatusPending {
			all = append(all, clone(s))
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (m *MemoryRepo) Resolve(_ context.Context, id uuid.UUID, status Status, actedBy uuid.UUID, at time.Time) (*Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("suggestion %s not found", id)
	}
	if s.Status != StatusPending {
		return nil, apperr.InvalidState("suggestion %s is already %s", id, s.Status)
	}
	s.Status, s.ActedByUserID, s.ActedAt = status, &actedBy, &at
	return clone(s), nil
}
