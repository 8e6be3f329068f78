package ward

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is a Repository kept in process memory. It enforces the same
// version check as the Postgres store and hands out copies, so concurrent
// callers observe real optimistic-concurrency conflicts.
type MemoryRepo struct {
	mu    sync.Mutex
	wards map[string]*Ward
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{wards: make(map[string]*Ward)}
}

func (m *MemoryRepo) Create(_ context.Context, w *Ward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wards[w.Number]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	w.VersionID = 1
	w.CreatedAt = now
	w.UpdatedAt = now
	m.wards[w.Number] = w.Clone()
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, number string) (*Ward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wards[number]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

func (m *MemoryRepo) List(_ context.Context, includeDeleted bool, limit, offset int) ([]*Ward, int, error) {
	all := m.sorted(includeDeleted)
	total := len(all)
	if offset >= total {
		return []*Ward{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepo) ListAll(_ context.Context) ([]*Ward, error) {
	return m.sorted(true), nil
}

func (m *MemoryRepo) Save(_ context.Context, w *Ward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.wards[w.Number]
	if !ok || stored.VersionID != w.VersionID {
		return ErrVersionConflict
	}
	w.VersionID++
	w.UpdatedAt = time.Now().UTC()
	m.wards[w.Number] = w.Clone()
	return nil
}

func (m *MemoryRepo) sorted(includeDeleted bool) []*Ward {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Ward, 0, len(m.wards))
	for _, w := range m.wards {
		if w.Deleted && !includeDeleted {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
