package build

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// validTransition encodes the forward-only status machine:
// queued -> building -> {success, failed}. A build may also fail straight
// from queued when ingestion cannot hand it to a worker; a terminal status
// is never left.
func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusBuilding || to == StatusFailed
	case StatusBuilding:
		return to == StatusSuccess || to == StatusFailed
	}
	return false
}

// MemStore keeps build records in memory. It is the default store when no
// database is configured, and the store used throughout the tests.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*Build
	now   func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[string]*Build),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) Create(ctx context.Context, id, archivePath string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; ok {
		return Build{}, fmt.Errorf("build %s already exists", id)
	}
	now := s.now()
	b := &Build{
		ID:                id,
		Status:            StatusQueued,
		SourceArchivePath: archivePath,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.items[id] = b
	return *b, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return *b, nil
}

func (s *MemStore) List(ctx context.Context, filter Filter) ([]Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Build, 0, len(s.items))
	for _, b := range s.items {
		if filter.Status != nil && b.Status != *filter.Status {
			continue
		}
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemStore) Transition(ctx context.Context, id string, from, to Status, fields Fields) (Build, error) {
	if !validTransition(from, to) {
		return Build{}, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	if b.Status != from {
		return Build{}, ErrConflict
	}

	b.Status = to
	b.UpdatedAt = s.now()
	if fields.WorkspacePath != nil {
		b.WorkspacePath = *fields.WorkspacePath
	}
	if fields.LogRef != nil {
		b.LogRef = *fields.LogRef
	}
	if fields.ResultRef != nil {
		b.ResultRef = *fields.ResultRef
	}
	if fields.Error != nil {
		b.Error = *fields.Error
	}
	return *b, nil
}

var _ Store = (*MemStore)(nil)
