package concurrency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps resources in process memory. It serializes writes with a
// mutex, which suits tests and single-instance deployments only.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]Resource
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[string]Resource), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return Resource{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) Insert(ctx context.Context, r Resource, hook CommitHook) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[r.ID]; ok {
		return Resource{}, ErrAlreadyExists
	}
	r = r.clone()
	r.Version = 1
	r.UpdatedAt = s.now().UTC()
	s.resources[r.ID] = r
	if err := runHook(ctx, hook, r); err != nil {
		delete(s.resources, r.ID)
		return Resource{}, err
	}
	return r.clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expected int64, r Resource, hook CommitHook) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.resources[r.ID]
	if !ok {
		return Resource{}, ErrNotFound
	}
	if cur.Version != expected {
		return Resource{}, ErrVersionMismatch
	}
	next := cur.clone()
	next.Data = r.clone().Data
	next.Version = expected + 1
	next.UpdatedAt = s.now().UTC()
	s.resources[r.ID] = next
	if err := runHook(ctx, hook, next); err != nil {
		s.resources[r.ID] = cur
		return Resource{}, err
	}
	return next.clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string, expected int64, hook CommitHook) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	if cur.Version != expected {
		return Resource{}, ErrVersionMismatch
	}
	delete(s.resources, id)
	if err := runHook(ctx, hook, cur); err != nil {
		s.resources[id] = cur
		return Resource{}, err
	}
	return cur.clone(), nil
}

// Len returns the number of stored resources.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}
