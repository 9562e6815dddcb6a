package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process Store implementation, used by tests and by
// `cmd/conductor run`'s local harness in place of a real Redis instance.
// BRPop is implemented with polling rather than a real blocking pop, which
// is adequate for single-process test fixtures.
type MemStore struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	expiry   map[string]time.Time
	pollStep time.Duration
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		lists:    make(map[string][][]byte),
		expiry:   make(map[string]time.Time),
		pollStep: 10 * time.Millisecond,
	}
}

func (s *MemStore) expired(key string) bool {
	at, ok := s.expiry[key]
	return ok && time.Now().After(at)
}

func (s *MemStore) exists(key string) bool {
	_, ok := s.lists[key]
	return ok && !s.expired(key)
}

func (s *MemStore) LPush(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.lists, key)
		delete(s.expiry, key)
	}
	s.lists[key] = append([][]byte{value}, s.lists[key]...)
	return int64(len(s.lists[key])), nil
}

func (s *MemStore) LPushX(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists(key) {
		return 0, nil
	}
	s.lists[key] = append([][]byte{value}, s.lists[key]...)
	return int64(len(s.lists[key])), nil
}

func (s *MemStore) BRPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.exists(key) && len(s.lists[key]) > 0 {
			list := s.lists[key]
			v := list[len(list)-1]
			s.lists[key] = list[:len(list)-1]
			s.mu.Unlock()
			return v, true, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(s.pollStep):
		}
	}
}

func (s *MemStore) Rename(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists(src) {
		return nil
	}
	s.lists[dst] = s.lists[src]
	delete(s.lists, src)
	if at, ok := s.expiry[src]; ok {
		s.expiry[dst] = at
		delete(s.expiry, src)
	}
	return nil
}

func (s *MemStore) LRange(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists(key) {
		return nil, nil
	}
	out := make([][]byte, len(s.lists[key]))
	copy(out, s.lists[key])
	return out, nil
}

func (s *MemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.lists, k)
		delete(s.expiry, k)
	}
	return nil
}

func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists(key) {
		return nil
	}
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}
