package countstore

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	count   int
	expires time.Time
}

// MemCountStore is an in-process CountStore for tests and single-node runs.
type MemCountStore struct {
	mu     sync.Mutex
	counts map[string]*memCounter
	// now is swappable in tests
	now func() time.Time
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		counts: make(map[string]*memCounter),
		now:    time.Now,
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counts[counterKey(name, val)]
	if !ok || s.expired(c) {
		return 0, nil
	}
	return c.count, nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(name, val)
	c, ok := s.counts[k]
	if !ok || s.expired(c) {
		c = &memCounter{}
		if ttl > 0 {
			c.expires = s.now().Add(ttl)
		}
		s.counts[k] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemCountStore) expired(c *memCounter) bool {
	return !c.expires.IsZero() && s.now().After(c.expires)
}

// SetClock overrides the time source. Tests only.
func (s *MemCountStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
