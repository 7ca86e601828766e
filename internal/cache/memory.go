package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It is concurrency-safe but NOT shared
// across instances, so it must never back the authoritative rate limiter in a
// multi-instance deployment. It serves tests and the advisory HTTP throttle.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]*memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	value     []byte
	count     int64
	expiresAt time.Time
}

// NewMemoryStore constructs an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*memoryEntry),
		clock: time.Now,
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// IncrementWithTTL atomically increments a counter, starting a fresh window
// when the key is absent or its window has rolled over.
func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &memoryEntry{expiresAt: now.Add(window)}
		s.data[key] = entry
	}

	entry.count++
	return entry.count, entry.expiresAt.Sub(now), nil
}

// Set stores a value with expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock()
	expiry := time.Time{}
	if ttl > 0 {
		expiry = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &memoryEntry{value: value, expiresAt: expiry}
	return nil
}

// Get retrieves a value by key, respecting expiry.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		delete(s.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Delete removes keys from the store.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
