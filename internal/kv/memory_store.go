package kv

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = time.Minute

// MemoryStore is an in-process implementation of Store for demo/test use.
// Expired entries are dropped lazily on read and swept by a janitor goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	lists   map[string][][]byte
	maps    map[string]map[string][]byte
	stop    chan struct{}
	closed  bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an in-memory store with a background expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memEntry),
		lists:   make(map[string][][]byte),
		maps:    make(map[string]map[string][]byte),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Stop halts the janitor goroutine. Subsequent operations fail with ErrClosed.
func (s *MemoryStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if !e.expiresAt.IsZero() && e.expiresAt.Before(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && e.expiresAt.Before(time.Now()) {
		return nil, false, nil
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e := memEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) ListAppend(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	v := make([]byte, len(value))
	copy(v, value)
	// Newest-first: prepend.
	s.lists[key] = append([][]byte{v}, s.lists[key]...)
	return nil
}

func (s *MemoryStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	list := s.lists[key]
	out := make([][]byte, len(list))
	for i, v := range list {
		c := make([]byte, len(v))
		copy(c, v)
		out[i] = c
	}
	return out, nil
}

func (s *MemoryStore) MapSet(ctx context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	m, ok := s.maps[key]
	if !ok {
		m = make(map[string][]byte)
		s.maps[key] = m
	}
	v := make([]byte, len(value))
	copy(v, value)
	m[field] = v
	return nil
}

func (s *MemoryStore) MapGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	m := s.maps[key]
	out := make(map[string][]byte, len(m))
	for f, v := range m {
		c := make([]byte, len(v))
		copy(c, v)
		out[f] = c
	}
	return out, nil
}
