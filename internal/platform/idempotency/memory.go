package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. Used by the memory driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) current(id string) *Entry {
	if entry, ok := s.entries[id]; ok {
		return &entry
	}
	return nil
}

func (s *MemoryStore) Begin(_ context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.id()
	outcome, entry, write, err := begin(s.current(id), key, fingerprint, now.UTC(), ttl)
	if err != nil {
		return 0, Entry{}, err
	}
	if write {
		s.entries[id] = entry
	}
	return outcome, entry.clone(), nil
}

func (s *MemoryStore) Finish(_ context.Context, key Key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.id()
	entry, err := finish(s.current(id), key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key Key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.id()
	if entry := s.current(id); entry != nil && entry.Fingerprint == fingerprint && entry.Status == StatusInFlight {
		delete(s.entries, id)
	}
	return nil
}
