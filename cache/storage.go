package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/toolpool/client"
)

// Storage is the persistence contract for mirrored cache entries. Keys
// are the three fixed kind names; values are opaque serialized entries.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Get returns (nil, false, nil) on miss.
// - Delete and Clear are idempotent.
// Storage is a best-effort mirror; it is never assumed transactional
// with the in-memory table.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// storedEntry is the serialized form of one cache entry.
type storedEntry struct {
	Definitions []client.Definition `json:"definitions"`
	FetchedAt   time.Time           `json:"fetchedAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

func encodeEntry(e *entry) ([]byte, error) {
	return json.Marshal(storedEntry{
		Definitions: e.defs,
		FetchedAt:   e.fetchedAt,
		ExpiresAt:   e.expiresAt,
	})
}

func decodeEntry(data []byte) (*entry, error) {
	var se storedEntry
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("cache: decode stored entry: %w", err)
	}
	return &entry{
		defs:      se.Definitions,
		fetchedAt: se.FetchedAt,
		expiresAt: se.ExpiresAt,
		size:      len(data),
	}, nil
}

// MemoryStorage is a process-local Storage implementation, useful in
// tests and as a cheap mirror when no durable store is wanted.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string][]byte)}
}

// Get retrieves a serialized entry. Returns (nil, false, nil) on miss.
func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return data, true, nil
}

// Set stores a serialized entry.
func (s *MemoryStorage) Set(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.entries[key] = data
	s.mu.Unlock()
	return nil
}

// Delete removes a serialized entry. Idempotent.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (s *MemoryStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

// Ensure MemoryStorage implements Storage
var _ Storage = (*MemoryStorage)(nil)
