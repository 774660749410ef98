package results

import (
	"context"
	"sync"
)

// MemoryStore keeps records in memory, for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends the record.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// ListProcessedIdentities returns the identities of saved records.
func (s *MemoryStore) ListProcessedIdentities(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.records))
	for _, r := range s.records {
		ids[identityKey(r.SchoolName, r.State)] = struct{}{}
	}
	return ids, nil
}

// Records returns a copy of everything saved so far.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
