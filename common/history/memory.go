package history

import (
	"context"
	"sync"
)

// MemoryStore keeps history in process memory. Records are stored in
// append order, which matches ascending timestamps because the manager
// stamps them monotonically per thread.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string][]*Record{}}
}

// Append stores a record.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *rec
	s.records[rec.ThreadID] = append(s.records[rec.ThreadID], &dup)
	return nil
}

// ByThread returns a thread's records in ascending timestamp order.
func (s *MemoryStore) ByThread(_ context.Context, threadID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[threadID]
	out := make([]*Record, len(recs))
	for i, r := range recs {
		dup := *r
		out[i] = &dup
	}
	return out, nil
}

// Clear drops all records for one thread.
func (s *MemoryStore) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

// ClearAll drops everything.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string][]*Record{}
	return nil
}
