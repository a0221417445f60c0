package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Checkpoint
	byThrd map[string][]string // thread id -> checkpoint ids, append order
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   map[string]*Checkpoint{},
		byThrd: map[string][]string{},
	}
}

// Put stores a checkpoint.
func (s *MemoryStore) Put(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *cp
	s.byID[cp.ID] = &dup
	s.byThrd[cp.ThreadID] = append(s.byThrd[cp.ThreadID], cp.ID)
	return nil
}

// Get returns a checkpoint by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, errs.NotFound("checkpoint %s not found", id)
	}
	dup := *cp
	return &dup, nil
}

// Delete removes a checkpoint. Deleting an unknown id is a no-op.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	ids := s.byThrd[cp.ThreadID]
	for i, cid := range ids {
		if cid == id {
			s.byThrd[cp.ThreadID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byThrd[cp.ThreadID]) == 0 {
		delete(s.byThrd, cp.ThreadID)
	}
	return nil
}

// ByThread returns a thread's checkpoints in ascending timestamp order.
func (s *MemoryStore) ByThread(_ context.Context, threadID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThrd[threadID]
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		dup := *s.byID[id]
		out = append(out, &dup)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Oldest returns the globally oldest checkpoint.
func (s *MemoryStore) Oldest(_ context.Context) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *Checkpoint
	for _, cp := range s.byID {
		if oldest == nil || cp.Timestamp.Before(oldest.Timestamp) {
			oldest = cp
		}
	}
	if oldest == nil {
		return nil, errs.NotFound("no checkpoints stored")
	}
	dup := *oldest
	return &dup, nil
}

// Count returns the total number of stored checkpoints.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

// Clear drops all checkpoints for one thread.
func (s *MemoryStore) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byThrd[threadID] {
		delete(s.byID, id)
	}
	delete(s.byThrd, threadID)
	return nil
}

// ClearAll drops everything.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = map[string]*Checkpoint{}
	s.byThrd = map[string][]string{}
	return nil
}
