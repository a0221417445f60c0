package checkpoint

import (
	"context"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
)

// Manager creates, restores and retains checkpoints. Retention is
// bounded in two tiers: per thread first, then globally, evicting the
// oldest checkpoint until both bounds hold.
type Manager struct {
	mu           sync.Mutex
	store        Store
	ids          *ident.Generator
	log          Logger
	maxPerThread int
	maxTotal     int
	lastTS       map[string]time.Time
}

// NewManager creates a checkpoint manager. Non-positive bounds fall
// back to 10 per thread and 1000 total.
func NewManager(store Store, ids *ident.Generator, log Logger, maxPerThread, maxTotal int) *Manager {
	if maxPerThread <= 0 {
		maxPerThread = 10
	}
	if maxTotal <= 0 {
		maxTotal = 1000
	}
	return &Manager{
		store:        store,
		ids:          ids,
		log:          log,
		maxPerThread: maxPerThread,
		maxTotal:     maxTotal,
		lastTS:       map[string]time.Time{},
	}
}

// Create snapshots the given state and stores it, evicting older
// checkpoints if a retention bound is exceeded.
func (m *Manager) Create(ctx context.Context, st *thread.State, metadata map[string]interface{}) (*Checkpoint, error) {
	snapshot, err := st.Encode()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.ids.Clock().Now()
	if last, ok := m.lastTS[st.ThreadID]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	m.lastTS[st.ThreadID] = ts

	cp := &Checkpoint{
		ID:         m.ids.New("ckpt"),
		ThreadID:   st.ThreadID,
		WorkflowID: st.WorkflowID,
		NodeID:     st.CurrentNodeID,
		Timestamp:  ts,
		Snapshot:   snapshot,
		Metadata:   metadata,
	}
	if err := m.store.Put(ctx, cp); err != nil {
		m.log.Error("failed to store checkpoint", "error", err, "thread_id", st.ThreadID)
		return nil, err
	}
	if err := m.evict(ctx, st.ThreadID); err != nil {
		return nil, err
	}
	m.log.Debug("created checkpoint", "checkpoint_id", cp.ID, "thread_id", st.ThreadID, "node_id", cp.NodeID)
	return cp, nil
}

// evict enforces the per-thread bound, then the global bound, oldest
// first. Caller holds the mutex.
func (m *Manager) evict(ctx context.Context, threadID string) error {
	cps, err := m.store.ByThread(ctx, threadID)
	if err != nil {
		return err
	}
	for len(cps) > m.maxPerThread {
		victim := cps[0]
		if err := m.store.Delete(ctx, victim.ID); err != nil {
			return err
		}
		m.log.Info("evicted checkpoint", "checkpoint_id", victim.ID, "thread_id", threadID, "reason", "per_thread_bound")
		cps = cps[1:]
	}

	total, err := m.store.Count(ctx)
	if err != nil {
		return err
	}
	for total > m.maxTotal {
		victim, err := m.store.Oldest(ctx)
		if err != nil {
			return err
		}
		if err := m.store.Delete(ctx, victim.ID); err != nil {
			return err
		}
		m.log.Info("evicted checkpoint", "checkpoint_id", victim.ID, "thread_id", victim.ThreadID, "reason", "global_bound")
		total--
	}
	return nil
}

// Restore rebuilds a thread state from a stored checkpoint.
func (m *Manager) Restore(ctx context.Context, checkpointID string) (*thread.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := m.store.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	st, err := thread.Decode(cp.Snapshot, m.ids.Clock())
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "checkpoint %s holds a malformed snapshot", checkpointID)
	}
	m.log.Debug("restored checkpoint", "checkpoint_id", checkpointID, "thread_id", st.ThreadID)
	return st, nil
}

// Get returns a stored checkpoint by id.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Get(ctx, checkpointID)
}

// Delete removes a checkpoint. Unknown ids are a not-found error.
func (m *Manager) Delete(ctx context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.store.Get(ctx, checkpointID); err != nil {
		return err
	}
	return m.store.Delete(ctx, checkpointID)
}

// GetThreadCheckpoints returns a thread's checkpoints, newest first.
func (m *Manager) GetThreadCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps, err := m.store.ByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		out[len(cps)-1-i] = cp
	}
	return out, nil
}

// GetLatestCheckpoint returns a thread's most recent checkpoint.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps, err := m.store.ByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, errs.NotFound("no checkpoints for thread %s", threadID)
	}
	return cps[len(cps)-1], nil
}

// ClearThreadCheckpoints drops all checkpoints for one thread.
func (m *Manager) ClearThreadCheckpoints(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastTS, threadID)
	return m.store.Clear(ctx, threadID)
}

// ClearAll drops every checkpoint.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTS = map[string]time.Time{}
	return m.store.ClearAll(ctx)
}

// Diff returns an RFC 7386 merge patch describing how the snapshot in
// from becomes the snapshot in to.
func (m *Manager) Diff(ctx context.Context, fromID, toID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, err := m.store.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := m.store.Get(ctx, toID)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(from.Snapshot, to.Snapshot)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "diff checkpoints %s..%s", fromID, toID)
	}
	return patch, nil
}
