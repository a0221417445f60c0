package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// Logger is the logging interface used by the history manager.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Status classifies a history record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
	StatusRunning Status = "running"
)

var statuses = map[Status]bool{
	StatusSuccess: true, StatusFailure: true,
	StatusPending: true, StatusRunning: true,
}

// Record is one node execution event in a thread's history.
type Record struct {
	ID        string                 `json:"history_id"`
	ThreadID  string                 `json:"thread_id"`
	NodeID    string                 `json:"node_id"`
	Timestamp time.Time              `json:"timestamp"`
	Status    Status                 `json:"status"`
	Result    interface{}            `json:"result,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Statistics summarizes a thread's history by status.
type Statistics struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Store persists history records. Implementations must return records
// in ascending timestamp order from ByThread.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	ByThread(ctx context.Context, threadID string) ([]*Record, error)
	Clear(ctx context.Context, threadID string) error
	ClearAll(ctx context.Context) error
}

// Manager records and queries per-thread execution history. All access
// goes through a single mutex so concurrent recorders interleave
// cleanly; per-thread timestamps are kept strictly monotone even under
// a coarse clock.
type Manager struct {
	mu     sync.Mutex
	store  Store
	ids    *ident.Generator
	log    Logger
	lastTS map[string]time.Time
}

// NewManager creates a history manager on top of a store.
func NewManager(store Store, ids *ident.Generator, log Logger) *Manager {
	return &Manager{
		store:  store,
		ids:    ids,
		log:    log,
		lastTS: map[string]time.Time{},
	}
}

// Record appends an event and returns its history id.
func (m *Manager) Record(ctx context.Context, threadID, nodeID string, result interface{}, status Status, metadata map[string]interface{}) (string, error) {
	if threadID == "" || nodeID == "" {
		return "", errs.Validation("history record requires thread and node ids")
	}
	if !statuses[status] {
		return "", errs.Validation("unknown history status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.ids.Clock().Now()
	if last, ok := m.lastTS[threadID]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	m.lastTS[threadID] = ts

	rec := &Record{
		ID:        m.ids.New("hist"),
		ThreadID:  threadID,
		NodeID:    nodeID,
		Timestamp: ts,
		Status:    status,
		Result:    result,
		Metadata:  metadata,
	}
	if err := m.store.Append(ctx, rec); err != nil {
		m.log.Error("failed to append history record", "error", err, "thread_id", threadID, "node_id", nodeID)
		return "", err
	}
	m.log.Debug("recorded history", "history_id", rec.ID, "thread_id", threadID, "node_id", nodeID, "status", string(status))
	return rec.ID, nil
}

// GetHistory returns a thread's records in ascending timestamp order.
func (m *Manager) GetHistory(ctx context.Context, threadID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ByThread(ctx, threadID)
}

// GetNodeHistory returns a thread's records for one node, ascending.
func (m *Manager) GetNodeHistory(ctx context.Context, threadID, nodeID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.store.ByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range recs {
		if r.NodeID == nodeID {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetLatestHistory returns up to limit records, newest first. A limit
// of zero or less means all records.
func (m *Manager) GetLatestHistory(ctx context.Context, threadID string, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.store.ByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := append([]*Record(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetStatistics summarizes a thread's history by status.
func (m *Manager) GetStatistics(ctx context.Context, threadID string) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.store.ByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{Total: len(recs)}
	for _, r := range recs {
		switch r.Status {
		case StatusSuccess:
			stats.Success++
		case StatusFailure:
			stats.Failure++
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		}
	}
	return stats, nil
}

// ClearHistory drops all records for one thread.
func (m *Manager) ClearHistory(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastTS, threadID)
	return m.store.Clear(ctx, threadID)
}

// ClearAll drops all records for all threads.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTS = map[string]time.Time{}
	return m.store.ClearAll(ctx)
}
