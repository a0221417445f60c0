package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Logger is the logging interface used by the checkpoint manager and
// stores.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Checkpoint is a durable snapshot of a thread's state, taken at a node
// boundary. Snapshot holds the serialized thread state document.
type Checkpoint struct {
	ID         string                 `json:"checkpoint_id"`
	ThreadID   string                 `json:"thread_id"`
	WorkflowID string                 `json:"workflow_id"`
	NodeID     string                 `json:"node_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Snapshot   json.RawMessage        `json:"snapshot"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Store persists checkpoints. ByThread must return checkpoints in
// ascending timestamp order; Oldest returns the globally oldest
// checkpoint across all threads.
type Store interface {
	Put(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
	ByThread(ctx context.Context, threadID string) ([]*Checkpoint, error)
	Oldest(ctx context.Context) (*Checkpoint, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context, threadID string) error
	ClearAll(ctx context.Context) error
}
