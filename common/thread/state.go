package thread

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/execctx"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// propsVersion is the current snapshot format version.
const propsVersion = "1.0.0"

// Status is the lifecycle status of a thread.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// NodeStatus is the execution status of a single node within a thread.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Stable reports whether the status represents settled work that can be
// inherited across fork/copy boundaries.
func (s NodeStatus) Stable() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// RetryInfo tracks a node's retry policy and progress.
type RetryInfo struct {
	MaxRetries   int   `json:"max_retries"`
	RetryDelayMS int64 `json:"retry_delay_ms"`
	Attempts     int   `json:"attempts"`
}

// NodeExecution is the per-node execution record inside a thread state.
type NodeExecution struct {
	Status     NodeStatus  `json:"status"`
	StartedAt  *time.Time  `json:"start,omitempty"`
	EndedAt    *time.Time  `json:"end,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	LLMCalls   int         `json:"llm_calls"`
	ToolCalls  int         `json:"tool_calls"`
	Steps      int         `json:"steps"`
	Retry      RetryInfo   `json:"retry_info"`
}

// State is the per-thread view of a workflow execution: the immutable
// execution context plus per-node execution records and the scheduling
// pointer. A State is owned by exactly one step loop at a time.
type State struct {
	WorkflowID    string
	ThreadID      string
	CurrentNodeID string
	ExecutedNodes []string
	StartTime     time.Time
	EndTime       *time.Time
	Status        Status

	Context        *execctx.Context
	NodeExecutions map[string]*NodeExecution
}

// NewState creates a fresh active state seeded with initial variables.
func NewState(workflowID, threadID string, initial map[string]interface{}, clock ident.Clock) (*State, error) {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	ctx, err := execctx.NewWithVariables(clock, initial)
	if err != nil {
		return nil, err
	}
	return &State{
		WorkflowID:     workflowID,
		ThreadID:       threadID,
		StartTime:      clock.Now(),
		Status:         StatusActive,
		Context:        ctx,
		NodeExecutions: map[string]*NodeExecution{},
	}, nil
}

// NodeExecution returns the record for a node, creating a pending one on
// first access.
func (s *State) NodeExecution(nodeID string) *NodeExecution {
	if ne, ok := s.NodeExecutions[nodeID]; ok {
		return ne
	}
	ne := &NodeExecution{Status: NodePending}
	s.NodeExecutions[nodeID] = ne
	return ne
}

// Props is the persisted, self-describing layout of a State. Its field
// set is stable; the JSON encoding round-trips.
type Props struct {
	WorkflowID       string                    `json:"workflow_id"`
	ThreadID         string                    `json:"thread_id"`
	CurrentNodeID    string                    `json:"current_node_id,omitempty"`
	ExecutedNodes    []string                  `json:"executed_nodes"`
	ExecutionContext execctx.Props             `json:"execution_context"`
	NodeExecutions   map[string]*NodeExecution `json:"node_execution_states"`
	StartTime        time.Time                 `json:"start_time"`
	EndTime          *time.Time                `json:"end_time,omitempty"`
	Status           Status                    `json:"status"`
	Version          string                    `json:"version"`
}

// ToProps returns the serializable view of the state.
func (s *State) ToProps() Props {
	executed := make([]string, len(s.ExecutedNodes))
	copy(executed, s.ExecutedNodes)
	execs := make(map[string]*NodeExecution, len(s.NodeExecutions))
	for id, ne := range s.NodeExecutions {
		dup := *ne
		execs[id] = &dup
	}
	var end *time.Time
	if s.EndTime != nil {
		t := *s.EndTime
		end = &t
	}
	return Props{
		WorkflowID:       s.WorkflowID,
		ThreadID:         s.ThreadID,
		CurrentNodeID:    s.CurrentNodeID,
		ExecutedNodes:    executed,
		ExecutionContext: s.Context.ToProps(),
		NodeExecutions:   execs,
		StartTime:        s.StartTime,
		EndTime:          end,
		Status:           s.Status,
		Version:          propsVersion,
	}
}

// Encode serializes the state deterministically (encoding/json sorts map
// keys).
func (s *State) Encode() ([]byte, error) {
	data, err := json.Marshal(s.ToProps())
	if err != nil {
		return nil, fmt.Errorf("encode state for thread %s: %w", s.ThreadID, err)
	}
	return data, nil
}

// FromProps reconstructs a state. Prompt history entries past the
// recorded next index are trimmed so dense indexing is re-established.
func FromProps(p Props, clock ident.Clock) (*State, error) {
	if p.Version != "" && p.Version != propsVersion {
		return nil, errs.Validation("unsupported state version %q (expected %s)", p.Version, propsVersion)
	}
	ec := p.ExecutionContext
	if ec.NextIndex > 0 && ec.NextIndex < len(ec.PromptHistory) {
		ec.PromptHistory = ec.PromptHistory[:ec.NextIndex]
	}
	ctx, err := execctx.FromProps(ec, clock)
	if err != nil {
		return nil, err
	}
	execs := make(map[string]*NodeExecution, len(p.NodeExecutions))
	for id, ne := range p.NodeExecutions {
		dup := *ne
		execs[id] = &dup
	}
	status := p.Status
	if status == "" {
		status = StatusActive
	}
	return &State{
		WorkflowID:     p.WorkflowID,
		ThreadID:       p.ThreadID,
		CurrentNodeID:  p.CurrentNodeID,
		ExecutedNodes:  append([]string(nil), p.ExecutedNodes...),
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		Status:         status,
		Context:        ctx,
		NodeExecutions: execs,
	}, nil
}

// Decode deserializes a state document produced by Encode.
func Decode(data []byte, clock ident.Clock) (*State, error) {
	var p Props
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	return FromProps(p, clock)
}

// Clone returns an independent deep copy of the state. Used at fork
// barriers so branches never share mutable records with the parent.
func (s *State) Clone(clock ident.Clock) (*State, error) {
	return FromProps(s.ToProps(), clock)
}
