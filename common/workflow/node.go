package workflow

import (
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// NodeKind is the tagged variant discriminator for nodes. Marker kinds
// (start, end, fork, join, ...) are handled by the engine itself; the
// rest are realized by external handlers.
type NodeKind string

const (
	KindStart           NodeKind = "start"
	KindEnd             NodeKind = "end"
	KindCondition       NodeKind = "condition"
	KindLLM             NodeKind = "llm"
	KindTool            NodeKind = "tool"
	KindDataTransform   NodeKind = "data_transform"
	KindFork            NodeKind = "fork"
	KindJoin            NodeKind = "join"
	KindSubworkflow     NodeKind = "subworkflow"
	KindLoopStart       NodeKind = "loop_start"
	KindLoopEnd         NodeKind = "loop_end"
	KindWait            NodeKind = "wait"
	KindUserInteraction NodeKind = "user_interaction"
	KindCustom          NodeKind = "custom"
)

// nodeKinds is the closed set of valid kinds.
var nodeKinds = map[NodeKind]bool{
	KindStart: true, KindEnd: true, KindCondition: true, KindLLM: true,
	KindTool: true, KindDataTransform: true, KindFork: true, KindJoin: true,
	KindSubworkflow: true, KindLoopStart: true, KindLoopEnd: true,
	KindWait: true, KindUserInteraction: true, KindCustom: true,
}

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	return nodeKinds[k]
}

// Marker reports whether the engine handles this kind inline, without an
// external handler.
func (k NodeKind) Marker() bool {
	switch k {
	case KindStart, KindEnd, KindCondition, KindFork, KindJoin,
		KindSubworkflow, KindLoopStart, KindLoopEnd:
		return true
	}
	return false
}

// NodeStatus is the lifecycle status of a node definition.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusDisabled NodeStatus = "disabled"
)

// Node is one unit of execution or a structural marker in a workflow.
type Node struct {
	ID         string                 `json:"node_id"`
	Kind       NodeKind               `json:"kind"`
	Name       string                 `json:"name,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Status     NodeStatus             `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Version    ident.Version          `json:"version"`
}

// NewNode creates an active node with the given id and kind.
func NewNode(id string, kind NodeKind, clock ident.Clock) *Node {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	now := clock.Now()
	return &Node{
		ID:         id,
		Kind:       kind,
		Properties: map[string]interface{}{},
		Status:     NodeStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    ident.InitialVersion(),
	}
}

// Validate checks static node invariants.
func (n *Node) Validate() error {
	if n.ID == "" {
		return errs.Validation("node id is empty")
	}
	if !n.Kind.Valid() {
		return errs.Validation("node %s: unknown kind %q", n.ID, n.Kind)
	}
	switch n.Status {
	case NodeStatusActive, NodeStatusDisabled, "":
	default:
		return errs.Validation("node %s: unknown status %q", n.ID, n.Status)
	}
	return nil
}

// LoopCapable reports whether a self-loop edge on this node is legal.
func (n *Node) LoopCapable() bool {
	if n.Kind == KindLoopStart || n.Kind == KindLoopEnd {
		return true
	}
	capable, _ := n.Properties["loop_capable"].(bool)
	return capable
}

// MaxRetries reads the node's retry budget from its properties.
func (n *Node) MaxRetries() int {
	return n.intProperty("max_retries", 0)
}

// RetryDelay reads the node's retry delay from its properties.
func (n *Node) RetryDelay() time.Duration {
	return time.Duration(n.intProperty("retry_delay_ms", 0)) * time.Millisecond
}

func (n *Node) intProperty(key string, def int) int {
	switch v := n.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
