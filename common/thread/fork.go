package thread

import (
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/execctx"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// Logger is the logging interface used by fork and copy operations.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ForkStrategy controls how much of the parent thread a fork inherits.
type ForkStrategy string

const (
	// ForkFull keeps variables, node snapshots, prompt context and
	// metadata.
	ForkFull ForkStrategy = "full"
	// ForkPartial keeps variables and prompt context, only stable node
	// snapshots, and drops metadata.
	ForkPartial ForkStrategy = "partial"
	// ForkMinimal starts the child from a clean slate.
	ForkMinimal ForkStrategy = "minimal"
)

// NodeStateHandling overrides which node execution records cross the
// fork boundary.
type NodeStateHandling string

const (
	// NodeStateCopy carries every record.
	NodeStateCopy NodeStateHandling = "copy"
	// NodeStateInherit carries only stable (completed or skipped) records.
	NodeStateInherit NodeStateHandling = "inherit"
	// NodeStateReset carries none.
	NodeStateReset NodeStateHandling = "reset"
)

// ForkOptions configures a fork. An empty NodeStateHandling defers to
// the strategy's default (full: copy, partial: inherit, minimal: reset).
type ForkOptions struct {
	Strategy          ForkStrategy           `json:"strategy"`
	NodeStateHandling NodeStateHandling      `json:"node_state_handling,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// ForkContext records a completed fork: the snapshots taken at the fork
// point and the new child state.
type ForkContext struct {
	ForkID          string                    `json:"fork_id"`
	ParentThreadID  string                    `json:"parent_thread_id"`
	ForkedThreadID  string                    `json:"forked_thread_id"`
	ForkPointNodeID string                    `json:"fork_point_node_id"`
	Options         ForkOptions               `json:"options"`
	Timestamp       time.Time                 `json:"timestamp"`
	Variables       map[string]interface{}    `json:"variable_snapshot"`
	NodeStates      map[string]*NodeExecution `json:"node_state_snapshot"`
	PromptHistory   []execctx.PromptEntry     `json:"prompt_snapshot"`

	State *State `json:"-"`
}

// Forker creates child threads from a parent thread at a fork point.
type Forker struct {
	ids *ident.Generator
	log Logger
}

// NewForker creates a Forker.
func NewForker(ids *ident.Generator, log Logger) *Forker {
	return &Forker{ids: ids, log: log}
}

// Fork creates a new thread from parent at the given fork point. The
// parent state is never mutated; all inherited data is deep-copied.
func (f *Forker) Fork(parent *State, forkPointNodeID string, opts ForkOptions) (*ForkContext, error) {
	if parent.Status != StatusActive {
		return nil, errs.Conflict("cannot fork thread %s: status is %s", parent.ThreadID, parent.Status)
	}
	rec, ok := parent.NodeExecutions[forkPointNodeID]
	if !ok {
		return nil, errs.NotFound("fork point %s has no execution record in thread %s", forkPointNodeID, parent.ThreadID)
	}
	if rec.Status == NodePending {
		f.log.Warn("forking at a pending node", "thread_id", parent.ThreadID, "node_id", forkPointNodeID)
	}
	handling := opts.NodeStateHandling
	if handling == "" {
		switch opts.Strategy {
		case ForkFull:
			handling = NodeStateCopy
		case ForkPartial:
			handling = NodeStateInherit
		case ForkMinimal:
			handling = NodeStateReset
		default:
			return nil, errs.Validation("unknown fork strategy %q", opts.Strategy)
		}
	}
	switch handling {
	case NodeStateCopy, NodeStateInherit, NodeStateReset:
	default:
		return nil, errs.Validation("unknown node state handling %q", handling)
	}

	// Work on a deep copy of the parent so the child shares nothing.
	clock := f.ids.Clock()
	child, err := parent.Clone(clock)
	if err != nil {
		return nil, err
	}

	keepVariables := opts.Strategy != ForkMinimal
	keepPrompt := opts.Strategy != ForkMinimal
	keepMetadata := opts.Strategy == ForkFull

	ctx := child.Context
	if !keepVariables {
		ctx = execctx.New(clock)
	} else if !keepPrompt || !keepMetadata {
		props := ctx.ToProps()
		if !keepPrompt {
			props.PromptHistory = nil
			props.NextIndex = 0
		}
		if !keepMetadata {
			props.Metadata = nil
		}
		ctx, err = ctx.WithProps(props)
		if err != nil {
			return nil, err
		}
	}
	child.Context = ctx

	states := map[string]*NodeExecution{}
	for id, ne := range child.NodeExecutions {
		switch handling {
		case NodeStateCopy:
			states[id] = ne
		case NodeStateInherit:
			if ne.Status.Stable() {
				states[id] = ne
			}
		}
	}
	child.NodeExecutions = states

	var executed []string
	for _, id := range child.ExecutedNodes {
		if _, ok := states[id]; ok {
			executed = append(executed, id)
		}
	}
	child.ExecutedNodes = executed

	now := clock.Now()
	child.ThreadID = f.ids.New("thrd")
	child.CurrentNodeID = forkPointNodeID
	child.StartTime = now
	child.EndTime = nil
	child.Status = StatusActive

	fc := &ForkContext{
		ForkID:          f.ids.New("fork"),
		ParentThreadID:  parent.ThreadID,
		ForkedThreadID:  child.ThreadID,
		ForkPointNodeID: forkPointNodeID,
		Options:         opts,
		Timestamp:       now,
		Variables:       child.Context.Variables(),
		NodeStates:      snapshotExecutions(states),
		PromptHistory:   child.Context.PromptHistory(),
		State:           child,
	}
	f.log.Info("forked thread",
		"parent_thread_id", parent.ThreadID,
		"forked_thread_id", child.ThreadID,
		"fork_point", forkPointNodeID,
		"strategy", string(opts.Strategy))
	return fc, nil
}

func snapshotExecutions(in map[string]*NodeExecution) map[string]*NodeExecution {
	out := make(map[string]*NodeExecution, len(in))
	for id, ne := range in {
		dup := *ne
		out[id] = &dup
	}
	return out
}
