package thread

import (
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// CopyStrategy controls how much of a source thread a copy carries over.
type CopyStrategy string

const (
	// CopyFull duplicates the whole thread.
	CopyFull CopyStrategy = "full"
	// CopyPartial keeps variables and stable node records, drops prompt
	// history and metadata, and clears the scheduling pointer.
	CopyPartial CopyStrategy = "partial"
	// CopySelective restricts node records, results and contexts to an
	// explicit node set.
	CopySelective CopyStrategy = "selective"
)

// CopyOptions configures a thread copy. SelectedNodeIDs is required for
// the selective strategy and ignored otherwise.
type CopyOptions struct {
	Strategy        CopyStrategy           `json:"strategy"`
	SelectedNodeIDs []string               `json:"selected_node_ids,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// CopyContext records a completed copy, including the identifier
// mapping from source-thread-scoped names to the new thread.
type CopyContext struct {
	CopyID         string            `json:"copy_id"`
	SourceThreadID string            `json:"source_thread_id"`
	CopiedThreadID string            `json:"copied_thread_id"`
	Scope          []string          `json:"scope"`
	Mapping        map[string]string `json:"relationship_mapping"`
	Options        CopyOptions       `json:"options"`
	Timestamp      time.Time         `json:"timestamp"`

	State *State `json:"-"`
}

// Copier duplicates threads under fresh identifiers.
type Copier struct {
	ids *ident.Generator
	log Logger
}

// NewCopier creates a Copier.
func NewCopier(ids *ident.Generator, log Logger) *Copier {
	return &Copier{ids: ids, log: log}
}

// Copy duplicates src into a new thread. The source state is never
// mutated. Unlike Fork, a copy is not anchored at a node and may target
// a completed thread.
func (c *Copier) Copy(src *State, opts CopyOptions) (*CopyContext, error) {
	switch opts.Strategy {
	case CopyFull, CopyPartial:
	case CopySelective:
		if len(opts.SelectedNodeIDs) == 0 {
			return nil, errs.Validation("selective copy of thread %s requires selected_node_ids", src.ThreadID)
		}
	default:
		return nil, errs.Validation("unknown copy strategy %q", opts.Strategy)
	}

	clock := c.ids.Clock()
	dst, err := src.Clone(clock)
	if err != nil {
		return nil, err
	}

	switch opts.Strategy {
	case CopyPartial:
		states := map[string]*NodeExecution{}
		for id, ne := range dst.NodeExecutions {
			if ne.Status.Stable() {
				states[id] = ne
			}
		}
		dst.NodeExecutions = states
		props := dst.Context.ToProps()
		props.PromptHistory = nil
		props.NextIndex = 0
		props.Metadata = nil
		dst.Context, err = dst.Context.WithProps(props)
		if err != nil {
			return nil, err
		}
		dst.CurrentNodeID = ""
	case CopySelective:
		selected := map[string]bool{}
		for _, id := range opts.SelectedNodeIDs {
			if _, ok := src.NodeExecutions[id]; !ok {
				return nil, errs.NotFound("selected node %s has no execution record in thread %s", id, src.ThreadID)
			}
			selected[id] = true
		}
		states := map[string]*NodeExecution{}
		for id, ne := range dst.NodeExecutions {
			if selected[id] {
				states[id] = ne
			}
		}
		dst.NodeExecutions = states
		props := dst.Context.ToProps()
		for id := range props.NodeResults {
			if !selected[id] {
				delete(props.NodeResults, id)
			}
		}
		for id := range props.NodeContexts {
			if !selected[id] {
				delete(props.NodeContexts, id)
			}
		}
		dst.Context, err = dst.Context.WithProps(props)
		if err != nil {
			return nil, err
		}
		if !selected[dst.CurrentNodeID] {
			dst.CurrentNodeID = ""
		}
	}

	var executed []string
	for _, id := range dst.ExecutedNodes {
		if _, ok := dst.NodeExecutions[id]; ok {
			executed = append(executed, id)
		}
	}
	dst.ExecutedNodes = executed

	now := clock.Now()
	dst.ThreadID = c.ids.New("thrd")
	dst.StartTime = now
	dst.EndTime = nil
	dst.Status = StatusActive

	scope := make([]string, 0, len(dst.NodeExecutions))
	mapping := map[string]string{src.ThreadID: dst.ThreadID}
	for id := range dst.NodeExecutions {
		scope = append(scope, id)
		mapping[src.ThreadID+":"+id] = dst.ThreadID + ":" + id
	}

	cc := &CopyContext{
		CopyID:         c.ids.New("copy"),
		SourceThreadID: src.ThreadID,
		CopiedThreadID: dst.ThreadID,
		Scope:          scope,
		Mapping:        mapping,
		Options:        opts,
		Timestamp:      now,
		State:          dst,
	}
	c.log.Info("copied thread",
		"source_thread_id", src.ThreadID,
		"copied_thread_id", dst.ThreadID,
		"strategy", string(opts.Strategy),
		"nodes", len(scope))
	return cc, nil
}
