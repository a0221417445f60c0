package execctx

import (
	"time"
	"unicode/utf16"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// Props is the serializable shape of a Context. It is the unit that
// travels inside checkpoint snapshots and across the fork/copy boundary.
type Props struct {
	Variables     map[string]interface{} `json:"variables"`
	NodeContexts  map[string]NodeContext `json:"node_contexts"`
	NodeResults   map[string]interface{} `json:"node_results"`
	PromptHistory []PromptEntry          `json:"prompt_history"`
	NextIndex     int                    `json:"next_index"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Snapshot is a deep-cloned point-in-time view of a Context.
type Snapshot struct {
	Props
	SnapshotAt time.Time `json:"snapshot_at"`
}

// ToProps returns a deep-cloned serializable view of the context.
func (c *Context) ToProps() Props {
	return Props{
		Variables:     deepCloneMap(c.variables),
		NodeContexts:  deepCloneNodeContexts(c.nodeContexts),
		NodeResults:   deepCloneMap(c.nodeResults),
		PromptHistory: deepClonePrompt(c.prompt),
		NextIndex:     c.nextIndex,
		Metadata:      deepCloneMap(c.metadata),
	}
}

// Snapshot produces a deep-cloned snapshot stamped with the context clock.
func (c *Context) Snapshot() *Snapshot {
	return &Snapshot{Props: c.ToProps(), SnapshotAt: c.clock.Now()}
}

// FromProps reconstructs a context from its serializable form. The prompt
// history must be densely indexed from 0.
func FromProps(p Props, clock ident.Clock) (*Context, error) {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	for i, entry := range p.PromptHistory {
		if entry.Index != i {
			return nil, errs.Validation("prompt history is not densely indexed: entry %d has index %d", i, entry.Index)
		}
	}
	nextIndex := p.NextIndex
	if nextIndex < len(p.PromptHistory) {
		nextIndex = len(p.PromptHistory)
	}
	ctx := &Context{
		variables:    deepCloneMap(p.Variables),
		nodeContexts: deepCloneNodeContexts(p.NodeContexts),
		nodeResults:  deepCloneMap(p.NodeResults),
		prompt:       deepClonePrompt(p.PromptHistory),
		nextIndex:    nextIndex,
		metadata:     deepCloneMap(p.Metadata),
		clock:        clock,
	}
	if ctx.variables == nil {
		ctx.variables = map[string]interface{}{}
	}
	if ctx.nodeContexts == nil {
		ctx.nodeContexts = map[string]NodeContext{}
	}
	if ctx.nodeResults == nil {
		ctx.nodeResults = map[string]interface{}{}
	}
	if ctx.metadata == nil {
		ctx.metadata = map[string]interface{}{}
	}
	return ctx, nil
}

// WithProps returns a new context holding the given contents and the
// receiver's clock. Used by collaborators (context filters) that edit a
// Props view and need a context back.
func (c *Context) WithProps(p Props) (*Context, error) {
	return FromProps(p, c.clock)
}

// Restore reconstructs a context from a snapshot.
func Restore(s *Snapshot, clock ident.Clock) (*Context, error) {
	if s == nil {
		return nil, errs.Validation("nil snapshot")
	}
	return FromProps(s.Props, clock)
}

// MemoryEstimate walks the context deterministically and returns an
// approximate byte count. Strings are counted as UTF-16 code units times
// two. The estimate is for reporting and eviction hints only.
func (c *Context) MemoryEstimate() int64 {
	var total int64
	total += estimateMap(c.variables)
	total += estimateMap(c.nodeResults)
	total += estimateMap(c.metadata)
	for id, nc := range c.nodeContexts {
		total += estimateString(id)
		total += estimateMap(nc.LocalVariables)
		total += estimateMap(nc.Metadata)
		total += 8 // timestamp
	}
	for _, entry := range c.prompt {
		total += 8 // index
		total += estimateString(string(entry.Role))
		total += estimateString(entry.Content)
		total += estimateString(entry.ToolCallID)
		for _, tc := range entry.ToolCalls {
			total += estimateString(tc.ID)
			total += estimateString(tc.Name)
			total += estimateMap(tc.Arguments)
		}
		total += estimateMap(entry.Metadata)
	}
	return total
}

func estimateString(s string) int64 {
	return int64(2 * len(utf16.Encode([]rune(s))))
}

func estimateMap(m map[string]interface{}) int64 {
	var total int64 = 8
	for k, v := range m {
		total += estimateString(k)
		total += estimateValue(v)
	}
	return total
}

func estimateValue(v interface{}) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return estimateString(val)
	case bool:
		return 4
	case map[string]interface{}:
		return estimateMap(val)
	case []interface{}:
		var total int64 = 8
		for _, item := range val {
			total += estimateValue(item)
		}
		return total
	default:
		// numbers and anything else opaque
		return 8
	}
}

// deepCloneValue clones the container types that appear in context data
// (maps and slices); scalars are returned as-is.
func deepCloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCloneValue(item)
		}
		return out
	default:
		return v
	}
}

func deepCloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = deepCloneValue(v)
	}
	return out
}

func deepCloneNodeContexts(src map[string]NodeContext) map[string]NodeContext {
	if src == nil {
		return nil
	}
	out := make(map[string]NodeContext, len(src))
	for id, nc := range src {
		out[id] = NodeContext{
			LocalVariables: deepCloneMap(nc.LocalVariables),
			Metadata:       deepCloneMap(nc.Metadata),
			LastAccessedAt: nc.LastAccessedAt,
		}
	}
	return out
}

func deepClonePrompt(src []PromptEntry) []PromptEntry {
	if src == nil {
		return nil
	}
	out := make([]PromptEntry, len(src))
	for i, entry := range src {
		cloned := entry
		cloned.ToolCalls = make([]ToolCall, len(entry.ToolCalls))
		for j, tc := range entry.ToolCalls {
			cloned.ToolCalls[j] = ToolCall{ID: tc.ID, Name: tc.Name, Arguments: deepCloneMap(tc.Arguments)}
		}
		if entry.ToolCalls == nil {
			cloned.ToolCalls = nil
		}
		cloned.Metadata = deepCloneMap(entry.Metadata)
		out[i] = cloned
	}
	return out
}
