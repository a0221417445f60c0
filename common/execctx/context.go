package execctx

import (
	"regexp"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// varNamePattern restricts variable names to identifier form.
var varNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z_0-9]*$`)

// NodeContext holds per-node scratch state inside an execution context.
type NodeContext struct {
	LocalVariables map[string]interface{} `json:"local_variables"`
	Metadata       map[string]interface{} `json:"metadata"`
	LastAccessedAt time.Time              `json:"last_accessed_at"`
}

// Context is the immutable, copy-on-write bag of thread state: variables,
// per-node contexts, node results, prompt history and metadata. Every
// mutator returns a new Context; the receiver is never modified, so stale
// references stay valid as snapshots. Accessors return defensive copies.
type Context struct {
	variables    map[string]interface{}
	nodeContexts map[string]NodeContext
	nodeResults  map[string]interface{}
	prompt       []PromptEntry
	nextIndex    int
	metadata     map[string]interface{}
	clock        ident.Clock
}

// New creates an empty execution context.
func New(clock ident.Clock) *Context {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Context{
		variables:    map[string]interface{}{},
		nodeContexts: map[string]NodeContext{},
		nodeResults:  map[string]interface{}{},
		prompt:       nil,
		nextIndex:    0,
		metadata:     map[string]interface{}{},
		clock:        clock,
	}
}

// NewWithVariables creates a context seeded with initial variables.
func NewWithVariables(clock ident.Clock, vars map[string]interface{}) (*Context, error) {
	ctx := New(clock)
	return ctx.WithVariables(vars)
}

// Variable returns a single variable and whether it exists.
func (c *Context) Variable(name string) (interface{}, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// Variables returns a copy of the variable map.
func (c *Context) Variables() map[string]interface{} {
	return copyAnyMap(c.variables)
}

// NodeResult returns the recorded result of a node and whether one exists.
func (c *Context) NodeResult(nodeID string) (interface{}, bool) {
	v, ok := c.nodeResults[nodeID]
	return v, ok
}

// NodeResults returns a copy of the node result map.
func (c *Context) NodeResults() map[string]interface{} {
	return copyAnyMap(c.nodeResults)
}

// NodeCtx returns the per-node context for a node and whether one exists.
func (c *Context) NodeCtx(nodeID string) (NodeContext, bool) {
	nc, ok := c.nodeContexts[nodeID]
	if !ok {
		return NodeContext{}, false
	}
	return copyNodeContext(nc), true
}

// NodeContexts returns a copy of all per-node contexts.
func (c *Context) NodeContexts() map[string]NodeContext {
	out := make(map[string]NodeContext, len(c.nodeContexts))
	for id, nc := range c.nodeContexts {
		out[id] = copyNodeContext(nc)
	}
	return out
}

// MetadataValue returns a metadata entry and whether it exists.
func (c *Context) MetadataValue(key string) (interface{}, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata map.
func (c *Context) Metadata() map[string]interface{} {
	return copyAnyMap(c.metadata)
}

// WithVariable returns a new context with one variable set.
func (c *Context) WithVariable(name string, value interface{}) (*Context, error) {
	if !varNamePattern.MatchString(name) {
		return nil, errs.Validation("invalid variable name %q", name)
	}
	next := c.shallow()
	next.variables = copyAnyMap(c.variables)
	next.variables[name] = value
	return next, nil
}

// WithVariables returns a new context with all given variables set.
func (c *Context) WithVariables(vars map[string]interface{}) (*Context, error) {
	for name := range vars {
		if !varNamePattern.MatchString(name) {
			return nil, errs.Validation("invalid variable name %q", name)
		}
	}
	next := c.shallow()
	next.variables = copyAnyMap(c.variables)
	for name, value := range vars {
		next.variables[name] = value
	}
	return next, nil
}

// WithoutVariable returns a new context with one variable removed.
// Removing an absent variable is a no-op copy.
func (c *Context) WithoutVariable(name string) *Context {
	next := c.shallow()
	next.variables = copyAnyMap(c.variables)
	delete(next.variables, name)
	return next
}

// WithNodeResult returns a new context recording a node's result.
func (c *Context) WithNodeResult(nodeID string, result interface{}) *Context {
	next := c.shallow()
	next.nodeResults = copyAnyMap(c.nodeResults)
	next.nodeResults[nodeID] = result
	return next
}

// WithNodeContext returns a new context with a node's local state replaced.
// LastAccessedAt is stamped from the context clock.
func (c *Context) WithNodeContext(nodeID string, local, metadata map[string]interface{}) *Context {
	next := c.shallow()
	next.nodeContexts = make(map[string]NodeContext, len(c.nodeContexts)+1)
	for id, nc := range c.nodeContexts {
		next.nodeContexts[id] = nc
	}
	next.nodeContexts[nodeID] = NodeContext{
		LocalVariables: copyAnyMap(local),
		Metadata:       copyAnyMap(metadata),
		LastAccessedAt: c.clock.Now(),
	}
	return next
}

// WithMetadata returns a new context with one metadata entry set.
func (c *Context) WithMetadata(key string, value interface{}) *Context {
	next := c.shallow()
	next.metadata = copyAnyMap(c.metadata)
	next.metadata[key] = value
	return next
}

// MergeMetadata returns a new context with all given metadata entries set.
func (c *Context) MergeMetadata(meta map[string]interface{}) *Context {
	next := c.shallow()
	next.metadata = copyAnyMap(c.metadata)
	for k, v := range meta {
		next.metadata[k] = v
	}
	return next
}

// shallow copies the context header; callers replace the containers they
// mutate. Untouched containers are shared with the receiver, which is safe
// because no code path writes through a shared container.
func (c *Context) shallow() *Context {
	dup := *c
	return &dup
}

func copyAnyMap(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func copyNodeContext(nc NodeContext) NodeContext {
	return NodeContext{
		LocalVariables: copyAnyMap(nc.LocalVariables),
		Metadata:       copyAnyMap(nc.Metadata),
		LastAccessedAt: nc.LastAccessedAt,
	}
}
