package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// HandlerResult is what a node handler returns. A result with Success
// false and an empty Error still counts as a failure.
type HandlerResult struct {
	Success  bool                   `json:"success"`
	Output   interface{}            `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Handler executes one kind of node. CanExecute lets a handler refuse a
// node it was registered for (wrong properties, unsupported variant).
type Handler interface {
	CanExecute(node *workflow.Node, st *thread.State) bool
	Execute(ctx context.Context, node *workflow.Node, st *thread.State) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface with an
// always-true CanExecute.
type HandlerFunc func(ctx context.Context, node *workflow.Node, st *thread.State) (*HandlerResult, error)

// CanExecute always returns true.
func (HandlerFunc) CanExecute(*workflow.Node, *thread.State) bool { return true }

// Execute calls the function.
func (f HandlerFunc) Execute(ctx context.Context, node *workflow.Node, st *thread.State) (*HandlerResult, error) {
	return f(ctx, node, st)
}

// Executor dispatches nodes to registered handlers by kind. Marker
// kinds get built-in pass-through handlers at construction; those can
// be replaced by registering over them.
type Executor struct {
	mu       sync.RWMutex
	handlers map[workflow.NodeKind]Handler
	log      Logger
}

// NewExecutor creates an executor with built-in marker handlers.
func NewExecutor(log Logger) *Executor {
	e := &Executor{
		handlers: map[workflow.NodeKind]Handler{},
		log:      log,
	}
	for kind := range map[workflow.NodeKind]bool{
		workflow.KindStart: true, workflow.KindEnd: true,
		workflow.KindCondition: true, workflow.KindFork: true,
		workflow.KindJoin: true, workflow.KindSubworkflow: true,
		workflow.KindLoopStart: true, workflow.KindLoopEnd: true,
	} {
		e.handlers[kind] = markerHandler{kind: kind}
	}
	return e
}

// Register installs a handler for a node kind, replacing any existing
// one.
func (e *Executor) Register(kind workflow.NodeKind, h Handler) error {
	if !kind.Valid() {
		return errs.Validation("cannot register handler for unknown node kind %q", kind)
	}
	if h == nil {
		return errs.Validation("nil handler for node kind %q", kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
	return nil
}

// Handler returns the handler registered for a kind.
func (e *Executor) Handler(kind workflow.NodeKind) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[kind]
	return h, ok
}

// Execute dispatches one node. Handler panics are converted into
// handler-kind errors so a broken handler cannot take down the step
// loop.
func (e *Executor) Execute(ctx context.Context, node *workflow.Node, st *thread.State) (result *HandlerResult, err error) {
	e.mu.RLock()
	h, ok := e.handlers[node.Kind]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.Handler("no handler registered for node kind %q (node %s)", node.Kind, node.ID)
	}
	if !h.CanExecute(node, st) {
		return nil, errs.Handler("handler for kind %q refused node %s", node.Kind, node.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked", "panic", fmt.Sprintf("%v", r), "node_id", node.ID, "kind", string(node.Kind))
			result = nil
			err = errs.Handler("handler for node %s panicked: %v", node.ID, r)
		}
	}()

	return h.Execute(ctx, node, st)
}

// markerHandler is the built-in pass-through for structural nodes. The
// engine gives markers their semantics; the handler just records that
// the node was visited.
type markerHandler struct {
	kind workflow.NodeKind
}

func (markerHandler) CanExecute(*workflow.Node, *thread.State) bool { return true }

func (m markerHandler) Execute(_ context.Context, _ *workflow.Node, _ *thread.State) (*HandlerResult, error) {
	meta := map[string]interface{}{"marker": string(m.kind)}
	if m.kind == workflow.KindEnd {
		meta["terminal"] = true
	}
	return &HandlerResult{Success: true, Metadata: meta}, nil
}
