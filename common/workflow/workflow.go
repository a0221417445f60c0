package workflow

import (
	"sort"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// Workflow is the aggregate root: a directed graph of nodes and edges.
// Adjacency is precomputed and kept alongside the node/edge maps; both
// AddNode/AddEdge and FromDefinition maintain it.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Version     ident.Version

	nodes map[string]*Node
	edges map[string]*Edge

	outgoing map[string][]*Edge // from node id -> edges sorted by edge id
	incoming map[string][]*Edge // to node id -> edges sorted by edge id
}

// New creates an empty workflow.
func New(id, name string) *Workflow {
	return &Workflow{
		ID:       id,
		Name:     name,
		Version:  ident.InitialVersion(),
		nodes:    map[string]*Node{},
		edges:    map[string]*Edge{},
		outgoing: map[string][]*Edge{},
		incoming: map[string][]*Edge{},
	}
}

// AddNode inserts a node. Duplicate ids are a conflict.
func (w *Workflow) AddNode(n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if _, exists := w.nodes[n.ID]; exists {
		return errs.Conflict("node %s already exists", n.ID)
	}
	w.nodes[n.ID] = n
	return nil
}

// AddEdge inserts an edge. Both endpoints must exist; self-loops are
// only allowed on loop-capable nodes.
func (w *Workflow) AddEdge(e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, exists := w.edges[e.ID]; exists {
		return errs.Conflict("edge %s already exists", e.ID)
	}
	from, ok := w.nodes[e.From]
	if !ok {
		return errs.Validation("edge %s: unknown from node %s", e.ID, e.From)
	}
	if _, ok := w.nodes[e.To]; !ok {
		return errs.Validation("edge %s: unknown to node %s", e.ID, e.To)
	}
	if e.From == e.To && !from.LoopCapable() {
		return errs.Validation("edge %s: self-loop on node %s which is not loop-capable", e.ID, e.From)
	}
	if from.Kind == KindEnd {
		return errs.Validation("edge %s: end node %s cannot have outgoing edges", e.ID, e.From)
	}
	if to := w.nodes[e.To]; to.Kind == KindStart {
		return errs.Validation("edge %s: start node %s cannot have incoming edges", e.ID, e.To)
	}
	w.edges[e.ID] = e
	w.outgoing[e.From] = insertSorted(w.outgoing[e.From], e)
	w.incoming[e.To] = insertSorted(w.incoming[e.To], e)
	return nil
}

// Node looks up a node by id.
func (w *Workflow) Node(id string) (*Node, error) {
	n, ok := w.nodes[id]
	if !ok {
		return nil, errs.NotFound("node %s not found in workflow %s", id, w.ID)
	}
	return n, nil
}

// Edge looks up an edge by id.
func (w *Workflow) Edge(id string) (*Edge, error) {
	e, ok := w.edges[id]
	if !ok {
		return nil, errs.NotFound("edge %s not found in workflow %s", id, w.ID)
	}
	return e, nil
}

// Nodes returns all nodes keyed by id (shared pointers, copied map).
func (w *Workflow) Nodes() map[string]*Node {
	out := make(map[string]*Node, len(w.nodes))
	for id, n := range w.nodes {
		out[id] = n
	}
	return out
}

// Edges returns all edges keyed by id (shared pointers, copied map).
func (w *Workflow) Edges() map[string]*Edge {
	out := make(map[string]*Edge, len(w.edges))
	for id, e := range w.edges {
		out[id] = e
	}
	return out
}

// NodeCount returns the number of nodes.
func (w *Workflow) NodeCount() int {
	return len(w.nodes)
}

// OutgoingEdges returns the outgoing edges of a node, sorted by edge id.
func (w *Workflow) OutgoingEdges(nodeID string) []*Edge {
	return append([]*Edge(nil), w.outgoing[nodeID]...)
}

// IncomingEdges returns the incoming edges of a node, sorted by edge id.
func (w *Workflow) IncomingEdges(nodeID string) []*Edge {
	return append([]*Edge(nil), w.incoming[nodeID]...)
}

// StartNodes returns ids of nodes with in-degree zero, sorted.
func (w *Workflow) StartNodes() []string {
	var out []string
	for id := range w.nodes {
		if len(w.incoming[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// EndNodes returns ids of nodes with out-degree zero, sorted.
func (w *Workflow) EndNodes() []string {
	var out []string
	for id := range w.nodes {
		if len(w.outgoing[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reachable returns the set of node ids reachable from the given node,
// including the node itself.
func (w *Workflow) Reachable(fromID string) map[string]bool {
	seen := map[string]bool{}
	if _, ok := w.nodes[fromID]; !ok {
		return seen
	}
	stack := []string{fromID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range w.outgoing[id] {
			if !seen[e.To] {
				stack = append(stack, e.To)
			}
		}
	}
	return seen
}

// Validate checks the whole-graph invariants: edge endpoints exist,
// self-loop rules, and a non-empty workflow has at least one start and
// one end node.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errs.Validation("workflow id is empty")
	}
	for _, n := range w.nodes {
		if err := n.Validate(); err != nil {
			return err
		}
	}
	for _, e := range w.edges {
		if err := e.Validate(); err != nil {
			return err
		}
		from, ok := w.nodes[e.From]
		if !ok {
			return errs.Validation("edge %s: unknown from node %s", e.ID, e.From)
		}
		if _, ok := w.nodes[e.To]; !ok {
			return errs.Validation("edge %s: unknown to node %s", e.ID, e.To)
		}
		if e.From == e.To && !from.LoopCapable() {
			return errs.Validation("edge %s: self-loop on node %s which is not loop-capable", e.ID, e.From)
		}
	}
	if len(w.nodes) > 0 {
		if len(w.StartNodes()) == 0 {
			return errs.Validation("workflow %s has no start node (in-degree 0)", w.ID)
		}
		if len(w.EndNodes()) == 0 {
			return errs.Validation("workflow %s has no end node (out-degree 0)", w.ID)
		}
	}
	return nil
}

func insertSorted(edges []*Edge, e *Edge) []*Edge {
	i := sort.Search(len(edges), func(i int) bool { return edges[i].ID >= e.ID })
	edges = append(edges, nil)
	copy(edges[i+1:], edges[i:])
	edges[i] = e
	return edges
}
