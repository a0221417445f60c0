package workflow

import (
	"testing"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

func testClock() *ident.FakeClock {
	return ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

// buildLinear assembles start -> task -> end.
func buildLinear(t *testing.T) *Workflow {
	t.Helper()
	clock := testClock()
	w := New("wf-linear", "linear")
	for _, n := range []*Node{
		NewNode("start", KindStart, clock),
		NewNode("task", KindCustom, clock),
		NewNode("end", KindEnd, clock),
	} {
		if err := w.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s) failed: %v", n.ID, err)
		}
	}
	for _, e := range []*Edge{
		NewEdge("e1", EdgeSequence, "start", "task"),
		NewEdge("e2", EdgeSequence, "task", "end"),
	} {
		if err := w.AddEdge(e); err != nil {
			t.Fatalf("AddEdge(%s) failed: %v", e.ID, err)
		}
	}
	return w
}

func TestAddNode_DuplicateConflicts(t *testing.T) {
	w := New("wf", "wf")
	n := NewNode("a", KindCustom, testClock())
	if err := w.AddNode(n); err != nil {
		t.Fatalf("first AddNode failed: %v", err)
	}
	if err := w.AddNode(NewNode("a", KindCustom, testClock())); !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("expected conflict on duplicate node id, got %v", err)
	}
}

func TestAddEdge_Validation(t *testing.T) {
	clock := testClock()
	w := New("wf", "wf")
	if err := w.AddNode(NewNode("start", KindStart, clock)); err != nil {
		t.Fatal(err)
	}
	if err := w.AddNode(NewNode("task", KindCustom, clock)); err != nil {
		t.Fatal(err)
	}
	if err := w.AddNode(NewNode("end", KindEnd, clock)); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		edge *Edge
	}{
		{"unknown from", NewEdge("x1", EdgeSequence, "ghost", "task")},
		{"unknown to", NewEdge("x2", EdgeSequence, "task", "ghost")},
		{"self loop on plain node", NewEdge("x3", EdgeSequence, "task", "task")},
		{"outgoing from end", NewEdge("x4", EdgeSequence, "end", "task")},
		{"incoming to start", NewEdge("x5", EdgeSequence, "task", "start")},
		{"unknown kind", &Edge{ID: "x6", Kind: "teleport", From: "start", To: "task"}},
	}
	for _, tc := range cases {
		if err := w.AddEdge(tc.edge); !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestAddEdge_SelfLoopOnLoopCapableNode(t *testing.T) {
	clock := testClock()
	w := New("wf", "wf")
	loop := NewNode("loop", KindCustom, clock)
	loop.Properties["loop_capable"] = true
	if err := w.AddNode(loop); err != nil {
		t.Fatal(err)
	}
	if err := w.AddEdge(NewEdge("self", EdgeSequence, "loop", "loop")); err != nil {
		t.Errorf("self-loop on loop-capable node rejected: %v", err)
	}
}

func TestStartAndEndNodes(t *testing.T) {
	w := buildLinear(t)
	if starts := w.StartNodes(); len(starts) != 1 || starts[0] != "start" {
		t.Errorf("expected [start], got %v", starts)
	}
	if ends := w.EndNodes(); len(ends) != 1 || ends[0] != "end" {
		t.Errorf("expected [end], got %v", ends)
	}
}

func TestOutgoingEdges_SortedByID(t *testing.T) {
	clock := testClock()
	w := New("wf", "wf")
	for _, id := range []string{"start", "a", "b", "end"} {
		kind := KindCustom
		if id == "start" {
			kind = KindStart
		}
		if id == "end" {
			kind = KindEnd
		}
		if err := w.AddNode(NewNode(id, kind, clock)); err != nil {
			t.Fatal(err)
		}
	}
	// Insert out of id order; reads must come back sorted.
	for _, e := range []*Edge{
		NewEdge("e-z", EdgeSequence, "start", "b"),
		NewEdge("e-a", EdgeSequence, "start", "a"),
		NewEdge("e-m", EdgeSequence, "a", "end"),
		NewEdge("e-n", EdgeSequence, "b", "end"),
	} {
		if err := w.AddEdge(e); err != nil {
			t.Fatal(err)
		}
	}
	out := w.OutgoingEdges("start")
	if len(out) != 2 || out[0].ID != "e-a" || out[1].ID != "e-z" {
		ids := []string{}
		for _, e := range out {
			ids = append(ids, e.ID)
		}
		t.Errorf("expected [e-a e-z], got %v", ids)
	}
}

func TestReachable(t *testing.T) {
	w := buildLinear(t)
	seen := w.Reachable("task")
	if !seen["task"] || !seen["end"] {
		t.Errorf("expected task and end reachable from task, got %v", seen)
	}
	if seen["start"] {
		t.Errorf("start should not be reachable from task")
	}
	if len(w.Reachable("ghost")) != 0 {
		t.Errorf("unknown node should reach nothing")
	}
}

func TestValidate_RequiresStartAndEnd(t *testing.T) {
	clock := testClock()
	w := New("wf", "wf")
	a := NewNode("a", KindCustom, clock)
	a.Properties["loop_capable"] = true
	if err := w.AddNode(a); err != nil {
		t.Fatal(err)
	}
	if err := w.AddEdge(NewEdge("self", EdgeSequence, "a", "a")); err != nil {
		t.Fatal(err)
	}
	// A single node with only a self-loop has neither a start nor an end.
	if err := w.Validate(); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	w := buildLinear(t)
	def := w.Definition()

	rebuilt, err := FromDefinition(def)
	if err != nil {
		t.Fatalf("FromDefinition failed: %v", err)
	}
	if rebuilt.ID != w.ID || rebuilt.NodeCount() != 3 {
		t.Errorf("round trip lost structure: id=%s nodes=%d", rebuilt.ID, rebuilt.NodeCount())
	}
	if len(rebuilt.OutgoingEdges("start")) != 1 {
		t.Errorf("round trip lost adjacency")
	}
}

func TestFromDefinition_RejectsBrokenGraph(t *testing.T) {
	def := Definition{
		WorkflowID: "wf-broken",
		Nodes: map[string]*Node{
			"a": {ID: "a", Kind: KindStart},
		},
		Edges: map[string]*Edge{
			"e": {ID: "e", Kind: EdgeSequence, From: "a", To: "missing"},
		},
	}
	if _, err := FromDefinition(def); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyPatch(t *testing.T) {
	w := buildLinear(t)

	patch := []byte(`[
		{"op": "replace", "path": "/name", "value": "renamed"},
		{"op": "add", "path": "/nodes/extra", "value": {"node_id": "extra", "kind": "custom", "status": "active", "version": {"major": 1, "minor": 0, "patch": 0}}},
		{"op": "add", "path": "/edges/e3", "value": {"edge_id": "e3", "kind": "sequence", "from_node_id": "task", "to_node_id": "extra"}},
		{"op": "add", "path": "/edges/e4", "value": {"edge_id": "e4", "kind": "sequence", "from_node_id": "extra", "to_node_id": "end"}}
	]`)

	next, err := ApplyPatch(w, patch)
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if next.Name != "renamed" {
		t.Errorf("patch did not rename: %s", next.Name)
	}
	if next.NodeCount() != 4 {
		t.Errorf("patch did not add the node: %d nodes", next.NodeCount())
	}
	if next.Version.Minor != w.Version.Minor+1 {
		t.Errorf("patch did not bump the minor version: %s", next.Version)
	}
	// The source revision is untouched.
	if w.Name != "linear" || w.NodeCount() != 3 {
		t.Errorf("ApplyPatch mutated the input workflow")
	}
}

func TestApplyPatch_Invalid(t *testing.T) {
	w := buildLinear(t)

	if _, err := ApplyPatch(w, []byte(`not json`)); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for malformed patch, got %v", err)
	}
	if _, err := ApplyPatch(w, []byte(`[{"op": "remove", "path": "/nodes/ghost"}]`)); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for inapplicable patch, got %v", err)
	}
	// A patch that leaves the graph invalid is rejected by re-validation.
	breaking := []byte(`[{"op": "remove", "path": "/nodes/task"}]`)
	if _, err := ApplyPatch(w, breaking); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for graph-breaking patch, got %v", err)
	}
}

func TestApplyPatchChain(t *testing.T) {
	w := buildLinear(t)
	patches := [][]byte{
		[]byte(`[{"op": "replace", "path": "/name", "value": "first"}]`),
		[]byte(`[{"op": "replace", "path": "/name", "value": "second"}]`),
	}
	final, err := ApplyPatchChain(w, patches)
	if err != nil {
		t.Fatalf("ApplyPatchChain failed: %v", err)
	}
	if final.Name != "second" {
		t.Errorf("expected name from last patch, got %s", final.Name)
	}
	if final.Version.Minor != w.Version.Minor+2 {
		t.Errorf("expected two minor bumps, got %s", final.Version)
	}
}

func TestEdgePriority(t *testing.T) {
	seq := NewEdge("s", EdgeSequence, "a", "b")
	cond := NewEdge("c", EdgeConditional, "a", "b")
	errEdge := NewEdge("e", EdgeError, "a", "b")
	def := NewEdge("d", EdgeDefault, "a", "b")

	if !(errEdge.Priority() > cond.Priority() && cond.Priority() > seq.Priority()) {
		t.Errorf("kind bias ordering broken: err=%v cond=%v seq=%v",
			errEdge.Priority(), cond.Priority(), seq.Priority())
	}
	if def.Priority() != seq.Priority() {
		t.Errorf("default and sequence edges should share the base bias")
	}

	seq.Weight = 25
	if seq.Priority() <= cond.Priority() {
		t.Errorf("weight should be able to outrank kind bias")
	}
}

func TestNodeRetryProperties(t *testing.T) {
	n := NewNode("a", KindTool, testClock())
	if n.MaxRetries() != 0 || n.RetryDelay() != 0 {
		t.Errorf("expected zero retry defaults")
	}
	// Properties arrive as float64 after JSON decoding.
	n.Properties["max_retries"] = float64(3)
	n.Properties["retry_delay_ms"] = float64(250)
	if n.MaxRetries() != 3 {
		t.Errorf("expected 3 retries, got %d", n.MaxRetries())
	}
	if n.RetryDelay() != 250*time.Millisecond {
		t.Errorf("expected 250ms delay, got %s", n.RetryDelay())
	}
}
