package engine

import (
	"context"
	"testing"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// forkWorkflow: start -> fork -> {a, b} -> join -> end.
func forkWorkflow(t *testing.T) *workflow.Workflow {
	return buildWorkflow(t, "wf-fork",
		map[string]workflow.NodeKind{
			"start": workflow.KindStart,
			"fork":  workflow.KindFork,
			"a":     workflow.KindCustom,
			"b":     workflow.KindCustom,
			"join":  workflow.KindJoin,
			"end":   workflow.KindEnd,
		},
		[]*workflow.Edge{
			workflow.NewEdge("e0", workflow.EdgeSequence, "start", "fork"),
			workflow.NewEdge("e-a", workflow.EdgeSequence, "fork", "a"),
			workflow.NewEdge("e-b", workflow.EdgeSequence, "fork", "b"),
			workflow.NewEdge("e-aj", workflow.EdgeSequence, "a", "join"),
			workflow.NewEdge("e-bj", workflow.EdgeSequence, "b", "join"),
			workflow.NewEdge("e-je", workflow.EdgeSequence, "join", "end"),
		})
}

func TestForkJoin_MergesBranches(t *testing.T) {
	h := newHarness(t)
	if err := h.executor.Register(workflow.KindCustom, HandlerFunc(
		func(_ context.Context, node *workflow.Node, st *thread.State) (*HandlerResult, error) {
			next, err := st.Context.WithVariable("visited_"+node.ID, true)
			if err != nil {
				return nil, err
			}
			st.Context = next.AddUserInput("from " + node.ID)
			return &HandlerResult{Success: true, Output: "out:" + node.ID}, nil
		})); err != nil {
		t.Fatal(err)
	}

	report := h.engine.Execute(context.Background(), forkWorkflow(t), "",
		map[string]interface{}{"seed": 1}, Options{})
	if report.Err != nil {
		t.Fatalf("fork execution failed: %v", report.Err)
	}
	if !report.Success {
		t.Fatal("expected success")
	}
	// start, fork, a, b, join, end.
	if report.Steps != 6 {
		t.Errorf("expected 6 steps, got %d", report.Steps)
	}

	st := report.FinalState
	for _, nodeID := range []string{"a", "b"} {
		if out, _ := st.Context.NodeResult(nodeID); out != "out:"+nodeID {
			t.Errorf("branch result %s not merged: %v", nodeID, out)
		}
		if v, _ := st.Context.Variable("visited_" + nodeID); v != true {
			t.Errorf("branch variable visited_%s not merged", nodeID)
		}
	}
	executed := map[string]bool{}
	for _, id := range st.ExecutedNodes {
		executed[id] = true
	}
	for _, want := range []string{"start", "fork", "a", "b", "join", "end"} {
		if !executed[want] {
			t.Errorf("node %s missing from executed list %v", want, st.ExecutedNodes)
		}
	}

	// Each branch appended one prompt entry; both survive the merge with
	// dense indices.
	hist := st.Context.PromptHistory()
	if len(hist) != 2 {
		t.Fatalf("expected 2 merged prompt entries, got %d", len(hist))
	}
	for i, entry := range hist {
		if entry.Index != i {
			t.Errorf("merged history not densely indexed: entry %d has index %d", i, entry.Index)
		}
	}
	if st.Context.NextIndex() != 2 {
		t.Errorf("next index not rebased, got %d", st.Context.NextIndex())
	}
}

func TestForkJoin_LaterWinsTiebreak(t *testing.T) {
	h := newHarness(t)
	if err := h.executor.Register(workflow.KindCustom, HandlerFunc(
		func(_ context.Context, node *workflow.Node, st *thread.State) (*HandlerResult, error) {
			next, err := st.Context.WithVariable("winner", node.ID)
			if err != nil {
				return nil, err
			}
			st.Context = next
			return &HandlerResult{Success: true, Output: node.ID}, nil
		})); err != nil {
		t.Fatal(err)
	}

	// Under a frozen clock both branches finish at the same instant, so
	// the tiebreak applies them in branch-edge order and e-b lands last.
	report := h.engine.Execute(context.Background(), forkWorkflow(t), "", nil, Options{})
	if report.Err != nil {
		t.Fatalf("fork execution failed: %v", report.Err)
	}
	if winner, _ := report.FinalState.Context.Variable("winner"); winner != "b" {
		t.Errorf("conflicting write should resolve to the last branch, got %v", winner)
	}
}

func TestForkJoin_OrphanBranch(t *testing.T) {
	h := newHarness(t)
	wf := buildWorkflow(t, "wf-orphan",
		map[string]workflow.NodeKind{
			"start": workflow.KindStart,
			"fork":  workflow.KindFork,
			"a":     workflow.KindCustom,
			"b":     workflow.KindCustom,
			"join":  workflow.KindJoin,
			"end":   workflow.KindEnd,
		},
		[]*workflow.Edge{
			workflow.NewEdge("e0", workflow.EdgeSequence, "start", "fork"),
			workflow.NewEdge("e-a", workflow.EdgeSequence, "fork", "a"),
			workflow.NewEdge("e-b", workflow.EdgeSequence, "fork", "b"),
			workflow.NewEdge("e-aj", workflow.EdgeSequence, "a", "join"),
			// b skips the barrier entirely.
			workflow.NewEdge("e-be", workflow.EdgeSequence, "b", "end"),
			workflow.NewEdge("e-je", workflow.EdgeSequence, "join", "end"),
		})

	report := h.engine.Execute(context.Background(), wf, "", nil, Options{})
	if report.Success {
		t.Fatal("expected failure")
	}
	if !errs.IsKind(report.Err, errs.KindValidation) {
		t.Fatalf("orphan branch should be a validation error, got %v", report.Err)
	}
	if report.FinalState.Status != thread.StatusFailed {
		t.Errorf("expected failed status, got %s", report.FinalState.Status)
	}
}

func TestForkJoin_DivergentJoinNodes(t *testing.T) {
	h := newHarness(t)
	wf := buildWorkflow(t, "wf-divergent",
		map[string]workflow.NodeKind{
			"start": workflow.KindStart,
			"fork":  workflow.KindFork,
			"a":     workflow.KindCustom,
			"b":     workflow.KindCustom,
			"j1":    workflow.KindJoin,
			"j2":    workflow.KindJoin,
			"end":   workflow.KindEnd,
		},
		[]*workflow.Edge{
			workflow.NewEdge("e0", workflow.EdgeSequence, "start", "fork"),
			workflow.NewEdge("e-a", workflow.EdgeSequence, "fork", "a"),
			workflow.NewEdge("e-b", workflow.EdgeSequence, "fork", "b"),
			workflow.NewEdge("e-aj", workflow.EdgeSequence, "a", "j1"),
			workflow.NewEdge("e-bj", workflow.EdgeSequence, "b", "j2"),
			workflow.NewEdge("e-j1", workflow.EdgeSequence, "j1", "end"),
			workflow.NewEdge("e-j2", workflow.EdgeSequence, "j2", "end"),
		})

	report := h.engine.Execute(context.Background(), wf, "", nil, Options{})
	if !errs.IsKind(report.Err, errs.KindValidation) {
		t.Fatalf("divergent joins should be a validation error, got %v", report.Err)
	}
}

func TestForkJoin_SharedStepBudget(t *testing.T) {
	h := newHarness(t)
	wf := buildWorkflow(t, "wf-budgeted-fork",
		map[string]workflow.NodeKind{
			"start": workflow.KindStart,
			"fork":  workflow.KindFork,
			"a1":    workflow.KindCustom,
			"a2":    workflow.KindCustom,
			"a3":    workflow.KindCustom,
			"b1":    workflow.KindCustom,
			"b2":    workflow.KindCustom,
			"b3":    workflow.KindCustom,
			"join":  workflow.KindJoin,
			"end":   workflow.KindEnd,
		},
		[]*workflow.Edge{
			workflow.NewEdge("e0", workflow.EdgeSequence, "start", "fork"),
			workflow.NewEdge("e-a", workflow.EdgeSequence, "fork", "a1"),
			workflow.NewEdge("e-a1", workflow.EdgeSequence, "a1", "a2"),
			workflow.NewEdge("e-a2", workflow.EdgeSequence, "a2", "a3"),
			workflow.NewEdge("e-a3", workflow.EdgeSequence, "a3", "join"),
			workflow.NewEdge("e-b", workflow.EdgeSequence, "fork", "b1"),
			workflow.NewEdge("e-b1", workflow.EdgeSequence, "b1", "b2"),
			workflow.NewEdge("e-b2", workflow.EdgeSequence, "b2", "b3"),
			workflow.NewEdge("e-b3", workflow.EdgeSequence, "b3", "join"),
			workflow.NewEdge("e-je", workflow.EdgeSequence, "join", "end"),
		})

	// start and fork take 2 steps, leaving 5 for branches that need 6
	// between them. The shared pool must stop the branches collectively,
	// never letting the run overshoot its cap.
	report := h.engine.Execute(context.Background(), wf, "", nil, Options{MaxSteps: 7})
	if report.Success {
		t.Fatal("expected failure")
	}
	if !errs.IsKind(report.Err, errs.KindBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", report.Err)
	}
	if report.Steps > 7 {
		t.Errorf("steps %d exceed the cap of 7", report.Steps)
	}
	if report.ExecutedNodes > 7 {
		t.Errorf("executed nodes %d exceed the cap of 7", report.ExecutedNodes)
	}
}

func TestForkJoin_NoSatisfiedBranches(t *testing.T) {
	h := newHarness(t)
	clock := testClock()
	wf := workflow.New("wf-empty-fork", "empty fork")
	for _, n := range []*workflow.Node{
		workflow.NewNode("start", workflow.KindStart, clock),
		workflow.NewNode("fork", workflow.KindFork, clock),
		workflow.NewNode("a", workflow.KindCustom, clock),
		workflow.NewNode("join", workflow.KindJoin, clock),
		workflow.NewNode("end", workflow.KindEnd, clock),
	} {
		if err := wf.AddNode(n); err != nil {
			t.Fatal(err)
		}
	}
	branch := workflow.NewEdge("e-a", workflow.EdgeConditional, "fork", "a")
	branch.Condition = "count > 100"
	for _, e := range []*workflow.Edge{
		workflow.NewEdge("e0", workflow.EdgeSequence, "start", "fork"),
		branch,
		workflow.NewEdge("e-aj", workflow.EdgeSequence, "a", "join"),
		workflow.NewEdge("e-je", workflow.EdgeSequence, "join", "end"),
	} {
		if err := wf.AddEdge(e); err != nil {
			t.Fatal(err)
		}
	}

	report := h.engine.Execute(context.Background(), wf, "",
		map[string]interface{}{"count": 1}, Options{})
	if !errs.IsKind(report.Err, errs.KindValidation) {
		t.Fatalf("fork with no satisfied branches should fail validation, got %v", report.Err)
	}
}
