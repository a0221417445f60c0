package thread

import (
	"testing"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

// newCopySource builds a completed thread with two settled nodes and one
// failed node.
func newCopySource(t *testing.T) (*State, *Copier) {
	t.Helper()
	ids := ident.NewGenerator(testClock())
	st, err := NewState("wf-1", "thrd-src", map[string]interface{}{"count": 1}, ids.Clock())
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	st.Context = st.Context.
		AddUserInput("hello").
		WithMetadata("origin", "test").
		WithNodeResult("node-a", "ra").
		WithNodeResult("node-b", "rb").
		WithNodeContext("node-a", map[string]interface{}{"la": 1}, nil).
		WithNodeContext("node-b", map[string]interface{}{"lb": 2}, nil)
	st.CurrentNodeID = "node-c"
	st.ExecutedNodes = []string{"node-a", "node-b"}
	st.NodeExecutions["node-a"] = &NodeExecution{Status: NodeCompleted, Result: "ra"}
	st.NodeExecutions["node-b"] = &NodeExecution{Status: NodeSkipped}
	st.NodeExecutions["node-c"] = &NodeExecution{Status: NodeFailed, Error: "boom"}
	st.Status = StatusCompleted
	return st, NewCopier(ids, nopLogger{})
}

func TestCopy_Full(t *testing.T) {
	src, copier := newCopySource(t)
	cc, err := copier.Copy(src, CopyOptions{Strategy: CopyFull})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	dst := cc.State

	if dst.ThreadID == src.ThreadID {
		t.Errorf("copy must get a fresh thread id")
	}
	if dst.Status != StatusActive {
		t.Errorf("copy must start active, got %s", dst.Status)
	}
	if len(dst.NodeExecutions) != 3 {
		t.Errorf("full copy should carry all records, got %d", len(dst.NodeExecutions))
	}
	if dst.CurrentNodeID != "node-c" {
		t.Errorf("full copy keeps the scheduling pointer, got %s", dst.CurrentNodeID)
	}
	if len(dst.Context.PromptHistory()) != 1 {
		t.Errorf("full copy keeps prompt history")
	}
	if cc.Mapping[src.ThreadID] != dst.ThreadID {
		t.Errorf("thread mapping missing: %v", cc.Mapping)
	}
	if cc.Mapping[src.ThreadID+":node-a"] != dst.ThreadID+":node-a" {
		t.Errorf("node mapping missing: %v", cc.Mapping)
	}
}

func TestCopy_Partial(t *testing.T) {
	src, copier := newCopySource(t)
	cc, err := copier.Copy(src, CopyOptions{Strategy: CopyPartial})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	dst := cc.State

	// Only stable records survive: completed node-a and skipped node-b.
	if len(dst.NodeExecutions) != 2 {
		t.Fatalf("partial copy should keep 2 stable records, got %d", len(dst.NodeExecutions))
	}
	if _, ok := dst.NodeExecutions["node-c"]; ok {
		t.Errorf("failed record node-c should be dropped")
	}
	if v, _ := dst.Context.Variable("count"); v != 1 {
		t.Errorf("partial copy keeps variables: %v", v)
	}
	if len(dst.Context.PromptHistory()) != 0 {
		t.Errorf("partial copy drops prompt history")
	}
	if len(dst.Context.Metadata()) != 0 {
		t.Errorf("partial copy drops metadata")
	}
	if dst.CurrentNodeID != "" {
		t.Errorf("partial copy clears the scheduling pointer, got %s", dst.CurrentNodeID)
	}
}

func TestCopy_Selective(t *testing.T) {
	src, copier := newCopySource(t)
	cc, err := copier.Copy(src, CopyOptions{Strategy: CopySelective, SelectedNodeIDs: []string{"node-a"}})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	dst := cc.State

	if len(dst.NodeExecutions) != 1 {
		t.Fatalf("selective copy should keep 1 record, got %d", len(dst.NodeExecutions))
	}
	if _, ok := dst.Context.NodeResult("node-a"); !ok {
		t.Errorf("selected node result dropped")
	}
	if _, ok := dst.Context.NodeResult("node-b"); ok {
		t.Errorf("unselected node result kept")
	}
	if _, ok := dst.Context.NodeCtx("node-b"); ok {
		t.Errorf("unselected node context kept")
	}
	// node-c is not selected, so the pointer is cleared.
	if dst.CurrentNodeID != "" {
		t.Errorf("pointer to an unselected node must be cleared, got %s", dst.CurrentNodeID)
	}
	if len(dst.ExecutedNodes) != 1 || dst.ExecutedNodes[0] != "node-a" {
		t.Errorf("executed list not restricted to the selection: %v", dst.ExecutedNodes)
	}
	if len(cc.Scope) != 1 || cc.Scope[0] != "node-a" {
		t.Errorf("scope should list the selection, got %v", cc.Scope)
	}
}

func TestCopy_SourceUntouched(t *testing.T) {
	src, copier := newCopySource(t)
	cc, err := copier.Copy(src, CopyOptions{Strategy: CopyFull})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	cc.State.NodeExecutions["node-a"].Status = NodeFailed
	cc.State.Context, _ = cc.State.Context.WithVariable("count", 99)

	if src.NodeExecutions["node-a"].Status != NodeCompleted {
		t.Errorf("copy shares node records with the source")
	}
	if v, _ := src.Context.Variable("count"); v != 1 {
		t.Errorf("copy shares the context with the source: %v", v)
	}
	if src.Status != StatusCompleted {
		t.Errorf("copy changed the source status")
	}
}

func TestCopy_Errors(t *testing.T) {
	src, copier := newCopySource(t)

	if _, err := copier.Copy(src, CopyOptions{Strategy: "shallow"}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("unknown strategy should be validation, got %v", err)
	}
	if _, err := copier.Copy(src, CopyOptions{Strategy: CopySelective}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("selective without a selection should be validation, got %v", err)
	}
	if _, err := copier.Copy(src, CopyOptions{Strategy: CopySelective, SelectedNodeIDs: []string{"ghost"}}); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("unknown selected node should be not-found, got %v", err)
	}
}
