package execctx

import (
	"testing"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

func testClock() *ident.FakeClock {
	return ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func TestWithVariable_DoesNotMutateReceiver(t *testing.T) {
	base := New(testClock())
	next, err := base.WithVariable("count", 1)
	if err != nil {
		t.Fatalf("WithVariable failed: %v", err)
	}

	if _, ok := base.Variable("count"); ok {
		t.Errorf("receiver gained variable 'count'; contexts must be copy-on-write")
	}
	v, ok := next.Variable("count")
	if !ok || v != 1 {
		t.Errorf("expected count=1 in new context, got %v (ok=%v)", v, ok)
	}
}

func TestWithVariable_RejectsInvalidName(t *testing.T) {
	base := New(testClock())
	for _, name := range []string{"", "1count", "a-b", "a b", "a.b"} {
		if _, err := base.WithVariable(name, 1); !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("name %q: expected validation error, got %v", name, err)
		}
	}
	for _, name := range []string{"count", "_x", "camelCase", "snake_case_2"} {
		if _, err := base.WithVariable(name, 1); err != nil {
			t.Errorf("name %q: expected success, got %v", name, err)
		}
	}
}

func TestWithVariables_AllOrNothing(t *testing.T) {
	base := New(testClock())
	_, err := base.WithVariables(map[string]interface{}{"ok": 1, "not ok": 2})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithoutVariable_AbsentIsNoop(t *testing.T) {
	base, err := NewWithVariables(testClock(), map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("NewWithVariables failed: %v", err)
	}
	next := base.WithoutVariable("missing")
	if len(next.Variables()) != 1 {
		t.Errorf("expected 1 variable after removing an absent one, got %d", len(next.Variables()))
	}
	next = next.WithoutVariable("a")
	if len(next.Variables()) != 0 {
		t.Errorf("expected 0 variables, got %d", len(next.Variables()))
	}
}

func TestVariables_ReturnsCopy(t *testing.T) {
	base, _ := NewWithVariables(testClock(), map[string]interface{}{"a": 1})
	vars := base.Variables()
	vars["a"] = 99
	vars["injected"] = true

	v, _ := base.Variable("a")
	if v != 1 {
		t.Errorf("mutating the returned map changed the context: a=%v", v)
	}
	if _, ok := base.Variable("injected"); ok {
		t.Errorf("mutating the returned map injected a variable")
	}
}

func TestPromptHistory_DenseIndexing(t *testing.T) {
	ctx := New(testClock()).
		AddSystemPrompt("you are a helpful assistant").
		AddUserInput("hello").
		AddAssistantOutput("hi there", nil)

	hist := ctx.PromptHistory()
	if len(hist) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(hist))
	}
	for i, entry := range hist {
		if entry.Index != i {
			t.Errorf("entry %d has index %d; history must be densely indexed", i, entry.Index)
		}
	}
	if ctx.NextIndex() != 3 {
		t.Errorf("expected next index 3, got %d", ctx.NextIndex())
	}
}

func TestAddToolResult_RequiresCallID(t *testing.T) {
	ctx := New(testClock())
	if _, err := ctx.AddToolResult("", "result"); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error for empty tool_call_id, got %v", err)
	}
	next, err := ctx.AddToolResult("call_1", "result")
	if err != nil {
		t.Fatalf("AddToolResult failed: %v", err)
	}
	if next.PromptHistory()[0].ToolCallID != "call_1" {
		t.Errorf("tool call id not carried into the entry")
	}
}

func TestConvertOutputToInput(t *testing.T) {
	ctx := New(testClock()).
		AddUserInput("question").
		AddOutput("draft answer")

	converted := ctx.ConvertOutputToInput()
	hist := converted.PromptHistory()
	if hist[1].Role != RoleAssistant {
		t.Errorf("expected output entry rewritten to assistant, got %q", hist[1].Role)
	}
	if hist[1].Index != 1 {
		t.Errorf("conversion changed the index: %d", hist[1].Index)
	}
	// The original still holds the transient role.
	if ctx.PromptHistory()[1].Role != RoleOutput {
		t.Errorf("conversion mutated the receiver")
	}
}

func TestTrimToIndex(t *testing.T) {
	ctx := New(testClock()).
		AddUserInput("one").
		AddUserInput("two").
		AddUserInput("three")

	trimmed, err := ctx.TrimToIndex(1)
	if err != nil {
		t.Fatalf("TrimToIndex failed: %v", err)
	}
	if got := len(trimmed.PromptHistory()); got != 1 {
		t.Errorf("expected 1 entry after trim, got %d", got)
	}
	if trimmed.NextIndex() != 1 {
		t.Errorf("expected next index 1, got %d", trimmed.NextIndex())
	}

	// Appending after a trim reuses the freed indices.
	again := trimmed.AddUserInput("two again")
	if again.PromptHistory()[1].Index != 1 {
		t.Errorf("append after trim did not reuse index 1")
	}

	if _, err := ctx.TrimToIndex(4); !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("expected conflict trimming past next index, got %v", err)
	}
	if _, err := ctx.TrimToIndex(-1); !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("expected conflict for negative index, got %v", err)
	}
}

func TestPropsRoundTrip(t *testing.T) {
	clock := testClock()
	ctx, err := NewWithVariables(clock, map[string]interface{}{"a": 1, "nested": map[string]interface{}{"b": "c"}})
	if err != nil {
		t.Fatalf("NewWithVariables failed: %v", err)
	}
	ctx = ctx.
		AddSystemPrompt("sys").
		AddUserInput("hi").
		WithNodeResult("node-1", "ok").
		WithNodeContext("node-1", map[string]interface{}{"local": 1}, nil).
		WithMetadata("source", "test")

	restored, err := FromProps(ctx.ToProps(), clock)
	if err != nil {
		t.Fatalf("FromProps failed: %v", err)
	}

	if v, _ := restored.Variable("a"); v != 1 {
		t.Errorf("variable a lost in round trip: %v", v)
	}
	if r, ok := restored.NodeResult("node-1"); !ok || r != "ok" {
		t.Errorf("node result lost in round trip: %v", r)
	}
	if nc, ok := restored.NodeCtx("node-1"); !ok || nc.LocalVariables["local"] != 1 {
		t.Errorf("node context lost in round trip")
	}
	if m, _ := restored.MetadataValue("source"); m != "test" {
		t.Errorf("metadata lost in round trip: %v", m)
	}
	if restored.NextIndex() != 2 {
		t.Errorf("next index lost in round trip: %d", restored.NextIndex())
	}
}

func TestFromProps_RejectsSparseHistory(t *testing.T) {
	p := Props{
		PromptHistory: []PromptEntry{
			{Index: 0, Role: RoleUser, Content: "a"},
			{Index: 2, Role: RoleUser, Content: "b"},
		},
		NextIndex: 2,
	}
	if _, err := FromProps(p, testClock()); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error for sparse history, got %v", err)
	}
}

func TestFromProps_RaisesNextIndex(t *testing.T) {
	p := Props{
		PromptHistory: []PromptEntry{{Index: 0, Role: RoleUser, Content: "a"}},
		NextIndex:     0,
	}
	ctx, err := FromProps(p, testClock())
	if err != nil {
		t.Fatalf("FromProps failed: %v", err)
	}
	if ctx.NextIndex() != 1 {
		t.Errorf("expected next index raised to 1, got %d", ctx.NextIndex())
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	clock := testClock()
	ctx, _ := NewWithVariables(clock, map[string]interface{}{
		"nested": map[string]interface{}{"inner": "before"},
	})
	snap := ctx.Snapshot()
	snap.Variables["nested"].(map[string]interface{})["inner"] = "after"

	v, _ := ctx.Variable("nested")
	if v.(map[string]interface{})["inner"] != "before" {
		t.Errorf("snapshot shares nested containers with the live context")
	}
	if !snap.SnapshotAt.Equal(clock.Now()) {
		t.Errorf("snapshot timestamp not taken from the context clock")
	}
}

func TestMemoryEstimate(t *testing.T) {
	empty := New(testClock())
	small := empty.AddUserInput("hi")
	large := empty.AddUserInput("a much longer message that clearly weighs more than two characters")

	if small.MemoryEstimate() <= empty.MemoryEstimate() {
		t.Errorf("adding prompt content did not grow the estimate")
	}
	if large.MemoryEstimate() <= small.MemoryEstimate() {
		t.Errorf("longer content did not produce a larger estimate")
	}
	// Same content must estimate the same.
	if small.MemoryEstimate() != empty.AddUserInput("hi").MemoryEstimate() {
		t.Errorf("estimate is not deterministic")
	}
}
