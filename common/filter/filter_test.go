package filter

import (
	"testing"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/eval"
	"github.com/kkkqkx123/graph-agent-go/common/execctx"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
)

func testContext(t *testing.T) *execctx.Context {
	t.Helper()
	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx, err := execctx.NewWithVariables(clock, map[string]interface{}{
		"user_name":  "ada",
		"user_email": "ada@example.com",
		"temp_score": 0.7,
	})
	if err != nil {
		t.Fatalf("NewWithVariables failed: %v", err)
	}
	return ctx.
		AddSystemPrompt("be helpful").
		AddUserInput("hello").
		AddAssistantOutput("hi", nil).
		WithMetadata("trace_id", "t-1").
		WithMetadata("secret_key", "k-1")
}

func TestPassAll_IsIdentity(t *testing.T) {
	ctx := testContext(t)
	out, err := PassAll().Apply(ctx, eval.MustNew(16))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(out.Variables()) != 3 {
		t.Errorf("pass-all dropped variables: %d left", len(out.Variables()))
	}
	if len(out.PromptHistory()) != 3 {
		t.Errorf("pass-all dropped prompt entries: %d left", len(out.PromptHistory()))
	}
	if len(out.Metadata()) != 2 {
		t.Errorf("pass-all dropped metadata: %d left", len(out.Metadata()))
	}
}

func TestBlockAll_EmptiesAllTargets(t *testing.T) {
	ctx := testContext(t)
	out, err := BlockAll().Apply(ctx, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(out.Variables()) != 0 || len(out.Metadata()) != 0 || len(out.PromptHistory()) != 0 {
		t.Errorf("block-all left data behind: vars=%d meta=%d prompt=%d",
			len(out.Variables()), len(out.Metadata()), len(out.PromptHistory()))
	}
	if out.NextIndex() != 0 {
		t.Errorf("expected next index 0 after blocking history, got %d", out.NextIndex())
	}
}

func TestExcludeByPattern(t *testing.T) {
	ctx := testContext(t)
	f := &Filter{
		DefaultBehavior: BehaviorPass,
		Rules: []Rule{
			{Type: RuleExclude, Target: TargetVariables, Pattern: "temp_*"},
			{Type: RuleExclude, Target: TargetMetadata, Pattern: "secret_*"},
		},
	}
	out, err := f.Apply(ctx, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, ok := out.Variable("temp_score"); ok {
		t.Errorf("temp_score survived an exclude rule")
	}
	if _, ok := out.Variable("user_name"); !ok {
		t.Errorf("user_name was dropped by an unrelated exclude rule")
	}
	if _, ok := out.MetadataValue("secret_key"); ok {
		t.Errorf("secret_key survived an exclude rule")
	}
	if _, ok := out.MetadataValue("trace_id"); !ok {
		t.Errorf("trace_id was dropped by an unrelated exclude rule")
	}
}

func TestIncludeUnderBlockDefault(t *testing.T) {
	ctx := testContext(t)
	f := &Filter{
		DefaultBehavior: BehaviorBlock,
		Rules: []Rule{
			{Type: RuleInclude, Target: TargetVariables, Pattern: "user_*"},
		},
	}
	out, err := f.Apply(ctx, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	vars := out.Variables()
	if len(vars) != 2 {
		t.Errorf("expected only the two user_* variables, got %v", vars)
	}
	if len(out.Metadata()) != 0 {
		t.Errorf("block default should drop untouched metadata")
	}
}

func TestLaterRuleWins(t *testing.T) {
	ctx := testContext(t)
	f := &Filter{
		DefaultBehavior: BehaviorPass,
		Rules: []Rule{
			{Type: RuleExclude, Target: TargetVariables, Pattern: "user_*"},
			{Type: RuleInclude, Target: TargetVariables, Pattern: "user_name"},
		},
	}
	out, err := f.Apply(ctx, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, ok := out.Variable("user_name"); !ok {
		t.Errorf("later include did not override earlier exclude")
	}
	if _, ok := out.Variable("user_email"); ok {
		t.Errorf("user_email should stay excluded")
	}
}

func TestHistoryFilter_ReindexesDensely(t *testing.T) {
	ctx := testContext(t)
	f := &Filter{
		DefaultBehavior: BehaviorPass,
		Rules: []Rule{
			{Type: RuleExclude, Target: TargetHistory, Pattern: "system"},
		},
	}
	out, err := f.Apply(ctx, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	hist := out.PromptHistory()
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries after dropping system, got %d", len(hist))
	}
	for i, entry := range hist {
		if entry.Role == execctx.RoleSystem {
			t.Errorf("system entry survived the exclude rule")
		}
		if entry.Index != i {
			t.Errorf("entry %d has index %d; filtered history must be re-indexed", i, entry.Index)
		}
	}
	if out.NextIndex() != 2 {
		t.Errorf("expected next index 2, got %d", out.NextIndex())
	}
}

func TestTransformRule(t *testing.T) {
	ctx := testContext(t)
	f := &Filter{
		DefaultBehavior: BehaviorPass,
		Rules: []Rule{
			{Type: RuleTransform, Target: TargetVariables, Pattern: "user_name", TransformName: "upper"},
		},
	}
	out, err := f.Apply(ctx, eval.MustNew(16))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	v, _ := out.Variable("user_name")
	if v != "ADA" {
		t.Errorf("expected ADA, got %v", v)
	}
	// The source context is untouched.
	v, _ = ctx.Variable("user_name")
	if v != "ada" {
		t.Errorf("Apply mutated the input context: %v", v)
	}
}

func TestConditionalRule(t *testing.T) {
	ctx := testContext(t)
	ev := eval.MustNew(16)
	f := &Filter{
		DefaultBehavior: BehaviorPass,
		Rules: []Rule{
			{Type: RuleExclude, Target: TargetVariables, Pattern: "user_email", Condition: "temp_score > 0.5"},
			{Type: RuleExclude, Target: TargetVariables, Pattern: "user_name", Condition: "temp_score > 0.9"},
		},
	}
	out, err := f.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, ok := out.Variable("user_email"); ok {
		t.Errorf("rule with a true condition did not apply")
	}
	if _, ok := out.Variable("user_name"); !ok {
		t.Errorf("rule with a false condition applied anyway")
	}
}

func TestConditionalRule_RequiresEvaluator(t *testing.T) {
	ctx := testContext(t)
	f := &Filter{
		DefaultBehavior: BehaviorPass,
		Rules: []Rule{
			{Type: RuleExclude, Target: TargetVariables, Pattern: "*", Condition: "temp_score > 0.5"},
		},
	}
	if _, err := f.Apply(ctx, nil); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error without an evaluator, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	bad := []Filter{
		{DefaultBehavior: "maybe"},
		{DefaultBehavior: BehaviorPass, Rules: []Rule{{Type: "redact", Target: TargetVariables, Pattern: "*"}}},
		{DefaultBehavior: BehaviorPass, Rules: []Rule{{Type: RuleInclude, Target: "prompt", Pattern: "*"}}},
	}
	for i, f := range bad {
		if err := f.Validate(); !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("filter %d: expected validation error, got %v", i, err)
		}
	}
	good := Filter{
		DefaultBehavior: BehaviorBlock,
		Rules:           []Rule{{Type: RuleInclude, Target: TargetHistory, Pattern: "user*"}},
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid filter rejected: %v", err)
	}
}

func TestMerge(t *testing.T) {
	a := &Filter{
		DefaultBehavior: BehaviorBlock,
		Priority:        1,
		Rules:           []Rule{{Type: RuleInclude, Target: TargetVariables, Pattern: "a*"}},
	}
	b := &Filter{
		DefaultBehavior: BehaviorPass,
		Priority:        5,
		Rules:           []Rule{{Type: RuleExclude, Target: TargetVariables, Pattern: "b*"}},
	}
	m := Merge(a, b)
	if len(m.Rules) != 2 {
		t.Errorf("expected 2 merged rules, got %d", len(m.Rules))
	}
	if m.DefaultBehavior != BehaviorBlock {
		t.Errorf("merge must keep the first filter's default behavior")
	}
	if m.Priority != 5 {
		t.Errorf("merge must take the higher priority, got %v", m.Priority)
	}

	m = Merge(nil, nil)
	if m.DefaultBehavior != BehaviorPass {
		t.Errorf("merging nils should produce pass-all")
	}
}
