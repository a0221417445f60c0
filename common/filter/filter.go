package filter

import (
	"regexp"
	"strings"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/execctx"
)

// Evaluator is the slice of the expression evaluator a filter needs:
// rule conditions and named value transforms.
type Evaluator interface {
	EvaluateBool(source string, scope map[string]interface{}) (bool, error)
	Transform(name string, value interface{}) (interface{}, error)
}

// RuleType says what a rule does to matching entries.
type RuleType string

const (
	RuleInclude   RuleType = "include"
	RuleExclude   RuleType = "exclude"
	RuleTransform RuleType = "transform"
)

// Target names the part of the context a rule applies to.
type Target string

const (
	TargetVariables Target = "variables"
	TargetHistory   Target = "history"
	TargetMetadata  Target = "metadata"
)

// Behavior is what happens to entries no include/exclude rule touched.
type Behavior string

const (
	BehaviorPass  Behavior = "pass"
	BehaviorBlock Behavior = "block"
)

// Rule is one filter step. Patterns use `*` wildcards and match variable
// and metadata keys, or prompt entry roles for the history target. An
// optional condition gates the rule against the current context.
type Rule struct {
	Type          RuleType `json:"type"`
	Pattern       string   `json:"pattern"`
	Target        Target   `json:"target"`
	TransformName string   `json:"transform_name,omitempty"`
	Condition     string   `json:"condition,omitempty"`
}

// Filter re-shapes a context as it flows along an edge: transform rules
// run first, then include/exclude rules in order. The input context is
// never mutated.
type Filter struct {
	Rules           []Rule   `json:"rules"`
	DefaultBehavior Behavior `json:"default_behavior"`
	Priority        float64  `json:"priority"`
}

// PassAll returns the identity filter every edge carries by default.
func PassAll() *Filter {
	return &Filter{DefaultBehavior: BehaviorPass}
}

// BlockAll returns a filter that empties all three targets.
func BlockAll() *Filter {
	return &Filter{DefaultBehavior: BehaviorBlock}
}

// Validate checks rule types, targets and pattern syntax.
func (f *Filter) Validate() error {
	switch f.DefaultBehavior {
	case BehaviorPass, BehaviorBlock:
	default:
		return errs.Validation("unknown default behavior %q", f.DefaultBehavior)
	}
	for i, rule := range f.Rules {
		switch rule.Type {
		case RuleInclude, RuleExclude, RuleTransform:
		default:
			return errs.Validation("rule %d: unknown type %q", i, rule.Type)
		}
		switch rule.Target {
		case TargetVariables, TargetHistory, TargetMetadata:
		default:
			return errs.Validation("rule %d: unknown target %q", i, rule.Target)
		}
		if _, err := compilePattern(rule.Pattern); err != nil {
			return errs.Validation("rule %d: bad pattern %q: %v", i, rule.Pattern, err)
		}
	}
	return nil
}

// Merge concatenates a's rules with b's, keeps a's default behavior and
// takes the higher priority.
func Merge(a, b *Filter) *Filter {
	if a == nil {
		a = PassAll()
	}
	if b == nil {
		b = PassAll()
	}
	merged := &Filter{
		Rules:           make([]Rule, 0, len(a.Rules)+len(b.Rules)),
		DefaultBehavior: a.DefaultBehavior,
		Priority:        a.Priority,
	}
	merged.Rules = append(merged.Rules, a.Rules...)
	merged.Rules = append(merged.Rules, b.Rules...)
	if b.Priority > merged.Priority {
		merged.Priority = b.Priority
	}
	return merged
}

// Apply runs the filter over a context and returns a new context. The
// receiver and the input are unchanged.
func (f *Filter) Apply(ctx *execctx.Context, ev Evaluator) (*execctx.Context, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	props := ctx.ToProps()
	condScope := ctx.Variables()
	condScope["state"] = ctx.Variables()
	condScope["metadata"] = ctx.Metadata()

	active, err := f.activeRules(ev, condScope)
	if err != nil {
		return nil, err
	}

	// Transforms run before includes and excludes.
	for _, rule := range active {
		if rule.Type != RuleTransform {
			continue
		}
		if err := applyTransform(&props, rule, ev); err != nil {
			return nil, err
		}
	}

	props.Variables = filterKeys(props.Variables, active, TargetVariables, f.DefaultBehavior)
	props.Metadata = filterKeys(props.Metadata, active, TargetMetadata, f.DefaultBehavior)
	props.PromptHistory = filterHistory(props.PromptHistory, active, f.DefaultBehavior)
	props.NextIndex = len(props.PromptHistory)

	return ctx.WithProps(props)
}

// activeRules evaluates rule conditions and drops rules whose condition
// is false. Rules without a condition always apply.
func (f *Filter) activeRules(ev Evaluator, scope map[string]interface{}) ([]Rule, error) {
	active := make([]Rule, 0, len(f.Rules))
	for _, rule := range f.Rules {
		if rule.Condition != "" {
			if ev == nil {
				return nil, errs.Validation("rule with condition %q requires an evaluator", rule.Condition)
			}
			ok, err := ev.EvaluateBool(rule.Condition, scope)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		active = append(active, rule)
	}
	return active, nil
}

func applyTransform(props *execctx.Props, rule Rule, ev Evaluator) error {
	re, err := compilePattern(rule.Pattern)
	if err != nil {
		return err
	}
	transform := func(v interface{}) (interface{}, error) {
		if rule.TransformName == "" {
			return v, nil // identity
		}
		if ev == nil {
			return nil, errs.Validation("transform rule %q requires an evaluator", rule.TransformName)
		}
		return ev.Transform(rule.TransformName, v)
	}

	switch rule.Target {
	case TargetVariables:
		for k, v := range props.Variables {
			if re.MatchString(k) {
				nv, err := transform(v)
				if err != nil {
					return err
				}
				props.Variables[k] = nv
			}
		}
	case TargetMetadata:
		for k, v := range props.Metadata {
			if re.MatchString(k) {
				nv, err := transform(v)
				if err != nil {
					return err
				}
				props.Metadata[k] = nv
			}
		}
	case TargetHistory:
		for i := range props.PromptHistory {
			if re.MatchString(string(props.PromptHistory[i].Role)) {
				nv, err := transform(props.PromptHistory[i].Content)
				if err != nil {
					return err
				}
				if s, ok := nv.(string); ok {
					props.PromptHistory[i].Content = s
				}
			}
		}
	}
	return nil
}

// filterKeys applies include/exclude rules to a key-value target. Under
// pass all keys start kept; under block none do. Rules then add or remove
// matches in order.
func filterKeys(m map[string]interface{}, rules []Rule, target Target, behavior Behavior) map[string]interface{} {
	keep := map[string]bool{}
	if behavior == BehaviorPass {
		for k := range m {
			keep[k] = true
		}
	}
	for _, rule := range rules {
		if rule.Target != target || rule.Type == RuleTransform {
			continue
		}
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			continue // Validate already rejected bad patterns
		}
		for k := range m {
			if !re.MatchString(k) {
				continue
			}
			keep[k] = rule.Type == RuleInclude
		}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

func filterHistory(entries []execctx.PromptEntry, rules []Rule, behavior Behavior) []execctx.PromptEntry {
	keep := make([]bool, len(entries))
	if behavior == BehaviorPass {
		for i := range keep {
			keep[i] = true
		}
	}
	for _, rule := range rules {
		if rule.Target != TargetHistory || rule.Type == RuleTransform {
			continue
		}
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			continue
		}
		for i := range entries {
			if !re.MatchString(string(entries[i].Role)) {
				continue
			}
			keep[i] = rule.Type == RuleInclude
		}
	}
	out := make([]execctx.PromptEntry, 0, len(entries))
	for i, entry := range entries {
		if keep[i] {
			entry.Index = len(out) // re-index densely
			out = append(out, entry)
		}
	}
	return out
}

// compilePattern turns a `*` wildcard pattern into an anchored regexp.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.Compile("^" + escaped + "$")
}
