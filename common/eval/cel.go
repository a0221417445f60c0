package eval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// celCacheSize bounds the compiled-condition cache.
const celCacheSize = 256

// CELEvaluator evaluates cel-tagged edge conditions. The restricted
// dialect handled by Evaluator stays the default; this exists for
// workflows that opt into CEL per edge.
type CELEvaluator struct {
	buildEnv sync.Once
	env      *cel.Env
	envErr   error
	programs *lru.Cache[string, cel.Program]
}

// NewCELEvaluator creates a CEL condition evaluator with a bounded
// compiled-program cache.
func NewCELEvaluator() *CELEvaluator {
	programs, _ := lru.New[string, cel.Program](celCacheSize)
	return &CELEvaluator{programs: programs}
}

// EvaluateBool evaluates a CEL condition against the thread's variables,
// visible as both `state.<name>` and `vars.<name>`. JSONPath-style
// `$.field` is rewritten to `state.field` first.
func (e *CELEvaluator) EvaluateBool(condition string, vars map[string]interface{}) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return false, fmt.Errorf("empty cel condition")
	}
	source := strings.ReplaceAll(condition, "$.", "state.")

	prg, ok := e.programs.Get(source)
	if !ok {
		var err error
		if prg, err = e.compile(source); err != nil {
			return false, err
		}
		e.programs.Add(source, prg)
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"state": vars,
		"vars":  vars,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate cel condition: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel condition returned %T, want bool", out.Value())
	}
	return b, nil
}

func (e *CELEvaluator) compile(source string) (cel.Program, error) {
	e.buildEnv.Do(func() {
		e.env, e.envErr = cel.NewEnv(
			cel.Variable("state", cel.DynType),
			cel.Variable("vars", cel.DynType),
		)
	})
	if e.envErr != nil {
		return nil, fmt.Errorf("build cel environment: %w", e.envErr)
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile cel condition: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan cel condition: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached compiled conditions.
func (e *CELEvaluator) CacheSize() int {
	return e.programs.Len()
}

// ClearCache drops all cached compiled conditions.
func (e *CELEvaluator) ClearCache() {
	e.programs.Purge()
}
