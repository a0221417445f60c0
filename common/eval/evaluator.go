package eval

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
)

// Result is the outcome of evaluating an expression. Evaluation never
// panics; failures are reported through Success/Error.
type Result struct {
	Success bool        `json:"success"`
	Value   interface{} `json:"value,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Validation is the outcome of statically checking an expression.
type Validation struct {
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
	Trimmed string   `json:"trimmed"`
}

// TransformFunc is a unary value transform usable via the `|name` pipe
// syntax and by context filter rules.
type TransformFunc func(value interface{}) (interface{}, error)

// FunctionFunc is a whitelisted multi-arity function callable from
// expressions.
type FunctionFunc func(args ...interface{}) (interface{}, error)

// builtinNames are reserved; registering over them fails with Conflict.
var builtinNames = map[string]bool{
	"upper": true, "lower": true, "trim": true, "len": true, "length": true,
	"abs": true, "max": true, "min": true, "all": true, "any": true,
	"none": true, "one": true, "filter": true, "map": true, "count": true,
	"split": true, "join": true, "type": true, "int": true, "float": true,
	"string": true,
}

// Evaluator evaluates the restricted expression dialect against a
// read-only scope. Compiled programs and results are cached in LRU caches
// keyed by the normalized source plus the scope's key set (and, for
// results, a hash of the scope values).
//
// The dialect is a strict subset of expr-lang syntax plus a few spellings
// normalized before compilation: `x|upper` pipes, `not_in`, `Math.max`
// style function names and `length`.
type Evaluator struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
	functions  map[string]FunctionFunc
	gen        uint64 // bumped on registration so cached programs are not reused

	programs *lru.Cache[string, *vm.Program]
	results  *lru.Cache[string, interface{}]
}

// New creates an evaluator whose caches hold at most maxEntries entries.
func New(maxEntries int) (*Evaluator, error) {
	if maxEntries < 1 {
		return nil, errs.Validation("evaluator cache size must be positive, got %d", maxEntries)
	}
	programs, err := lru.New[string, *vm.Program](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create program cache: %w", err)
	}
	results, err := lru.New[string, interface{}](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &Evaluator{
		transforms: map[string]TransformFunc{
			"upper": func(v interface{}) (interface{}, error) { return strings.ToUpper(toString(v)), nil },
			"lower": func(v interface{}) (interface{}, error) { return strings.ToLower(toString(v)), nil },
			"trim":  func(v interface{}) (interface{}, error) { return strings.TrimSpace(toString(v)), nil },
		},
		functions: map[string]FunctionFunc{},
		programs:  programs,
		results:   results,
	}, nil
}

// MustNew is New for callers with a known-good cache size.
func MustNew(maxEntries int) *Evaluator {
	e, err := New(maxEntries)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate evaluates source against scope. It is pure: no I/O, no side
// effects, and it never panics.
func (e *Evaluator) Evaluate(source string, scope map[string]interface{}) Result {
	normalized := normalize(source)
	if strings.TrimSpace(normalized) == "" {
		return Result{Success: false, Error: "empty expression"}
	}

	e.mu.RLock()
	gen := e.gen
	e.mu.RUnlock()

	resultKey := fmt.Sprintf("%d\x00%s\x00%x", gen, normalized, scopeHash(scope))
	if cached, ok := e.results.Get(resultKey); ok {
		return Result{Success: true, Value: cached}
	}

	program, err := e.compile(gen, normalized, scope)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("compile error: %v", err)}
	}

	env := make(map[string]interface{}, len(scope))
	for k, v := range scope {
		env[k] = v
	}

	value, err := runSafe(program, env)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "divide by zero") || strings.Contains(msg, "division by zero"):
			return Result{Success: false, Error: "DivisionByZero"}
		case strings.Contains(msg, "cannot fetch") || strings.Contains(msg, "cannot get"):
			// Absent path: resolve to undefined rather than failing.
			return Result{Success: true, Value: nil}
		default:
			return Result{Success: false, Error: msg}
		}
	}

	// expr divides floats, so a zero divisor comes back as ±Inf or NaN
	// instead of a runtime error.
	if f, ok := value.(float64); ok && strings.Contains(normalized, "/") && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return Result{Success: false, Error: "DivisionByZero"}
	}

	e.results.Add(resultKey, value)
	return Result{Success: true, Value: value}
}

// EvaluateBool evaluates source and coerces the result to a boolean.
// A non-boolean result is an error; nil is false.
func (e *Evaluator) EvaluateBool(source string, scope map[string]interface{}) (bool, error) {
	res := e.Evaluate(source, scope)
	if !res.Success {
		return false, errs.Validation("condition %q failed: %s", source, res.Error)
	}
	switch v := res.Value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, errs.Validation("condition %q did not return a boolean, got %T", source, res.Value)
	}
}

// Validate checks source for syntax errors and, when a scope is supplied,
// for top-level identifiers that do not resolve in it.
func (e *Evaluator) Validate(source string, scope map[string]interface{}) Validation {
	trimmed := strings.TrimSpace(source)
	v := Validation{Trimmed: trimmed}
	if trimmed == "" {
		v.Errors = append(v.Errors, "empty expression")
		return v
	}
	normalized := normalize(trimmed)

	e.mu.RLock()
	opts := e.compileOptions()
	e.mu.RUnlock()

	if scope != nil {
		// A typed env makes expr reject unresolvable identifiers.
		env := make(map[string]interface{}, len(scope))
		for k, val := range scope {
			env[k] = val
		}
		opts = append(opts, expr.Env(env))
	} else {
		opts = append(opts, expr.AllowUndefinedVariables())
	}

	if _, err := expr.Compile(normalized, opts...); err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v
	}
	v.Valid = true
	return v
}

// RegisterTransform adds a custom unary transform. Overwriting a builtin
// fails with Conflict.
func (e *Evaluator) RegisterTransform(name string, fn TransformFunc) error {
	if !identPattern.MatchString(name) {
		return errs.Validation("invalid transform name %q", name)
	}
	if fn == nil {
		return errs.Validation("nil transform %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if builtinNames[name] {
		return errs.Conflict("transform %q is a builtin", name)
	}
	if _, exists := e.functions[name]; exists {
		return errs.Conflict("name %q is already registered as a function", name)
	}
	e.transforms[name] = fn
	e.gen++
	return nil
}

// RegisterFunction adds a custom multi-arity function. Overwriting a
// builtin fails with Conflict.
func (e *Evaluator) RegisterFunction(name string, fn FunctionFunc) error {
	if !identPattern.MatchString(name) {
		return errs.Validation("invalid function name %q", name)
	}
	if fn == nil {
		return errs.Validation("nil function %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if builtinNames[name] {
		return errs.Conflict("function %q is a builtin", name)
	}
	if _, exists := e.transforms[name]; exists {
		return errs.Conflict("name %q is already registered as a transform", name)
	}
	e.functions[name] = fn
	e.gen++
	return nil
}

// Transform applies a registered transform by name. An unknown name is
// NotFound so filter rules can distinguish identity from typos.
func (e *Evaluator) Transform(name string, value interface{}) (interface{}, error) {
	e.mu.RLock()
	fn, ok := e.transforms[name]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("unknown transform %q", name)
	}
	return fn(value)
}

// CacheSize returns the number of cached evaluation results.
func (e *Evaluator) CacheSize() int {
	return e.results.Len()
}

// ClearCache drops all cached programs and results.
func (e *Evaluator) ClearCache() {
	e.programs.Purge()
	e.results.Purge()
}

// compile builds or fetches the program for an expression. The scope's
// key set is part of the cache key and shapes the compile environment:
// scope names must shadow expr's builtin functions (count, max, filter,
// type, ...) or conditions over ordinary variable names would not
// compile.
func (e *Evaluator) compile(gen uint64, normalized string, scope map[string]interface{}) (*vm.Program, error) {
	key := fmt.Sprintf("%d\x00%s\x00%s", gen, normalized, scopeKeys(scope))
	if program, ok := e.programs.Get(key); ok {
		return program, nil
	}

	e.mu.RLock()
	opts := e.compileOptions()
	e.mu.RUnlock()
	env := make(map[string]interface{}, len(scope))
	for k, v := range scope {
		env[k] = v
	}
	opts = append(opts, expr.Env(env), expr.AllowUndefinedVariables())

	program, err := expr.Compile(normalized, opts...)
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, program)
	return program, nil
}

// compileOptions materializes the registered transforms and functions as
// expr options. Callers hold at least a read lock.
func (e *Evaluator) compileOptions() []expr.Option {
	opts := make([]expr.Option, 0, len(e.transforms)+len(e.functions))
	for name, fn := range e.transforms {
		if builtinNames[name] {
			continue // expr ships upper/lower/trim natively
		}
		transform := fn
		opts = append(opts, expr.Function(name, func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("transform takes exactly one argument, got %d", len(args))
			}
			return transform(args[0])
		}))
	}
	for name, fn := range e.functions {
		function := fn
		opts = append(opts, expr.Function(name, func(args ...interface{}) (interface{}, error) {
			return function(args...)
		}))
	}
	return opts
}

func runSafe(program *vm.Program, env map[string]interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panic: %v", r)
		}
	}()
	return expr.Run(program, env)
}

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z_0-9]*$`)
	notInRe      = regexp.MustCompile(`\bnot_in\b`)
	lengthRe     = regexp.MustCompile(`\blength\s*\(`)
	pipeRe       = regexp.MustCompile(`\|\s*([A-Za-z_][A-Za-z_0-9]*)\s*(\()?`)

	mathReplacer = strings.NewReplacer(
		"Math.max(", "max(",
		"Math.min(", "min(",
		"Math.abs(", "abs(",
	)
)

const orGuard = "\x00OR\x00"

// normalize rewrites the dialect's spellings into expr syntax. String
// literals are left untouched.
func normalize(source string) string {
	return mapOutsideStrings(strings.TrimSpace(source), func(segment string) string {
		s := notInRe.ReplaceAllString(segment, "not in")
		s = mathReplacer.Replace(s)
		s = lengthRe.ReplaceAllString(s, "len(")
		// Guard logical-or so the pipe rewrite cannot touch it.
		s = strings.ReplaceAll(s, "||", orGuard)
		s = pipeRe.ReplaceAllStringFunc(s, func(m string) string {
			sub := pipeRe.FindStringSubmatch(m)
			if sub[2] == "(" {
				return m
			}
			return "| " + sub[1] + "()"
		})
		return strings.ReplaceAll(s, orGuard, "||")
	})
}

// mapOutsideStrings applies fn to the parts of s outside single- or
// double-quoted string literals.
func mapOutsideStrings(s string, fn func(string) string) string {
	var b strings.Builder
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c != '"' && c != '\'' {
			i++
			continue
		}
		b.WriteString(fn(s[start:i]))
		j := i + 1
		for j < len(s) {
			if s[j] == '\\' {
				j += 2
				continue
			}
			if s[j] == c {
				j++
				break
			}
			j++
		}
		if j > len(s) {
			j = len(s)
		}
		b.WriteString(s[i:j])
		i = j
		start = j
	}
	b.WriteString(fn(s[start:]))
	return b.String()
}

// scopeKeys returns the scope's sorted key set.
func scopeKeys(scope map[string]interface{}) string {
	if len(scope) == 0 {
		return ""
	}
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// scopeHash hashes the scope deterministically; encoding/json sorts map
// keys, which is all the stability needed here.
func scopeHash(scope map[string]interface{}) uint64 {
	h := fnv.New64a()
	data, err := json.Marshal(scope)
	if err != nil {
		// Unserializable scopes fall back to a formatted dump; still
		// deterministic within a process.
		data = []byte(fmt.Sprintf("%#v", scope))
	}
	_, _ = h.Write(data)
	return h.Sum64()
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
