package workflow

import (
	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/filter"
)

// EdgeKind classifies transitions; the router biases edge priority by
// kind so error and conditional edges outrank plain sequence edges.
type EdgeKind string

const (
	EdgeSequence    EdgeKind = "sequence"
	EdgeConditional EdgeKind = "conditional"
	EdgeDefault     EdgeKind = "default"
	EdgeError       EdgeKind = "error"
	EdgeTimeout     EdgeKind = "timeout"
)

var edgeKinds = map[EdgeKind]bool{
	EdgeSequence: true, EdgeConditional: true, EdgeDefault: true,
	EdgeError: true, EdgeTimeout: true,
}

// Valid reports whether k is a known edge kind.
func (k EdgeKind) Valid() bool {
	return edgeKinds[k]
}

// KindBias is the routing priority contribution of the edge kind.
func (k EdgeKind) KindBias() float64 {
	switch k {
	case EdgeConditional:
		return 20
	case EdgeError:
		return 30
	default:
		return 10
	}
}

// ConditionLanguage selects the dialect an edge condition is written in.
type ConditionLanguage string

const (
	// LanguageDefault is the restricted expression dialect.
	LanguageDefault ConditionLanguage = ""
	// LanguageCEL marks conditions written in CEL.
	LanguageCEL ConditionLanguage = "cel"
)

// Edge is a directed transition between two nodes. A missing condition
// means unconditionally satisfied. Every edge carries a context filter;
// the zero value is pass-all.
type Edge struct {
	ID        string                 `json:"edge_id"`
	Kind      EdgeKind               `json:"kind"`
	From      string                 `json:"from_node_id"`
	To        string                 `json:"to_node_id"`
	Condition string                 `json:"condition,omitempty"`
	Language  ConditionLanguage      `json:"condition_language,omitempty"`
	Weight    float64                `json:"weight,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Filter    *filter.Filter         `json:"context_filter"`
}

// NewEdge creates an edge with a pass-all context filter.
func NewEdge(id string, kind EdgeKind, from, to string) *Edge {
	return &Edge{
		ID:         id,
		Kind:       kind,
		From:       from,
		To:         to,
		Properties: map[string]interface{}{},
		Filter:     filter.PassAll(),
	}
}

// ContextFilter returns the edge's filter, defaulting to pass-all so a
// deserialized edge without one behaves like a fresh edge.
func (e *Edge) ContextFilter() *filter.Filter {
	if e.Filter == nil {
		return filter.PassAll()
	}
	return e.Filter
}

// Priority is the routing priority: weight plus kind bias.
func (e *Edge) Priority() float64 {
	return e.Weight + e.Kind.KindBias()
}

// Conditional reports whether the edge carries a condition.
func (e *Edge) Conditional() bool {
	return e.Condition != ""
}

// Validate checks static edge invariants.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return errs.Validation("edge id is empty")
	}
	if !e.Kind.Valid() {
		return errs.Validation("edge %s: unknown kind %q", e.ID, e.Kind)
	}
	if e.From == "" || e.To == "" {
		return errs.Validation("edge %s: missing endpoint", e.ID)
	}
	switch e.Language {
	case LanguageDefault, LanguageCEL:
	default:
		return errs.Validation("edge %s: unknown condition language %q", e.ID, e.Language)
	}
	if e.Filter != nil {
		if err := e.Filter.Validate(); err != nil {
			return errs.Validation("edge %s: invalid context filter: %v", e.ID, err)
		}
	}
	return nil
}
