package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/eval"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// Logger is the logging interface used by the engine package.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RouteDecision is the outcome of routing at one node. Edges are listed
// in evaluation order (priority descending, edge id ascending).
type RouteDecision struct {
	NextNodeIDs      []string               `json:"next_node_ids"`
	SatisfiedEdges   []*workflow.Edge       `json:"-"`
	UnsatisfiedEdges []*workflow.Edge       `json:"-"`
	StateUpdates     map[string]interface{} `json:"state_updates,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// RouteRecord is one routing event kept in the bounded in-memory
// routing history.
type RouteRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ThreadID  string    `json:"thread_id"`
	NodeID    string    `json:"node_id"`
	EdgeIDs   []string  `json:"edge_ids"`
	Reason    string    `json:"reason,omitempty"`
}

// RouterOptions configures routing history retention. A zero
// HistoryLimit with recording enabled keeps 100 records per workflow.
type RouterOptions struct {
	RecordHistory bool
	HistoryLimit  int
}

// Router picks outgoing edges by evaluating their conditions against
// the thread's variables. Ordering is deterministic: priority
// descending, then edge id ascending, so equal-priority ties never
// depend on map iteration order.
type Router struct {
	evaluator *eval.Evaluator
	cel       *eval.CELEvaluator
	clock     ident.Clock
	log       Logger
	opts      RouterOptions

	mu      sync.Mutex
	history map[string][]RouteRecord
}

// NewRouter creates a router over the two condition dialects. Routing
// history records are stamped through clock; nil falls back to system
// time.
func NewRouter(evaluator *eval.Evaluator, celEvaluator *eval.CELEvaluator, clock ident.Clock, log Logger, opts RouterOptions) *Router {
	if opts.RecordHistory && opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Router{
		evaluator: evaluator,
		cel:       celEvaluator,
		clock:     clock,
		log:       log,
		opts:      opts,
		history:   map[string][]RouteRecord{},
	}
}

// Route picks the single highest-priority satisfied edge. When nothing
// is satisfied and allowDefault is set, the highest-priority
// default-kind edge is taken instead and marked in the metadata.
func (r *Router) Route(workflowID string, edges []*workflow.Edge, st *thread.State, allowDefault bool) (*RouteDecision, error) {
	ordered := orderEdges(edges)
	scope := conditionScope(st)

	decision := &RouteDecision{Metadata: map[string]interface{}{}}
	if len(ordered) == 0 {
		decision.Metadata["reason"] = "end_of_workflow"
		r.record(workflowID, st, nil, "end_of_workflow")
		return decision, nil
	}

	for _, e := range ordered {
		ok, err := r.satisfied(e, scope)
		if err != nil {
			return nil, err
		}
		if !ok {
			decision.UnsatisfiedEdges = append(decision.UnsatisfiedEdges, e)
			continue
		}
		decision.SatisfiedEdges = append(decision.SatisfiedEdges, e)
		decision.NextNodeIDs = []string{e.To}
		r.record(workflowID, st, []string{e.ID}, "")
		return decision, nil
	}

	if allowDefault {
		for _, e := range ordered {
			if e.Kind != workflow.EdgeDefault {
				continue
			}
			decision.SatisfiedEdges = append(decision.SatisfiedEdges, e)
			decision.NextNodeIDs = []string{e.To}
			decision.Metadata["isDefault"] = true
			r.record(workflowID, st, []string{e.ID}, "default")
			return decision, nil
		}
	}

	decision.Metadata["reason"] = "no_satisfied_edges"
	r.record(workflowID, st, nil, "no_satisfied_edges")
	return decision, nil
}

// RouteMultiple returns every satisfied edge in evaluation order. Used
// at fork nodes where each satisfied edge opens a branch.
func (r *Router) RouteMultiple(workflowID string, edges []*workflow.Edge, st *thread.State) (*RouteDecision, error) {
	ordered := orderEdges(edges)
	scope := conditionScope(st)

	decision := &RouteDecision{Metadata: map[string]interface{}{}}
	for _, e := range ordered {
		ok, err := r.satisfied(e, scope)
		if err != nil {
			return nil, err
		}
		if !ok {
			decision.UnsatisfiedEdges = append(decision.UnsatisfiedEdges, e)
			continue
		}
		decision.SatisfiedEdges = append(decision.SatisfiedEdges, e)
		decision.NextNodeIDs = append(decision.NextNodeIDs, e.To)
	}
	if len(decision.NextNodeIDs) == 0 {
		if len(ordered) == 0 {
			decision.Metadata["reason"] = "end_of_workflow"
		} else {
			decision.Metadata["reason"] = "no_satisfied_edges"
		}
	}
	var ids []string
	for _, e := range decision.SatisfiedEdges {
		ids = append(ids, e.ID)
	}
	r.record(workflowID, st, ids, "")
	return decision, nil
}

// History returns the recorded routing events for a workflow, oldest
// first.
func (r *Router) History(workflowID string) []RouteRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RouteRecord(nil), r.history[workflowID]...)
}

func (r *Router) satisfied(e *workflow.Edge, scope map[string]interface{}) (bool, error) {
	if !e.Conditional() {
		return true, nil
	}
	var (
		ok  bool
		err error
	)
	if e.Language == workflow.LanguageCEL {
		vars, _ := scope["state"].(map[string]interface{})
		ok, err = r.cel.EvaluateBool(e.Condition, vars)
	} else {
		ok, err = r.evaluator.EvaluateBool(e.Condition, scope)
	}
	if err != nil {
		r.log.Error("edge condition failed", "error", err, "edge_id", e.ID, "condition", e.Condition)
		return false, err
	}
	return ok, nil
}

func (r *Router) record(workflowID string, st *thread.State, edgeIDs []string, reason string) {
	if !r.opts.RecordHistory {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := append(r.history[workflowID], RouteRecord{
		Timestamp: r.clock.Now().UTC(),
		ThreadID:  st.ThreadID,
		NodeID:    st.CurrentNodeID,
		EdgeIDs:   edgeIDs,
		Reason:    reason,
	})
	if len(recs) > r.opts.HistoryLimit {
		recs = recs[len(recs)-r.opts.HistoryLimit:]
	}
	r.history[workflowID] = recs
}

// conditionScope builds the evaluation scope: variables at the top
// level plus the same map under "state" for qualified access.
func conditionScope(st *thread.State) map[string]interface{} {
	vars := st.Context.Variables()
	scope := make(map[string]interface{}, len(vars)+1)
	for k, v := range vars {
		scope[k] = v
	}
	scope["state"] = vars
	return scope
}

// orderEdges sorts by priority descending with edge id ascending as the
// tiebreak.
func orderEdges(edges []*workflow.Edge) []*workflow.Edge {
	out := append([]*workflow.Edge(nil), edges...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority(), out[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
