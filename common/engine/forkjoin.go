package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// stepPool is the step budget shared by the concurrent branches of a
// fork. Every branch draws from the same pool, so the branches together
// can never execute more nodes than the run has left.
type stepPool struct {
	remaining atomic.Int64
}

func newStepPool(n int) *stepPool {
	p := &stepPool{}
	p.remaining.Store(int64(n))
	return p
}

// take claims one step; it reports false once the pool is drained.
func (p *stepPool) take() bool {
	return p.remaining.Add(-1) >= 0
}

// branchOutcome is the result of running one fork branch to its join
// barrier.
type branchOutcome struct {
	branchID   string // the edge id that opened the branch
	state      *thread.State
	joinNodeID string
	steps      int
	finishedAt time.Time
	err        error
}

// runForkJoin executes all satisfied branches of a fork node
// concurrently, waits for every branch to reach a join node, merges the
// branch states back into st and positions it at the join node. Merge
// policy: branches are applied in completion order with branch id as
// the tiebreak, so the later finisher wins conflicting writes. All
// branches draw steps from one shared pool, so together they stay under
// the run's remaining cap.
func (e *Engine) runForkJoin(ctx context.Context, wf *workflow.Workflow, st *thread.State, forkNode *workflow.Node, opts Options, deadline time.Time, pool *stepPool) (int, error) {
	decision, err := e.router.RouteMultiple(wf.ID, wf.OutgoingEdges(forkNode.ID), st)
	if err != nil {
		return 0, err
	}
	if len(decision.SatisfiedEdges) == 0 {
		return 0, errs.Validation("fork node %s has no satisfied branches", forkNode.ID)
	}

	parentNext := st.Context.NextIndex()
	outcomes := make([]*branchOutcome, len(decision.SatisfiedEdges))
	var wg sync.WaitGroup
	for i, edge := range decision.SatisfiedEdges {
		branch, err := st.Clone(e.ids.Clock())
		if err != nil {
			return 0, err
		}
		if err := e.applyFilters(branch, []*workflow.Edge{edge}); err != nil {
			return 0, err
		}
		branch.CurrentNodeID = edge.To

		out := &branchOutcome{branchID: edge.ID, state: branch}
		outcomes[i] = out
		wg.Add(1)
		go func(edge *workflow.Edge) {
			defer wg.Done()
			out.joinNodeID, out.steps, out.err = e.runBranch(ctx, wf, out.state, opts, deadline, pool)
			out.finishedAt = e.ids.Clock().Now()
			if out.err != nil {
				e.log.Warn("fork branch failed", "fork_node", forkNode.ID, "branch_edge", edge.ID, "error", out.err.Error())
			}
		}(edge)
	}
	wg.Wait()

	used := 0
	joinNodeID := ""
	for _, out := range outcomes {
		used += out.steps
		if out.err != nil {
			return used, errs.Wrap(errs.KindOf(out.err), out.err, "fork branch %s failed", out.branchID)
		}
		if joinNodeID == "" {
			joinNodeID = out.joinNodeID
		} else if out.joinNodeID != joinNodeID {
			return used, errs.Validation("fork branches rejoin at different nodes (%s vs %s)", joinNodeID, out.joinNodeID)
		}
	}

	if err := e.mergeBranches(st, outcomes, parentNext); err != nil {
		return used, err
	}
	st.CurrentNodeID = joinNodeID
	e.log.Info("fork branches merged", "fork_node", forkNode.ID, "join_node", joinNodeID, "branches", len(outcomes))
	return used, nil
}

// runBranch drives one branch until it reaches a join node, which is
// left unexecuted for the parent loop. A branch that terminates without
// reaching a join node is an orphan and fails the fork. Steps are drawn
// from the fork's shared pool.
func (e *Engine) runBranch(ctx context.Context, wf *workflow.Workflow, st *thread.State, opts Options, deadline time.Time, pool *stepPool) (string, int, error) {
	clock := e.ids.Clock()
	steps := 0
	for st.CurrentNodeID != "" {
		if err := ctx.Err(); err != nil {
			return "", steps, errs.Wrap(errs.KindCancelled, err, "branch cancelled at node %s", st.CurrentNodeID)
		}
		if !deadline.IsZero() && clock.Now().After(deadline) {
			return "", steps, errs.Timeout("branch exceeded execution timeout")
		}

		node, err := wf.Node(st.CurrentNodeID)
		if err != nil {
			return "", steps, err
		}
		if node.Kind == workflow.KindJoin {
			return node.ID, steps, nil
		}
		if !pool.take() {
			return "", steps, errs.BudgetExceeded("fork branches exceeded the remaining step budget")
		}
		steps++

		res, execErr := e.executeNode(ctx, node, st)
		if execErr != nil {
			if next, edge := e.errorEdge(wf, node.ID); next != "" {
				if ferr := e.applyFilters(st, []*workflow.Edge{edge}); ferr != nil {
					return "", steps, ferr
				}
				st.CurrentNodeID = next
				continue
			}
			return "", steps, execErr
		}

		st.Context = st.Context.WithNodeResult(node.ID, res.Output)
		st.ExecutedNodes = append(st.ExecutedNodes, node.ID)

		if node.Kind == workflow.KindEnd {
			return "", steps, errs.Validation("orphan branch: reached end node %s without a join", node.ID)
		}

		if node.Kind == workflow.KindFork {
			used, err := e.runForkJoin(ctx, wf, st, node, opts, deadline, pool)
			steps += used
			if err != nil {
				return "", steps, err
			}
			continue
		}

		decision, err := e.router.Route(wf.ID, wf.OutgoingEdges(node.ID), st, true)
		if err != nil {
			return "", steps, err
		}
		if len(decision.NextNodeIDs) == 0 {
			return "", steps, errs.Validation("orphan branch: node %s has no route to a join", node.ID)
		}
		if err := e.applyFilters(st, decision.SatisfiedEdges); err != nil {
			return "", steps, err
		}
		st.CurrentNodeID = decision.NextNodeIDs[0]
	}
	return "", steps, errs.Internal("branch lost its position")
}

// mergeBranches folds branch states back into the parent. Branches are
// applied in ascending completion order so the last write wins; ties
// fall back to branch id order.
func (e *Engine) mergeBranches(st *thread.State, outcomes []*branchOutcome, parentNext int) error {
	ordered := append([]*branchOutcome(nil), outcomes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].finishedAt.Equal(ordered[j].finishedAt) {
			return ordered[i].finishedAt.Before(ordered[j].finishedAt)
		}
		return ordered[i].branchID < ordered[j].branchID
	})

	props := st.Context.ToProps()
	seen := map[string]bool{}
	for _, id := range st.ExecutedNodes {
		seen[id] = true
	}

	for _, out := range ordered {
		bp := out.state.Context.ToProps()
		for k, v := range bp.Variables {
			props.Variables[k] = v
		}
		for k, v := range bp.NodeResults {
			props.NodeResults[k] = v
		}
		for k, v := range bp.NodeContexts {
			props.NodeContexts[k] = v
		}
		for k, v := range bp.Metadata {
			props.Metadata[k] = v
		}
		for _, entry := range bp.PromptHistory {
			if entry.Index < parentNext {
				continue
			}
			entry.Index = len(props.PromptHistory)
			props.PromptHistory = append(props.PromptHistory, entry)
		}

		for id, ne := range out.state.NodeExecutions {
			st.NodeExecutions[id] = ne
		}
		for _, id := range out.state.ExecutedNodes {
			if !seen[id] {
				seen[id] = true
				st.ExecutedNodes = append(st.ExecutedNodes, id)
			}
		}
	}
	props.NextIndex = len(props.PromptHistory)

	merged, err := st.Context.WithProps(props)
	if err != nil {
		return err
	}
	st.Context = merged
	return nil
}
