package engine

import (
	"context"
	"time"

	"github.com/kkkqkx123/graph-agent-go/common/checkpoint"
	"github.com/kkkqkx123/graph-agent-go/common/config"
	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/eval"
	"github.com/kkkqkx123/graph-agent-go/common/history"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// Options tunes one engine run. Zero values fall back to the engine
// defaults from configuration.
type Options struct {
	EnableCheckpoints  bool
	CheckpointInterval int
	MaxSteps           int
	Timeout            time.Duration
	ResumeFrom         string
	StartNodeID        string
}

// Report is the outcome of a run. Execute never returns an error
// directly; failures are reported here with the failure kind intact in
// Err.
type Report struct {
	Success         bool
	ThreadID        string
	Steps           int
	ExecutedNodes   int
	CheckpointCount int
	FinalState      *thread.State
	Err             error
}

// Params wires an Engine together.
type Params struct {
	Executor    *Executor
	Router      *Router
	Evaluator   *eval.Evaluator
	History     *history.Manager
	Checkpoints *checkpoint.Manager
	IDs         *ident.Generator
	Logger      Logger
	Defaults    config.EngineConfig
}

// Engine drives workflow threads through the step loop: execute the
// current node, route, apply edge filters, advance, checkpoint on the
// configured cadence.
type Engine struct {
	executor    *Executor
	router      *Router
	evaluator   *eval.Evaluator
	history     *history.Manager
	checkpoints *checkpoint.Manager
	ids         *ident.Generator
	log         Logger
	defaults    config.EngineConfig
}

// New creates an engine.
func New(p Params) *Engine {
	if p.Defaults.MaxSteps <= 0 {
		p.Defaults.MaxSteps = 1000
	}
	return &Engine{
		executor:    p.Executor,
		router:      p.Router,
		evaluator:   p.Evaluator,
		history:     p.History,
		checkpoints: p.Checkpoints,
		ids:         p.IDs,
		log:         p.Logger,
		defaults:    p.Defaults,
	}
}

// Execute runs a workflow on a new thread seeded with the initial
// variables. The report always carries the final state, even on
// failure.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, threadID string, initial map[string]interface{}, opts Options) *Report {
	opts = e.resolve(opts)
	if err := wf.Validate(); err != nil {
		return &Report{ThreadID: threadID, Err: err}
	}

	if opts.ResumeFrom != "" {
		return e.resume(ctx, wf, threadID, opts.ResumeFrom, opts)
	}

	if threadID == "" {
		threadID = e.ids.New("thrd")
	}
	st, err := thread.NewState(wf.ID, threadID, initial, e.ids.Clock())
	if err != nil {
		return &Report{ThreadID: threadID, Err: err}
	}

	start := opts.StartNodeID
	if start == "" {
		starts := wf.StartNodes()
		if len(starts) == 0 {
			return &Report{ThreadID: threadID, Err: errs.Validation("workflow %s has no start node", wf.ID)}
		}
		start = starts[0]
	} else if _, err := wf.Node(start); err != nil {
		return &Report{ThreadID: threadID, Err: err}
	}
	st.CurrentNodeID = start

	e.log.Info("starting execution", "workflow_id", wf.ID, "thread_id", threadID, "start_node", start)
	return e.run(ctx, wf, st, opts)
}

// ResumeFromCheckpoint restores a checkpointed state and continues the
// step loop from its recorded position.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, wf *workflow.Workflow, threadID, checkpointID string, opts Options) *Report {
	opts = e.resolve(opts)
	if err := wf.Validate(); err != nil {
		return &Report{ThreadID: threadID, Err: err}
	}
	return e.resume(ctx, wf, threadID, checkpointID, opts)
}

func (e *Engine) resume(ctx context.Context, wf *workflow.Workflow, threadID, checkpointID string, opts Options) *Report {
	st, err := e.checkpoints.Restore(ctx, checkpointID)
	if err != nil {
		return &Report{ThreadID: threadID, Err: err}
	}
	if st.WorkflowID != wf.ID {
		return &Report{ThreadID: threadID, Err: errs.Conflict("checkpoint %s belongs to workflow %s, not %s", checkpointID, st.WorkflowID, wf.ID)}
	}
	if threadID != "" {
		st.ThreadID = threadID
	}
	st.Status = thread.StatusActive
	st.EndTime = nil
	if st.CurrentNodeID == "" {
		st.Status = thread.StatusCompleted
		return &Report{Success: true, ThreadID: st.ThreadID, ExecutedNodes: len(st.ExecutedNodes), FinalState: st}
	}
	e.log.Info("resuming execution", "workflow_id", wf.ID, "thread_id", st.ThreadID, "checkpoint_id", checkpointID, "node_id", st.CurrentNodeID)
	return e.run(ctx, wf, st, opts)
}

func (e *Engine) resolve(opts Options) Options {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = e.defaults.MaxSteps
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.defaults.Timeout
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = e.defaults.CheckpointInterval
	}
	return opts
}

// run is the step loop. It owns st exclusively until it returns.
func (e *Engine) run(ctx context.Context, wf *workflow.Workflow, st *thread.State, opts Options) *Report {
	clock := e.ids.Clock()
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = clock.Now().Add(opts.Timeout)
	}

	report := &Report{ThreadID: st.ThreadID, FinalState: st}
	steps := 0

	for st.CurrentNodeID != "" {
		if err := ctx.Err(); err != nil {
			return e.finish(report, st, steps, errs.Wrap(errs.KindCancelled, err, "execution cancelled at node %s", st.CurrentNodeID))
		}
		if !deadline.IsZero() && clock.Now().After(deadline) {
			return e.finish(report, st, steps, errs.Timeout("execution exceeded timeout of %s", opts.Timeout))
		}
		if steps >= opts.MaxSteps {
			return e.finish(report, st, steps, errs.BudgetExceeded("execution exceeded max steps (%d)", opts.MaxSteps))
		}

		node, err := wf.Node(st.CurrentNodeID)
		if err != nil {
			return e.finish(report, st, steps, err)
		}
		steps++

		res, execErr := e.executeNode(ctx, node, st)
		if execErr != nil {
			if next, edge := e.errorEdge(wf, node.ID); next != "" {
				e.log.Warn("node failed, taking error edge",
					"node_id", node.ID, "edge_id", edge.ID, "error", execErr.Error())
				if ferr := e.applyFilters(st, []*workflow.Edge{edge}); ferr != nil {
					return e.finish(report, st, steps, ferr)
				}
				st.CurrentNodeID = next
				continue
			}
			return e.finish(report, st, steps, execErr)
		}

		st.Context = st.Context.WithNodeResult(node.ID, res.Output)
		st.ExecutedNodes = append(st.ExecutedNodes, node.ID)

		if node.Kind == workflow.KindEnd {
			return e.complete(report, st, steps)
		}

		if node.Kind == workflow.KindFork {
			pool := newStepPool(opts.MaxSteps - steps)
			used, err := e.runForkJoin(ctx, wf, st, node, opts, deadline, pool)
			steps += used
			if err != nil {
				return e.finish(report, st, steps, err)
			}
		} else {
			decision, err := e.router.Route(wf.ID, wf.OutgoingEdges(node.ID), st, true)
			if err != nil {
				return e.finish(report, st, steps, err)
			}
			if len(decision.NextNodeIDs) == 0 {
				if decision.Metadata["reason"] == "end_of_workflow" {
					return e.complete(report, st, steps)
				}
				return e.finish(report, st, steps, errs.Validation("no satisfied edges leaving node %s", node.ID))
			}
			if err := e.applyFilters(st, decision.SatisfiedEdges); err != nil {
				return e.finish(report, st, steps, err)
			}
			st.CurrentNodeID = decision.NextNodeIDs[0]
		}

		if opts.EnableCheckpoints && opts.CheckpointInterval > 0 && steps%opts.CheckpointInterval == 0 {
			if err := ctx.Err(); err != nil {
				return e.finish(report, st, steps, errs.Wrap(errs.KindCancelled, err, "execution cancelled before checkpoint"))
			}
			if _, err := e.checkpoints.Create(ctx, st, map[string]interface{}{"step": steps}); err != nil {
				e.log.Warn("checkpoint failed", "thread_id", st.ThreadID, "step", steps, "error", err.Error())
			} else {
				report.CheckpointCount++
			}
		}
	}

	return e.complete(report, st, steps)
}

// executeNode runs a node with its retry policy and updates the node's
// execution record and the history trail.
func (e *Engine) executeNode(ctx context.Context, node *workflow.Node, st *thread.State) (*HandlerResult, error) {
	clock := e.ids.Clock()
	ne := st.NodeExecution(node.ID)
	now := clock.Now()
	ne.Status = thread.NodeRunning
	ne.StartedAt = &now
	ne.Retry.MaxRetries = node.MaxRetries()
	ne.Retry.RetryDelayMS = node.RetryDelay().Milliseconds()
	e.record(ctx, st, node.ID, nil, history.StatusRunning, nil)

	var lastErr error
	attempts := node.MaxRetries() + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			ne.Retry.Attempts = attempt
			if delay := node.RetryDelay(); delay > 0 {
				select {
				case <-ctx.Done():
					lastErr = errs.Wrap(errs.KindCancelled, ctx.Err(), "cancelled while retrying node %s", node.ID)
					break
				case <-time.After(delay):
				}
				if errs.IsKind(lastErr, errs.KindCancelled) {
					break
				}
			}
			e.log.Info("retrying node", "node_id", node.ID, "attempt", attempt)
		}

		res, err := e.executor.Execute(ctx, node, st)
		if err == nil && res != nil && !res.Success {
			err = errs.Handler("node %s reported failure: %s", node.ID, res.Error)
		}
		if err == nil {
			end := clock.Now()
			ne.Status = thread.NodeCompleted
			ne.EndedAt = &end
			ne.DurationMS = end.Sub(*ne.StartedAt).Milliseconds()
			ne.Result = res.Output
			ne.Error = ""
			e.record(ctx, st, node.ID, res.Output, history.StatusSuccess, res.Metadata)
			return res, nil
		}
		lastErr = err
	}

	end := clock.Now()
	ne.Status = thread.NodeFailed
	ne.EndedAt = &end
	ne.DurationMS = end.Sub(*ne.StartedAt).Milliseconds()
	ne.Error = lastErr.Error()
	e.record(ctx, st, node.ID, nil, history.StatusFailure, map[string]interface{}{"error": lastErr.Error()})
	return nil, lastErr
}

// errorEdge returns the target of the highest-priority error edge
// leaving a node, if any.
func (e *Engine) errorEdge(wf *workflow.Workflow, nodeID string) (string, *workflow.Edge) {
	var best *workflow.Edge
	for _, edge := range wf.OutgoingEdges(nodeID) {
		if edge.Kind != workflow.EdgeError {
			continue
		}
		if best == nil || edge.Priority() > best.Priority() || (edge.Priority() == best.Priority() && edge.ID < best.ID) {
			best = edge
		}
	}
	if best == nil {
		return "", nil
	}
	return best.To, best
}

// applyFilters pipes the context through each traversed edge's filter,
// in routing order.
func (e *Engine) applyFilters(st *thread.State, edges []*workflow.Edge) error {
	for _, edge := range edges {
		filtered, err := edge.ContextFilter().Apply(st.Context, e.evaluator)
		if err != nil {
			return errs.Wrap(errs.KindValidation, err, "context filter on edge %s", edge.ID)
		}
		st.Context = filtered
	}
	return nil
}

// record appends to the history trail; persistence failures are logged
// and do not fail the run.
func (e *Engine) record(ctx context.Context, st *thread.State, nodeID string, result interface{}, status history.Status, metadata map[string]interface{}) {
	if e.history == nil {
		return
	}
	if _, err := e.history.Record(ctx, st.ThreadID, nodeID, result, status, metadata); err != nil {
		e.log.Warn("history record failed", "thread_id", st.ThreadID, "node_id", nodeID, "error", err.Error())
	}
}

func (e *Engine) complete(report *Report, st *thread.State, steps int) *Report {
	now := e.ids.Clock().Now()
	st.Status = thread.StatusCompleted
	st.EndTime = &now
	st.CurrentNodeID = ""
	report.Success = true
	report.Steps = steps
	report.ExecutedNodes = len(st.ExecutedNodes)
	e.log.Info("execution completed", "thread_id", st.ThreadID, "steps", steps, "executed_nodes", report.ExecutedNodes)
	return report
}

func (e *Engine) finish(report *Report, st *thread.State, steps int, err error) *Report {
	now := e.ids.Clock().Now()
	switch errs.KindOf(err) {
	case errs.KindCancelled:
		st.Status = thread.StatusCancelled
	default:
		st.Status = thread.StatusFailed
	}
	st.EndTime = &now
	report.Steps = steps
	report.ExecutedNodes = len(st.ExecutedNodes)
	report.Err = err
	e.log.Error("execution stopped", "error", err, "thread_id", st.ThreadID, "steps", steps, "status", string(st.Status))
	return report
}
