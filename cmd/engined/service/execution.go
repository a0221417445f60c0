package service

import (
	"context"
	"sync"

	"github.com/kkkqkx123/graph-agent-go/common/checkpoint"
	"github.com/kkkqkx123/graph-agent-go/common/engine"
	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/history"
	"github.com/kkkqkx123/graph-agent-go/common/logger"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
	"github.com/kkkqkx123/graph-agent-go/common/workflow"
)

// ExecutionService runs workflows and keeps the resulting thread states
// addressable by thread id so fork, copy and checkpoint operations can
// target them later.
type ExecutionService struct {
	engine      *engine.Engine
	forker      *thread.Forker
	copier      *thread.Copier
	history     *history.Manager
	checkpoints *checkpoint.Manager
	log         *logger.Logger

	mu      sync.RWMutex
	threads map[string]*thread.State
}

// NewExecutionService creates the execution service.
func NewExecutionService(
	eng *engine.Engine,
	forker *thread.Forker,
	copier *thread.Copier,
	historyManager *history.Manager,
	checkpointManager *checkpoint.Manager,
	log *logger.Logger,
) *ExecutionService {
	return &ExecutionService{
		engine:      eng,
		forker:      forker,
		copier:      copier,
		history:     historyManager,
		checkpoints: checkpointManager,
		log:         log,
		threads:     map[string]*thread.State{},
	}
}

// Execute builds a workflow from its definition and runs it.
func (s *ExecutionService) Execute(ctx context.Context, def workflow.Definition, threadID string, initial map[string]interface{}, opts engine.Options) (*engine.Report, error) {
	wf, err := workflow.FromDefinition(def)
	if err != nil {
		return nil, err
	}
	report := s.engine.Execute(ctx, wf, threadID, initial, opts)
	s.remember(report.FinalState)
	return report, nil
}

// Resume restores a checkpoint and continues execution.
func (s *ExecutionService) Resume(ctx context.Context, def workflow.Definition, threadID, checkpointID string, opts engine.Options) (*engine.Report, error) {
	wf, err := workflow.FromDefinition(def)
	if err != nil {
		return nil, err
	}
	report := s.engine.ResumeFromCheckpoint(ctx, wf, threadID, checkpointID, opts)
	s.remember(report.FinalState)
	return report, nil
}

// Thread returns a tracked thread state.
func (s *ExecutionService) Thread(threadID string) (*thread.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.threads[threadID]
	if !ok {
		return nil, errs.NotFound("thread %s not found", threadID)
	}
	return st, nil
}

// Fork creates a child thread from a tracked thread at a fork point.
func (s *ExecutionService) Fork(threadID, forkPointNodeID string, opts thread.ForkOptions) (*thread.ForkContext, error) {
	parent, err := s.Thread(threadID)
	if err != nil {
		return nil, err
	}
	fc, err := s.forker.Fork(parent, forkPointNodeID, opts)
	if err != nil {
		return nil, err
	}
	s.remember(fc.State)
	return fc, nil
}

// Copy duplicates a tracked thread.
func (s *ExecutionService) Copy(threadID string, opts thread.CopyOptions) (*thread.CopyContext, error) {
	src, err := s.Thread(threadID)
	if err != nil {
		return nil, err
	}
	cc, err := s.copier.Copy(src, opts)
	if err != nil {
		return nil, err
	}
	s.remember(cc.State)
	return cc, nil
}

// CreateCheckpoint snapshots a tracked thread on demand.
func (s *ExecutionService) CreateCheckpoint(ctx context.Context, threadID string, metadata map[string]interface{}) (*checkpoint.Checkpoint, error) {
	st, err := s.Thread(threadID)
	if err != nil {
		return nil, err
	}
	return s.checkpoints.Create(ctx, st, metadata)
}

// History exposes the history manager.
func (s *ExecutionService) History() *history.Manager {
	return s.history
}

// Checkpoints exposes the checkpoint manager.
func (s *ExecutionService) Checkpoints() *checkpoint.Manager {
	return s.checkpoints
}

func (s *ExecutionService) remember(st *thread.State) {
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[st.ThreadID] = st
}
