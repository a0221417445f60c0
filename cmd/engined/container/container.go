package container

import (
	"context"
	"fmt"

	"github.com/kkkqkx123/graph-agent-go/cmd/engined/service"
	"github.com/kkkqkx123/graph-agent-go/common/bootstrap"
	"github.com/kkkqkx123/graph-agent-go/common/checkpoint"
	"github.com/kkkqkx123/graph-agent-go/common/engine"
	"github.com/kkkqkx123/graph-agent-go/common/eval"
	"github.com/kkkqkx123/graph-agent-go/common/history"
	"github.com/kkkqkx123/graph-agent-go/common/ident"
	"github.com/kkkqkx123/graph-agent-go/common/thread"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	IDs         *ident.Generator
	Evaluator   *eval.Evaluator
	CEL         *eval.CELEvaluator
	Executor    *engine.Executor
	Router      *engine.Router
	History     *history.Manager
	Checkpoints *checkpoint.Manager
	Engine      *engine.Engine
	Forker      *thread.Forker
	Copier      *thread.Copier

	Execution *service.ExecutionService
}

// NewContainer initializes all services once
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	ids := ident.NewGenerator(ident.SystemClock{})

	evaluator, err := eval.New(cfg.Evaluator.CacheMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}
	cel := eval.NewCELEvaluator()

	// History store per configuration
	var historyStore history.Store
	switch cfg.Stores.HistoryStore {
	case "postgres":
		pg := history.NewPostgresStore(components.DB)
		if err := pg.InitSchema(ctx); err != nil {
			return nil, err
		}
		historyStore = pg
	default:
		historyStore = history.NewMemoryStore()
	}
	historyManager := history.NewManager(historyStore, ids, log)

	// Checkpoint store per configuration
	var checkpointStore checkpoint.Store
	switch cfg.Stores.CheckpointStore {
	case "redis":
		checkpointStore = checkpoint.NewRedisStore(components.Redis)
	default:
		checkpointStore = checkpoint.NewMemoryStore()
	}
	checkpointManager := checkpoint.NewManager(
		checkpointStore, ids, log,
		cfg.Checkpoint.MaxPerThread, cfg.Checkpoint.MaxTotal,
	)

	executor := engine.NewExecutor(log)
	router := engine.NewRouter(evaluator, cel, ids.Clock(), log, engine.RouterOptions{RecordHistory: true})

	eng := engine.New(engine.Params{
		Executor:    executor,
		Router:      router,
		Evaluator:   evaluator,
		History:     historyManager,
		Checkpoints: checkpointManager,
		IDs:         ids,
		Logger:      log,
		Defaults:    cfg.Engine,
	})

	forker := thread.NewForker(ids, log)
	copier := thread.NewCopier(ids, log)

	execution := service.NewExecutionService(eng, forker, copier, historyManager, checkpointManager, log)

	return &Container{
		Components:  components,
		IDs:         ids,
		Evaluator:   evaluator,
		CEL:         cel,
		Executor:    executor,
		Router:      router,
		History:     historyManager,
		Checkpoints: checkpointManager,
		Engine:      eng,
		Forker:      forker,
		Copier:      copier,
		Execution:   execution,
	}, nil
}
