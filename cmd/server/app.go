package main

import (
	"context"
	"fmt"

	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/prompt"
	"github.com/taskmgr818/treeforge/internal/service"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/task"
	"github.com/taskmgr818/treeforge/internal/tree"
	"go.uber.org/zap"
)

// app is the SQL-backed core shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *store.Store
	users   auth.UserService
	clients auth.ClientService
	credit  credit.Service
	tasks   *task.Repository
	prompts *prompt.Repository
	trees   *tree.Manager
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	st, err := store.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("database initialised", zap.String("driver", cfg.DBDriver))

	db := st.DB()
	tasks := task.NewRepository(db, log)
	prompts := prompt.NewRepository(db, tasks, prompt.LabelPolicy{
		Valid:     cfg.TreeManager.ValidLabels,
		Mandatory: cfg.TreeManager.MandatoryLabels,
	}, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		users:   auth.NewUserService(db),
		clients: auth.NewClientService(db),
		credit:  credit.NewService(db),
		tasks:   tasks,
		prompts: prompts,
		trees:   tree.NewManager(db, tasks, prompts, cfg.TreeManager, nil, log),
	}, nil
}

// workflow builds the submission service. A nil publisher disables scoring.
func (a *app) workflow(pub service.Publisher) *service.Workflow {
	return service.NewWorkflow(a.store, a.users, a.credit, a.tasks, a.prompts, a.trees, pub,
		service.ScoringModels{
			Toxicity:  a.cfg.ToxicityModel,
			Embedding: a.cfg.EmbeddingModel,
		}, a.log)
}

// officialClient returns the trusted web client the drivers submit through,
// creating it on first start.
func (a *app) officialClient(ctx context.Context) (*auth.APIClient, error) {
	c, err := a.clients.EnsureClient(ctx, a.cfg.OfficialWebAPIKey, "official web", "web", true)
	if err != nil {
		return nil, fmt.Errorf("bootstrap official client: %w", err)
	}
	return c, nil
}
