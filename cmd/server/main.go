package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/driver"
	"github.com/taskmgr818/treeforge/internal/handler"
	"github.com/taskmgr818/treeforge/internal/llm"
	"github.com/taskmgr818/treeforge/internal/middleware"
	"github.com/taskmgr818/treeforge/internal/node"
	"github.com/taskmgr818/treeforge/internal/scheduler"
	"github.com/taskmgr818/treeforge/internal/service"
	"github.com/taskmgr818/treeforge/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "treeforge",
		Short: "Coordinator for crowdsourced conversation trees",
		Long: `treeforge hands out prompt, reply, label and ranking tasks to human
workers, stores their submissions and moves each conversation tree through
review, growth, ranking and scoring.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scoring hub and the background drivers",
		RunE:  runServe,
	}
	retryScoringCmd = &cobra.Command{
		Use:   "retry-scoring",
		Short: "Retry every tree stuck in scoring_failed once and exit",
		RunE:  runRetryScoring,
	}
	ensureTreeStatesCmd = &cobra.Command{
		Use:   "ensure-tree-states",
		Short: "Create missing tree state rows and catch trees up, then exit",
		RunE:  runEnsureTreeStates,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (environment overrides apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(retryScoringCmd)
	rootCmd.AddCommand(ensureTreeStatesCmd)
	// no subcommand means serve
	rootCmd.RunE = runServe
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger and the SQL core.
func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Development)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return nil, err
	}
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	cfg, log := a.cfg, a.log
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Redis + WebSocket hub ──
	var (
		hub      *ws.Hub
		nodeAuth *node.Authenticator
		pub      service.Publisher
	)
	if !cfg.ScoringDisabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

		nodeAuth, err = node.NewAuthenticator(cfg.NodeVerifyKeys...)
		if err != nil {
			return fmt.Errorf("init node authenticator: %w", err)
		}
		sched := scheduler.NewScheduler(rdb, cfg.ScoreLeaseTTL, log)
		hub = ws.NewHub(sched, a.prompts, a.store, log)
		pub = hub
	} else {
		log.Warn("scoring disabled, new messages will not be scored")
	}

	// ── Bootstrap ──
	if cfg.OfficialWebAPIKey == "" {
		log.Warn("official_web_api_key not set, a fresh trusted client is generated on every start")
	}
	official, err := a.officialClient(ctx)
	if err != nil {
		return err
	}
	if n, err := a.trees.EnsureTreeStates(ctx); err != nil {
		log.Warn("ensure tree states", zap.Error(err))
	} else if n > 0 {
		log.Info("created missing tree states", zap.Int("count", n))
	}

	wf := a.workflow(pub)

	// ── Gin router ──
	if cfg.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(log))

	h := handler.NewHandler(wf, hub, a.store, nodeAuth, log)
	h.RegisterRoutes(r, middleware.APIKeyAuth(a.clients))
	handler.NewAdminHandler(wf, a.users, a.credit, h).
		RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(cfg.AdminToken)))

	// ── Background drivers ──
	runner := driver.NewRunner(log)
	maintenance := driver.Maintenance(a.store, a.tasks, a.trees, cfg.Drivers.MaintenanceInterval)
	maintenance.RunAtStart = true
	runner.Add(maintenance)
	runner.Add(driver.RetryScoring(a.trees, cfg.Drivers.RetryScoringInterval))
	runner.Add(driver.Streaks(a.users, time.Now().UTC(), cfg.Drivers.StreakInterval))
	if hub != nil {
		runner.Add(driver.LeaseWatchdog(hub, cfg.Drivers.LeaseWatchdogInterval))
	}
	runner.Add(driver.AutoLabel(wf, official, cfg.Drivers.AutoLabelLang,
		driver.BotLabels(cfg.TreeManager), cfg.Drivers.AutoLabelInterval, log))
	if cfg.Drivers.AutoReplyInterval > 0 {
		replier, err := llm.NewReplier(llm.Options{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, log)
		if err != nil {
			log.Warn("auto reply disabled", zap.Error(err))
		} else {
			runner.Add(driver.AutoReply(wf, official, replier, cfg.Drivers.AutoReplyLang,
				cfg.Drivers.AutoReplyMaxPerRun, cfg.Drivers.AutoReplyInterval))
		}
	}
	log.Info("drivers scheduled", zap.Strings("jobs", runner.Jobs()))

	// ── HTTP server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Start(gctx)
		runner.Wait()
		return nil
	})
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server exited cleanly")
	return nil
}

func runRetryScoring(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.log.Sync()

	n, err := a.trees.RetryScoringFailedMessageTrees(cmd.Context())
	if err != nil {
		return err
	}
	a.log.Info("retried scoring", zap.Int("recovered", n))
	return nil
}

func runEnsureTreeStates(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.log.Sync()

	n, err := a.trees.EnsureTreeStates(cmd.Context())
	if err != nil {
		return err
	}
	a.log.Info("ensured tree states", zap.Int("created", n))
	return nil
}

func newLogger(development bool) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if development {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}
