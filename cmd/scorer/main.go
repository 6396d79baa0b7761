package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/taskmgr818/treeforge/internal/scorer"
	"go.uber.org/zap"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "scorer",
		Short: "Scoring worker for the treeforge coordinator",
		Long: `Connects to the coordinator's WebSocket endpoint, claims toxicity and
embedding jobs and computes them against a HuggingFace inference endpoint.`,
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := scorer.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting scoring worker",
		zap.String("node_id", cfg.Node.ID),
		zap.String("server", cfg.Server.URL),
		zap.Int("workers", cfg.Workers),
	)

	backend := scorer.NewHuggingFace(cfg.HuggingFace.URL, cfg.HuggingFace.Token,
		cfg.HuggingFace.Timeout, cfg.HuggingFace.RateLimit)
	w := scorer.NewWorker(cfg.Node.ID, cfg.Node.Signature, cfg.Server.URL, cfg.Workers, backend, log)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Status.Enabled {
		go func() {
			if err := w.Status().Serve(ctx, cfg.Status.Address, log); err != nil {
				log.Error("status server", zap.Error(err))
			}
		}()
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	log.Info("scoring worker started")

	<-ctx.Done()
	log.Info("shutting down")
	if err := w.Stop(); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	log.Info("scoring worker stopped")
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
