package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"clubapi/internal/app"
	"clubapi/internal/config"
	"clubapi/internal/logging"
	"clubapi/internal/store"
)

// cli holds what the commands need. Stores and keys are opened lazily so
// that, say, issuing a token never dials Mongo.
type cli struct {
	cfg       config.App
	log       *zap.Logger
	openStore func(ctx context.Context) (store.Store, error)
	loadKeys  func(ctx context.Context) (app.Keys, error)
}

func newCLI(cfg config.App, logger *zap.Logger) *cli {
	return &cli{
		cfg: cfg,
		log: logger,
		openStore: func(ctx context.Context) (store.Store, error) {
			return app.OpenStore(ctx, cfg, logger)
		},
		loadKeys: func(ctx context.Context) (app.Keys, error) {
			return app.LoadKeys(ctx, cfg, logger)
		},
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "clubctl",
		Short:         "Operator tooling for the club API",
		Long:          `Issue tokens, reconcile event participant sets and prepare the document store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.log.Sync()
		},
	}
	root.AddCommand(tokenCmd(c))
	root.AddCommand(reconcileCmd(c))
	root.AddCommand(indexesCmd(c))
	root.AddCommand(warmCmd(c))
	return root
}

func main() {
	cfg := config.Load()
	if err := config.Validate(&cfg); err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	if err := newRootCmd(newCLI(cfg, logger)).Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
