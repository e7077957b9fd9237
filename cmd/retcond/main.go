// Command retcond runs the reconciliation server: the request/reply
// socket and the worker pool that drains the durable queue behind it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/retcon/retcon/internal/config"
	"github.com/retcon/retcon/internal/logging"
	"github.com/retcon/retcon/internal/merge"
	"github.com/retcon/retcon/internal/metrics"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/rpc"
	"github.com/retcon/retcon/internal/source"
	"github.com/retcon/retcon/internal/store"
	"github.com/retcon/retcon/internal/worker"
)

// Exit codes per §6: 0 clean shutdown, 1 fatal config error, 2 store
// unreachable at startup.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStoreUnavail = 2
)

func main() {
	var configPath string
	var verbose bool
	exitCode := exitOK

	cmd := &cobra.Command{
		Use:          "retcond",
		Short:        "Run the Retcon reconciliation server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve(configPath, verbose)
			exitCode = code
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML config file")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	if err := cmd.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitConfigError
		}
		fmt.Fprintln(os.Stderr, "retcond:", err)
	}
	os.Exit(exitCode)
}

func serve(configPath string, verbose bool) (int, error) {
	logger := logging.New(verbose)
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitConfigError, err
	}

	policies := merge.NewRegistry()
	policy, err := policies.Build(cfg.PolicyName, cfg.PolicySettings)
	if err != nil {
		return exitConfigError, &model.ConfigError{Reason: err.Error()}
	}

	sources := source.NewRegistry()
	for entity, es := range cfg.Entities {
		for _, src := range es.Order {
			ds, err := source.Build(es.Drivers[src], entity, es.Settings[src])
			if err != nil {
				return exitConfigError, err
			}
			sources.MustRegister(entity, src, ds)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sources.InitAll(ctx); err != nil {
		return exitStoreUnavail, err
	}
	defer sources.CloseAll()

	st, err := store.New(cfg.StoreDSN)
	if err != nil {
		return exitStoreUnavail, err
	}
	defer st.Close()
	reg := metrics.NewRegistry()

	recon := worker.New(worker.Config{
		Store: st, Sources: sources, Policy: policy, Metrics: reg, Logger: logger,
		SourceTimeout: func(entity model.EntityName, src model.SourceName) time.Duration {
			return cfg.Entities[entity].Timeout[src]
		},
	})

	pool := worker.NewPool(worker.PoolConfig{
		Store: st, Reconciler: recon, Metrics: reg, Logger: logger, WorkerCount: cfg.Workers,
	})

	server, err := rpc.NewServer(cfg.ServerAddress, st, logger)
	if err != nil {
		return exitStoreUnavail, err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(sigCtx)
	group.Go(func() error { return pool.Run(gctx) })
	group.Go(func() error {
		err := server.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	logger.Info("retcond started", zap.String("address", cfg.ServerAddress), zap.Int("workers", cfg.Workers))
	if err := group.Wait(); err != nil {
		return exitStoreUnavail, err
	}
	logger.Info("retcond shut down cleanly")
	return exitOK, nil
}
