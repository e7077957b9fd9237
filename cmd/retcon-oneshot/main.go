// Command retcon-oneshot runs exactly one Process reconciliation cycle
// against a configured store and source set, synchronously, and exits.
// It also offers --dead-letters, a supplementary operator convenience
// for triaging items that exhausted their retry budget.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/retcon/retcon/internal/config"
	"github.com/retcon/retcon/internal/logging"
	"github.com/retcon/retcon/internal/merge"
	"github.com/retcon/retcon/internal/metrics"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/source"
	"github.com/retcon/retcon/internal/store"
	"github.com/retcon/retcon/internal/worker"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitStoreUnavail = 2
	exitCycleFailed  = 3
)

func main() {
	var configPath string
	var verbose bool
	var deadLetters bool
	exitCode := exitOK

	cmd := &cobra.Command{
		Use:          "retcon-oneshot ENTITY SOURCE FID",
		Short:        "Run a single reconciliation cycle and exit",
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if deadLetters {
				return cobra.ExactArgs(0)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := oneshot(configPath, verbose, deadLetters, args)
			exitCode = code
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML config file")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	cmd.Flags().BoolVar(&deadLetters, "dead-letters", false, "list dead-lettered queue items instead of running a cycle")

	if err := cmd.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitConfigError
		}
		fmt.Fprintln(os.Stderr, "retcon-oneshot:", err)
	}
	os.Exit(exitCode)
}

func oneshot(configPath string, verbose, deadLetters bool, args []string) (int, error) {
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

	ctx := context.Background()
	if err := sources.InitAll(ctx); err != nil {
		return exitStoreUnavail, err
	}
	defer sources.CloseAll()

	st, err := store.New(cfg.StoreDSN)
	if err != nil {
		return exitStoreUnavail, err
	}
	defer st.Close()

	if deadLetters {
		return listDeadLetters(st)
	}

	reg := metrics.NewRegistry()
	recon := worker.New(worker.Config{
		Store: st, Sources: sources, Policy: policy, Metrics: reg, Logger: logger,
		SourceTimeout: func(entity model.EntityName, src model.SourceName) time.Duration {
			return cfg.Entities[entity].Timeout[src]
		},
	})

	item := model.WorkItem{
		Kind: model.Process,
		Notification: model.ChangeNotification{
			Entity: model.EntityName(args[0]), Source: model.SourceName(args[1]), FID: args[2],
		},
	}
	action, err := recon.Handle(ctx, item)
	if err != nil {
		return exitCycleFailed, err
	}
	fmt.Println(action)
	return exitOK, nil
}

func listDeadLetters(st *store.Store) (int, error) {
	letters, err := st.DeadLetters()
	if err != nil {
		return exitStoreUnavail, err
	}
	if len(letters) == 0 {
		fmt.Println("no dead-lettered items")
		return exitOK, nil
	}
	for _, dl := range letters {
		fmt.Printf("%s/%s/%s attempts=%d reason=%s\n", dl.Entity, dl.Source, dl.FID, dl.Attempts, dl.Reason)
	}
	return exitOK, nil
}
