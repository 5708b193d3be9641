package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/culinachef/subscription-go/internal/config"
	"github.com/culinachef/subscription-go/internal/logging"
	"github.com/culinachef/subscription-go/internal/migration"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "subengine",
	Short:   "CulinaChef subscription state reconciliation engine",
	Long:    `subengine reconciles subscription state between the platform entitlement ledger, the validating backend, and the local encrypted cache.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runEngine()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(historyCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("subengine %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the current subscription status once and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.close()

		status := eng.resolver.Resolve(cmd.Context(), currentUserID() != "", accessToken())
		return printJSON(status)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move legacy plaintext subscription facts into the encrypted store",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.close()

		migrated, err := migration.MigrateIfNeeded(eng.prefs, eng.secure, currentUserID())
		if err != nil {
			return err
		}
		if migrated {
			fmt.Println("migrated legacy subscription facts")
		} else {
			fmt.Println("nothing to migrate")
		}
		return nil
	},
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase",
	Short: "Run the storefront purchase flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.close()

		outcome, status, err := eng.coordinator.Purchase(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("outcome: %s\n", outcome)
		return printJSON(status)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore past purchases from the storefront",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.close()

		status, err := eng.coordinator.Restore(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Turn off auto-renewal for the current subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.close()

		ctx := cmd.Context()
		current := eng.resolver.Resolve(ctx, currentUserID() != "", accessToken())
		status, err := eng.coordinator.CancelAutoRenew(ctx, current)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent resolution outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.close()

		records, err := eng.history.Recent(50)
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runEngine is the long-running mode: background polling, ledger watching,
// and the metrics endpoint.
func runEngine() {
	eng, err := setup(true)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	defer eng.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.serveMetrics(ctx)

	if eng.watcher != nil {
		if err := eng.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start ledger watcher")
		}
	}

	// Resolve once at startup, then hand off to the scheduler.
	eng.resolver.Resolve(ctx, currentUserID() != "", accessToken())
	eng.scheduler.Start()

	log.Info().Str("environment", eng.settings.Environment).Msg("Subscription engine running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down")
	eng.scheduler.Stop()
}

// setup loads configuration, initializes logging, and wires the engine.
func setup(longRunning bool) (*engine, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "subengine",
	})

	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    settings.LogFormat,
		Level:     settings.LogLevel,
		Component: "subengine",
	})

	return buildEngine(settings, longRunning)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
