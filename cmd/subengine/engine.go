package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/culinachef/subscription-go/internal/backend"
	"github.com/culinachef/subscription-go/internal/config"
	"github.com/culinachef/subscription-go/internal/crypto"
	"github.com/culinachef/subscription-go/internal/entitlement"
	"github.com/culinachef/subscription-go/internal/history"
	"github.com/culinachef/subscription-go/internal/metrics"
	"github.com/culinachef/subscription-go/internal/migration"
	"github.com/culinachef/subscription-go/internal/platform"
	"github.com/culinachef/subscription-go/internal/poller"
	"github.com/culinachef/subscription-go/internal/prefs"
	"github.com/culinachef/subscription-go/internal/purchase"
	"github.com/culinachef/subscription-go/internal/securestore"
)

// engine bundles the wired components for one process.
type engine struct {
	settings    *config.Settings
	prefs       *prefs.Store
	secure      *securestore.Store
	resolver    *entitlement.Resolver
	scheduler   *poller.Scheduler
	coordinator *purchase.Coordinator
	history     *history.Store
	watcher     *platform.LedgerWatcher
}

// accessToken returns the current session token, empty when signed out.
// The host app maintains the session; the engine only reads it.
func accessToken() string {
	return os.Getenv("CULINA_ACCESS_TOKEN")
}

// currentUserID returns the signed-in account id, empty when signed out.
func currentUserID() string {
	return os.Getenv("CULINA_USER_ID")
}

// buildEngine wires all components from the settings. With longRunning set
// it also creates the ledger watcher.
func buildEngine(settings *config.Settings, longRunning bool) (*engine, error) {
	cryptoMgr, err := crypto.NewManager(settings.DataDir)
	if err != nil {
		return nil, err
	}
	secure, err := securestore.New(settings.DataDir, cryptoMgr)
	if err != nil {
		return nil, err
	}
	prefStore := prefs.New(filepath.Join(settings.DataDir, "prefs.json"))

	// One-time move of plaintext facts into the encrypted store. Harmless
	// when already done or when nothing legacy exists.
	if _, err := migration.MigrateIfNeeded(prefStore, secure, currentUserID()); err != nil {
		log.Warn().Err(err).Msg("Legacy fact migration failed, continuing")
	}

	reader := platform.NewReader(settings.LedgerPath, settings.ProductID)
	backendClient := backend.NewClient(settings.BackendURL)

	var legacy entitlement.LegacySource
	if settings.LegacyAPIURL != "" {
		legacy = backend.NewLegacyClient(settings.LegacyAPIURL, settings.LegacyAPIKey, currentUserID)
	}

	historyStore, err := history.NewStore(settings.DataDir, settings.HistoryRetention())
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	resolver := entitlement.NewResolver(entitlement.ResolverConfig{
		Environment: entitlement.Environment(settings.Environment),
		Platform:    reader,
		Backend:     backendClient,
		Legacy:      legacy,
		Store:       secure,
		Observers:   []entitlement.Observer{historyStore, recorder},
	})
	resolver.Extension().OnExtend = recorder.ExtensionApplied

	resolveNow := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		resolver.Resolve(ctx, currentUserID() != "", accessToken())
	}

	scheduler := poller.New(resolveNow,
		func() bool { return accessToken() != "" },
		poller.WithIntervals(settings.PollInterval, settings.AggressiveInterval, settings.AggressiveWindow))

	bridge := platform.NewBridge(settings.BridgeURL)
	coordinator := purchase.NewCoordinator(purchase.Config{
		ProductID:  settings.ProductID,
		Plan:       settings.Plan,
		PriceCents: settings.PriceCents,
		Currency:   settings.Currency,
	}, bridge, backendClient, resolver, scheduler, accessToken)

	eng := &engine{
		settings:    settings,
		prefs:       prefStore,
		secure:      secure,
		resolver:    resolver,
		scheduler:   scheduler,
		coordinator: coordinator,
		history:     historyStore,
	}

	if longRunning {
		// Re-resolve whenever the platform rewrites the ledger so renewals
		// and revocations are picked up ahead of the next poll.
		watcher, err := platform.NewLedgerWatcher(settings.LedgerPath, resolveNow)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create ledger watcher")
		} else {
			eng.watcher = watcher
		}
	}

	return eng, nil
}

// serveMetrics exposes the Prometheus endpoint on the configured address
// until ctx is cancelled. An empty address disables it.
func (e *engine) serveMetrics(ctx context.Context) {
	addr := e.settings.MetricsAddr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Metrics server stopped unexpectedly")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
			}
		}
	}()
}

func (e *engine) close() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history store")
		}
	}
}
