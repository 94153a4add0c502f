package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/curral-sync/internal/apiclient"
	"github.com/Guizzs26/curral-sync/internal/cache"
	"github.com/Guizzs26/curral-sync/internal/config"
	"github.com/Guizzs26/curral-sync/internal/connectivity"
	"github.com/Guizzs26/curral-sync/internal/db"
	"github.com/Guizzs26/curral-sync/internal/httpapi"
	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/internal/notify"
	"github.com/Guizzs26/curral-sync/internal/service"
	"github.com/Guizzs26/curral-sync/pkg/infra"

	"github.com/google/uuid"
)

// localStore is everything the agent needs from either backend
type localStore interface {
	service.Store
	httpapi.Store
	service.FailureRepository
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)
	SetEvictor(e db.Evictor)
	Close() error
}

// signalSource is a connectivity signal the agent may have to close
type signalSource interface {
	connectivity.Signal
	Close() error
}

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		slog.Warn("DEVICE_ID not set, using a random id for this run", "device_id", cfg.DeviceID)
	}

	store, cacheDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("Fatal error opening local store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if cacheDB != nil {
		defer cacheDB.Close()
	}

	responses, err := cache.NewResponseStore(ctx, cacheOrStoreDB(store, cacheDB), logger)
	if err != nil {
		slog.Error("Fatal error preparing response cache", "error", err)
		os.Exit(1)
	}
	store.SetEvictor(responses)
	if n, err := responses.EvictStale(ctx); err != nil {
		slog.Warn("Stale cache cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("Removed entries from previous cache versions", "count", n)
	}

	client, err := apiclient.New(cfg.APIBaseURL, cfg.APITimeout, logger)
	if err != nil {
		slog.Error("Fatal error creating API client", "error", err)
		os.Exit(1)
	}

	hub := notify.NewHub(logger)
	hub.Start()
	defer hub.Dispose()

	publisher := &brokerSink{}
	notifier := notify.Multi{notify.NewLogNotifier(logger), hub, publisher}

	sig, setter, err := openSignal(cfg, logger)
	if err != nil {
		slog.Error("Fatal error opening connectivity signal", "source", cfg.ConnectivitySource, "error", err)
		os.Exit(1)
	}
	defer sig.Close()

	monitor := connectivity.NewMonitor(sig, notifier, logger)
	engine := service.NewSyncEngine(store, client, monitor, notifier, logger, service.SyncOptions{Interval: cfg.SyncInterval})
	feedback := service.NewFeedbackService(store, logger)

	bg := cache.NewBackgroundSync(cache.StaticCapabilities{BackgroundSync: cfg.BackgroundSync}, logger)
	drainer := service.NewBackgroundDrainer(store, client, logger)
	monitor.Attach(engine, bg)

	engine.Start(ctx)
	defer engine.Dispose()

	if n, err := store.CountPending(ctx); err == nil && n > 0 {
		if err := bg.Register(cache.TagSyncOfflineData, drainer.Drain); err != nil && !errors.Is(err, cache.ErrUnsupported) {
			slog.Warn("Background sync registration failed", "error", err)
		}
	}

	proxy, err := cache.NewProxy(cfg.UpstreamURL, responses, cache.Options{
		Policy:      cache.APIPolicy{DetailCap: cfg.CacheDetailCap, BasicCap: cfg.CacheBasicCap},
		OfflinePage: cfg.OfflinePage,
		Cookies:     client,
	}, logger)
	if err != nil {
		slog.Error("Fatal error creating cache proxy", "error", err)
		os.Exit(1)
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	if monitor.Online() && len(cfg.PrecachePaths) > 0 {
		go func() {
			n := proxy.Precache(ctx, cfg.PrecachePaths)
			slog.Info("Screen shell precached", "stored", n, "requested", len(cfg.PrecachePaths))
		}()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Engine:         engine,
		Store:          store,
		Feedback:       feedback,
		Registry:       models.DefaultRegistry,
		State:          monitor,
		Connectivity:   setter,
		Hub:            hub,
		Proxy:          proxy,
		Background:     bg,
		BackgroundTask: drainer.Drain,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Local agent listening", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failure", "error", err)
			stop()
		}
	}()

	janitorDone := make(chan struct{})
	go runMaintenance(ctx, store, cfg.SyncedRetention, time.Hour, janitorDone)

	brokerDone := make(chan struct{})
	if cfg.RabbitMQURL != "" {
		go runBrokerLoop(ctx, cfg, publisher, engine, feedback, brokerDone)
	} else {
		slog.Info("RABBITMQ_URL empty, remote notifications and commands disabled")
		close(brokerDone)
	}

	slog.Info("🚀 Curral sync agent started", "pid", os.Getpid(), "device_id", cfg.DeviceID, "online", monitor.Online())

	<-ctx.Done()
	slog.Info("👋 Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	<-monitorDone
	<-janitorDone
	<-brokerDone
	bg.Wait()
	slog.Info("✅ Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (localStore, *sql.DB, error) {
	opts := db.Options{
		Registry:     models.DefaultRegistry,
		RetryCeiling: cfg.RetryCeiling,
		MaxPageCount: cfg.StoreMaxPage,
	}

	switch cfg.StoreDriver {
	case "", "sqlite":
		s, err := db.OpenSQLite(ctx, cfg.StorePath, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "postgres", "postgresql":
		s, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		// the response cache stays on the device even when records live in postgres
		cacheDB, err := sql.Open("sqlite", "file:"+cfg.StorePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("erro ao abrir cache local: %w", err)
		}
		cacheDB.SetMaxOpenConns(1)
		return s, cacheDB, nil
	default:
		return nil, nil, fmt.Errorf("STORE_DRIVER desconhecido: %q", cfg.StoreDriver)
	}
}

func cacheOrStoreDB(store localStore, cacheDB *sql.DB) *sql.DB {
	if cacheDB != nil {
		return cacheDB
	}
	return store.(*db.SQLiteStore).DB()
}

type manualSignal struct {
	*connectivity.ManualSignal
}

func (manualSignal) Close() error { return nil }

// openSignal returns the signal plus, for the manual source, the setter exposed on the local API
func openSignal(cfg *config.Config, logger *slog.Logger) (signalSource, httpapi.ConnectivitySetter, error) {
	switch cfg.ConnectivitySource {
	case "file":
		s, err := connectivity.NewFileSignal(cfg.ConnectivityFile, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "", "manual":
		m := connectivity.NewManualSignal(true)
		return manualSignal{m}, m, nil
	default:
		return nil, nil, fmt.Errorf("CONNECTIVITY_SOURCE desconhecido: %q", cfg.ConnectivitySource)
	}
}
