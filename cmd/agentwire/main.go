// Command agentwire runs the coordinator as an HTTP server.
//
// The server registers a single Claude-backed agent named "agent". Storage
// backend, NATS mirroring, and listen address come from configuration
// (agentwire.yaml or AGENTWIRE_* environment variables).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire"
	"github.com/agentwire/agentwire/agents/anthropic"
	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/httpapi"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/logger"
	"github.com/agentwire/agentwire/scope"
	"github.com/agentwire/agentwire/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	busOpts := []bus.Option{}
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to set up NATS mirror: %w", err)
		}
		defer mirror.Close()
		busOpts = append(busOpts, bus.WithMirror(mirror))
	}

	registry := agentwire.NewRegistry()
	client := anthropicsdk.NewClient()
	agent, err := anthropic.New(anthropic.Config{Client: &client})
	if err != nil {
		return err
	}
	registry.MustRegister("agent", agent)

	coordOpts := []agentwire.CoordinatorOption{
		agentwire.WithLogger(log),
		agentwire.WithBus(bus.New(busOpts...)),
	}
	if ttl := cfg.Run.LeaseTTL(); ttl > 0 {
		coordOpts = append(coordOpts, agentwire.WithLeaseTTL(ttl))
		if st, ok := store.(interface{ SetLeaseTTL(time.Duration) }); ok {
			st.SetLeaseTTL(ttl)
		}
	}
	coord := agentwire.NewCoordinator(store, registry, coordOpts...)

	log.Warn("Using the trust-hint scope resolver; do not expose this server without real authentication")
	handler := httpapi.NewRouter(coord, &httpapi.Config{
		Resolver: scope.TrustHint,
		Logger:   log,
	})

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     handler,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays zero so SSE streams are never cut off.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore builds the configured storage backend. The returned cleanup
// closes whatever the backend holds open.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("storage.database_url is required for the postgres backend")
		}
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		store, err := storage.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("Using postgres storage")
		return store, pool.Close, nil

	case "sqlite":
		store, err := storage.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using sqlite storage", zap.String("path", cfg.Storage.SQLitePath))
		return store, func() { _ = store.Close() }, nil

	case "memory":
		log.Info("Using in-memory storage")
		return storage.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
