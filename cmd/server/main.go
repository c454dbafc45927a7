/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the batch ledger HTTP server: the local ledger,
  the relational mirror, the integrity sweep and the REST API.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), then config.yaml and the environment
  2. Build the zap logger
  3. Open the SQLite store and subscribe the mirror to ledger events
  4. Create engine, API handler and integrity sweeper
  5. Configure HTTP router
  6. Start server with graceful shutdown

CONFIGURATION:
  See config/config.go. Every key can be set from the environment with
  dots replaced by underscores, e.g.:
    SERVER_PORT=3000
    DATABASE_PATH=":memory:"
    LOG_FORMAT=console
    INTEGRITY_SWEEP_INTERVAL=15m

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the integrity sweep
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
  - cmd/chaincode/main.go: The same engine packaged for a Fabric peer
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/plancana/batch-ledger/api"
	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/config"
	"github.com/plancana/batch-ledger/logger"
	"github.com/plancana/batch-ledger/store/sqlite"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to read .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path,
		sqlite.WithIdentity(cfg.Ledger.Identity),
		sqlite.WithLogger(zl.Named("store")),
	)
	if err != nil {
		zl.Fatal("failed to initialize database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer store.Close()
	store.OnEvent(store.HandleEvent)

	engine := batch.NewEngine(zl.Named("engine"))

	// Initialize handler
	handler := api.NewHandler(store, engine, zl.Named("api"))
	handler.MaxRetries = cfg.Ledger.MaxRetries

	sweeper, err := api.NewIntegritySweeper(store, engine, zl.Named("integrity"), cfg.Integrity.PoolSize)
	if err != nil {
		zl.Fatal("failed to create integrity sweeper", zap.Error(err))
	}
	sweeper.CheckInterval = cfg.Integrity.SweepInterval
	sweeper.Enabled = cfg.Integrity.SweepEnabled
	sweeper.Start()
	handler.Sweeper = sweeper

	// Create router
	router := api.NewRouter(handler, cfg.Server.CORSOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zl.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Path),
			zap.String("identity", cfg.Ledger.Identity),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down server")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
		return
	}

	zl.Info("server stopped")
}
