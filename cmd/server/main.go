/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the refund reconciliation server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load the optional YAML config
  2. Initialize SQLite store (also serves as the local ledger)
  3. Create the reconciliation engine
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to YAML configuration (optional; defaults apply without it)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/refund.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run from a config file, overriding the port
  ./server -config=config.yaml -port=3000

SEE ALSO:
  - config/config.go: File format and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/refund-engine/api"
	"github.com/warp/refund-engine/config"
	"github.com/warp/refund-engine/pubsub"
	"github.com/warp/refund-engine/reconcile"
	"github.com/warp/refund-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "path to YAML configuration")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Initialize store; it doubles as the local accounting ledger.
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	engine := reconcile.NewEngine(store, store, &pubsub.Log{}, reconcile.Policy{
		DevolutionWindowDays: cfg.Policy.DevolutionWindowDays,
		MaxDevolutions:       cfg.Policy.MaxDevolutions,
	})

	handler := api.NewHandler(engine, store, store)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Server.Port)
		log.Printf("API available at http://localhost:%d/api", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
