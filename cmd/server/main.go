/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty HTTP API and the tier refresh
  scheduler. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Open the configured store (memory, sqlite or postgres)
  3. Connect the Redis experience cache, if configured
  4. Build the engine, handler and router
  5. Start the tier refresh scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config      Optional config file (YAML/JSON/TOML)
  -port        HTTP server port, overrides http.port
  -issue-token Print a signed token for the given subject and exit
  -role        Role claim for -issue-token ("service" for internal callers)
  -ttl         Lifetime of the token printed by -issue-token

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the scheduler, waiting for an in-flight pass
  4. Close Redis and the database
  5. Exit

ENVIRONMENT:
  Every setting can be overridden with LOYALTY_* variables, see config/.

EXAMPLES:
  # Local run on a SQLite file
  LOYALTY_AUTH_JWT_SECRET=dev ./server

  # Token for the order service
  LOYALTY_AUTH_JWT_SECRET=dev ./server -issue-token=order-service -role=service

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - store/open.go: Store selection
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loyalty-ledger/api"
	"github.com/warp/loyalty-ledger/cache"
	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/loyalty"
	"github.com/warp/loyalty-ledger/store"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	issueFor := flag.String("issue-token", "", "print a token for this subject and exit")
	role := flag.String("role", "", "role claim for -issue-token")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if cfg.Auth.JWTSecret == "" {
		logger.Error("auth.jwt_secret is required (LOYALTY_AUTH_JWT_SECRET)")
		os.Exit(1)
	}
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret)

	if *issueFor != "" {
		token, err := auth.Issue(*issueFor, *role, *ttl)
		if err != nil {
			logger.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, auth, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, auth *api.Authenticator, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	program, err := cfg.LoyaltyProgram()
	if err != nil {
		return err
	}
	opts := []loyalty.Option{loyalty.WithProgram(program), loyalty.WithLogger(logger)}

	checks := map[string]api.Pinger{}
	if st.Ping != nil {
		checks["store"] = pingFunc(st.Ping)
	}

	// Optional experience cache
	if cfg.Redis.Enabled() {
		c := cache.Connect(cfg.Redis)
		defer c.Close()

		if err := c.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, experience cache will miss until it recovers", "error", err)
		}
		opts = append(opts, loyalty.WithCache(c))
		checks["redis"] = c
	}

	engine := loyalty.NewEngine(st, opts...)

	// Tier refresh
	scheduler := api.NewTierRefreshScheduler(engine, logger)
	scheduler.CheckInterval = cfg.Scheduler.TierRefreshInterval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(engine, logger, checks)
	router := api.NewRouter(handler, auth, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
