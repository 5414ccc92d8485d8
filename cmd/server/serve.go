package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/admin"
	"docaudit-backend/internal/ai"
	"docaudit-backend/internal/auth"
	"docaudit-backend/internal/engine"
	"docaudit-backend/internal/instrument"
	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/storage"
	"docaudit-backend/internal/store"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Config and the auth primitives that must fail fast
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("config loaded", "environment", cfg.Environment, "port", cfg.Server.Port, "db_driver", cfg.Database.Driver)

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:    cfg.Auth.SecretKey,
		Algorithm: cfg.Auth.TokenAlgorithm,
		TTL:       cfg.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(cfg.Auth.PasswordHasher, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}

	guard := auth.NewAdminKeyGuard(cfg.Auth.AdminAPIKey, cfg.AdminRoutesOpen())
	switch {
	case guard.Open():
		slog.Warn("admin routes are open without an API key (debug mode)", "environment", cfg.Environment)
	case !guard.Configured():
		slog.Warn("auth.admin_api_key is not set; admin routes answer 503")
	}

	// 2. Database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	seed := store.AdminSeed{Username: cfg.Auth.BootstrapAdmin}
	if cfg.Auth.BootstrapAdminPass != "" {
		if seed.PasswordHash, err = hasher.Hash(cfg.Auth.BootstrapAdminPass); err != nil {
			return fmt.Errorf("hash bootstrap admin password: %w", err)
		}
	}
	if err := db.Bootstrap(ctx, seed); err != nil {
		return err
	}
	if err := store.NewMigrator(db).MigrateAll(ctx, metadata.Catalog()); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	slog.Info("database ready")

	sweeper := store.NewSweeper(db, 0)
	sweeper.Start()
	defer sweeper.Stop()

	// 3. Auth wiring
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	authMetrics := auth.NewMetrics(promReg)
	gate := auth.NewGate(issuer, guard, authMetrics)

	var states auth.StateStore = db
	if cfg.Auth.StateStore == "memory" {
		mem := auth.NewMemoryStateStore(0)
		mem.StartCleanup(ctx)
		defer mem.Stop()
		states = mem
	}

	limiter := auth.NewLoginLimiter(cfg.Auth.LoginRate, cfg.Auth.LoginBurst, 15*time.Minute)
	sessions := auth.NewHandler(db, issuer, hasher, limiter, authMetrics, cfg.Auth.RefreshTTL)
	var oauth *auth.OAuthHandler
	if cfg.OAuth.Enabled() {
		oauth = auth.NewOAuthHandler(cfg.OAuth, states, cfg.Auth.StateTTL, sessions)
	}

	// 4. Engine
	reg := metadata.NewCatalogRegistry()
	eval := engine.NewExprLangEvaluator()
	writer := engine.NewWriter(db, reg, eval)

	var summarizer engine.Summarizer
	if provider := ai.NewProvider(cfg.AI); provider != nil {
		summarizer = provider
		slog.Info("AI summaries enabled", "model", provider.Model())
	}
	analyzer := engine.NewAnalyzer(db, reg, writer, eval, summarizer, cfg.Analysis, promReg)
	analyzer.Start(ctx)
	defer analyzer.Stop()

	// 5. HTTP
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
		BodyLimit:    cfg.Server.BodyLimit,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.Debug}))
	app.Use(instrument.Trace())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:trace_id} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.NewMetrics(promReg).Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metricsAuth(gate), auth.RequirePermission(access.ViewMetrics),
		adaptor.HTTPHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	api := app.Group("/api")
	auth.RegisterRoutes(api, gate, sessions, oauth)
	admin.RegisterRoutes(api, gate, admin.NewHandler(db, db, reg, issuer, hasher))
	engine.RegisterRoutes(app.Group("/api", gate.Authenticate()), engine.Routes{
		Entities:  engine.NewHandler(db, reg, writer),
		Documents: engine.NewDocumentHandler(db, reg, writer, storage.NewLocalStorage(cfg.Storage.LocalPath), cfg.Storage.MaxFileSize),
		Analyzer:  analyzer,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("starting server", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// metricsAuth accepts either the admin key or a bearer token.
func metricsAuth(gate *auth.Gate) fiber.Handler {
	byKey, byToken := gate.RequireAdminKey(), gate.Authenticate()
	return func(c *fiber.Ctx) error {
		if c.Get(auth.AdminKeyHeader) != "" {
			return byKey(c)
		}
		return byToken(c)
	}
}
