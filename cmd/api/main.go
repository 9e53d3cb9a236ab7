package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/panelworks/backend/internal/auth"
	"github.com/panelworks/backend/internal/config"
	"github.com/panelworks/backend/internal/credits"
	"github.com/panelworks/backend/internal/dashboard"
	"github.com/panelworks/backend/internal/grants"
	"github.com/panelworks/backend/internal/ledger"
	"github.com/panelworks/backend/internal/repository"
	"github.com/panelworks/backend/internal/router"
)

func main() {
	configPath := kingpin.Flag("config", "Path to the application config file").Short('c').Default("config.yml").String()
	kingpin.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories and the credit engine
	accountRepo := repository.NewAccountRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	ledgerRepo := ledger.NewRepository(pool)
	creditsSvc := credits.NewService(pool, accountRepo, ledgerRepo, cfg.Credits.OperationTimeout)

	// Grant worker
	workers := river.NewWorkers()
	river.AddWorker(workers, grants.NewCreditGrantWorker(creditsSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Grants.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueueGrant := func(ctx context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) error {
		_, err := riverClient.Insert(ctx, grants.CreditGrantArgs{
			AccountID:   accountID,
			Amount:      amount,
			GrantKind:   kind,
			Description: description,
			Metadata:    metadata,
		}, nil)
		return err
	}

	// Auth and handlers
	authSvc := auth.NewService(accountRepo, creditsSvc, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Credits.SignupBonus, logger)
	authHandler := auth.NewHandler(authSvc, logger)
	creditsHandler := credits.NewHandler(creditsSvc, ledgerRepo, enqueueGrant, authSvc, logger)
	dashHandler := dashboard.NewHandler(authSvc, accountRepo, apiKeyRepo, logger)

	apiV1Router := router.New(authHandler, creditsHandler, dashHandler)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiV1Router)
	RegisterV1Routes(mux, apiKeyRepo, creditsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes grant jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
