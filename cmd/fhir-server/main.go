package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebase/carebase/internal/config"
	"github.com/carebase/carebase/internal/platform/db"
	"github.com/carebase/carebase/internal/platform/fhir"
	"github.com/carebase/carebase/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "Multi-tenant FHIR R4 API server",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	cluster, err := db.Connect(cfg.DatabaseURL, cfg.DatabaseUser, cfg.DatabasePass)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer cluster.Close(nil)
	logger.Info().Msg("connected to database")

	breaker := db.NewBreaker(time.Duration(cfg.CircuitResetTimeoutMs)*time.Millisecond, logger)
	gateway := db.NewGateway(cluster, breaker, logger)
	router := db.NewRouter()
	schema := fhir.DefaultSchema()
	cache := fhir.NewPageCache(gateway, logger)
	lifecycle := fhir.NewLifecycle(gateway, router, cfg.ConflictRetries, logger)
	engine := fhir.NewEngine(gateway, router, schema, cache, fhir.EngineConfig{
		PageSize:        cfg.PaginationPageSize,
		FTSLimit:        cfg.SearchFTSLimit,
		EverythingTypes: cfg.EverythingTypes,
	}, logger)
	handler := fhir.NewHandler(lifecycle, engine, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORS())
	e.Use(fhir.RequestLogger(logger))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutMs) * time.Millisecond))

	// Health endpoints
	e.GET("/health/liveness", db.LivenessHandler())
	e.GET("/health/readiness", db.ReadinessHandler(gateway, cfg.DefaultTenant))
	e.GET("/health", db.HealthHandler(gateway, cfg.DefaultTenant))
	e.POST("/health/circuit/reset", db.CircuitResetHandler(gateway))

	// FHIR routes, tenant-scoped
	fhirGroup := e.Group("/fhir/:tenant", db.TenantMiddleware())
	handler.Register(fhirGroup)

	// Serve
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	return nil
}
