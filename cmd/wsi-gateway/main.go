package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhnaumann/pathology-image-server/internal/config"
	"github.com/fhnaumann/pathology-image-server/internal/domain/upload"
	"github.com/fhnaumann/pathology-image-server/internal/platform/auth"
	"github.com/fhnaumann/pathology-image-server/internal/platform/db"
	"github.com/fhnaumann/pathology-image-server/internal/platform/middleware"
	"github.com/fhnaumann/pathology-image-server/internal/platform/proxy"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsi-gateway",
		Short: "Ingestion gateway for whole-slide imaging uploads",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run ledger database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
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
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Ledger database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ledger database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to ledger database")

	// Shared volume for archives
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		logger.Fatal().Err(err).Str("root", cfg.StorageRoot).Msg("failed to create storage root")
	}

	// Broker publisher; connects lazily on first publish
	publisher := upload.NewAMQPPublisher(cfg.BrokerURL, cfg.BrokerQueue)
	defer publisher.Close()

	// Upload pipeline
	ledger := upload.NewLedgerPG(pool)
	store := upload.NewDiskStore(cfg.StorageRoot)
	svc := upload.NewService(ledger, store, publisher, logger, cfg.UploadWorkers, cfg.UploadQueueDepth)

	roles := auth.RoleConfig{
		Create:          cfg.RoleCreate,
		Admin:           cfg.RoleAdmin,
		ConverterUpload: cfg.RoleConverterUpload,
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(auth.TokenMiddleware(auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	// FHIR routes: the gateway owns DocumentReference ingestion; everything
	// else is forwarded to the generic FHIR server under the caller's rule
	// set.
	fhirGroup := e.Group("/fhir")

	uploadHandler := upload.NewHandler(svc)
	uploadHandler.RegisterRoutes(fhirGroup, roles)

	if cfg.FHIRUpstreamURL != "" {
		upstream, err := url.Parse(cfg.FHIRUpstreamURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid FHIR_UPSTREAM_URL")
		}
		fhirGroup.Use(auth.Authorize(roles), proxy.Middleware(upstream))
		logger.Info().Str("upstream", upstream.String()).Msg("proxying FHIR traffic")
	}

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown: stop intake first, then drain the worker pool so
	// accepted uploads still reach the broker or the ledger's error column.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	svc.Stop()

	return nil
}
