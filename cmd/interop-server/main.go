package main

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/interop/internal/config"
	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/conflict"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/domain/mapping"
	"github.com/ehr/interop/internal/domain/patient"
	"github.com/ehr/interop/internal/domain/sync"
	"github.com/ehr/interop/internal/domain/translate"
	"github.com/ehr/interop/internal/domain/vault"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/db"
	"github.com/ehr/interop/internal/platform/fhirclient"
	"github.com/ehr/interop/internal/platform/lock"
	"github.com/ehr/interop/internal/platform/middleware"
	"github.com/ehr/interop/internal/platform/secrets"
	"github.com/ehr/interop/internal/platform/smart"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "interop-server",
		Short: "EHR Interoperability Sync Server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the interoperability API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drive sync passes from the command line",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass for a connection and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			connFlag, _ := cmd.Flags().GetString("connection")
			syncType, _ := cmd.Flags().GetString("type")
			direction, _ := cmd.Flags().GetString("direction")
			tenant, _ := cmd.Flags().GetString("tenant")

			connectionID, err := uuid.Parse(connFlag)
			if err != nil {
				return fmt.Errorf("invalid --connection id: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			if lvl, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
				logger = logger.Level(lvl)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svcs, err := buildServices(cfg, pool, logger)
			if err != nil {
				return err
			}

			tctx, release, err := db.WithTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			slog, err := svcs.engine.RunPass(tctx, connectionID, syncType, direction, "cli")
			if err != nil {
				return err
			}

			fmt.Printf("Sync pass %s finished: %s\n", slog.ID, slog.Status)
			fmt.Printf("  processed=%d succeeded=%d failed=%d conflicts=%d\n",
				slog.Processed, slog.Succeeded, slog.Failed, slog.Conflicts)
			if slog.Summary != "" {
				fmt.Printf("  %s\n", slog.Summary)
			}
			for _, e := range slog.Errors {
				fmt.Printf("  error: %s/%s: %s\n", e.ResourceType, e.ExternalID, e.Message)
			}
			if slog.Status == sync.LogFailed {
				return fmt.Errorf("sync pass %s failed", slog.ID)
			}
			return nil
		},
	}
	runCmd.Flags().String("connection", "", "Connection ID to sync (required)")
	runCmd.Flags().String("type", sync.TypeManual, "Sync type: full, incremental or manual")
	runCmd.Flags().String("direction", "", "Override direction: pull, push or bidirectional")
	runCmd.Flags().String("tenant", "", "Tenant to run against (defaults to DEFAULT_TENANT)")
	_ = runCmd.MarkFlagRequired("connection")
	cmd.AddCommand(runCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a tenant schema and run its migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
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

			fmt.Printf("Creating tenant schema: tenant_%s\n", id)
			if err := db.CreateTenantSchema(ctx, pool, id, dir); err != nil {
				return err
			}
			fmt.Println("Tenant created and migrated successfully.")
			return nil
		},
	}
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(createCmd)
	return cmd
}

// services is the wired object graph shared by the server and the CLI
// sync runner.
type services struct {
	audit       *audit.Service
	connections *connection.Service
	patients    *patient.Service
	clinical    *clinical.Service
	mappings    *mapping.Service
	vault       *vault.Service
	conflicts   *conflict.Service
	syncs       *sync.Service
	engine      *sync.Engine
}

func buildServices(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*services, error) {
	httpTimeout := time.Duration(cfg.SyncHTTPTimeoutSeconds) * time.Second

	enc, err := resolveEncryptor(cfg.TokenEncryptionKey, logger)
	if err != nil {
		return nil, err
	}

	auditSvc := audit.NewService(audit.NewRepo(pool), logger)
	vaultSvc := vault.NewService(vault.NewRepo(pool), enc, smart.NewTokenClient(httpTimeout), auditSvc, logger)
	connSvc := connection.NewService(connection.NewRepo(pool), connection.DefaultProber(httpTimeout, probeTokens(vaultSvc), logger), auditSvc)
	patientSvc := patient.NewService(patient.NewRepo(pool))
	clinicalSvc := clinical.NewService(clinical.NewRepo(pool), translate.New())

	// One authenticated FHIR client per connection, shared by search,
	// conflict resolution and the sync engine.
	remoteFor := func(conn *connection.Connection) *fhirclient.Client {
		return fhirclient.New(fhirclient.Options{
			BaseURL:     conn.BaseURL,
			Timeout:     httpTimeout,
			MaxAttempts: cfg.SyncMaxAttempts,
			PageSize:    cfg.SyncPageSize,
		}, vaultSvc.TokenSource(conn), logger)
	}

	mappingSvc := mapping.NewService(
		mapping.NewRepo(pool),
		patientSvc,
		connSvc,
		func(conn *connection.Connection) mapping.Searcher { return remoteFor(conn) },
		auditSvc,
		logger,
	)

	logRepo := sync.NewLogRepo(pool)
	resourceRepo := sync.NewResourceRepo(pool)
	baselines := sync.NewBaselineRecorder(resourceRepo)

	conflictSvc := conflict.NewService(
		conflict.NewRepo(pool),
		clinicalSvc,
		patientSvc,
		connSvc,
		func(conn *connection.Connection) conflict.RemoteWriter { return remoteFor(conn) },
		baselines,
		mappingSvc,
		auditSvc,
		logger,
	)

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", perr)
		}
		locker = lock.NewRedisLocker(redis.NewClient(opts), "interop:")
		logger.Info().Msg("sync locks backed by redis")
	}

	engine := sync.NewEngine(sync.Deps{
		Logs:        logRepo,
		Resources:   resourceRepo,
		Connections: connSvc,
		Vault:       vaultSvc,
		Remote:      func(conn *connection.Connection) sync.Remote { return remoteFor(conn) },
		Mappings:    mappingSvc,
		Patients:    patientSvc,
		Clinical:    clinicalSvc,
		Conflicts:   conflictSvc,
		Locker:      locker,
		Audit:       auditSvc,
		Pool:        pool,
		LockTTL:     time.Duration(cfg.SyncLockTTLSeconds) * time.Second,
	}, logger)

	// Deactivating a connection winds its in-flight pass down through
	// the engine's cancel registry.
	connSvc.SetPassCanceller(engine)

	return &services{
		audit:       auditSvc,
		connections: connSvc,
		patients:    patientSvc,
		clinical:    clinicalSvc,
		mappings:    mappingSvc,
		vault:       vaultSvc,
		conflicts:   conflictSvc,
		syncs:       sync.NewService(logRepo, resourceRepo),
		engine:      engine,
	}, nil
}

// probeTokens adapts the vault to the connection prober, tagging the
// unseeded case so a test reports the gap instead of marking the
// connection unhealthy.
func probeTokens(v *vault.Service) connection.TokenSourceFactory {
	return func(conn *connection.Connection) fhirclient.TokenSource {
		src := v.TokenSource(conn)
		return func(ctx context.Context) (string, error) {
			token, err := src(ctx)
			if errors.Is(err, vault.ErrNoCredentials) {
				return "", fmt.Errorf("%w: %v", connection.ErrCredentialsMissing, err)
			}
			return token, err
		}
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
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if lvl, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		logger = logger.Level(lvl)
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svcs, err := buildServices(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Auth middleware
	if cfg.AuthEnabled {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.JWTSecret != "" {
			jwtCfg.SigningKey = []byte(cfg.JWTSecret)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	} else {
		e.Use(auth.DevAuthMiddleware())
	}

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	if cfg.RateLimitEnabled {
		rateLimitCfg := middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitPerSecond,
			BurstSize:         cfg.RateLimitBurst,
		}
		if rateLimitCfg.RequestsPerSecond <= 0 {
			rateLimitCfg = middleware.DefaultRateLimitConfig()
		}
		apiV1.Use(middleware.RateLimit(rateLimitCfg))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Domain handlers
	connection.NewHandler(svcs.connections).RegisterRoutes(apiV1)
	patient.NewHandler(svcs.patients).RegisterRoutes(apiV1)
	clinical.NewHandler(svcs.clinical).RegisterRoutes(apiV1)
	mapping.NewHandler(svcs.mappings).RegisterRoutes(apiV1)
	vault.NewHandler(svcs.vault, svcs.connections).RegisterRoutes(apiV1)
	conflict.NewHandler(svcs.conflicts).RegisterRoutes(apiV1)
	sync.NewHandler(svcs.syncs, svcs.engine).RegisterRoutes(apiV1)
	sync.NewStatusHandler(svcs.syncs, svcs.connections, svcs.conflicts).RegisterRoutes(apiV1)
	audit.NewHandler(svcs.audit).RegisterRoutes(apiV1)

	// Background scheduler
	sched := sync.NewScheduler(svcs.engine, pool, sync.SchedulerConfig{
		Tenants: cfg.Tenants,
		Tick:    time.Duration(cfg.SyncTickSeconds) * time.Second,
		Workers: cfg.SyncWorkers,
	}, logger)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	schedCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	<-schedDone
	logger.Info().Msg("server stopped")
	return nil
}

// resolveEncryptor builds the credential encryptor from
// TOKEN_ENCRYPTION_KEY, or generates a random key for development runs.
// Credentials written under a random key cannot be decrypted after a
// restart.
func resolveEncryptor(hexKey string, logger zerolog.Logger) (*secrets.Encryptor, error) {
	if hexKey != "" {
		return secrets.NewEncryptorFromHex(hexKey)
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ephemeral encryption key: %w", err)
	}
	logger.Warn().Msg("TOKEN_ENCRYPTION_KEY not set; using random key (stored credentials will not survive restart)")
	return secrets.NewEncryptor(key)
}
