package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardiorisk/cardiorisk/internal/config"
	"github.com/cardiorisk/cardiorisk/internal/domain/analytics"
	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
	"github.com/cardiorisk/cardiorisk/internal/domain/prediction"
	"github.com/cardiorisk/cardiorisk/internal/domain/profile"
	"github.com/cardiorisk/cardiorisk/internal/platform/auth"
	"github.com/cardiorisk/cardiorisk/internal/platform/blobstore"
	"github.com/cardiorisk/cardiorisk/internal/platform/db"
	"github.com/cardiorisk/cardiorisk/internal/platform/events"
	"github.com/cardiorisk/cardiorisk/internal/platform/middleware"
	"github.com/cardiorisk/cardiorisk/internal/platform/sequence"
	"github.com/cardiorisk/cardiorisk/internal/platform/telemetry"
	"github.com/cardiorisk/cardiorisk/internal/platform/websocket"
	"github.com/cardiorisk/cardiorisk/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardiorisk-server",
		Short: "Cardiovascular risk assessment API server",
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
		Short: "Start the API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.Modified {
							status = "modified"
						}
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to run migrations")
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return fn(ctx, db.NewMigrator(pool, fsys))
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise dependencies")
	}
	defer cleanup()

	e, err := newServer(cfg, logger, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// deps holds the storage and integration backends the HTTP layer runs on.
type deps struct {
	pool      *pgxpool.Pool
	tx        db.Transactor
	patients  patient.PatientRepository
	records   patient.RecordRepository
	counters  sequence.Store
	profiles  profile.Repository
	publisher events.Publisher
	exports   blobstore.Store
	scorer    prediction.Scorer
}

// memoryDeps runs everything in process. Counter increments are not rolled
// back with a failed save because NoopTransactor has no rollback.
func memoryDeps(cfg *config.Config) *deps {
	store := patient.NewMemoryStore()
	return &deps{
		tx:        db.NoopTransactor{},
		patients:  store.Patients(),
		records:   store.Records(),
		counters:  sequence.NewMemoryStore(),
		profiles:  profile.NewMemoryRepo(),
		publisher: events.Noop{},
		exports:   blobstore.NewMemoryStore(),
		scorer:    prediction.NewClient(cfg.ScoringURL, cfg.ScoringTimeout),
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, func(), error) {
	d := memoryDeps(cfg)
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		closers = append(closers, pool.Close)
		d.pool = pool
		d.tx = db.NewPoolTransactor(pool)
		d.patients = patient.NewPatientRepoPG(pool)
		d.records = patient.NewRecordRepoPG(pool)
		d.counters = sequence.NewPGStore(pool)
		d.profiles = profile.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory storage")
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing kafka writer")
			}
		})
		d.publisher = pub
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}

	if cfg.ExportBucket != "" {
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		d.exports = blobstore.NewS3Store(client, cfg.ExportBucket)
		logger.Info().Str("bucket", cfg.ExportBucket).Msg("storing exports in s3")
	}

	return d, cleanup, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.Skipper,
	}
	hasVerifier := cfg.AuthSigningKey != "" || cfg.AuthJWKSURL != "" || cfg.AuthIssuer != ""

	if cfg.IsDev() {
		var verify echo.MiddlewareFunc
		if hasVerifier {
			mw, err := auth.JWTMiddleware(jwtCfg)
			if err != nil {
				return nil, err
			}
			verify = mw
		}
		return auth.DevAuthMiddleware(verify), nil
	}
	return auth.JWTMiddleware(jwtCfg)
}

func newServer(cfg *config.Config, logger zerolog.Logger, d *deps) (*echo.Echo, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	tp := telemetry.NewProvider(telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	hub := websocket.NewHub()
	publisher := events.Observed{
		Publisher: events.Fanout{d.publisher, hub},
		Observe: func(typ string, err error) {
			if err != nil {
				tp.Inc("events_failed_total", typ)
				return
			}
			tp.Inc("events_published_total", typ)
		},
	}
	if d.pool != nil {
		pool := d.pool
		tp.RegisterGauge("db_pool_acquired_connections", "Connections currently in use.",
			func() int64 { return int64(pool.Stat().AcquiredConns()) })
		tp.RegisterGauge("db_pool_idle_connections", "Idle pool connections.",
			func() int64 { return int64(pool.Stat().IdleConns()) })
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(authMW)
	e.Use(middleware.Audit(logger, nil))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool))
	e.GET("/metrics", tp.Handler())

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	ids := sequence.NewAllocator(d.counters, sequence.Config{
		MaxAttempts: cfg.AllocatorMaxAttempts,
		BaseBackoff: cfg.AllocatorBaseBackoff,
		MaxBackoff:  cfg.AllocatorMaxBackoff,
	})
	patientSvc := patient.NewService(d.tx, d.patients, d.records, ids, publisher)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)

	analyticsSvc := analytics.NewService(patientSvc, d.exports, publisher, cfg.ExportPrefix, loc)
	analytics.NewHandler(analyticsSvc).RegisterRoutes(apiV1)

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)
	prediction.NewHandler(d.scorer).RegisterRoutes(apiV1)
	profile.NewHandler(profile.NewService(d.profiles)).RegisterRoutes(apiV1)

	return e, nil
}
