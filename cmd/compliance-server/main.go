package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/compliance/internal/compliance"
	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/domain/record"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/concurrency"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/middleware"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "compliance-server",
		Short:        "Access control, versioning and audit for client records",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(classifyCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the compliance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2}, newLogger(cfg))
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				to, _ := cmd.Flags().GetInt("to")
				count, err := m.UpTo(ctx, to)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	_ = w.Flush()
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <record-type> [field...]",
		Short: "Print the classification tier of record fields",
		Long: "Print the tier of each named field of a record type using the built-in\n" +
			"classification plus CLASSIFICATION_FILE. With no fields, every registered\n" +
			"field of the type is listed. Unregistered fields report INTERNAL.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = os.Getenv("CLASSIFICATION_FILE")
			}
			registry, err := loadRegistry(file)
			if err != nil {
				return err
			}

			recordType := args[0]
			var fields []hipaa.ClassifiedField
			if len(args) > 1 {
				fields = registry.Classify(recordType, args[1:])
			} else {
				fields = registry.Fields(recordType)
				if len(fields) == 0 {
					return fmt.Errorf("record type %q has no registered fields", recordType)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FIELD\tTIER")
			for _, f := range fields {
				fmt.Fprintf(w, "%s\t%s\n", f.Field, f.Tier)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("file", "", "Extra classification file (default CLASSIFICATION_FILE)")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "compliance").Logger()
}

// loadRegistry builds the classification registry from the defaults plus an
// optional file. Conflicting registrations fail startup.
func loadRegistry(file string) (*hipaa.Registry, error) {
	b := hipaa.NewDefaultRegistryBuilder()
	if file != "" {
		extra, err := hipaa.LoadClassificationFile(file)
		if err != nil {
			return nil, err
		}
		if err := b.RegisterAll(extra); err != nil {
			return nil, fmt.Errorf("classification file %s: %w", file, err)
		}
	}
	return b.Build(), nil
}

// backends holds the stores selected by configuration and the connections
// they need. The audit store is owned by the compliance service, which
// closes it on shutdown; close releases everything else.
type backends struct {
	version concurrency.Store
	audit   hipaa.AuditStore
	rel     compliance.RelationshipResolver
	pool    *pgxpool.Pool
	pingers map[string]db.Pinger
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *backends, err error) {
	b := &backends{pingers: make(map[string]db.Pinger)}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	if cfg.UsesPostgres() {
		b.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, b.pool.Close)
		b.pingers["postgres"] = b.pool
		b.rel = record.NewPostgresRelationships(b.pool)
	} else {
		b.rel = compliance.NewMemoryRelationships()
	}

	switch cfg.VersionStore {
	case config.StorePostgres:
		b.version = record.NewPostgresStore(b.pool)
	case config.StoreRedis:
		client, err := concurrency.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.pingers["redis"] = db.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		b.version = concurrency.NewRedisStore(client, logger)
	default:
		b.version = concurrency.NewMemoryStore()
	}

	switch cfg.AuditStore {
	case config.StorePostgres:
		b.audit = hipaa.NewPostgresStore(b.pool)
	case config.StoreSQLite:
		store, err := hipaa.OpenSQLiteStore(cfg.AuditSQLitePath)
		if err != nil {
			return nil, err
		}
		b.audit = store
		b.pingers["audit_sqlite"] = store
	default:
		b.audit = hipaa.NewMemoryStore()
	}

	logger.Info().
		Str("version_store", cfg.VersionStore).
		Str("audit_store", cfg.AuditStore).
		Msg("storage backends ready")
	return b, nil
}

func newService(ctx context.Context, cfg *config.Config, registry *hipaa.Registry, policy *auth.Policy, b *backends, reg prometheus.Registerer, logger zerolog.Logger) (*compliance.Service, error) {
	auditMetrics := hipaa.NewAuditMetrics(reg)
	var forwarder hipaa.Forwarder
	if len(cfg.KafkaBrokers) > 0 {
		kf, err := hipaa.NewKafkaForwarder(cfg.KafkaBrokers, cfg.AuditTopic, logger, auditMetrics)
		if err != nil {
			return nil, err
		}
		b.pingers["kafka"] = kf
		forwarder = kf
	}

	svc, err := compliance.New(ctx, compliance.Config{
		Registry:      registry,
		VersionStore:  b.version,
		AuditStore:    b.audit,
		Relationships: b.rel,
		Policy:        policy,
		Forwarder:     forwarder,
		AuditBuffer: hipaa.PipelineConfig{
			BufferSize:    cfg.AuditBufferSize,
			FlushInterval: cfg.AuditFlushInterval,
		},
		WriteTimeout: cfg.WriteTimeout,
		AuditTimeout: cfg.AuditTimeout,
		Registerer:   reg,
		AuditMetrics: auditMetrics,
		Logger:       logger,
	})
	if err != nil {
		if forwarder != nil {
			_ = forwarder.Close(ctx)
		}
		return nil, err
	}
	return svc, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newEcho(cfg *config.Config, svc *compliance.Service, policy *auth.Policy, b *backends, reg *prometheus.Registry, denylist *auth.Denylist, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
		Denylist: denylist,
	}
	if cfg.ResolvedAuthMode() == "hmac" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	var stats func() *db.PoolStats
	if b.pool != nil {
		stats = func() *db.PoolStats { return db.GetPoolStats(b.pool) }
	}
	e.GET("/health/db", db.HealthHandler(b.pingers, stats))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	record.NewHandler(svc).RegisterRoutes(apiV1)
	auth.NewDenylistHandler(denylist, logger).RegisterRoutes(apiV1, policy)
	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	registry, err := loadRegistry(cfg.ClassificationFile)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer b.close()

	reg := newRegistry()
	policy := auth.DefaultPolicy()
	svc, err := newService(ctx, cfg, registry, policy, b, reg, logger)
	if err != nil {
		return err
	}

	denylist := auth.NewDenylist()
	e := newEcho(cfg, svc, policy, b, reg, denylist, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Str("auth_mode", cfg.ResolvedAuthMode()).Str("version", version).Msg("starting compliance server")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		denylist.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		// Stop taking requests before the audit pipeline drains.
		httpErr := e.Shutdown(shutdownCtx)
		return errors.Join(httpErr, svc.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
