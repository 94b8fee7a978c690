package main

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/opd/opd/internal/config"
	"github.com/opd/opd/internal/domain/admin"
	"github.com/opd/opd/internal/domain/identity"
	"github.com/opd/opd/internal/domain/scheduling"
	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/blobstore"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/events"
	"github.com/opd/opd/internal/platform/httputil"
	"github.com/opd/opd/internal/platform/middleware"
	"github.com/opd/opd/internal/platform/telemetry"
	"github.com/opd/opd/internal/platform/websocket"
	"github.com/opd/opd/migrations"
)

const (
	version         = "0.1.0"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opd-server",
		Short: "Outpatient appointment and check-in API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(sweepCmd())

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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
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
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator login",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}
			if password == "-" {
				password = os.Getenv("OPD_ADMIN_PASSWORD")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			sessions := auth.NewMemorySessionStore()
			defer sessions.Close()
			svc := identity.NewService(identity.NewUserRepo(pool), identity.NewPatientRepo(pool),
				identity.NewDoctorRepo(pool), db.NewTxRunner(pool), sessions,
				auth.NewTokenIssuer(cfg.JWTSecret), cfg.SessionTTL, newLogger(cfg))

			u, err := svc.CreateAdmin(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Printf("Created admin %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}
	createCmd.Flags().String("username", "", "Login name")
	createCmd.Flags().String("password", "", "Password, or - to read OPD_ADMIN_PASSWORD")

	cmd.AddCommand(createCmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-noshow",
		Short: "Mark booked appointments from past days as no-show and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg)
			sched := newSchedulingService(cfg, pool, nil, events.Nop, logger)
			n, err := sched.SweepNoShows(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d appointment(s) as no-show.\n", n)
			return nil
		},
	}
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newSchedulingService(cfg *config.Config, pool *pgxpool.Pool, profiles scheduling.ProfileResolver,
	publisher events.Publisher, logger zerolog.Logger) *scheduling.Service {
	if profiles == nil {
		profiles = identity.NewService(identity.NewUserRepo(pool), identity.NewPatientRepo(pool),
			identity.NewDoctorRepo(pool), db.NewTxRunner(pool), nil, nil, cfg.SessionTTL, logger)
	}
	return scheduling.NewService(scheduling.NewScheduleRepo(pool), scheduling.NewAppointmentRepo(pool),
		profiles, db.NewTxRunner(pool), publisher, scheduling.Options{
			Location:           cfg.Location(),
			BookingHorizonDays: cfg.BookingHorizonDays,
			MaxReschedules:     cfg.MaxReschedules,
			CheckInOpen:        time.Duration(cfg.CheckInOpenMinutes) * time.Minute,
		}, logger)
}

// app holds the wired services the router needs.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	sessions   auth.SessionStore
	tokens     *auth.TokenIssuer
	identity   *identity.Service
	scheduling *scheduling.Service
	admin      *admin.Service
	live       *websocket.Server
	dbHealth   echo.HandlerFunc
	metrics    *telemetry.Provider
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Sessions
	var sessions auth.SessionStore
	if cfg.RedisURL != "" {
		client, err := auth.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		sessions = auth.NewRedisSessionStore(client)
		logger.Info().Msg("sessions stored in redis")
	} else {
		mem := auth.NewMemorySessionStore()
		defer mem.Close()
		sessions = mem
	}

	metrics := telemetry.NewProvider(telemetry.Config{
		Enabled:        cfg.MetricsEnabled,
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	metrics.ObservePool(func() telemetry.PoolStats {
		st := pool.Stat()
		return telemetry.PoolStats{Acquired: st.AcquiredConns(), Idle: st.IdleConns(), Total: st.TotalConns()}
	})

	// Events: live queue sockets and counters always, the broker when configured.
	hub := websocket.NewHub(logger)
	defer hub.Close()
	targets := []events.Publisher{hub, metrics}
	if cfg.AMQPURL != "" {
		amqp, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer amqp.Close()
		targets = append(targets, amqp)
	}
	publisher := events.NewFanout(logger, targets...)

	// Report storage
	var blobs blobstore.BlobStore
	if cfg.MinioEndpoint != "" {
		blobs, err = blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("connect minio: %w", err)
		}
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT is empty, exported reports are kept in process memory")
		blobs = blobstore.NewMemoryStore()
	}

	tx := db.NewTxRunner(pool)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret)
	identitySvc := identity.NewService(identity.NewUserRepo(pool), identity.NewPatientRepo(pool),
		identity.NewDoctorRepo(pool), tx, sessions, tokens, cfg.SessionTTL, logger)
	schedSvc := newSchedulingService(cfg, pool, identitySvc, publisher, logger)
	adminSvc := admin.NewService(admin.NewDepartmentRepo(pool), admin.NewOversightRepo(pool),
		admin.NewAuditRepo(pool), blobs, tx, admin.Options{Location: cfg.Location()}, logger)

	e := newRouter(&app{
		cfg:        cfg,
		logger:     logger,
		sessions:   sessions,
		tokens:     tokens,
		identity:   identitySvc,
		scheduling: schedSvc,
		admin:      adminSvc,
		live:       websocket.NewServer(hub, cfg.CORSOrigins),
		dbHealth:   db.PoolHealthHandler(pool),
		metrics:    metrics,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error {
		runNoShowSweeper(gctx, schedSvc, cfg.NoShowSweepInterval, logger)
		return nil
	})
	return g.Wait()
}

func newRouter(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = httputil.JSONSerializer{}
	e.Validator = httputil.NewValidator()
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(auth.SessionMiddleware(a.tokens, a.sessions, auth.AuthSkipper, a.logger))
	e.Use(middleware.Audit(a.logger, a.admin))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.dbHealth != nil {
		e.GET("/health/db", a.dbHealth)
	}
	if a.metrics != nil && a.cfg.MetricsEnabled {
		e.GET("/metrics", a.metrics.Handler())
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	identity.NewHandler(a.identity).RegisterRoutes(apiV1)
	scheduling.NewHandler(a.scheduling, a.live).RegisterRoutes(apiV1)
	admin.NewHandler(a.admin).RegisterRoutes(apiV1)

	return e
}

// runNoShowSweeper marks stale bookings as no-show once at startup and then
// every interval until ctx is done. A non-positive interval disables it.
func runNoShowSweeper(ctx context.Context, svc *scheduling.Service, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		logger.Info().Msg("no-show sweeper disabled")
		return
	}
	sweep := func() {
		if _, err := svc.SweepNoShows(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("no-show sweep failed")
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
