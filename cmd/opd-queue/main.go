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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"opd/queue-service/internal/broadcast"
	"opd/queue-service/internal/cache"
	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/config"
	"opd/queue-service/internal/engine"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/httpapi"
	"opd/queue-service/internal/notify"
	"opd/queue-service/internal/store"
	"opd/queue-service/internal/store/memory"
	"opd/queue-service/internal/store/postgres"
	"opd/queue-service/internal/telemetry"
)

const serviceName = "opd-queue"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital OPD token queue service",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, realtime endpoint and background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			useMemory, _ := cmd.Flags().GetBool("memory")
			return runServer(useMemory)
		},
	}
	cmd.Flags().Bool("memory", false, "use the in-memory store with demo data even when DB_DSN is set")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder, auto no-show and ETA refresh pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := telemetry.InitLogger(serviceName, cfg.Env)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer d.close()

			// Notifications queued by the pass are drained before exit.
			dispatchCtx, stopDispatch := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				_ = d.dispatcher.Run(dispatchCtx)
				close(done)
			}()
			report, err := d.engine.Sweep(ctx)
			stopDispatch()
			<-done

			logger.Info().
				Int("reminders", report.Reminders).
				Int("no_shows", report.NoShows).
				Int("doctors_refreshed", report.DoctorsRefresh).
				Int("etas", report.ETAs).
				Msg("sweep finished")
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to DB_DSN",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := telemetry.InitLogger(serviceName, cfg.Env)
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DB_DSN is required")
			}

			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.Migrate(ctx, pool, dir)
			for _, name := range applied {
				logger.Info().Str("file", name).Msg("migration applied")
			}
			return err
		},
	}
	cmd.Flags().String("dir", "", "migrations directory (defaults to MIGRATIONS_DIR)")
	return cmd
}

type deps struct {
	repo       store.Repository
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	hub        *broadcast.Hub
	relay      *broadcast.RedisPublisher
	pool       *pgxpool.Pool
	redis      *redis.Client
}

func (d *deps) close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger, useMemory bool) (*deps, error) {
	d := &deps{hub: broadcast.NewHub(logger)}

	if useMemory || cfg.DatabaseURL == "" {
		mem := memory.New()
		seedDemo(mem)
		d.repo = mem
		logger.Warn().Msg("using in-memory store with demo data")
	} else {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		d.pool = pool
		d.repo = postgres.NewStore(pool, postgres.Options{})
	}

	var etaCache eta.Cache = cache.Nop{}
	var publisher broadcast.Publisher = d.hub
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			d.close()
			return nil, err
		}
		d.redis = client
		etaCache = cache.NewRedis(client)
		// Local subscribers are fed from the Redis subscription so every
		// instance sees the same events.
		d.relay = broadcast.NewRedisPublisher(client, cfg.RedisChannelPrefix)
		publisher = d.relay
	}

	provider := notify.NewProvider(cfg.NotifyProvider, cfg.NotifyWebhookURL, cfg.NotifyWebhookToken, logger)
	d.dispatcher = notify.NewDispatcher(provider, notify.Options{
		QueueSize: cfg.NotifyQueueSize,
		Logger:    logger,
	})

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		d.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		d.close()
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	d.engine = engine.New(d.repo, engine.Options{
		Clock:        clock.System{},
		Location:     loc,
		Cache:        etaCache,
		CacheTTL:     cfg.ETACacheTTL(),
		RetryLimit:   cfg.PositionRetryLimit,
		Notifier:     d.dispatcher,
		Publisher:    publisher,
		Metrics:      metrics,
		Logger:       logger,
		ReminderLead: cfg.ReminderLead(),
		NoShowGrace:  cfg.NoShowGrace(),
		BatchSize:    cfg.SweepBatchSize,
	})
	return d, nil
}

func runServer(useMemory bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := telemetry.InitLogger(serviceName, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	d, err := buildDeps(ctx, cfg, logger, useMemory)
	if err != nil {
		return err
	}
	defer d.close()

	handler := httpapi.NewHandler(d.engine, httpapi.Options{
		Logger: logger,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:       cfg.RateLimitPerMinute,
			IPBurst:           cfg.RateLimitBurst,
			HospitalPerMinute: cfg.HospitalRateLimitPerMinute,
			HospitalBurst:     cfg.HospitalRateLimitBurst,
		},
		StaffKeyHash: cfg.StaffAPIKeyHash,
		Realtime:     broadcast.SockJSHandler("/realtime", d.hub, logger),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("opd-queue listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return d.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		runSweeper(gctx, d.engine, cfg.SweepInterval(), logger)
		return nil
	})
	if d.relay != nil {
		g.Go(func() error {
			return d.relay.Subscribe(gctx, d.hub)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("shutdown with error")
		return err
	}
	logger.Info().Msg("opd-queue stopped")
	return nil
}

func runSweeper(ctx context.Context, e *engine.Engine, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			report, err := e.Sweep(sweepCtx)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("sweep failed")
			}
			if report.Reminders > 0 || report.NoShows > 0 {
				logger.Info().Int("reminders", report.Reminders).Int("no_shows", report.NoShows).Msg("sweep processed tokens")
			}
		}
	}
}
