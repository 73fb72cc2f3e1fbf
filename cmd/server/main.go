package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/nehadangwal2003/RideX/internal/config"
	"github.com/nehadangwal2003/RideX/internal/dispatch"
	"github.com/nehadangwal2003/RideX/internal/eta"
	"github.com/nehadangwal2003/RideX/internal/geo"
	httpapi "github.com/nehadangwal2003/RideX/internal/http"
	"github.com/nehadangwal2003/RideX/internal/ingest"
	"github.com/nehadangwal2003/RideX/internal/lock"
	"github.com/nehadangwal2003/RideX/internal/logging"
	"github.com/nehadangwal2003/RideX/internal/matcher"
	"github.com/nehadangwal2003/RideX/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var rides storage.RideRepository = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		rides = ps
		checks = append(checks, ps.Ping)
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	var drivers, pickups geo.Index = geo.NewIndex(), geo.NewIndex()
	if cfg.IndexBackend == config.BackendRedis {
		drivers = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		pickups = geo.NewRedisIndex(rc, cfg.RedisPickupKey)
	}

	var locks lock.Manager
	if rc != nil {
		locks = lock.NewRedisManager(rc, cfg.RedisLockPrefix)
	} else {
		mm := lock.NewMemoryManager()
		defer mm.Stop()
		locks = mm
	}

	ws := dispatch.NewWSRegistry(logger)
	sinks := dispatch.Multi{}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewPushDispatcher(ws, dispatch.NewWebhookDispatcher(cfg.PushEndpoint, cfg.PushKey)))
	} else {
		sinks = append(sinks, dispatch.WSSink{Registry: ws})
	}
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		sinks = append(sinks, events)
	}

	engine := matcher.New(matcher.Deps{
		Rides:   rides,
		Drivers: drivers,
		Pickups: pickups,
		Sink:    sinks,
		Locks:   locks,
		Logger:  logger,
	}, matcher.Config{
		DiscoveryRadiusM:   cfg.DiscoveryRadiusM,
		DiscoveryLimit:     cfg.DiscoveryLimit,
		AvailableLimit:     cfg.AvailableLimit,
		ScheduledLimit:     cfg.ScheduledLimit,
		CrossClassFallback: cfg.CrossClassFallback,
		AcceptLockTTL:      cfg.AcceptLockTTL,
		NotifyTimeout:      cfg.NotifyTimeout,
		RejectionTTL:       cfg.RejectionTTL,
	})
	if _, err := engine.Restore(ctx); err != nil {
		return err
	}
	go engine.RunScheduler(ctx, cfg.SchedulePollInterval)

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMURL != "" {
		estimator.Router = eta.NewOSRMClient(cfg.OSRMURL)
	}

	opts := httpapi.Options{
		Engine:    engine,
		Estimator: estimator,
		WS:        ws,
		Logger:    logger,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}
	if cfg.LocationIngest == config.IngestKafka {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		opts.Ingest = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ridex listening", "addr", cfg.HTTPAddr, "index", cfg.IndexBackend, "ingest", cfg.LocationIngest)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
