package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/nehadangwal2003/RideX/internal/config"
	"github.com/nehadangwal2003/RideX/internal/geo"
	"github.com/nehadangwal2003/RideX/internal/ingest"
	"github.com/nehadangwal2003/RideX/internal/logging"
	"github.com/nehadangwal2003/RideX/internal/models"
	"github.com/nehadangwal2003/RideX/internal/observability"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver heartbeat messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful driver index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total driver index updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	drivers := geo.NewRedisIndex(rc, cfg.RedisGeoKey)

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		hb, err := ingest.DecodeHeartbeat(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}

		if err := applyWithRetry(ctx, drivers, hb, time.Now().UTC(), cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			indexErrors.Inc()
			logger.Error("driver index update failed", "driver_id", hb.DriverID, "err", err)
			continue
		}
		indexUpdates.Inc()
	}
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

// DriverIndex is the part of geo.Index the consumer writes through.
type DriverIndex interface {
	Get(ctx context.Context, id string) (geo.Entity, bool, error)
	Upsert(ctx context.Context, e geo.Entity) error
}

// applyHeartbeat folds one heartbeat into the index. Offline heartbeats keep
// the last position so the driver can come back without moving; an unknown
// driver going offline is a no-op.
func applyHeartbeat(ctx context.Context, idx DriverIndex, hb models.DriverHeartbeat, now time.Time) error {
	prev, known, err := idx.Get(ctx, hb.DriverID)
	if err != nil {
		return err
	}
	if !hb.Online {
		if !known || !prev.Online {
			return nil
		}
		prev.Online = false
		prev.UpdatedAt = now
		if err := idx.Upsert(ctx, prev); err != nil {
			return err
		}
		observability.DriversOnline.Dec()
		return nil
	}
	class := hb.VehicleClass
	if class == "" {
		class = prev.VehicleClass
	}
	if err := idx.Upsert(ctx, geo.Entity{ID: hb.DriverID, Position: hb.Position, VehicleClass: class, Online: true, UpdatedAt: now}); err != nil {
		return err
	}
	if !known || !prev.Online {
		observability.DriversOnline.Inc()
	}
	return nil
}

// applyWithRetry retries applyHeartbeat with doubling delay. Validation
// failures are not retried.
func applyWithRetry(ctx context.Context, idx DriverIndex, hb models.DriverHeartbeat, now time.Time, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyHeartbeat(ctx, idx, hb, now); err == nil {
			return nil
		}
		if models.KindOf(err) != "" || i == attempts-1 {
			return err
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
