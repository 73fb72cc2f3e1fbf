package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	RedisPickupKey   string
	RedisLockPrefix  string
	IndexBackend     string
	LocationIngest   string
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN string

	PushEndpoint string
	PushKey      string

	OSRMURL     string
	ETACacheTTL time.Duration

	DiscoveryRadiusM     float64
	DiscoveryLimit       int
	AvailableLimit       int
	ScheduledLimit       int
	CrossClassFallback   bool
	AcceptLockTTL        time.Duration
	NotifyTimeout        time.Duration
	RejectionTTL         time.Duration
	SchedulePollInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	IngestDirect = "direct"
	IngestKafka  = "kafka"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		RedisPickupKey:       "pickups_geo",
		RedisLockPrefix:      "ridex:lock:",
		IndexBackend:         BackendMemory,
		LocationIngest:       IngestDirect,
		KafkaTopic:           "driver-locations",
		KafkaEventsTopic:     "ride-events",
		ETACacheTTL:          5 * time.Minute,
		DiscoveryRadiusM:     10000,
		DiscoveryLimit:       10,
		AvailableLimit:       10,
		ScheduledLimit:       20,
		AcceptLockTTL:        5 * time.Second,
		NotifyTimeout:        2 * time.Second,
		RejectionTTL:         30 * time.Minute,
		SchedulePollInterval: 30 * time.Second,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisPickupKey, "REDIS_PICKUP_KEY")
	setStringFromEnv(&cfg.RedisLockPrefix, "REDIS_LOCK_PREFIX")
	if cfg.RedisAddr != "" {
		cfg.IndexBackend = BackendRedis
	}
	if v := strings.TrimSpace(os.Getenv("INDEX_BACKEND")); v != "" {
		cfg.IndexBackend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOCATION_INGEST")); v != "" {
		cfg.LocationIngest = strings.ToLower(v)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.OSRMURL = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_URL")), "/")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.DiscoveryRadiusM, "DISCOVERY_RADIUS_M", &errs)
	setIntFromEnv(&cfg.DiscoveryLimit, "DISCOVERY_LIMIT", &errs)
	setIntFromEnv(&cfg.AvailableLimit, "AVAILABLE_LIMIT", &errs)
	setIntFromEnv(&cfg.ScheduledLimit, "SCHEDULED_LIMIT", &errs)
	setBoolFromEnv(&cfg.CrossClassFallback, "CROSS_CLASS_FALLBACK", &errs)
	setDurationFromEnv(&cfg.AcceptLockTTL, "ACCEPT_LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RejectionTTL, "REJECTION_TTL", &errs)
	setDurationFromEnv(&cfg.SchedulePollInterval, "SCHEDULE_POLL_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DiscoveryRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISCOVERY_RADIUS_M must be > 0"))
	}
	for key, v := range map[string]int{"DISCOVERY_LIMIT": cfg.DiscoveryLimit, "AVAILABLE_LIMIT": cfg.AvailableLimit, "SCHEDULED_LIMIT": cfg.ScheduledLimit} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if cfg.SchedulePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULE_POLL_INTERVAL must be > 0"))
	}
	switch cfg.IndexBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("INDEX_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INDEX_BACKEND %q", cfg.IndexBackend))
	}
	switch cfg.LocationIngest {
	case IngestDirect:
	case IngestKafka:
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("LOCATION_INGEST=kafka requires KAFKA_BROKERS"))
		}
		if cfg.IndexBackend != BackendRedis {
			errs = append(errs, fmt.Errorf("LOCATION_INGEST=kafka requires the redis index backend shared with the consumer"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCATION_INGEST %q", cfg.LocationIngest))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ridex-location-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
