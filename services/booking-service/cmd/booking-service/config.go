package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/libs/config"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"
)

type serviceConfig struct {
	Service  string
	Port     string
	GRPCPort string

	Backend       string
	DatabaseURL   string
	DBMaxConns    int
	SQLitePath    string
	AutoMigrate   bool
	ProvidersFile string

	RedisAddr        string
	ProviderCacheTTL time.Duration

	KafkaBrokers    string
	KafkaGroupID    string
	ProviderTopic   string
	OutboxPollEvery time.Duration
	OutboxBatchSize int

	Location       *time.Location
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RoundUpHours   bool

	JWTSecret      string
	JWKSURL        string
	CORSOrigins    string
	RateLimit      int
	RequestTimeout time.Duration
	BodyLimit      int
}

func loadConfig(service string) (serviceConfig, error) {
	cfg := serviceConfig{
		Service:       service,
		DatabaseURL:   config.String("DATABASE_URL", ""),
		SQLitePath:    config.String("SQLITE_PATH", "slotbook.db"),
		ProvidersFile: config.String("PROVIDERS_FILE", ""),
		RedisAddr:     config.String("REDIS_ADDR", ""),
		KafkaBrokers:  config.String("KAFKA_BROKERS", ""),
		KafkaGroupID:  config.String("KAFKA_GROUP_ID", service),
		ProviderTopic: config.String("KAFKA_PROVIDER_TOPIC", "provider.calendar.updated.v1"),
		JWTSecret:     config.String("JWT_SECRET", ""),
		JWKSURL:       config.String("JWKS_URL", ""),
		CORSOrigins:   config.String("CORS_ALLOWED_ORIGINS", ""),
	}

	defaultBackend := backendMemory
	if cfg.DatabaseURL != "" {
		defaultBackend = backendPostgres
	}
	cfg.Backend = strings.ToLower(config.String("STORAGE_BACKEND", defaultBackend))
	switch cfg.Backend {
	case backendPostgres:
		url, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return cfg, fmt.Errorf("postgres backend: %w", err)
		}
		cfg.DatabaseURL = url
	case backendSQLite, backendMemory:
	default:
		return cfg, fmt.Errorf("STORAGE_BACKEND must be postgres, sqlite or memory (got %q)", cfg.Backend)
	}

	var err error
	if cfg.Port, err = config.Port("PORT", "8083"); err != nil {
		return cfg, err
	}
	if cfg.GRPCPort, err = config.Port("GRPC_PORT", "9083"); err != nil {
		return cfg, err
	}
	if cfg.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10); err != nil {
		return cfg, err
	}
	if cfg.AutoMigrate, err = config.Bool("AUTO_MIGRATE", true); err != nil {
		return cfg, err
	}
	if cfg.ProviderCacheTTL, err = config.Duration("PROVIDER_CACHE_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OutboxPollEvery, err = config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OutboxBatchSize, err = config.Int("OUTBOX_BATCH_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.Location, err = config.Location("PROVIDER_TIMEZONE", "UTC"); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = config.Int("BOOK_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.InitialBackoff, err = config.Duration("BOOK_RETRY_INITIAL", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.MaxBackoff, err = config.Duration("BOOK_RETRY_MAX", time.Second); err != nil {
		return cfg, err
	}
	if cfg.RoundUpHours, err = config.Bool("ROUND_UP_DURATION_HOURS", false); err != nil {
		return cfg, err
	}
	if cfg.RateLimit, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = config.Duration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BodyLimit, err = config.Int("BODY_LIMIT_BYTES", 1<<20); err != nil {
		return cfg, err
	}
	return cfg, nil
}
