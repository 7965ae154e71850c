package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/libs/kafkax"
	"github.com/md-rashed-zaman/slotbook/libs/runtime"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/storage"
)

// backend is everything the selected storage mode contributes to the process:
// the ledger, the provider source, readiness checks and background workers.
type backend struct {
	ledger    ledger.Ledger
	providers catalog.Source
	checks    []runtime.ReadyCheck
	workers   []func(context.Context) error
	closers   []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg serviceConfig, rdb *redis.Client, logger *slog.Logger) (*backend, error) {
	seed, err := loadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}

	b := &backend{}
	switch cfg.Backend {
	case backendPostgres:
		err = b.openPostgres(ctx, cfg, rdb, seed, logger)
	case backendSQLite:
		err = b.openSQLite(ctx, cfg, seed, logger)
	default:
		b.ledger = ledger.NewMemory()
		b.useStatic(cfg, seed, logger)
	}
	if err != nil {
		b.Close()
		return nil, err
	}

	b.checks = append(b.checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	if rdb != nil {
		b.checks = append(b.checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return b, nil
}

func (b *backend) openPostgres(ctx context.Context, cfg serviceConfig, rdb *redis.Client, seed []model.Provider, logger *slog.Logger) error {
	pool, err := db.OpenWithOptions(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		return fmt.Errorf("db connection: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	b.checks = append(b.checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

	if cfg.AutoMigrate {
		if err := storage.MigratePostgres(ctx, pool); err != nil {
			return err
		}
	}

	repo := catalog.NewPostgresRepository(pool)
	for _, p := range seed {
		if err := repo.Upsert(ctx, nil, p); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.ID, err)
		}
	}

	events := outbox.NewRepository()
	b.ledger = storage.NewPostgresLedger(pool, events)
	b.providers = repo

	var invalidator consumer.Invalidator
	if rdb != nil {
		cache := catalog.NewRedisCache(rdb, repo, cfg.ProviderCacheTTL, logger)
		b.providers = cache
		invalidator = cache
	}

	publisher := outbox.NewPublisher(pool, events, logger, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: cfg.OutboxPollEvery,
		BatchSize: cfg.OutboxBatchSize,
	})
	b.workers = append(b.workers, publisher.Run)

	if cfg.KafkaBrokers != "" && cfg.ProviderTopic != "" {
		updates := consumer.NewPostgresProviderUpdates(pool, inbox.NewRepository(), repo, invalidator, logger)
		b.workers = append(b.workers, consumer.New(logger, consumerConfig(cfg), updates.Handle).Run)
	}
	return nil
}

func (b *backend) openSQLite(ctx context.Context, cfg serviceConfig, seed []model.Provider, logger *slog.Logger) error {
	sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	b.closers = append(b.closers, func() { _ = sqlDB.Close() })
	b.checks = append(b.checks, runtime.ReadyCheck{Name: "db", Check: db.SQLiteReadyCheck(sqlDB)})

	if cfg.AutoMigrate {
		if err := storage.MigrateSQLite(ctx, sqlDB); err != nil {
			return err
		}
	}
	b.ledger = storage.NewSQLiteLedger(sqlDB)
	b.useStatic(cfg, seed, logger)
	return nil
}

// useStatic serves providers from memory. Without a providers file a single
// demo provider is registered so the service is usable out of the box.
func (b *backend) useStatic(cfg serviceConfig, seed []model.Provider, logger *slog.Logger) {
	if len(seed) == 0 {
		seed = []model.Provider{demoProvider()}
		logger.Info("no PROVIDERS_FILE set; serving demo provider", "provider_id", seed[0].ID)
	}
	static := catalog.NewStatic(seed...)
	b.providers = static
	if cfg.KafkaBrokers != "" && cfg.ProviderTopic != "" {
		updates := consumer.NewStaticProviderUpdates(static, logger)
		b.workers = append(b.workers, consumer.New(logger, consumerConfig(cfg), updates.Handle).Run)
	}
}

func consumerConfig(cfg serviceConfig) consumer.Config {
	return consumer.Config{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topic:   cfg.ProviderTopic,
	}
}

// loadProviders reads a JSON array of provider records.
func loadProviders(path string) ([]model.Provider, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var records []catalog.ProviderRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode providers file: %w", err)
	}
	out := make([]model.Provider, 0, len(records))
	for _, rec := range records {
		p, err := rec.Provider()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func demoProvider() model.Provider {
	p, err := catalog.ProviderRecord{
		ID:            "demo",
		Name:          "Demo Provider",
		HourlyRate:    "50.00",
		Currency:      "USD",
		AvailableDays: []int{1, 2, 3, 4, 5},
		ShiftStart:    "09:00",
		ShiftEnd:      "17:00",
		SlotMinutes:   60,
		IsActive:      true,
	}.Provider()
	if err != nil {
		panic(err)
	}
	return p
}
