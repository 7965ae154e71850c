package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/libs/kafkax"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/segmentio/kafka-go"
)

// TopicProviderCalendarUpdated carries catalog.ProviderRecord payloads from
// the provider-management service.
const TopicProviderCalendarUpdated = "provider.calendar.updated.v1"

type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}

type applyFunc func(ctx context.Context, meta kafkax.EventMeta, p model.Provider) (bool, error)

// ProviderUpdates applies provider calendar updates to the local catalog.
type ProviderUpdates struct {
	apply    applyFunc
	cache    Invalidator
	logger   *slog.Logger
	validate *validator.Validate
}

// NewPostgresProviderUpdates upserts the provider and records the event id in
// one transaction.
func NewPostgresProviderUpdates(pool *db.Pool, inboxRepo *inbox.Repository, repo *catalog.PostgresRepository, cache Invalidator, logger *slog.Logger) *ProviderUpdates {
	apply := func(ctx context.Context, meta kafkax.EventMeta, p model.Provider) (bool, error) {
		applied := false
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			ok, err := inboxRepo.Record(ctx, tx, meta.EventID, meta.EventType)
			if err != nil || !ok {
				return err
			}
			if err := repo.Upsert(ctx, tx, p); err != nil {
				return err
			}
			applied = true
			return nil
		})
		return applied, err
	}
	return newProviderUpdates(apply, cache, logger)
}

// NewStaticProviderUpdates applies updates to an in-memory catalog. Redelivery
// is harmless because Put is idempotent.
func NewStaticProviderUpdates(static *catalog.Static, logger *slog.Logger) *ProviderUpdates {
	apply := func(_ context.Context, _ kafkax.EventMeta, p model.Provider) (bool, error) {
		static.Put(p)
		return true, nil
	}
	return newProviderUpdates(apply, nil, logger)
}

func newProviderUpdates(apply applyFunc, cache Invalidator, logger *slog.Logger) *ProviderUpdates {
	return &ProviderUpdates{
		apply:    apply,
		cache:    cache,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (u *ProviderUpdates) Handle(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)

	var rec catalog.ProviderRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return fmt.Errorf("decode %s: %w", meta.EventType, err)
	}
	if err := u.validate.Struct(rec); err != nil {
		return fmt.Errorf("validate %s: %w", meta.EventType, err)
	}
	p, err := rec.Provider()
	if err != nil {
		return err
	}

	applied, err := u.apply(ctx, meta, p)
	if err != nil {
		return err
	}
	if !applied {
		u.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return nil
	}
	if u.cache != nil {
		if err := u.cache.Invalidate(ctx, p.ID); err != nil {
			u.logger.Warn("provider cache invalidate failed", "provider_id", p.ID, "err", err)
		}
	}
	u.logger.Info("provider calendar updated", "provider_id", p.ID, "active", p.Calendar.Active, "event_id", meta.EventID)
	return nil
}
