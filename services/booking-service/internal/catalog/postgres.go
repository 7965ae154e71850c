package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
)

// Execer is satisfied by both the pool and a pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresRepository struct {
	pool *db.Pool
}

func NewPostgresRepository(pool *db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Provider(ctx context.Context, id string) (model.Provider, error) {
	var (
		p          model.Provider
		rate       string
		days       []int16
		start, end int
		slot       int
		active     bool
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, hourly_rate::text, currency, available_days,
			shift_start_minute, shift_end_minute, slot_minutes, is_active
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &rate, &p.Currency, &days, &start, &end, &slot, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Provider{}, ErrProviderNotFound
	}
	if err != nil {
		return model.Provider{}, err
	}

	if p.HourlyRate, err = decimal.NewFromString(rate); err != nil {
		return model.Provider{}, fmt.Errorf("provider %s hourly_rate: %w", id, err)
	}
	iso := make([]int, len(days))
	for i, d := range days {
		iso[i] = int(d)
	}
	weekdays, err := calendar.NewWeekdays(iso...)
	if err != nil {
		return model.Provider{}, fmt.Errorf("provider %s: %w", id, err)
	}
	p.Calendar = calendar.Calendar{
		ProviderID:  p.ID,
		WorkingDays: weekdays,
		ShiftStart:  calendar.Clock(start),
		ShiftEnd:    calendar.Clock(end),
		Granularity: time.Duration(slot) * time.Minute,
		Active:      active,
	}
	return p, nil
}

// Upsert writes a provider through q, which may be a transaction shared with
// the inbox dedupe insert.
func (r *PostgresRepository) Upsert(ctx context.Context, q Execer, p model.Provider) error {
	if q == nil {
		q = r.pool
	}
	days := make([]int16, 0, 7)
	for _, d := range p.Calendar.WorkingDays.ISO() {
		days = append(days, int16(d))
	}
	_, err := q.Exec(ctx, `
		INSERT INTO providers
			(id, name, hourly_rate, currency, available_days, shift_start_minute, shift_end_minute, slot_minutes, is_active, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hourly_rate = EXCLUDED.hourly_rate,
			currency = EXCLUDED.currency,
			available_days = EXCLUDED.available_days,
			shift_start_minute = EXCLUDED.shift_start_minute,
			shift_end_minute = EXCLUDED.shift_end_minute,
			slot_minutes = EXCLUDED.slot_minutes,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, p.ID, p.Name, p.HourlyRate.StringFixed(2), p.Currency, days,
		int(p.Calendar.ShiftStart), int(p.Calendar.ShiftEnd),
		int(p.Calendar.Granularity/time.Minute), p.Calendar.Active)
	return err
}
