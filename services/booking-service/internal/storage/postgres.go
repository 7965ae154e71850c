package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/shopspring/decimal"
)

// PostgresLedger serializes check-and-insert per (provider, date) with a
// transaction-scoped advisory lock. The appointments_no_overlap exclusion
// constraint backs the same invariant at the row level.
type PostgresLedger struct {
	pool   *db.Pool
	outbox *outbox.Repository
	now    func() time.Time
}

var _ ledger.Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger writes booked and cancelled events through events when it
// is non-nil.
func NewPostgresLedger(pool *db.Pool, events *outbox.Repository) *PostgresLedger {
	return &PostgresLedger{pool: pool, outbox: events, now: time.Now}
}

const selectAppointment = `
	SELECT id::text, provider_id, user_id, appointment_date, start_minute, end_minute, status,
		booking_group_id::text, price::text, currency, created_at, cancelled_at
	FROM appointments`

func (l *PostgresLedger) Reserve(ctx context.Context, r ledger.Reservation) (ledger.Receipt, error) {
	if err := r.Validate(); err != nil {
		return ledger.Receipt{}, err
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ledger.Receipt{}, classify("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(r.ProviderID, r.Date)); err != nil {
		return ledger.Receipt{}, classify("lock", err)
	}

	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE provider_id = $1
				AND appointment_date = $2
				AND status IN ('pending', 'confirmed')
				AND start_minute < $4
				AND end_minute > $3
		)
	`, r.ProviderID, dateParam(r.Date), int(r.Start), int(r.End())).Scan(&taken)
	if err != nil {
		return ledger.Receipt{}, classify("check", err)
	}
	if taken {
		return ledger.Receipt{}, ledger.ErrConflict
	}

	groupID := uuid.NewString()
	rows, total := ledger.Materialize(r, groupID, uuid.NewString, l.now().UTC())

	batch := &pgx.Batch{}
	for _, a := range rows {
		batch.Queue(`
			INSERT INTO appointments
				(id, provider_id, user_id, appointment_date, start_minute, end_minute, status, booking_group_id, price, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11)
		`, a.ID, a.ProviderID, a.UserID, dateParam(a.Date), int(a.Start), int(a.End()), string(a.Status),
			a.BookingGroupID, a.Price.StringFixed(2), a.Currency, a.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return ledger.Receipt{}, classify("insert", err)
	}

	if l.outbox != nil {
		evt, err := outbox.NewBookingEvent(outbox.TopicAppointmentBooked, outbox.BookingPayload{
			BookingGroupID: groupID,
			ProviderID:     r.ProviderID,
			UserID:         r.UserID,
			Date:           r.Date.String(),
			StartTime:      r.Start.Long(),
			DurationHours:  r.Duration.Hours(),
			TotalPrice:     total.StringFixed(2),
			Currency:       r.Currency,
			Slots:          len(rows),
			OccurredAt:     l.now().UTC(),
		})
		if err != nil {
			return ledger.Receipt{}, err
		}
		if err := l.outbox.Insert(ctx, tx, evt); err != nil {
			return ledger.Receipt{}, classify("outbox", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Receipt{}, classify("commit", err)
	}
	return ledger.Receipt{
		BookingGroupID: groupID,
		Appointments:   rows,
		TotalPrice:     total,
		Currency:       r.Currency,
	}, nil
}

func (l *PostgresLedger) Committed(ctx context.Context, providerID string, date civil.Date) ([]model.Appointment, error) {
	return l.query(ctx, "committed", selectAppointment+`
		WHERE provider_id = $1 AND appointment_date = $2 AND status IN ('pending', 'confirmed')
		ORDER BY start_minute ASC
	`, providerID, dateParam(date))
}

func (l *PostgresLedger) ListByUser(ctx context.Context, userID string) ([]model.Appointment, error) {
	return l.query(ctx, "list", selectAppointment+`
		WHERE user_id = $1
		ORDER BY appointment_date ASC, start_minute ASC
	`, userID)
}

func (l *PostgresLedger) ListUserOnDate(ctx context.Context, providerID, userID string, date civil.Date) ([]model.Appointment, error) {
	return l.query(ctx, "list", selectAppointment+`
		WHERE provider_id = $1 AND user_id = $2 AND appointment_date = $3 AND status IN ('pending', 'confirmed')
		ORDER BY start_minute ASC
	`, providerID, userID, dateParam(date))
}

func (l *PostgresLedger) CancelGroup(ctx context.Context, bookingGroupID, userID string) (int, error) {
	if _, err := uuid.Parse(bookingGroupID); err != nil {
		return 0, ledger.ErrNotFound
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, classify("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
			cancelled_at = now()
		WHERE booking_group_id = $1
			AND user_id = $2
			AND status IN ('pending', 'confirmed')
		RETURNING provider_id, appointment_date, start_minute, end_minute
	`, bookingGroupID, userID)
	if err != nil {
		return 0, classify("cancel", err)
	}
	type span struct {
		provider   string
		date       time.Time
		start, end int
	}
	spans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (span, error) {
		var s span
		err := row.Scan(&s.provider, &s.date, &s.start, &s.end)
		return s, err
	})
	if err != nil {
		return 0, classify("cancel", err)
	}
	if len(spans) == 0 {
		return 0, ledger.ErrNotFound
	}

	if l.outbox != nil {
		first, last := spans[0], spans[0]
		for _, s := range spans {
			if s.start < first.start {
				first = s
			}
			if s.end > last.end {
				last = s
			}
		}
		evt, err := outbox.NewBookingEvent(outbox.TopicAppointmentCancelled, outbox.BookingPayload{
			BookingGroupID: bookingGroupID,
			ProviderID:     first.provider,
			UserID:         userID,
			Date:           civil.DateOf(first.date).String(),
			StartTime:      calendar.Clock(first.start).Long(),
			DurationHours:  calendar.Clock(last.end).Sub(calendar.Clock(first.start)).Hours(),
			Slots:          len(spans),
			OccurredAt:     l.now().UTC(),
		})
		if err != nil {
			return 0, err
		}
		if err := l.outbox.Insert(ctx, tx, evt); err != nil {
			return 0, classify("outbox", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify("commit", err)
	}
	return len(spans), nil
}

// Purge deletes every row of a provider's date regardless of status. It is an
// administrative operation for clearing test slots and bypasses the ledger
// contract.
func (l *PostgresLedger) Purge(ctx context.Context, providerID string, date civil.Date) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM appointments WHERE provider_id = $1 AND appointment_date = $2
	`, providerID, dateParam(date))
	if err != nil {
		return 0, classify("purge", err)
	}
	return tag.RowsAffected(), nil
}

func (l *PostgresLedger) query(ctx context.Context, op, sql string, args ...any) ([]model.Appointment, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	appts, err := pgx.CollectRows(rows, scanAppointment)
	if err != nil {
		return nil, classify(op, err)
	}
	return appts, nil
}

func scanAppointment(row pgx.CollectableRow) (model.Appointment, error) {
	var (
		a          model.Appointment
		date       time.Time
		start, end int
		status     string
		price      string
	)
	if err := row.Scan(&a.ID, &a.ProviderID, &a.UserID, &date, &start, &end, &status,
		&a.BookingGroupID, &price, &a.Currency, &a.CreatedAt, &a.CancelledAt); err != nil {
		return model.Appointment{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %s price: %w", a.ID, err)
	}
	a.Date = civil.DateOf(date)
	a.Start = calendar.Clock(start)
	a.Duration = calendar.Clock(end).Sub(calendar.Clock(start))
	a.Status = model.Status(status)
	a.Price = p
	return a, nil
}

func lockKey(providerID string, date civil.Date) string {
	return providerID + "|" + date.String()
}

func dateParam(d civil.Date) time.Time {
	return d.In(time.UTC)
}

// classify maps driver errors onto the ledger taxonomy. Exclusion violations
// are conflicts; serialization, deadlock, connection and cancellation errors
// are transient store failures. Anything else is returned wrapped.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23P01":
			return ledger.ErrConflict
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57014":
			return &ledger.StoreError{Op: op, Err: err}
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57"):
			return &ledger.StoreError{Op: op, Err: err}
		}
		return fmt.Errorf("ledger %s: %w", op, err)
	}
	return &ledger.StoreError{Op: op, Err: err}
}
