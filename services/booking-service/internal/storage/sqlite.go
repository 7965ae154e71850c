package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteLedger is a single-node ledger. BEGIN IMMEDIATE takes the database
// write lock up front, so every reservation is serialized against every other;
// use it for development and tests, not for production load.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Ledger = (*SQLiteLedger)(nil)

func NewSQLiteLedger(sqlDB *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: sqlDB, now: time.Now}
}

const sqliteSelect = `
	SELECT id, provider_id, user_id, appointment_date, start_minute, end_minute, status,
		booking_group_id, price, currency, created_at, cancelled_at
	FROM appointments`

func (l *SQLiteLedger) Reserve(ctx context.Context, r ledger.Reservation) (ledger.Receipt, error) {
	if err := r.Validate(); err != nil {
		return ledger.Receipt{}, err
	}

	var receipt ledger.Receipt
	err := l.immediate(ctx, func(conn *sql.Conn) error {
		var n int
		err := conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM appointments
			WHERE provider_id = ?
				AND appointment_date = ?
				AND status IN ('pending', 'confirmed')
				AND start_minute < ?
				AND end_minute > ?
		`, r.ProviderID, r.Date.String(), int(r.End()), int(r.Start)).Scan(&n)
		if err != nil {
			return sqliteClassify("check", err)
		}
		if n > 0 {
			return ledger.ErrConflict
		}

		groupID := uuid.NewString()
		rows, total := ledger.Materialize(r, groupID, uuid.NewString, l.now().UTC())
		for _, a := range rows {
			_, err := conn.ExecContext(ctx, `
				INSERT INTO appointments
					(id, provider_id, user_id, appointment_date, start_minute, end_minute, status, booking_group_id, price, currency, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, a.ID, a.ProviderID, a.UserID, a.Date.String(), int(a.Start), int(a.End()), string(a.Status),
				a.BookingGroupID, a.Price.StringFixed(2), a.Currency, a.CreatedAt.Format(time.RFC3339Nano))
			if err != nil {
				return sqliteClassify("insert", err)
			}
		}
		receipt = ledger.Receipt{BookingGroupID: groupID, Appointments: rows, TotalPrice: total, Currency: r.Currency}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	return receipt, nil
}

// immediate runs fn inside BEGIN IMMEDIATE on a dedicated connection.
func (l *SQLiteLedger) immediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return sqliteClassify("conn", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return sqliteClassify("begin", err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		return sqliteClassify("commit", err)
	}
	return nil
}

func (l *SQLiteLedger) Committed(ctx context.Context, providerID string, date civil.Date) ([]model.Appointment, error) {
	return l.query(ctx, sqliteSelect+`
		WHERE provider_id = ? AND appointment_date = ? AND status IN ('pending', 'confirmed')
		ORDER BY start_minute ASC
	`, providerID, date.String())
}

func (l *SQLiteLedger) ListByUser(ctx context.Context, userID string) ([]model.Appointment, error) {
	return l.query(ctx, sqliteSelect+`
		WHERE user_id = ?
		ORDER BY appointment_date ASC, start_minute ASC
	`, userID)
}

func (l *SQLiteLedger) ListUserOnDate(ctx context.Context, providerID, userID string, date civil.Date) ([]model.Appointment, error) {
	return l.query(ctx, sqliteSelect+`
		WHERE provider_id = ? AND user_id = ? AND appointment_date = ? AND status IN ('pending', 'confirmed')
		ORDER BY start_minute ASC
	`, providerID, userID, date.String())
}

func (l *SQLiteLedger) CancelGroup(ctx context.Context, bookingGroupID, userID string) (int, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE appointments
		SET status = 'cancelled', cancelled_at = ?
		WHERE booking_group_id = ? AND user_id = ? AND status IN ('pending', 'confirmed')
	`, l.now().UTC().Format(time.RFC3339Nano), bookingGroupID, userID)
	if err != nil {
		return 0, sqliteClassify("cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sqliteClassify("cancel", err)
	}
	if n == 0 {
		return 0, ledger.ErrNotFound
	}
	return int(n), nil
}

func (l *SQLiteLedger) query(ctx context.Context, q string, args ...any) ([]model.Appointment, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, sqliteClassify("query", err)
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		var (
			a                   model.Appointment
			date, status, price string
			created             string
			cancelled           sql.NullString
			start, end          int
		)
		if err := rows.Scan(&a.ID, &a.ProviderID, &a.UserID, &date, &start, &end, &status,
			&a.BookingGroupID, &price, &a.Currency, &created, &cancelled); err != nil {
			return nil, err
		}
		if a.Date, err = civil.ParseDate(date); err != nil {
			return nil, fmt.Errorf("appointment %s date: %w", a.ID, err)
		}
		if a.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("appointment %s price: %w", a.ID, err)
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("appointment %s created_at: %w", a.ID, err)
		}
		if cancelled.Valid {
			t, err := time.Parse(time.RFC3339Nano, cancelled.String)
			if err != nil {
				return nil, fmt.Errorf("appointment %s cancelled_at: %w", a.ID, err)
			}
			a.CancelledAt = &t
		}
		a.Start = calendar.Clock(start)
		a.Duration = calendar.Clock(end).Sub(a.Start)
		a.Status = model.Status(status)
		appts = append(appts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteClassify("query", err)
	}
	return appts, nil
}

func sqliteClassify(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
			return &ledger.StoreError{Op: op, Err: err}
		}
		return fmt.Errorf("ledger %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return &ledger.StoreError{Op: op, Err: err}
	}
	return fmt.Errorf("ledger %s: %w", op, err)
}
