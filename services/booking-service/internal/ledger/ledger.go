// Package ledger defines the booking ledger contract: the authoritative set of
// committed appointments and the only write path that creates occupancy.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrConflict is returned when the requested interval overlaps a committed one.
	ErrConflict = errors.New("slot no longer available")
	// ErrInvalidReservation is returned for reservations that are structurally
	// wrong (zero duration, misaligned steps). Calendar checks happen upstream.
	ErrInvalidReservation = errors.New("invalid reservation")
	ErrNotFound           = errors.New("booking not found")
	// ErrStoreFailure matches every StoreError.
	ErrStoreFailure = errors.New("ledger store failure")
)

// StoreError is a transient backing-store failure. Nothing was committed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

type Reservation struct {
	ProviderID  string
	UserID      string
	Date        civil.Date
	Start       calendar.Clock
	Duration    time.Duration
	Granularity time.Duration
	HourlyRate  decimal.Decimal
	Currency    string
}

func (r Reservation) End() calendar.Clock {
	return r.Start.Add(r.Duration)
}

func (r Reservation) Validate() error {
	switch {
	case r.ProviderID == "" || r.UserID == "":
		return fmt.Errorf("%w: provider and user are required", ErrInvalidReservation)
	case !r.Date.IsValid():
		return fmt.Errorf("%w: invalid date", ErrInvalidReservation)
	case r.Granularity <= 0 || r.Duration <= 0 || r.Duration%r.Granularity != 0:
		return fmt.Errorf("%w: duration %s is not a positive multiple of %s", ErrInvalidReservation, r.Duration, r.Granularity)
	case r.Start < calendar.Midnight || calendar.EndOfDay < r.End():
		return fmt.Errorf("%w: %s+%s leaves the day", ErrInvalidReservation, r.Start, r.Duration)
	case r.HourlyRate.IsNegative():
		return fmt.Errorf("%w: negative rate", ErrInvalidReservation)
	}
	return nil
}

// Receipt describes a committed booking group.
type Receipt struct {
	BookingGroupID string
	Appointments   []model.Appointment
	TotalPrice     decimal.Decimal
	Currency       string
}

type Ledger interface {
	// Reserve atomically checks the interval against committed appointments of
	// the same (provider, date) and inserts the booking group. It returns
	// ErrConflict, an ErrInvalidReservation wrap, or a *StoreError.
	Reserve(ctx context.Context, r Reservation) (Receipt, error)
	// Committed returns pending and confirmed rows ordered by start.
	Committed(ctx context.Context, providerID string, date civil.Date) ([]model.Appointment, error)
	// ListByUser returns every row of the user ordered by (date, start).
	ListByUser(ctx context.Context, userID string) ([]model.Appointment, error)
	// ListUserOnDate returns the user's active rows with one provider on a date.
	ListUserOnDate(ctx context.Context, providerID, userID string, date civil.Date) ([]model.Appointment, error)
	// CancelGroup cancels the user's active rows of a booking group and
	// returns how many changed. ErrNotFound when none did.
	CancelGroup(ctx context.Context, bookingGroupID, userID string) (int, error)
}

// TotalPrice is rate × duration in hours, rounded to cents.
func TotalPrice(rate decimal.Decimal, d time.Duration) decimal.Decimal {
	minutes := decimal.NewFromInt(int64(d / time.Minute))
	return rate.Mul(minutes).Div(decimal.NewFromInt(60)).Round(2)
}

// Materialize expands a reservation into one row per granularity step. Row i
// is priced as the difference of the rounded running totals at steps i+1 and
// i, so rows sum to the group total and none is negative.
func Materialize(r Reservation, groupID string, newID func() string, now time.Time) ([]model.Appointment, decimal.Decimal) {
	steps := int(r.Duration / r.Granularity)
	total := TotalPrice(r.HourlyRate, r.Duration)
	n := decimal.NewFromInt(int64(steps))
	runningTotal := func(k int) decimal.Decimal {
		return total.Mul(decimal.NewFromInt(int64(k))).Div(n).Round(2)
	}

	rows := make([]model.Appointment, 0, steps)
	for i := 0; i < steps; i++ {
		price := runningTotal(i + 1).Sub(runningTotal(i))
		rows = append(rows, model.Appointment{
			ID:             newID(),
			ProviderID:     r.ProviderID,
			UserID:         r.UserID,
			Date:           r.Date,
			Start:          r.Start.Add(time.Duration(i) * r.Granularity),
			Duration:       r.Granularity,
			Status:         model.StatusConfirmed,
			BookingGroupID: groupID,
			Price:          price,
			Currency:       r.Currency,
			CreatedAt:      now,
		})
	}
	return rows, total
}

// Overlapping returns the active rows that intersect [start, end).
func Overlapping(rows []model.Appointment, start, end calendar.Clock) []model.Appointment {
	var hits []model.Appointment
	for _, a := range rows {
		if a.Status.Active() && availability.Overlaps(start, end, a.Start, a.End()) {
			hits = append(hits, a)
		}
	}
	return hits
}

// Intervals projects active rows onto the availability calculator's input.
func Intervals(rows []model.Appointment) []availability.Interval {
	out := make([]availability.Interval, 0, len(rows))
	for _, a := range rows {
		if a.Status.Active() {
			out = append(out, availability.Interval{Start: a.Start, End: a.End()})
		}
	}
	return out
}
