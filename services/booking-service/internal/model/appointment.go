package model

import (
	"cmp"
	"time"

	"github.com/golang-sql/civil"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Active statuses occupy their interval.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Appointment is one materialized row of a booking. A booking of N slots is
// stored as N consecutive rows sharing BookingGroupID.
type Appointment struct {
	ID             string
	ProviderID     string
	UserID         string
	Date           civil.Date
	Start          calendar.Clock
	Duration       time.Duration
	Status         Status
	BookingGroupID string
	Price          decimal.Decimal
	Currency       string
	CreatedAt      time.Time
	CancelledAt    *time.Time
}

func (a Appointment) End() calendar.Clock {
	return a.Start.Add(a.Duration)
}

// Compare orders appointments by (date, start) for slices.SortFunc.
func Compare(a, b Appointment) int {
	switch {
	case a.Date.Before(b.Date):
		return -1
	case b.Date.Before(a.Date):
		return 1
	}
	return cmp.Compare(a.Start, b.Start)
}
