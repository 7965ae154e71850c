package engine

import (
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
)

// Input is the caller-facing shape shared by the REST and gRPC boundaries.
type Input struct {
	ProviderID    string
	UserID        string
	Date          string
	StartTime     string
	DurationHours float64
}

// ParseDate parses YYYY-MM-DD into a civil date.
func ParseDate(raw string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(raw))
	if err != nil || !d.IsValid() {
		return civil.Date{}, &calendar.RequestError{Reason: calendar.ReasonInvalidDate, Detail: raw}
	}
	return d, nil
}

// ParseDuration converts fractional hours into a duration. With roundUp the
// hours are ceiled to whole hours first.
func ParseDuration(hours float64, roundUp bool) (time.Duration, error) {
	return calendar.HoursToDuration(hours, roundUp)
}

// BookRequest converts boundary input into an engine request.
func (in Input) BookRequest(roundUp bool) (BookRequest, error) {
	date, err := ParseDate(in.Date)
	if err != nil {
		return BookRequest{}, err
	}
	start, err := calendar.ParseClock(in.StartTime)
	if err != nil {
		return BookRequest{}, &calendar.RequestError{Reason: "invalid start time", Detail: in.StartTime}
	}
	d, err := ParseDuration(in.DurationHours, roundUp)
	if err != nil {
		return BookRequest{}, err
	}
	return BookRequest{
		ProviderID: strings.TrimSpace(in.ProviderID),
		UserID:     strings.TrimSpace(in.UserID),
		Date:       date,
		Start:      start,
		Duration:   d,
	}, nil
}
