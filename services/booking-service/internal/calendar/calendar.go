// Package calendar holds the provider working-calendar model: shift window,
// working weekdays and slot granularity, plus the pure functions that turn a
// calendar into candidate slot starts and validate booking requests against it.
package calendar

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-sql/civil"
)

// Calendar is a provider's working calendar. It is read-only input owned by
// the provider-management collaborator.
type Calendar struct {
	ProviderID  string
	WorkingDays Weekdays
	ShiftStart  Clock
	ShiftEnd    Clock
	Granularity time.Duration
	Active      bool
}

var ErrInvalidCalendar = errors.New("invalid provider calendar")

func (c Calendar) Validate() error {
	if !c.ShiftStart.Valid() || !c.ShiftEnd.Valid() || !c.ShiftStart.Before(c.ShiftEnd) {
		return fmt.Errorf("%w: shift %s-%s", ErrInvalidCalendar, c.ShiftStart, c.ShiftEnd)
	}
	if c.Granularity < time.Minute || c.Granularity%time.Minute != 0 {
		return fmt.Errorf("%w: granularity %s must be whole minutes", ErrInvalidCalendar, c.Granularity)
	}
	if c.Active && c.WorkingDays.Empty() {
		return fmt.Errorf("%w: active provider has no working days", ErrInvalidCalendar)
	}
	return nil
}

func (c Calendar) ShiftSpan() time.Duration {
	return c.ShiftEnd.Sub(c.ShiftStart)
}

// Weekday of a civil date. Dates carry no zone, so UTC is as good as any.
func Weekday(d civil.Date) time.Weekday {
	return d.In(time.UTC).Weekday()
}

func (c Calendar) WorksOn(date civil.Date) bool {
	return c.WorkingDays.Has(Weekday(date))
}

// EnumerateSlotStarts returns every granularity-aligned start t with
// t >= ShiftStart and t+d <= ShiftEnd, ascending. It is empty when the provider
// is inactive, does not work on the date's weekday, or d does not fit the shift.
func EnumerateSlotStarts(cal Calendar, date civil.Date, d time.Duration) []Clock {
	if !cal.Active || d <= 0 || cal.Granularity <= 0 {
		return nil
	}
	if !cal.WorksOn(date) || d > cal.ShiftSpan() {
		return nil
	}
	var starts []Clock
	for t := cal.ShiftStart; !cal.ShiftEnd.Before(t.Add(d)); t = t.Add(cal.Granularity) {
		starts = append(starts, t)
	}
	return starts
}

// IsDateBookable reports whether any booking could be made on date, given
// today's provider-local date.
func IsDateBookable(cal Calendar, date, today civil.Date) bool {
	if !cal.Active || !date.IsValid() {
		return false
	}
	if date.Before(today) {
		return false
	}
	return cal.WorksOn(date)
}

// Today is the provider-local calendar date of now.
func Today(now time.Time, loc *time.Location) civil.Date {
	return civil.DateOf(now.In(loc))
}

// HoursToDuration converts a fractional hour count from the caller-facing
// boundary into a duration rounded to the minute. With roundUpToHour the value
// is first ceiled to whole hours.
func HoursToDuration(hours float64, roundUpToHour bool) (time.Duration, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours <= 0 {
		return 0, &RequestError{Reason: ReasonNonPositiveDuration}
	}
	if hours > 24 {
		return 0, &RequestError{Reason: ReasonDurationTooLong}
	}
	if roundUpToHour {
		hours = math.Ceil(hours)
	}
	return time.Duration(math.Round(hours*60)) * time.Minute, nil
}
