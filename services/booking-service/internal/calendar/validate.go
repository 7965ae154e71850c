package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
)

// ErrInvalidRequest matches every RequestError.
var ErrInvalidRequest = errors.New("invalid booking request")

const (
	ReasonInactiveProvider    = "provider is not accepting bookings"
	ReasonInvalidDate         = "invalid date"
	ReasonPastDate            = "date is in the past"
	ReasonNonWorkingDay       = "provider does not work on this day"
	ReasonNonPositiveDuration = "duration must be positive"
	ReasonDurationTooLong     = "duration exceeds one day"
	ReasonDurationNotAligned  = "duration is not a multiple of the slot length"
	ReasonStartNotAligned     = "start time is not aligned to the slot grid"
	ReasonOutsideShift        = "requested time is outside the provider's shift"
	ReasonStartInPast         = "start time has already passed"
)

// RequestError is a booking request that violates the calendar. Reason is a
// stable, user-facing sentence.
type RequestError struct {
	Reason string
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

// CheckRequest validates a booking of [start, start+d) on date against cal.
// today is the provider-local date; nowClock is only consulted when date is today.
func CheckRequest(cal Calendar, date civil.Date, start Clock, d time.Duration, today civil.Date, nowClock Clock) error {
	if !cal.Active {
		return &RequestError{Reason: ReasonInactiveProvider}
	}
	if !date.IsValid() {
		return &RequestError{Reason: ReasonInvalidDate, Detail: date.String()}
	}
	if date.Before(today) {
		return &RequestError{Reason: ReasonPastDate, Detail: date.String()}
	}
	if !cal.WorksOn(date) {
		return &RequestError{Reason: ReasonNonWorkingDay, Detail: Weekday(date).String()}
	}
	if d <= 0 {
		return &RequestError{Reason: ReasonNonPositiveDuration}
	}
	if d%cal.Granularity != 0 {
		return &RequestError{Reason: ReasonDurationNotAligned, Detail: fmt.Sprintf("%s is not a multiple of %s", d, cal.Granularity)}
	}
	end := start.Add(d)
	if start.Before(cal.ShiftStart) || cal.ShiftEnd.Before(end) {
		return &RequestError{Reason: ReasonOutsideShift, Detail: fmt.Sprintf("%s-%s not within %s-%s", start, end, cal.ShiftStart, cal.ShiftEnd)}
	}
	if start.Sub(cal.ShiftStart)%cal.Granularity != 0 {
		return &RequestError{Reason: ReasonStartNotAligned, Detail: fmt.Sprintf("%s with %s slots from %s", start, cal.Granularity, cal.ShiftStart)}
	}
	if date == today && !nowClock.Before(start) {
		return &RequestError{Reason: ReasonStartInPast, Detail: start.String()}
	}
	return nil
}
