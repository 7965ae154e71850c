package availability

import (
	"time"

	"github.com/golang-sql/civil"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
)

// Interval is a committed half-open range [Start, End) on one provider date.
type Interval struct {
	Start calendar.Clock
	End   calendar.Clock
}

type Slot struct {
	Start     calendar.Clock
	Available bool
}

// NoCutoff disables the same-day past-start check.
const NoCutoff calendar.Clock = -1

// Compute annotates every candidate start of cal on date with whether a booking
// of length d would be free of the committed intervals. Starts at or before
// cutoff are reported unavailable; pass NoCutoff for dates other than today.
func Compute(cal calendar.Calendar, date civil.Date, d time.Duration, committed []Interval, cutoff calendar.Clock) []Slot {
	starts := calendar.EnumerateSlotStarts(cal, date, d)
	if len(starts) == 0 {
		return nil
	}
	slots := make([]Slot, 0, len(starts))
	for _, t := range starts {
		free := t > cutoff && !overlapsAny(t, t.Add(d), committed)
		slots = append(slots, Slot{Start: t, Available: free})
	}
	return slots
}

// Overlaps reports whether [aStart,aEnd) and [bStart,bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd calendar.Clock) bool {
	return aStart < bEnd && bStart < aEnd
}

func overlapsAny(start, end calendar.Clock, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}

// CountAvailable is a small helper for callers that only need the tally.
func CountAvailable(slots []Slot) int {
	n := 0
	for _, s := range slots {
		if s.Available {
			n++
		}
	}
	return n
}
