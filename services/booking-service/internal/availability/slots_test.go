package availability

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
)

var tuesday = civil.Date{Year: 2025, Month: time.October, Day: 21}

func testCalendar() calendar.Calendar {
	return calendar.Calendar{
		ProviderID:  "p1",
		WorkingDays: calendar.MondayToFriday,
		ShiftStart:  calendar.ClockOf(9, 0),
		ShiftEnd:    calendar.ClockOf(17, 0),
		Granularity: time.Hour,
		Active:      true,
	}
}

func TestCompute_EmptyLedger(t *testing.T) {
	slots := Compute(testCalendar(), tuesday, time.Hour, nil, NoCutoff)
	if len(slots) != 8 {
		t.Fatalf("expected 8 slots, got %d", len(slots))
	}
	for i, s := range slots {
		if !s.Available {
			t.Fatalf("slot %s should be available", s.Start)
		}
		if want := calendar.ClockOf(9+i, 0); s.Start != want {
			t.Fatalf("slot %d: expected %s, got %s", i, want, s.Start)
		}
	}
}

func TestCompute_HalfOpenNeighbours(t *testing.T) {
	busy := []Interval{{Start: calendar.ClockOf(14, 0), End: calendar.ClockOf(15, 0)}}
	slots := Compute(testCalendar(), tuesday, time.Hour, busy, NoCutoff)

	byStart := map[calendar.Clock]bool{}
	for _, s := range slots {
		byStart[s.Start] = s.Available
	}
	if byStart[calendar.ClockOf(14, 0)] {
		t.Fatalf("14:00 overlaps a committed interval")
	}
	if !byStart[calendar.ClockOf(13, 0)] || !byStart[calendar.ClockOf(15, 0)] {
		t.Fatalf("intervals touching 14:00-15:00 must stay available")
	}
	if CountAvailable(slots) != 7 {
		t.Fatalf("expected 7 available, got %d", CountAvailable(slots))
	}
}

func TestCompute_MultiHourDuration(t *testing.T) {
	busy := []Interval{{Start: calendar.ClockOf(12, 0), End: calendar.ClockOf(13, 0)}}
	slots := Compute(testCalendar(), tuesday, 2*time.Hour, busy, NoCutoff)
	// 09..15 are candidate starts; 11:00 and 12:00 collide with 12-13.
	if len(slots) != 7 {
		t.Fatalf("expected 7 candidate starts, got %d", len(slots))
	}
	for _, s := range slots {
		blocked := s.Start == calendar.ClockOf(11, 0) || s.Start == calendar.ClockOf(12, 0)
		if s.Available == blocked {
			t.Fatalf("slot %s availability %v unexpected", s.Start, s.Available)
		}
	}
}

func TestCompute_SkipsPast(t *testing.T) {
	slots := Compute(testCalendar(), tuesday, time.Hour, nil, calendar.ClockOf(11, 31))
	// 09:00, 10:00, 11:00 have started.
	if CountAvailable(slots) != 5 {
		t.Fatalf("expected 5 available, got %d", CountAvailable(slots))
	}
	if slots[2].Available || !slots[3].Available {
		t.Fatalf("cutoff applied at the wrong slot")
	}
}

func TestCompute_NonWorkingDay(t *testing.T) {
	sunday := civil.Date{Year: 2025, Month: time.October, Day: 26}
	if slots := Compute(testCalendar(), sunday, time.Hour, nil, NoCutoff); len(slots) != 0 {
		t.Fatalf("expected no slots on a non-working day, got %d", len(slots))
	}
}

func TestCompute_DurationLongerThanShift(t *testing.T) {
	if slots := Compute(testCalendar(), tuesday, 9*time.Hour, nil, NoCutoff); slots != nil {
		t.Fatalf("expected nil, got %d slots", len(slots))
	}
}

func TestCompute_Deterministic(t *testing.T) {
	busy := []Interval{{Start: calendar.ClockOf(10, 0), End: calendar.ClockOf(11, 30)}}
	a := Compute(testCalendar(), tuesday, time.Hour, busy, NoCutoff)
	b := Compute(testCalendar(), tuesday, time.Hour, busy, NoCutoff)
	if len(a) != len(b) {
		t.Fatalf("length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("slot %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
