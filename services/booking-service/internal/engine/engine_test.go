package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	monday  = civil.Date{Year: 2025, Month: time.October, Day: 20}
	tuesday = civil.Date{Year: 2025, Month: time.October, Day: 21}
	sunday  = civil.Date{Year: 2025, Month: time.October, Day: 26}
)

func provider(id string) model.Provider {
	return model.Provider{
		ID:         id,
		Name:       "Provider " + id,
		HourlyRate: decimal.RequireFromString("45.00"),
		Currency:   "USD",
		Calendar: calendar.Calendar{
			ProviderID:  id,
			WorkingDays: calendar.MondayToFriday,
			ShiftStart:  calendar.ClockOf(9, 0),
			ShiftEnd:    calendar.ClockOf(17, 0),
			Granularity: time.Hour,
			Active:      true,
		},
	}
}

// fixedNow is Monday 2025-10-20 10:15 UTC.
func fixedNow() time.Time {
	return time.Date(2025, 10, 20, 10, 15, 0, 0, time.UTC)
}

func newEngine(t *testing.T, l ledger.Ledger, providers ...model.Provider) *Engine {
	t.Helper()
	if len(providers) == 0 {
		providers = []model.Provider{provider("p")}
	}
	return New(catalog.NewStatic(providers...), l, Config{
		Now:            fixedNow,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func book(e *Engine, user string, date civil.Date, start calendar.Clock, d time.Duration) Result {
	return e.Book(context.Background(), BookRequest{ProviderID: "p", UserID: user, Date: date, Start: start, Duration: d})
}

func TestScenarioA_FreshCalendarHasEightSlots(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	slots, err := e.GetAvailability(context.Background(), "p", tuesday, time.Hour)
	require.NoError(t, err)
	require.Len(t, slots, 8)
	for _, s := range slots {
		assert.True(t, s.Available, s.Start.String())
	}
}

func TestScenarioB_SecondBookingOfSameSlotConflicts(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())

	first := book(e, "u1", tuesday, calendar.ClockOf(14, 0), time.Hour)
	require.True(t, first.Success, first.Message)
	assert.Equal(t, Committed, first.Outcome)
	assert.NotEmpty(t, first.BookingGroupID)
	assert.True(t, decimal.RequireFromString("45").Equal(first.TotalPrice))

	second := book(e, "u2", tuesday, calendar.ClockOf(14, 0), time.Hour)
	assert.False(t, second.Success)
	assert.Equal(t, Conflict, second.Outcome)
	assert.Equal(t, MessageConflict, second.Message)
	assert.Empty(t, second.BookingGroupID)

	third := book(e, "u2", tuesday, calendar.ClockOf(15, 0), time.Hour)
	assert.True(t, third.Success, third.Message)
}

func TestScenarioC_MisalignedStartIsInvalid(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	res := book(e, "u1", tuesday, calendar.ClockOf(13, 30), time.Hour)
	assert.False(t, res.Success)
	assert.Equal(t, InvalidRequest, res.Outcome)
	assert.Equal(t, calendar.ReasonStartNotAligned, res.Message)
	assert.ErrorIs(t, res.Err, calendar.ErrInvalidRequest)
}

func TestScenarioD_SimultaneousIdenticalBookings(t *testing.T) {
	for trial := 0; trial < 1000; trial++ {
		e := newEngine(t, ledger.NewMemory())
		results := make([]Result, 2)
		var wg sync.WaitGroup
		gate := make(chan struct{})
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-gate
				results[i] = book(e, "u", tuesday, calendar.ClockOf(14, 0), time.Hour)
			}(i)
		}
		close(gate)
		wg.Wait()

		outcomes := map[Outcome]int{}
		for _, r := range results {
			outcomes[r.Outcome]++
		}
		require.Equal(t, 1, outcomes[Committed], "trial %d: %v", trial, outcomes)
		require.Equal(t, 1, outcomes[Conflict], "trial %d: %v", trial, outcomes)
	}
}

func TestBook_OverlappingMultiHourRequestsNeverBothCommit(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	starts := []calendar.Clock{calendar.ClockOf(9, 0), calendar.ClockOf(10, 0), calendar.ClockOf(11, 0), calendar.ClockOf(12, 0)}

	var wg sync.WaitGroup
	var committed atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if book(e, "u", tuesday, starts[i%len(starts)], 3*time.Hour).Success {
				committed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	rows, err := e.ledger.Committed(context.Background(), "p", tuesday)
	require.NoError(t, err)
	for i := 1; i < len(rows); i++ {
		require.False(t, availability.Overlaps(rows[i-1].Start, rows[i-1].End(), rows[i].Start, rows[i].End()),
			"rows %d and %d overlap", i-1, i)
	}
	assert.Equal(t, int(committed.Load())*3, len(rows))
}

// disjointRace books non-overlapping intervals of one provider and date at
// the same instant.
func disjointRace(e *Engine, date civil.Date) []Result {
	requests := []struct {
		start calendar.Clock
		d     time.Duration
	}{
		{calendar.ClockOf(9, 0), 2 * time.Hour},
		{calendar.ClockOf(11, 0), time.Hour},
		{calendar.ClockOf(12, 0), time.Hour},
		{calendar.ClockOf(13, 0), 2 * time.Hour},
		{calendar.ClockOf(15, 0), 2 * time.Hour},
	}
	results := make([]Result, len(requests))
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i, r := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			results[i] = e.Book(context.Background(), BookRequest{ProviderID: "p", UserID: "u", Date: date, Start: r.start, Duration: r.d})
		}()
	}
	close(gate)
	wg.Wait()
	return results
}

func TestBook_ConcurrentDisjointIntervalsAllCommit(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		for trial := 0; trial < 200; trial++ {
			for i, r := range disjointRace(newEngine(t, ledger.NewMemory()), tuesday) {
				require.Equal(t, Committed, r.Outcome, "trial %d request %d: %s", trial, i, r.Message)
			}
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		ctx := context.Background()
		sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlDB.Close() })
		require.NoError(t, storage.MigrateSQLite(ctx, sqlDB))
		e := newEngine(t, storage.NewSQLiteLedger(sqlDB))

		for trial := 0; trial < 20; trial++ {
			date := tuesday.AddDays(7 * trial)
			for i, r := range disjointRace(e, date) {
				require.Equal(t, Committed, r.Outcome, "trial %d request %d: %s (%v)", trial, i, r.Message, r.Err)
			}
			rows, err := e.ledger.Committed(ctx, "p", date)
			require.NoError(t, err)
			assert.Len(t, rows, 8)
		}
	})
}

func TestGetAvailability_ReflectsLedger(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	require.True(t, book(e, "u1", tuesday, calendar.ClockOf(10, 0), 2*time.Hour).Success)

	slots, err := e.GetAvailability(context.Background(), "p", tuesday, time.Hour)
	require.NoError(t, err)
	for _, s := range slots {
		busy := s.Start == calendar.ClockOf(10, 0) || s.Start == calendar.ClockOf(11, 0)
		assert.Equal(t, !busy, s.Available, s.Start.String())
	}

	again, err := e.GetAvailability(context.Background(), "p", tuesday, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, slots, again)

	res := book(e, "u2", tuesday, calendar.ClockOf(11, 0), time.Hour)
	assert.Equal(t, Conflict, res.Outcome)
}

func TestGetAvailability_EmptyCases(t *testing.T) {
	inactive := provider("off")
	inactive.Calendar.Active = false
	e := newEngine(t, ledger.NewMemory(), provider("p"), inactive)
	ctx := context.Background()

	slots, err := e.GetAvailability(ctx, "p", sunday, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, slots)

	slots, err = e.GetAvailability(ctx, "p", monday.AddDays(-7), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, slots)

	slots, err = e.GetAvailability(ctx, "off", tuesday, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, slots)

	_, err = e.GetAvailability(ctx, "nobody", tuesday, time.Hour)
	assert.ErrorIs(t, err, catalog.ErrProviderNotFound)
}

func TestGetAvailability_TodayMarksStartedSlots(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	slots, err := e.GetAvailability(context.Background(), "p", monday, time.Hour)
	require.NoError(t, err)
	require.Len(t, slots, 8)
	// now is 10:15: 09:00 and 10:00 have started.
	assert.False(t, slots[0].Available)
	assert.False(t, slots[1].Available)
	assert.True(t, slots[2].Available)
}

func TestBook_PastAndUnknown(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())

	res := book(e, "u1", monday.AddDays(-1), calendar.ClockOf(10, 0), time.Hour)
	assert.Equal(t, InvalidRequest, res.Outcome)
	assert.Equal(t, calendar.ReasonPastDate, res.Message)

	res = book(e, "u1", monday, calendar.ClockOf(10, 0), time.Hour)
	assert.Equal(t, InvalidRequest, res.Outcome)
	assert.Equal(t, calendar.ReasonStartInPast, res.Message)

	res = book(e, "", tuesday, calendar.ClockOf(10, 0), time.Hour)
	assert.Equal(t, InvalidRequest, res.Outcome)

	res = e.Book(context.Background(), BookRequest{ProviderID: "nobody", UserID: "u1", Date: tuesday, Start: calendar.ClockOf(10, 0), Duration: time.Hour})
	assert.Equal(t, Fault, res.Outcome)
	assert.Equal(t, MessageProviderNotFound, res.Message)
	assert.ErrorIs(t, res.Err, catalog.ErrProviderNotFound)
}

// flakyLedger fails the first failures reservations with a store error.
type flakyLedger struct {
	*ledger.Memory
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyLedger) Reserve(ctx context.Context, r ledger.Reservation) (ledger.Receipt, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return ledger.Receipt{}, f.err
	}
	return f.Memory.Reserve(ctx, r)
}

func TestBook_RetriesStoreFailure(t *testing.T) {
	fl := &flakyLedger{Memory: ledger.NewMemory(), failures: 2, err: &ledger.StoreError{Op: "reserve", Err: errors.New("connection reset")}}
	e := newEngine(t, fl)

	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), time.Hour)
	require.True(t, res.Success, res.Message)
	assert.EqualValues(t, 3, fl.calls.Load())
}

func TestBook_StoreFailureAfterRetriesIsDistinctFromConflict(t *testing.T) {
	fl := &flakyLedger{Memory: ledger.NewMemory(), failures: 100, err: &ledger.StoreError{Op: "reserve", Err: errors.New("timeout")}}
	e := newEngine(t, fl)

	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), time.Hour)
	assert.False(t, res.Success)
	assert.Equal(t, StoreFailure, res.Outcome)
	assert.Equal(t, MessageStoreFailure, res.Message)
	assert.EqualValues(t, 3, fl.calls.Load())

	rows, err := fl.Memory.Committed(context.Background(), "p", tuesday)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// lostReplyLedger commits the first reservation but reports a store error,
// as when the connection drops after the transaction lands.
type lostReplyLedger struct {
	*ledger.Memory
	calls atomic.Int32
}

func (l *lostReplyLedger) Reserve(ctx context.Context, r ledger.Reservation) (ledger.Receipt, error) {
	rec, err := l.Memory.Reserve(ctx, r)
	if l.calls.Add(1) == 1 && err == nil {
		return ledger.Receipt{}, &ledger.StoreError{Op: "commit", Err: errors.New("connection reset")}
	}
	return rec, err
}

func TestBook_RetryFindsEarlierCommit(t *testing.T) {
	l := &lostReplyLedger{Memory: ledger.NewMemory()}
	e := newEngine(t, l)

	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), 2*time.Hour)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, Committed, res.Outcome)
	assert.EqualValues(t, 2, l.calls.Load())
	assert.NotEmpty(t, res.BookingGroupID)
	assert.True(t, decimal.RequireFromString("90").Equal(res.TotalPrice), res.TotalPrice.String())
	assert.Len(t, res.Appointments, 2)

	rows, err := l.Memory.Committed(context.Background(), "p", tuesday)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, res.BookingGroupID, rows[0].BookingGroupID)
}

func TestBook_RetryConflictWithOtherUserStaysConflict(t *testing.T) {
	mem := ledger.NewMemory()
	_, err := mem.Reserve(context.Background(), ledger.Reservation{
		ProviderID: "p", UserID: "u2", Date: tuesday, Start: calendar.ClockOf(9, 0),
		Duration: time.Hour, Granularity: time.Hour, HourlyRate: decimal.RequireFromString("45"), Currency: "USD",
	})
	require.NoError(t, err)
	fl := &flakyLedger{Memory: mem, failures: 1, err: &ledger.StoreError{Op: "reserve", Err: errors.New("timeout")}}
	e := newEngine(t, fl)

	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), time.Hour)
	assert.False(t, res.Success)
	assert.Equal(t, Conflict, res.Outcome)
	assert.EqualValues(t, 2, fl.calls.Load())
}

func TestBook_RetryDoesNotClaimPartialOverlap(t *testing.T) {
	mem := ledger.NewMemory()
	_, err := mem.Reserve(context.Background(), ledger.Reservation{
		ProviderID: "p", UserID: "u1", Date: tuesday, Start: calendar.ClockOf(9, 0),
		Duration: time.Hour, Granularity: time.Hour, HourlyRate: decimal.RequireFromString("45"), Currency: "USD",
	})
	require.NoError(t, err)
	fl := &flakyLedger{Memory: mem, failures: 1, err: &ledger.StoreError{Op: "reserve", Err: errors.New("timeout")}}
	e := newEngine(t, fl)

	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), 2*time.Hour)
	assert.Equal(t, Conflict, res.Outcome)
	assert.Empty(t, res.BookingGroupID)
}

func TestBook_ConflictIsNotRetried(t *testing.T) {
	fl := &flakyLedger{Memory: ledger.NewMemory(), failures: 100, err: ledger.ErrConflict}
	e := newEngine(t, fl)
	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), time.Hour)
	assert.Equal(t, Conflict, res.Outcome)
	assert.EqualValues(t, 1, fl.calls.Load())
}

func TestBook_UnexpectedErrorIsFault(t *testing.T) {
	fl := &flakyLedger{Memory: ledger.NewMemory(), failures: 100, err: errors.New("schema mismatch")}
	e := newEngine(t, fl)
	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), time.Hour)
	assert.Equal(t, Fault, res.Outcome)
	assert.EqualValues(t, 1, fl.calls.Load())
}

func TestCancelAndListing(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	ctx := context.Background()

	wed := book(e, "u1", tuesday.AddDays(1), calendar.ClockOf(9, 0), time.Hour)
	require.True(t, wed.Success)
	tue := book(e, "u1", tuesday, calendar.ClockOf(15, 0), 2*time.Hour)
	require.True(t, tue.Success)
	assert.True(t, decimal.RequireFromString("90").Equal(tue.TotalPrice))

	mine, err := e.MyAppointments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, tuesday, mine[0].Date)
	assert.Equal(t, calendar.ClockOf(16, 0), mine[1].Start)
	assert.Equal(t, tuesday.AddDays(1), mine[2].Date)

	day, err := e.UserBookingsOn(ctx, "p", "u1", tuesday)
	require.NoError(t, err)
	assert.Len(t, day, 2)

	n, err := e.Cancel(ctx, tue.BookingGroupID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = e.Cancel(ctx, tue.BookingGroupID, "u1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	assert.True(t, book(e, "u2", tuesday, calendar.ClockOf(15, 0), time.Hour).Success)

	_, err = e.MyAppointments(ctx, "")
	assert.Error(t, err)
}

func TestInputBookRequest(t *testing.T) {
	req, err := Input{ProviderID: " p ", UserID: "u1", Date: "2025-10-21", StartTime: "14:00:00", DurationHours: 1.5}.BookRequest(false)
	require.NoError(t, err)
	assert.Equal(t, "p", req.ProviderID)
	assert.Equal(t, tuesday, req.Date)
	assert.Equal(t, calendar.ClockOf(14, 0), req.Start)
	assert.Equal(t, 90*time.Minute, req.Duration)

	req, err = Input{ProviderID: "p", UserID: "u1", Date: "2025-10-21", StartTime: "14:00", DurationHours: 1.5}.BookRequest(true)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, req.Duration)

	for _, in := range []Input{
		{Date: "21/10/2025", StartTime: "14:00", DurationHours: 1},
		{Date: "2025-02-30", StartTime: "14:00", DurationHours: 1},
		{Date: "2025-10-21", StartTime: "2pm", DurationHours: 1},
		{Date: "2025-10-21", StartTime: "14:00", DurationHours: 0},
	} {
		_, err := in.BookRequest(false)
		assert.ErrorIs(t, err, calendar.ErrInvalidRequest, "%+v", in)
	}
}

func TestBook_HalfHourRequestAgainstHourlyGrid(t *testing.T) {
	e := newEngine(t, ledger.NewMemory())
	res := book(e, "u1", tuesday, calendar.ClockOf(9, 0), 30*time.Minute)
	assert.Equal(t, InvalidRequest, res.Outcome)
	assert.Equal(t, calendar.ReasonDurationNotAligned, res.Message)
}
