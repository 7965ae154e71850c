package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotbook/libs/grpcx"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type downLedger struct{ *ledger.Memory }

func (downLedger) Reserve(context.Context, ledger.Reservation) (ledger.Receipt, error) {
	return ledger.Receipt{}, &ledger.StoreError{Op: "reserve", Err: errors.New("connection refused")}
}

func startServer(t *testing.T) *Client {
	t.Helper()
	return startServerWith(t, ledger.NewMemory())
}

func startServerWith(t *testing.T, l ledger.Ledger) *Client {
	t.Helper()
	p := model.Provider{
		ID:         "p",
		HourlyRate: decimal.RequireFromString("20"),
		Currency:   "USD",
		Calendar: calendar.Calendar{
			ProviderID:  "p",
			WorkingDays: calendar.MondayToFriday,
			ShiftStart:  calendar.ClockOf(9, 0),
			ShiftEnd:    calendar.ClockOf(17, 0),
			Granularity: time.Hour,
			Active:      true,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(catalog.NewStatic(p), l, engine.Config{
		Now:            func() time.Time { return time.Date(2025, 10, 20, 8, 0, 0, 0, time.UTC) },
		InitialBackoff: time.Millisecond,
		Logger:         logger,
	})

	srv := grpcx.NewServer()
	RegisterBookingServiceServer(srv, NewServer(eng, logger, true))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpcx.Dial(context.Background(), lis.Addr().String(), grpcx.DialOptions{WaitReady: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestGetAvailableSlots(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	slots, err := c.GetAvailableSlots(ctx, "p", "2025-10-21", 1)
	require.NoError(t, err)
	require.Len(t, slots, 8)
	assert.Equal(t, Slot{SlotTime: "09:00:00", IsAvailable: true}, slots[0])

	// 1.5 hours rounds up to two, so the last start is 15:00.
	slots, err = c.GetAvailableSlots(ctx, "p", "2025-10-21", 1.5)
	require.NoError(t, err)
	require.Len(t, slots, 7)
	assert.Equal(t, "15:00:00", slots[6].SlotTime)

	_, err = c.GetAvailableSlots(ctx, "ghost", "2025-10-21", 1)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.GetAvailableSlots(ctx, "p", "21.10.2025", 1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestBookAppointment(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	in := BookInput{ProviderID: "p", UserID: "u1", Date: "2025-10-21", StartTime: "14:00:00", DurationHours: 1}

	reply, err := c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.NotEmpty(t, reply.BookingGroupID)
	assert.Equal(t, "20.00", reply.TotalPrice)

	in.UserID = "u2"
	reply, err = c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "conflict", reply.Outcome)
	assert.Equal(t, engine.MessageConflict, reply.Message)
	assert.Empty(t, reply.BookingGroupID)

	in.StartTime = "13:30"
	reply, err = c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", reply.Outcome)

	slots, err := c.GetAvailableSlots(ctx, "p", "2025-10-21", 1)
	require.NoError(t, err)
	for _, s := range slots {
		assert.Equal(t, s.SlotTime != "14:00:00", s.IsAvailable, s.SlotTime)
	}
}

func TestBookAppointment_UserFromMetadata(t *testing.T) {
	c := startServer(t)
	in := BookInput{ProviderID: "p", Date: "2025-10-21", StartTime: "10:00", DurationHours: 1}

	reply, err := c.BookAppointment(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "invalid_request", reply.Outcome)
	assert.Equal(t, engine.MessageUnknownUser, reply.Message)

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-user-id", "u9")
	reply, err = c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.True(t, reply.Success)

	in.ProviderID = "ghost"
	reply, err = c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "fault", reply.Outcome)
	assert.Equal(t, engine.MessageProviderNotFound, reply.Message)
}

func TestBookAppointment_FailuresStillReturnRecord(t *testing.T) {
	c := startServerWith(t, downLedger{ledger.NewMemory()})
	ctx := context.Background()
	in := BookInput{ProviderID: "p", UserID: "u1", Date: "2025-10-21", StartTime: "14:00", DurationHours: 1}

	reply, err := c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "store_failure", reply.Outcome)
	assert.Equal(t, engine.MessageStoreFailure, reply.Message)
	assert.Empty(t, reply.BookingGroupID)

	in.StartTime = "2pm"
	reply, err = c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "invalid_request", reply.Outcome)
	assert.NotEmpty(t, reply.Message)

	in.StartTime, in.Date = "14:00", "21/10/2025"
	reply, err = c.BookAppointment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", reply.Outcome)
	assert.Equal(t, calendar.ReasonInvalidDate, reply.Message)
}
