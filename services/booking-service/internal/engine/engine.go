// Package engine orchestrates availability queries and booking commits on top
// of the calendar model, the availability calculator and the booking ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-sql/civil"
	otelx "github.com/md-rashed-zaman/slotbook/libs/otel"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Outcome int

const (
	Committed Outcome = iota
	Conflict
	InvalidRequest
	StoreFailure
	Fault
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Conflict:
		return "conflict"
	case InvalidRequest:
		return "invalid_request"
	case StoreFailure:
		return "store_failure"
	default:
		return "fault"
	}
}

const (
	MessageBooked           = "booking confirmed"
	MessageConflict         = "slot no longer available, please choose another"
	MessageStoreFailure     = "booking could not be completed, please try again later"
	MessageFault            = "booking could not be processed"
	MessageUnknownUser      = "user identity is required"
	MessageProviderNotFound = "provider not found"
)

type BookRequest struct {
	ProviderID string
	UserID     string
	Date       civil.Date
	Start      calendar.Clock
	Duration   time.Duration
}

// Result is the single terminal answer of Book.
type Result struct {
	Success        bool
	Outcome        Outcome
	Message        string
	BookingGroupID string
	TotalPrice     decimal.Decimal
	Currency       string
	Appointments   []model.Appointment
	// Err is the underlying cause for logging; nil on success.
	Err error
}

type Config struct {
	Location    *time.Location
	Now         func() time.Time
	MaxAttempts int
	// InitialBackoff is the first delay between StoreFailure retries.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Engine holds no mutable state; concurrent calls are safe.
type Engine struct {
	providers catalog.Source
	ledger    ledger.Ledger
	loc       *time.Location
	now       func() time.Time
	attempts  int
	initial   time.Duration
	max       time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(providers catalog.Source, l ledger.Ledger, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Engine{
		providers: providers,
		ledger:    l,
		loc:       cfg.Location,
		now:       cfg.Now,
		attempts:  cfg.MaxAttempts,
		initial:   cfg.InitialBackoff,
		max:       cfg.MaxBackoff,
		logger:    cfg.Logger,
		tracer:    otelx.Tracer("slotbook/engine"),
	}
}

// Today is the provider-local date and minute-of-day of the engine clock.
func (e *Engine) Today() (civil.Date, calendar.Clock) {
	now := e.now().In(e.loc)
	return civil.DateOf(now), calendar.ClockOf(now.Hour(), now.Minute())
}

func (e *Engine) provider(ctx context.Context, id string) (model.Provider, error) {
	p, err := e.providers.Provider(ctx, id)
	if err != nil {
		return model.Provider{}, err
	}
	if err := p.Calendar.Validate(); err != nil {
		return model.Provider{}, fmt.Errorf("provider %s: %w", id, err)
	}
	return p, nil
}

// GetAvailability lists candidate slots for a booking of length d. Inactive
// providers, non-working days and past dates yield no slots and no error.
// Unknown providers return catalog.ErrProviderNotFound.
func (e *Engine) GetAvailability(ctx context.Context, providerID string, date civil.Date, d time.Duration) ([]availability.Slot, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GetAvailability", trace.WithAttributes(
		attribute.String("provider.id", providerID),
		attribute.String("date", date.String()),
		attribute.Float64("duration.hours", d.Hours()),
	))
	defer span.End()

	p, err := e.provider(ctx, providerID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	today, nowClock := e.Today()
	if d <= 0 || !calendar.IsDateBookable(p.Calendar, date, today) {
		return nil, nil
	}

	committed, err := e.ledger.Committed(ctx, providerID, date)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	cutoff := availability.NoCutoff
	if date == today {
		cutoff = nowClock
	}
	slots := availability.Compute(p.Calendar, date, d, ledger.Intervals(committed), cutoff)
	span.SetAttributes(attribute.Int("slots.available", availability.CountAvailable(slots)))
	return slots, nil
}

// Book validates the request against the provider calendar and reserves it
// in the ledger. Conflicts are final; store failures are retried with
// exponential backoff up to the configured attempt count.
func (e *Engine) Book(ctx context.Context, req BookRequest) Result {
	ctx, span := e.tracer.Start(ctx, "engine.Book", trace.WithAttributes(
		attribute.String("provider.id", req.ProviderID),
		attribute.String("date", req.Date.String()),
		attribute.String("start", req.Start.String()),
		attribute.Float64("duration.hours", req.Duration.Hours()),
	))
	defer span.End()

	res := e.book(ctx, req)
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if !res.Success {
		span.SetStatus(codes.Error, res.Message)
	}

	logArgs := []any{
		"provider_id", req.ProviderID,
		"user_id", req.UserID,
		"date", req.Date.String(),
		"start", req.Start.String(),
		"outcome", res.Outcome.String(),
	}
	switch res.Outcome {
	case Committed:
		e.logger.Info("booking committed", append(logArgs, "booking_group_id", res.BookingGroupID)...)
	case StoreFailure, Fault:
		e.logger.Error("booking failed", append(logArgs, "err", res.Err)...)
	default:
		e.logger.Debug("booking rejected", append(logArgs, "reason", res.Message)...)
	}
	return res
}

func (e *Engine) book(ctx context.Context, req BookRequest) Result {
	if req.UserID == "" {
		return rejected(InvalidRequest, MessageUnknownUser, nil)
	}
	p, err := e.provider(ctx, req.ProviderID)
	if errors.Is(err, catalog.ErrProviderNotFound) {
		return rejected(Fault, MessageProviderNotFound, err)
	}
	if err != nil {
		return rejected(Fault, MessageFault, err)
	}

	today, nowClock := e.Today()
	if err := calendar.CheckRequest(p.Calendar, req.Date, req.Start, req.Duration, today, nowClock); err != nil {
		var re *calendar.RequestError
		if errors.As(err, &re) {
			return rejected(InvalidRequest, re.Reason, err)
		}
		return rejected(InvalidRequest, err.Error(), err)
	}

	receipt, err := e.reserve(ctx, ledger.Reservation{
		ProviderID:  p.ID,
		UserID:      req.UserID,
		Date:        req.Date,
		Start:       req.Start,
		Duration:    req.Duration,
		Granularity: p.Calendar.Granularity,
		HourlyRate:  p.HourlyRate,
		Currency:    p.Currency,
	})
	switch {
	case err == nil:
		return Result{
			Success:        true,
			Outcome:        Committed,
			Message:        MessageBooked,
			BookingGroupID: receipt.BookingGroupID,
			TotalPrice:     receipt.TotalPrice,
			Currency:       receipt.Currency,
			Appointments:   receipt.Appointments,
		}
	case errors.Is(err, ledger.ErrConflict):
		return rejected(Conflict, MessageConflict, err)
	case errors.Is(err, ledger.ErrInvalidReservation):
		return rejected(InvalidRequest, err.Error(), err)
	case errors.Is(err, ledger.ErrStoreFailure), ctx.Err() != nil:
		return rejected(StoreFailure, MessageStoreFailure, err)
	default:
		return rejected(Fault, MessageFault, err)
	}
}

func (e *Engine) reserve(ctx context.Context, r ledger.Reservation) (ledger.Receipt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = e.max

	attempt := 0
	uncertain := false
	op := func() (ledger.Receipt, error) {
		attempt++
		rec, err := e.ledger.Reserve(ctx, r)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ledger.ErrStoreFailure) {
			uncertain = true
			e.logger.Warn("ledger reserve failed, retrying", "attempt", attempt, "provider_id", r.ProviderID, "err", err)
			return rec, err
		}
		if uncertain && errors.Is(err, ledger.ErrConflict) {
			// An earlier attempt may have committed before its reply was lost.
			if prior, ok := e.priorCommit(ctx, r); ok {
				e.logger.Info("earlier attempt had committed", "attempt", attempt, "booking_group_id", prior.BookingGroupID)
				return prior, nil
			}
		}
		return rec, backoff.Permanent(err)
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.attempts)))
}

// priorCommit looks for an active booking group of r.UserID that covers
// exactly [r.Start, r.Start+r.Duration).
func (e *Engine) priorCommit(ctx context.Context, r ledger.Reservation) (ledger.Receipt, bool) {
	rows, err := e.ledger.ListUserOnDate(ctx, r.ProviderID, r.UserID, r.Date)
	if err != nil {
		e.logger.Warn("cannot check for an earlier commit", "provider_id", r.ProviderID, "err", err)
		return ledger.Receipt{}, false
	}
	groups := map[string]*ledger.Receipt{}
	var order []string
	for _, a := range rows {
		if !a.Status.Active() {
			continue
		}
		g, ok := groups[a.BookingGroupID]
		if !ok {
			g = &ledger.Receipt{BookingGroupID: a.BookingGroupID, TotalPrice: decimal.Zero, Currency: a.Currency}
			groups[a.BookingGroupID] = g
			order = append(order, a.BookingGroupID)
		}
		g.Appointments = append(g.Appointments, a)
		g.TotalPrice = g.TotalPrice.Add(a.Price)
	}

	end := r.Start.Add(r.Duration)
	for _, id := range order {
		g := groups[id]
		first, last := g.Appointments[0].Start, g.Appointments[0].End()
		var covered time.Duration
		for _, a := range g.Appointments {
			first = min(first, a.Start)
			last = max(last, a.End())
			covered += a.Duration
		}
		if first == r.Start && last == end && covered == r.Duration {
			return *g, true
		}
	}
	return ledger.Receipt{}, false
}

func rejected(o Outcome, msg string, err error) Result {
	return Result{Outcome: o, Message: msg, Err: err}
}

// MyAppointments lists every appointment row of the user ordered by (date, start).
func (e *Engine) MyAppointments(ctx context.Context, userID string) ([]model.Appointment, error) {
	if userID == "" {
		return nil, errors.New(MessageUnknownUser)
	}
	return e.ledger.ListByUser(ctx, userID)
}

// UserBookingsOn lists the user's active rows with one provider on a date.
func (e *Engine) UserBookingsOn(ctx context.Context, providerID, userID string, date civil.Date) ([]model.Appointment, error) {
	if userID == "" {
		return nil, errors.New(MessageUnknownUser)
	}
	return e.ledger.ListUserOnDate(ctx, providerID, userID, date)
}

// Cancel releases a booking group owned by userID. It returns
// ledger.ErrNotFound when nothing active matched.
func (e *Engine) Cancel(ctx context.Context, bookingGroupID, userID string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Cancel", trace.WithAttributes(
		attribute.String("booking_group.id", bookingGroupID),
	))
	defer span.End()

	n, err := e.ledger.CancelGroup(ctx, bookingGroupID, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	e.logger.Info("booking cancelled", "booking_group_id", bookingGroupID, "user_id", userID, "rows", n)
	return n, nil
}
