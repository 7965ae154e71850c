package rpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/md-rashed-zaman/slotbook/libs/auth"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// userMetadataKey carries the caller identity when the request body omits user_id.
var userMetadataKey = strings.ToLower(auth.UserHeader)

type Server struct {
	engine  *engine.Engine
	logger  *slog.Logger
	roundUp bool
}

func NewServer(eng *engine.Engine, logger *slog.Logger, roundUp bool) *Server {
	return &Server{engine: eng, logger: logger, roundUp: roundUp}
}

var _ BookingServiceServer = (*Server)(nil)

func (s *Server) GetAvailableSlots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := fields{in}
	providerID := f.str("provider_id")
	if providerID == "" {
		return nil, status.Error(codes.InvalidArgument, "provider_id is required")
	}
	date, err := engine.ParseDate(f.str("date"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	hours := f.num("duration_hours", 1)
	d, err := engine.ParseDuration(hours, s.roundUp)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	slots, err := s.engine.GetAvailability(ctx, providerID, date, d)
	if err != nil {
		return nil, s.toStatus(err)
	}
	list := make([]any, 0, len(slots))
	for _, sl := range slots {
		list = append(list, map[string]any{"slot_time": sl.Start.Long(), "is_available": sl.Available})
	}
	return structpb.NewStruct(map[string]any{"slots": list})
}

// BookAppointment answers every attempt with one result record, failures
// included; transport errors are reserved for the transport itself.
func (s *Server) BookAppointment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := fields{in}
	userID := f.str("user_id")
	if userID == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(userMetadataKey); len(vals) > 0 {
				userID = strings.TrimSpace(vals[0])
			}
		}
	}

	req, err := engine.Input{
		ProviderID:    f.str("provider_id"),
		UserID:        userID,
		Date:          f.str("date"),
		StartTime:     f.str("start_time"),
		DurationHours: f.num("duration_hours", 0),
	}.BookRequest(s.roundUp)
	if err != nil {
		return bookRecord(engine.Result{Outcome: engine.InvalidRequest, Message: reasonOf(err)})
	}
	return bookRecord(s.engine.Book(ctx, req))
}

func bookRecord(res engine.Result) (*structpb.Struct, error) {
	out := map[string]any{
		"success":          res.Success,
		"message":          res.Message,
		"outcome":          res.Outcome.String(),
		"booking_group_id": nil,
	}
	if res.Success {
		out["booking_group_id"] = res.BookingGroupID
		out["total_price"] = res.TotalPrice.StringFixed(2)
		out["currency"] = res.Currency
	}
	return structpb.NewStruct(out)
}

func reasonOf(err error) string {
	var re *calendar.RequestError
	if errors.As(err, &re) {
		return re.Reason
	}
	return err.Error()
}

func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, catalog.ErrProviderNotFound):
		return status.Error(codes.NotFound, "provider not found")
	case errors.Is(err, ledger.ErrStoreFailure):
		return status.Error(codes.Unavailable, engine.MessageStoreFailure)
	}
	s.logger.Error("availability lookup failed", "err", err)
	return status.Error(codes.Internal, "availability lookup failed")
}

type fields struct{ s *structpb.Struct }

func (f fields) str(key string) string {
	if f.s == nil {
		return ""
	}
	return strings.TrimSpace(f.s.GetFields()[key].GetStringValue())
}

func (f fields) num(key string, fallback float64) float64 {
	if f.s == nil {
		return fallback
	}
	v, ok := f.s.GetFields()[key]
	if !ok {
		return fallback
	}
	return v.GetNumberValue()
}
