package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/slotbook/libs/auth"
	"github.com/md-rashed-zaman/slotbook/libs/httpx"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

type BookingHandler struct {
	engine   *engine.Engine
	logger   *slog.Logger
	validate *validator.Validate
	roundUp  bool
}

// NewBookingHandler serves the booking API. With roundUp, fractional
// duration_hours are ceiled to whole hours before reaching the engine.
func NewBookingHandler(eng *engine.Engine, logger *slog.Logger, roundUp bool) *BookingHandler {
	return &BookingHandler{
		engine:   eng,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		roundUp:  roundUp,
	}
}

func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/public/slots", h.Slots)
	mux.HandleFunc("/api/v1/public/book", h.Book)
	mux.HandleFunc("/api/v1/appointments", h.List)
	mux.HandleFunc("/api/v1/appointments/day", h.Day)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
}

type slotsQuery struct {
	ProviderID    string  `validate:"required"`
	Date          string  `validate:"required,datetime=2006-01-02"`
	DurationHours float64 `validate:"gt=0,lte=24"`
}

type slotItem struct {
	SlotTime    string `json:"slot_time"`
	IsAvailable bool   `json:"is_available"`
}

type bookRequest struct {
	ProviderID    string  `json:"provider_id" validate:"required"`
	Date          string  `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime     string  `json:"start_time" validate:"required"`
	DurationHours float64 `json:"duration_hours" validate:"gt=0,lte=24"`
}

type bookResponse struct {
	Success        bool    `json:"success"`
	Message        string  `json:"message"`
	BookingGroupID *string `json:"booking_group_id"`
	TotalPrice     string  `json:"total_price,omitempty"`
	Currency       string  `json:"currency,omitempty"`
}

type appointmentItem struct {
	ID             string  `json:"id"`
	BookingGroupID string  `json:"booking_group_id"`
	ProviderID     string  `json:"provider_id"`
	Date           string  `json:"appointment_date"`
	TimeSlot       string  `json:"time_slot"`
	DurationHours  float64 `json:"duration_hours"`
	Status         string  `json:"status"`
	Price          string  `json:"total_price"`
	Currency       string  `json:"currency"`
	CreatedAt      string  `json:"created_at"`
	CancelledAt    string  `json:"cancelled_at,omitempty"`
}

type cancelRequest struct {
	BookingGroupID string `json:"booking_group_id" validate:"required"`
}

type cancelResponse struct {
	BookingGroupID string `json:"booking_group_id"`
	Status         string `json:"status"`
	Cancelled      int    `json:"cancelled"`
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := slotsQuery{
		ProviderID:    strings.TrimSpace(r.URL.Query().Get("provider_id")),
		Date:          strings.TrimSpace(r.URL.Query().Get("date")),
		DurationHours: 1,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("duration_hours")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "invalid duration_hours")
			return
		}
		q.DurationHours = v
	}
	if err := h.validate.Struct(q); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "provider_id, date (YYYY-MM-DD) and a positive duration_hours are required")
		return
	}

	date, err := engine.ParseDate(q.Date)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := engine.ParseDuration(q.DurationHours, h.roundUp)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	slots, err := h.engine.GetAvailability(r.Context(), q.ProviderID, date, d)
	if err != nil {
		h.writeEngineError(w, r, err, "failed to load slots")
		return
	}

	resp := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, slotItem{SlotTime: s.Start.Long(), IsAvailable: s.Available})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httpx.WriteJSON(w, http.StatusUnauthorized, bookResponse{Message: engine.MessageUnknownUser})
		return
	}

	var req bookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, bookResponse{Message: "invalid json body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, bookResponse{Message: "provider_id, date, start_time and a positive duration_hours are required"})
		return
	}

	in := engine.Input{
		ProviderID:    req.ProviderID,
		UserID:        userID,
		Date:          req.Date,
		StartTime:     req.StartTime,
		DurationHours: req.DurationHours,
	}
	bookReq, err := in.BookRequest(h.roundUp)
	if err != nil {
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, bookResponse{Message: reasonOf(err)})
		return
	}

	res := h.engine.Book(r.Context(), bookReq)
	resp := bookResponse{Success: res.Success, Message: res.Message}
	if res.Success {
		id := res.BookingGroupID
		resp.BookingGroupID = &id
		resp.TotalPrice = res.TotalPrice.StringFixed(2)
		resp.Currency = res.Currency
	}
	httpx.WriteJSON(w, StatusFor(res), resp)
}

// StatusFor maps a booking outcome onto an HTTP status.
func StatusFor(res engine.Result) int {
	switch res.Outcome {
	case engine.Committed:
		return http.StatusCreated
	case engine.Conflict:
		return http.StatusConflict
	case engine.InvalidRequest:
		return http.StatusUnprocessableEntity
	case engine.StoreFailure:
		return http.StatusServiceUnavailable
	}
	if errors.Is(res.Err, catalog.ErrProviderNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	appts, err := h.engine.MyAppointments(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, r, err, "failed to list appointments")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toItems(appts))
}

func (h *BookingHandler) Day(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "provider_id and date are required")
		return
	}
	date, err := engine.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "provider_id and date are required")
		return
	}

	appts, err := h.engine.UserBookingsOn(r.Context(), providerID, userID, date)
	if err != nil {
		h.writeEngineError(w, r, err, "failed to list appointments")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toItems(appts))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	req.BookingGroupID = strings.TrimSpace(req.BookingGroupID)
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "booking_group_id required")
		return
	}

	n, err := h.engine.Cancel(r.Context(), req.BookingGroupID, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "booking not found")
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err, "failed to cancel booking")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cancelResponse{
		BookingGroupID: req.BookingGroupID,
		Status:         string(model.StatusCancelled),
		Cancelled:      n,
	})
}

func (h *BookingHandler) writeEngineError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, catalog.ErrProviderNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "provider not found")
	case errors.Is(err, ledger.ErrStoreFailure):
		h.logger.Warn(msg, "err", err)
		httpx.WriteError(w, r, http.StatusServiceUnavailable, engine.MessageStoreFailure)
	default:
		h.logger.Error(msg, "err", err)
		httpx.WriteError(w, r, http.StatusInternalServerError, msg)
	}
}

func reasonOf(err error) string {
	var re *calendar.RequestError
	if errors.As(err, &re) {
		return re.Reason
	}
	return err.Error()
}

func toItems(appts []model.Appointment) []appointmentItem {
	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		item := appointmentItem{
			ID:             a.ID,
			BookingGroupID: a.BookingGroupID,
			ProviderID:     a.ProviderID,
			Date:           a.Date.String(),
			TimeSlot:       a.Start.Long(),
			DurationHours:  a.Duration.Hours(),
			Status:         string(a.Status),
			Price:          a.Price.StringFixed(2),
			Currency:       a.Currency,
			CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		}
		if a.CancelledAt != nil {
			item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return items
}
