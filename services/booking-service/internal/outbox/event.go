package outbox

import (
	"time"

	"github.com/goccy/go-json"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateBooking = "booking_group"

	TopicAppointmentBooked    = "booking.appointment.booked.v1"
	TopicAppointmentCancelled = "booking.appointment.cancelled.v1"
)

// BookingPayload is the body of booked and cancelled events.
type BookingPayload struct {
	BookingGroupID string    `json:"booking_group_id"`
	ProviderID     string    `json:"provider_id"`
	UserID         string    `json:"user_id"`
	Date           string    `json:"date"`
	StartTime      string    `json:"start_time"`
	DurationHours  float64   `json:"duration_hours"`
	TotalPrice     string    `json:"total_price,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Slots          int       `json:"slots"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func NewBookingEvent(eventType string, p BookingPayload) (Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateBooking,
		AggregateID:   p.BookingGroupID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}
