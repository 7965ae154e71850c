package consumer

import (
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
)

func sampleProvider() model.Provider {
	return model.Provider{
		ID:         "p9",
		HourlyRate: decimal.RequireFromString("50"),
		Currency:   "USD",
		Calendar: calendar.Calendar{
			ProviderID:  "p9",
			WorkingDays: calendar.MondayToFriday,
			ShiftStart:  calendar.ClockOf(9, 0),
			ShiftEnd:    calendar.ClockOf(17, 0),
			Granularity: time.Hour,
			Active:      true,
		},
	}
}
