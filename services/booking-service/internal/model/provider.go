package model

import (
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/shopspring/decimal"
)

type Provider struct {
	ID         string
	Name       string
	HourlyRate decimal.Decimal
	Currency   string
	Calendar   calendar.Calendar
}
