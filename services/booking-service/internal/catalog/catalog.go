// Package catalog resolves provider profiles and working calendars. The
// catalog is owned by the provider-management collaborator; this service only
// reads it and ingests its update events.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
)

var ErrProviderNotFound = errors.New("provider not found")

type Source interface {
	Provider(ctx context.Context, id string) (model.Provider, error)
}

// ProviderRecord is the wire and cache shape of a provider.
type ProviderRecord struct {
	ID            string `json:"id" validate:"required"`
	Name          string `json:"name"`
	HourlyRate    string `json:"hourly_rate" validate:"required,numeric"`
	Currency      string `json:"currency" validate:"required,len=3"`
	AvailableDays []int  `json:"available_days" validate:"dive,min=1,max=7"`
	ShiftStart    string `json:"shift_start" validate:"required"`
	ShiftEnd      string `json:"shift_end" validate:"required"`
	SlotMinutes   int    `json:"slot_minutes" validate:"required,gt=0"`
	IsActive      bool   `json:"is_active"`
}

func (r ProviderRecord) Provider() (model.Provider, error) {
	rate, err := decimal.NewFromString(r.HourlyRate)
	if err != nil {
		return model.Provider{}, fmt.Errorf("provider %s hourly_rate: %w", r.ID, err)
	}
	days, err := calendar.NewWeekdays(r.AvailableDays...)
	if err != nil {
		return model.Provider{}, fmt.Errorf("provider %s: %w", r.ID, err)
	}
	start, err := calendar.ParseClock(r.ShiftStart)
	if err != nil {
		return model.Provider{}, fmt.Errorf("provider %s shift_start: %w", r.ID, err)
	}
	end, err := calendar.ParseClock(r.ShiftEnd)
	if err != nil {
		return model.Provider{}, fmt.Errorf("provider %s shift_end: %w", r.ID, err)
	}
	p := model.Provider{
		ID:         r.ID,
		Name:       r.Name,
		HourlyRate: rate,
		Currency:   r.Currency,
		Calendar: calendar.Calendar{
			ProviderID:  r.ID,
			WorkingDays: days,
			ShiftStart:  start,
			ShiftEnd:    end,
			Granularity: time.Duration(r.SlotMinutes) * time.Minute,
			Active:      r.IsActive,
		},
	}
	if err := p.Calendar.Validate(); err != nil {
		return model.Provider{}, fmt.Errorf("provider %s: %w", r.ID, err)
	}
	return p, nil
}

func RecordOf(p model.Provider) ProviderRecord {
	return ProviderRecord{
		ID:            p.ID,
		Name:          p.Name,
		HourlyRate:    p.HourlyRate.StringFixed(2),
		Currency:      p.Currency,
		AvailableDays: p.Calendar.WorkingDays.ISO(),
		ShiftStart:    p.Calendar.ShiftStart.String(),
		ShiftEnd:      p.Calendar.ShiftEnd.String(),
		SlotMinutes:   int(p.Calendar.Granularity / time.Minute),
		IsActive:      p.Calendar.Active,
	}
}

// Static is an in-memory source for tests and single-node runs.
type Static struct {
	mu        sync.RWMutex
	providers map[string]model.Provider
}

func NewStatic(providers ...model.Provider) *Static {
	s := &Static{providers: make(map[string]model.Provider, len(providers))}
	for _, p := range providers {
		s.providers[p.ID] = p
	}
	return s
}

func (s *Static) Provider(_ context.Context, id string) (model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return model.Provider{}, ErrProviderNotFound
	}
	return p, nil
}

func (s *Static) Put(p model.Provider) {
	s.mu.Lock()
	s.providers[p.ID] = p
	s.mu.Unlock()
}
