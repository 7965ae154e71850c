package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

type dayKey struct {
	provider string
	date     civil.Date
}

type dayBucket struct {
	mu   sync.RWMutex
	rows []model.Appointment
}

// Memory is an in-process ledger. Check-and-insert is serialized per
// (provider, date); disjoint keys never share a lock.
type Memory struct {
	days   sync.Map // dayKey -> *dayBucket
	groups sync.Map // booking group id -> dayKey
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) bucket(k dayKey) *dayBucket {
	if b, ok := m.days.Load(k); ok {
		return b.(*dayBucket)
	}
	b, _ := m.days.LoadOrStore(k, &dayBucket{})
	return b.(*dayBucket)
}

func (m *Memory) Reserve(ctx context.Context, r Reservation) (Receipt, error) {
	if err := r.Validate(); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, &StoreError{Op: "reserve", Err: err}
	}

	k := dayKey{provider: r.ProviderID, date: r.Date}
	b := m.bucket(k)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(Overlapping(b.rows, r.Start, r.End())) > 0 {
		return Receipt{}, ErrConflict
	}
	groupID := uuid.NewString()
	rows, total := Materialize(r, groupID, uuid.NewString, m.now().UTC())
	b.rows = append(b.rows, rows...)
	m.groups.Store(groupID, k)

	return Receipt{
		BookingGroupID: groupID,
		Appointments:   slices.Clone(rows),
		TotalPrice:     total,
		Currency:       r.Currency,
	}, nil
}

func (m *Memory) Committed(ctx context.Context, providerID string, date civil.Date) ([]model.Appointment, error) {
	v, ok := m.days.Load(dayKey{provider: providerID, date: date})
	if !ok {
		return nil, nil
	}
	b := v.(*dayBucket)
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.Appointment
	for _, a := range b.rows {
		if a.Status.Active() {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, model.Compare)
	return out, nil
}

func (m *Memory) ListByUser(ctx context.Context, userID string) ([]model.Appointment, error) {
	var out []model.Appointment
	m.days.Range(func(_, v any) bool {
		b := v.(*dayBucket)
		b.mu.RLock()
		for _, a := range b.rows {
			if a.UserID == userID {
				out = append(out, a)
			}
		}
		b.mu.RUnlock()
		return true
	})
	slices.SortFunc(out, model.Compare)
	return out, nil
}

func (m *Memory) ListUserOnDate(ctx context.Context, providerID, userID string, date civil.Date) ([]model.Appointment, error) {
	rows, err := m.Committed(ctx, providerID, date)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, a := range rows {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CancelGroup(ctx context.Context, bookingGroupID, userID string) (int, error) {
	v, ok := m.groups.Load(bookingGroupID)
	if !ok {
		return 0, ErrNotFound
	}
	b := m.bucket(v.(dayKey))
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now().UTC()
	n := 0
	for i := range b.rows {
		a := &b.rows[i]
		if a.BookingGroupID == bookingGroupID && a.UserID == userID && a.Status.Active() {
			a.Status = model.StatusCancelled
			a.CancelledAt = &now
			n++
		}
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}
