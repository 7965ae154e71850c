package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/md-rashed-zaman/slotbook/libs/kafkax"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	if len(r.msgs) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type recordingCache struct{ ids []string }

func (c *recordingCache) Invalidate(_ context.Context, id string) error {
	c.ids = append(c.ids, id)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func providerMessage(t *testing.T, eventID string, rec catalog.ProviderRecord) kafka.Message {
	t.Helper()
	body, err := json.Marshal(rec)
	require.NoError(t, err)
	meta := kafkax.EventMeta{EventID: eventID, EventType: TopicProviderCalendarUpdated}
	return kafka.Message{Topic: TopicProviderCalendarUpdated, Key: []byte(rec.ID), Value: body, Headers: meta.Headers()}
}

func run(t *testing.T, reader *fakeReader, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWithReader(discard(), reader, h).Run(ctx) }()
	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestProviderUpdates_AppliesToStaticCatalog(t *testing.T) {
	static := catalog.NewStatic()
	u := NewStaticProviderUpdates(static, discard())
	cache := &recordingCache{}
	u.cache = cache

	rec := catalog.ProviderRecord{
		ID:            "p1",
		Name:          "Therapist",
		HourlyRate:    "75.00",
		Currency:      "USD",
		AvailableDays: []int{2, 4},
		ShiftStart:    "10:00",
		ShiftEnd:      "14:00",
		SlotMinutes:   30,
		IsActive:      true,
	}
	reader := newFakeReader(
		providerMessage(t, "e1", rec),
		kafka.Message{Topic: TopicProviderCalendarUpdated, Value: []byte(`{not json`)},
	)
	run(t, reader, u.Handle)

	p, err := static.Provider(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, calendar.ClockOf(10, 0), p.Calendar.ShiftStart)
	assert.Equal(t, 30*time.Minute, p.Calendar.Granularity)
	assert.True(t, p.Calendar.WorkingDays.Has(time.Thursday))
	assert.False(t, p.Calendar.WorkingDays.Has(time.Monday))
	assert.Equal(t, []string{"p1"}, cache.ids)
	assert.Len(t, reader.committed, 2)
}

func TestProviderUpdates_RejectsInvalidRecords(t *testing.T) {
	u := NewStaticProviderUpdates(catalog.NewStatic(), discard())
	ctx := context.Background()

	bad := catalog.ProviderRecord{ID: "p1", HourlyRate: "abc", Currency: "USD", ShiftStart: "09:00", ShiftEnd: "17:00", SlotMinutes: 60}
	assert.Error(t, u.Handle(ctx, providerMessage(t, "e2", bad)))

	bad = catalog.ProviderRecord{ID: "p1", HourlyRate: "10", Currency: "USD", ShiftStart: "17:00", ShiftEnd: "09:00", SlotMinutes: 60}
	assert.ErrorIs(t, u.Handle(ctx, providerMessage(t, "e3", bad)), calendar.ErrInvalidCalendar)
}

func TestProviderUpdates_DuplicateSkipsInvalidation(t *testing.T) {
	cache := &recordingCache{}
	calls := 0
	u := newProviderUpdates(func(context.Context, kafkax.EventMeta, model.Provider) (bool, error) {
		calls++
		return calls == 1, nil
	}, cache, discard())

	msg := providerMessage(t, "e4", catalog.RecordOf(sampleProvider()))
	require.NoError(t, u.Handle(context.Background(), msg))
	require.NoError(t, u.Handle(context.Background(), msg))
	assert.Equal(t, []string{"p9"}, cache.ids)
}

func TestConsumer_HandlerErrorStillCommits(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "t", Offset: 1})
	run(t, reader, func(context.Context, kafka.Message) error { return errors.New("boom") })
	assert.Len(t, reader.committed, 1)
}

func TestProviderUpdates_KeyedWithoutEventIDAppliesEveryUpdate(t *testing.T) {
	seen := map[string]bool{}
	var applied []model.Provider
	u := newProviderUpdates(func(_ context.Context, meta kafkax.EventMeta, p model.Provider) (bool, error) {
		if seen[meta.EventID] {
			return false, nil
		}
		seen[meta.EventID] = true
		applied = append(applied, p)
		return true, nil
	}, nil, discard())

	rec := catalog.RecordOf(sampleProvider())
	body, err := json.Marshal(rec)
	require.NoError(t, err)
	rec.ShiftEnd = "18:00"
	updated, err := json.Marshal(rec)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, u.Handle(ctx, kafka.Message{Topic: TopicProviderCalendarUpdated, Offset: 10, Key: []byte("p9"), Value: body}))
	require.NoError(t, u.Handle(ctx, kafka.Message{Topic: TopicProviderCalendarUpdated, Offset: 11, Key: []byte("p9"), Value: updated}))
	// Redelivery of the second message is still deduplicated.
	require.NoError(t, u.Handle(ctx, kafka.Message{Topic: TopicProviderCalendarUpdated, Offset: 11, Key: []byte("p9"), Value: updated}))

	require.Len(t, applied, 2)
	assert.Equal(t, calendar.ClockOf(18, 0), applied[1].Calendar.ShiftEnd)
}
