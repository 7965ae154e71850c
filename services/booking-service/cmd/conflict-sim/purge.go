package main

import (
	"context"
	"fmt"

	"github.com/golang-sql/civil"

	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/storage"
)

// purge deletes every appointment the provider holds on date, active or not.
func purge(ctx context.Context, databaseURL, providerID, date string) (int64, error) {
	if databaseURL == "" {
		return 0, fmt.Errorf("database url is required")
	}
	d, err := civil.ParseDate(date)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	pool, err := db.Open(ctx, databaseURL)
	if err != nil {
		return 0, fmt.Errorf("db connection: %w", err)
	}
	defer pool.Close()
	return storage.NewPostgresLedger(pool, outbox.NewRepository()).Purge(ctx, providerID, d)
}
