package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigPicksBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORAGE_BACKEND", "")
	cfg, err := loadConfig("booking-service")
	require.NoError(t, err)
	assert.Equal(t, backendMemory, cfg.Backend)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.False(t, cfg.RoundUpHours)

	t.Setenv("DATABASE_URL", "postgres://localhost/slotbook")
	cfg, err = loadConfig("booking-service")
	require.NoError(t, err)
	assert.Equal(t, backendPostgres, cfg.Backend)

	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORAGE_BACKEND", "postgres")
	_, err = loadConfig("booking-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")

	t.Setenv("STORAGE_BACKEND", "cassandra")
	_, err = loadConfig("booking-service")
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("PROVIDER_TIMEZONE", "Mars/Olympus")
	_, err := loadConfig("booking-service")
	assert.Error(t, err)
}

func TestLoadProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	raw := `[{"id":"p1","name":"Dr. One","hourly_rate":"80","currency":"USD",
		"available_days":[1,3,5],"shift_start":"08:00","shift_end":"12:00","slot_minutes":30,"is_active":true}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	providers, err := loadProviders(path)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "p1", providers[0].ID)
	assert.Equal(t, "08:00", providers[0].Calendar.ShiftStart.String())

	none, err := loadProviders("")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = loadProviders(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDemoProviderIsBookable(t *testing.T) {
	p := demoProvider()
	require.NoError(t, p.Calendar.Validate())
	assert.True(t, p.Calendar.Active)
}

func TestOpenBackendMemoryAndSQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	be, err := openBackend(ctx, serviceConfig{Backend: backendMemory}, nil, logger)
	require.NoError(t, err)
	defer be.Close()
	p, err := be.providers.Provider(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "USD", p.Currency)
	assert.Empty(t, be.workers)
	require.Len(t, be.checks, 1)
	assert.Equal(t, "kafka", be.checks[0].Name)

	sqliteCfg := serviceConfig{
		Backend:       backendSQLite,
		SQLitePath:    filepath.Join(t.TempDir(), "slotbook.db"),
		AutoMigrate:   true,
		KafkaBrokers:  "localhost:9092",
		KafkaGroupID:  "booking-service",
		ProviderTopic: "provider.calendar.updated.v1",
	}
	be, err = openBackend(ctx, sqliteCfg, nil, logger)
	require.NoError(t, err)
	defer be.Close()
	committed, err := be.ledger.Committed(ctx, "demo", civil.Date{Year: 2025, Month: time.October, Day: 21})
	require.NoError(t, err)
	assert.Empty(t, committed)
	assert.Len(t, be.workers, 1)
	assert.Equal(t, "db", be.checks[0].Name)
}
