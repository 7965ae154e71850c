package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a file-backed SQLite database with WAL
// journaling and a busy timeout so writers queue instead of failing at once.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(8)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

func SQLiteReadyCheck(sqlDB *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		if sqlDB == nil {
			return fmt.Errorf("sqlite not configured")
		}
		return sqlDB.PingContext(ctx)
	}
}
