package inbox

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Repository records consumed event ids so redelivered messages are applied
// once. Record runs inside the caller's transaction so the dedupe row and the
// side effect commit together.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Record reports false when eventID was already processed.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
