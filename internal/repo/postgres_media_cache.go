package repo

import (
	"context"
	"database/sql"

	"github.com/viniciusgn/whatsgate/internal/model"
)

type PostgresMediaCacheRepo struct {
	db *sql.DB
}

func NewPostgresMediaCacheRepo(db *sql.DB) *PostgresMediaCacheRepo {
	return &PostgresMediaCacheRepo{db: db}
}

// Insert appends a cache row for a message. Rows are append-only; the most
// recent row for a message id reflects where the media currently lives.
func (r *PostgresMediaCacheRepo) Insert(ctx context.Context, e *model.MediaCacheEntry) error {
	var base64Data sql.NullString
	if e.Base64Data != "" {
		base64Data = sql.NullString{String: e.Base64Data, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO media_cache (
			message_id, original_url, cached_url, base64_data,
			file_name, file_size, media_type, processing_status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`,
		e.MessageID,
		e.OriginalURL,
		e.CachedURL,
		base64Data,
		e.FileName,
		e.FileSize,
		string(e.MediaType),
		string(e.Status),
	)
	return err
}
