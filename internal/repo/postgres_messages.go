package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/viniciusgn/whatsgate/internal/model"
)

const uniqueViolation = "23505"

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, m *model.InboundMessage) error {
	var externalID sql.NullString
	if m.ExternalID != "" {
		externalID = sql.NullString{String: m.ExternalID, Valid: true}
	}
	var mediaURL sql.NullString
	if m.MediaURL != "" {
		mediaURL = sql.NullString{String: m.MediaURL, Valid: true}
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (
			whatsapp_number_id, lead_id, contact_address, from_me, text,
			media_type, media_url, content_hash, external_message_id,
			timestamp, import_source, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		RETURNING id
	`,
		m.SessionID,
		m.LeadID,
		m.ContactAddress,
		m.FromMe,
		m.Text,
		string(m.MediaType),
		mediaURL,
		m.ContentHash,
		externalID,
		m.Timestamp.UTC(),
		m.ImportSource,
	).Scan(&m.ID)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *PostgresMessageRepo) ExistsByExternalID(ctx context.Context, sessionID, externalID string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE whatsapp_number_id = $1 AND external_message_id = $2
		LIMIT 1
	`, sessionID, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresMessageRepo) ExistsByContentHash(ctx context.Context, sessionID, leadID, hash string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE whatsapp_number_id = $1 AND lead_id = $2 AND content_hash = $3
		LIMIT 1
	`, sessionID, leadID, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresMessageRepo) ExistsInWindow(ctx context.Context, leadID, text string, fromMe bool, center time.Time, window time.Duration) (bool, error) {
	before := center.Add(-window).UTC()
	after := center.Add(window).UTC()

	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE lead_id = $1 AND text = $2 AND from_me = $3
		  AND timestamp >= $4 AND timestamp <= $5
		LIMIT 1
	`, leadID, text, fromMe, before, after).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresMessageRepo) PatchMedia(ctx context.Context, messageID, mediaURL, text string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET media_url = $2, text = $3
		WHERE id = $1
	`, messageID, mediaURL, text)
	return err
}
