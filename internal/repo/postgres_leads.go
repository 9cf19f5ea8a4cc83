package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/viniciusgn/whatsgate/internal/model"
)

type PostgresLeadRepo struct {
	db *sql.DB
}

func NewPostgresLeadRepo(db *sql.DB) *PostgresLeadRepo {
	return &PostgresLeadRepo{db: db}
}

// GetOrCreate finds the lead for a phone number scoped to one session and
// creates it when missing. A racing insert is resolved by re-reading.
func (r *PostgresLeadRepo) GetOrCreate(ctx context.Context, sessionID, phone, name, source string) (*model.Lead, error) {
	lead, err := r.getByPhone(ctx, sessionID, phone)
	if err != nil {
		return nil, err
	}
	if lead != nil {
		return lead, nil
	}

	if name == "" {
		name = fmt.Sprintf("Contato +%s", phone)
	}

	lead = &model.Lead{
		Phone:        phone,
		Name:         name,
		SessionID:    sessionID,
		ImportSource: source,
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO leads (phone, name, whatsapp_number_id, import_source, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (whatsapp_number_id, phone) DO NOTHING
		RETURNING id
	`, phone, name, sessionID, source).Scan(&lead.ID)

	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent insert.
		return r.getByPhone(ctx, sessionID, phone)
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

func (r *PostgresLeadRepo) getByPhone(ctx context.Context, sessionID, phone string) (*model.Lead, error) {
	var l model.Lead
	var name sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone, name, whatsapp_number_id, created_at
		FROM leads
		WHERE whatsapp_number_id = $1 AND phone = $2
	`, sessionID, phone).Scan(&l.ID, &l.Phone, &name, &l.SessionID, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if name.Valid {
		l.Name = name.String
	}
	return &l, nil
}

// UpdateLastMessage keeps the lead's conversation preview current.
func (r *PostgresLeadRepo) UpdateLastMessage(ctx context.Context, leadID, text string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET last_message = $2, last_message_time = $3
		WHERE id = $1
	`, leadID, text, at)
	return err
}

func (r *PostgresLeadRepo) MoveToStage(ctx context.Context, ids []string, stageID, funnelID string) error {
	if len(ids) == 0 {
		return errors.New("no lead ids")
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET kanban_stage_id = $2, funnel_id = $3
		WHERE id = ANY($1)
	`, ids, stageID, funnelID)
	return err
}

// Delete removes leads along with their messages and media cache rows.
// Inbound messages are otherwise never deleted by the pipeline; this is
// the explicit bulk-delete path invoked by the CRM.
func (r *PostgresLeadRepo) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("no lead ids")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM media_cache
		WHERE message_id IN (SELECT id FROM messages WHERE lead_id = ANY($1))
	`, ids); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE lead_id = ANY($1)`, ids); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leads WHERE id = ANY($1)`, ids); err != nil {
		return err
	}

	return tx.Commit()
}
