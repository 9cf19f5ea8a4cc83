package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/viniciusgn/whatsgate/internal/model"
)

type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) Upsert(ctx context.Context, s *model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, phone, display_name, qr_code, retry_count, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			phone = EXCLUDED.phone,
			display_name = EXCLUDED.display_name,
			qr_code = EXCLUDED.qr_code,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			updated_at = now()
	`,
		s.ID,
		string(s.Status),
		s.PhoneNumber,
		s.DisplayName,
		s.QRCode,
		s.RetryCount,
		s.LastError,
	)
	return err
}

func (r *PostgresSessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, phone, display_name, retry_count, last_error
		FROM sessions
		WHERE status NOT IN ($1, $2)
		ORDER BY id
	`, string(model.SessionLoggedOut), string(model.SessionFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		var phone, name, lastError sql.NullString
		if err := rows.Scan(&s.ID, &s.Status, &phone, &name, &s.RetryCount, &lastError); err != nil {
			return nil, err
		}
		s.PhoneNumber = phone.String
		s.DisplayName = name.String
		s.LastError = lastError.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresSessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), lastError)
	return err
}

func (r *PostgresSessionRepo) UpdateQRCode(ctx context.Context, id, qrCode string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET qr_code = $2, status = $3, updated_at = now()
		WHERE id = $1
	`, id, qrCode, string(model.SessionWaitingQR))
	return err
}

func (r *PostgresSessionRepo) SaveAuthState(ctx context.Context, id string, state []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET auth_state = $2, updated_at = now()
		WHERE id = $1
	`, id, state)
	return err
}

func (r *PostgresSessionRepo) LoadAuthState(ctx context.Context, id string) ([]byte, error) {
	var state []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT auth_state FROM sessions WHERE id = $1
	`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Delete wipes the session row including its auth state. Used only on
// explicit session deletion.
func (r *PostgresSessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}
