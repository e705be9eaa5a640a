package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresSessionStore keeps session ids and the whatsmeow device each one
// is paired with.
type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (r *PostgresSessionStore) Save(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wa_sessions (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (r *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM wa_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (r *PostgresSessionStore) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM wa_sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeviceJID returns the paired device for a session, or "" if the session
// has never been paired.
func (r *PostgresSessionStore) DeviceJID(ctx context.Context, id string) (string, error) {
	var jid sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT device_jid FROM wa_sessions WHERE id = $1`, id).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying device jid: %w", err)
	}
	return jid.String, nil
}

// SetDeviceJID records the paired device. An empty jid clears it.
func (r *PostgresSessionStore) SetDeviceJID(ctx context.Context, id, jid string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wa_sessions
		SET device_jid = NULLIF($2, ''), updated_at = now()
		WHERE id = $1
	`, id, jid)
	if err != nil {
		return fmt.Errorf("updating device jid: %w", err)
	}
	return nil
}
