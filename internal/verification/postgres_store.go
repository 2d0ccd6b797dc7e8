package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists verification records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed verification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const verificationColumns = `id, account_id, kind, inquiry_id, status, level,
	rejection_reason, verified_at, last_payload, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, v *Verification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verifications (`+verificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.AccountID, string(v.Kind), nullString(v.InquiryID), string(v.Status),
		v.Level, v.RejectionReason, nullTime(v.VerifiedAt), nullPayload(v.LastPayload),
		v.CreatedAt, v.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetByAccount(ctx context.Context, accountID string) (*Verification, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE account_id = $1`, accountID)
	return scanVerification(row)
}

func (p *PostgresStore) GetByInquiryID(ctx context.Context, inquiryID string) (*Verification, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE inquiry_id = $1`, inquiryID)
	return scanVerification(row)
}

func (p *PostgresStore) Update(ctx context.Context, v *Verification) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE verifications SET
			kind = $1, inquiry_id = $2, status = $3, level = $4,
			rejection_reason = $5, verified_at = $6, last_payload = $7, updated_at = $8
		WHERE id = $9`,
		string(v.Kind), nullString(v.InquiryID), string(v.Status), v.Level,
		v.RejectionReason, nullTime(v.VerifiedAt), nullPayload(v.LastPayload),
		v.UpdatedAt, v.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVerificationNotFound
	}
	return nil
}

func (p *PostgresStore) ListPendingSync(ctx context.Context, limit int) ([]*Verification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+verificationColumns+` FROM verifications
		WHERE inquiry_id IS NOT NULL AND status IN ('in_progress', 'pending_review')
		ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, at,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) PruneEvents(ctx context.Context, before time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processed_at < $1`, before)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (*Verification, error) {
	var v Verification
	var kind, status string
	var inquiry sql.NullString
	var verifiedAt sql.NullTime
	var payload []byte
	err := row.Scan(&v.ID, &v.AccountID, &kind, &inquiry, &status, &v.Level,
		&v.RejectionReason, &verifiedAt, &payload, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Kind = Kind(kind)
	v.Status = Status(status)
	v.InquiryID = inquiry.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		v.VerifiedAt = &t
	}
	if len(payload) > 0 {
		v.LastPayload = json.RawMessage(payload)
	}
	return &v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}
