package accounts

import (
	"context"
	"database/sql"

	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/plans"
)

// PostgresStore persists account data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, name, type, role, plan, email_verified, verified, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Name, string(a.Type), string(a.Role), string(a.Plan),
		a.EmailVerified, a.Verified, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)

	var a Account
	var typ, role, plan string
	err := row.Scan(&a.ID, &a.Name, &typ, &role, &plan,
		&a.EmailVerified, &a.Verified, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	a.Role = authz.Role(role)
	a.Plan = plans.Plan(plan)
	return &a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			name = $1, type = $2, role = $3, plan = $4,
			email_verified = $5, verified = $6, updated_at = $7
		WHERE id = $8`,
		a.Name, string(a.Type), string(a.Role), string(a.Plan),
		a.EmailVerified, a.Verified, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetVerified(ctx context.Context, id string, verified bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET verified = $1, updated_at = NOW() WHERE id = $2`,
		verified, id,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}
