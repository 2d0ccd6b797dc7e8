package assets

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"
)

// PostgresStore persists asset records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed asset store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const assetColumns = `id, account_id, name, category, estimated_value, currency, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Asset) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.AccountID, a.Name, a.Category,
		a.EstimatedValue.String(), a.Currency, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Asset, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	return scanAsset(row)
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string) ([]*Asset, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*Asset, error) {
	var a Asset
	var value string
	err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.Category,
		&value, &a.Currency, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	a.EstimatedValue, err = decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
