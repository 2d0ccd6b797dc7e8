package marketplace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists marketplace data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, account_id, asset_id, title, description, asking_price, currency,
	listing_fee, fee_paid, fee_payment_intent_id, status, approved_by, approved_at, created_at, updated_at`

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.AccountID, l.AssetID, l.Title, l.Description,
		l.AskingPrice.String(), l.Currency, l.ListingFee.String(), l.FeePaid,
		nullString(l.FeePaymentIntentID), string(l.Status),
		nullString(l.ApprovedBy), nullTime(l.ApprovedAt), l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

func (p *PostgresStore) UpdateListing(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			title = $1, description = $2, asking_price = $3, listing_fee = $4,
			fee_paid = $5, fee_payment_intent_id = $6, status = $7,
			approved_by = $8, approved_at = $9, updated_at = $10
		WHERE id = $11`,
		l.Title, l.Description, l.AskingPrice.String(), l.ListingFee.String(),
		l.FeePaid, nullString(l.FeePaymentIntentID), string(l.Status),
		nullString(l.ApprovedBy), nullTime(l.ApprovedAt), l.UpdatedAt, l.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrListingNotFound)
}

func (p *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	var args []any

	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		query += fmt.Sprintf(" AND (title ILIKE $%d OR description ILIKE $%d)", len(args), len(args))
	}
	if f.MinPrice != nil {
		args = append(args, f.MinPrice.String())
		query += fmt.Sprintf(" AND asking_price >= $%d", len(args))
	}
	if f.MaxPrice != nil {
		args = append(args, f.MaxPrice.String())
		query += fmt.Sprintf(" AND asking_price <= $%d", len(args))
	}

	switch f.Sort {
	case "price_asc":
		query += " ORDER BY asking_price ASC"
	case "price_desc":
		query += " ORDER BY asking_price DESC"
	default:
		query += " ORDER BY created_at DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountListingsByAccount(ctx context.Context, accountID string, statuses []ListingStatus) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM listings
		WHERE account_id = $1 AND status = ANY($2)`,
		accountID, pq.Array(statusStrings(statuses)),
	).Scan(&count)
	return count, err
}

func (p *PostgresStore) CountListingsByAsset(ctx context.Context, assetID string, statuses []ListingStatus) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM listings
		WHERE asset_id = $1 AND status = ANY($2)`,
		assetID, pq.Array(statusStrings(statuses)),
	).Scan(&count)
	return count, err
}

func statusStrings(statuses []ListingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

const offerColumns = `id, listing_id, account_id, amount, currency, message, status,
	expires_at, countered_by, created_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.ListingID, o.AccountID, o.Amount.String(), o.Currency, o.Message,
		string(o.Status), o.ExpiresAt, nullString(o.CounteredBy), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	return scanOffer(row)
}

// UpdateOffer transitions a pending offer. The status predicate makes
// the write conditional so a racing acceptance on another replica
// cannot be overwritten; zero rows means the offer already left
// pending.
func (p *PostgresStore) UpdateOffer(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			status = $1, countered_by = $2, updated_at = $3
		WHERE id = $4 AND status = 'pending'`,
		string(o.Status), nullString(o.CounteredBy), o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrOfferNotPending)
}

func (p *PostgresStore) ListOffersByListing(ctx context.Context, listingID string) ([]*Offer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 ORDER BY created_at DESC`, listingID)
}

func (p *PostgresStore) ListOffersByAccount(ctx context.Context, accountID string) ([]*Offer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
}

func (p *PostgresStore) CountPendingOffersByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offers WHERE account_id = $1 AND status = 'pending'`,
		accountID,
	).Scan(&count)
	return count, err
}

func (p *PostgresStore) CountPendingOffersByListing(ctx context.Context, listingID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offers WHERE listing_id = $1 AND status = 'pending'`,
		listingID,
	).Scan(&count)
	return count, err
}

func (p *PostgresStore) ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2`, before, limit)
}

func (p *PostgresStore) queryOffers(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const escrowColumns = `id, listing_id, offer_id, buyer_id, seller_id, amount, currency,
	commission, payment_intent_id, status, dispute_reason, released_at, created_at, updated_at`

// AcceptOffer applies the acceptance as one transaction: the offer and
// listing rows are locked, their statuses re-checked, then the escrow is
// inserted and both statuses flipped. A failed re-check rolls everything
// back, so two near-simultaneous acceptances produce exactly one escrow.
func (p *PostgresStore) AcceptOffer(ctx context.Context, esc *Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var offerStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM offers WHERE id = $1 FOR UPDATE`, esc.OfferID,
	).Scan(&offerStatus)
	if err == sql.ErrNoRows {
		return ErrOfferNotFound
	}
	if err != nil {
		return err
	}
	if OfferStatus(offerStatus) != OfferPending {
		return ErrOfferNotPending
	}

	var listingStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM listings WHERE id = $1 FOR UPDATE`, esc.ListingID,
	).Scan(&listingStatus)
	if err == sql.ErrNoRows {
		return ErrListingNotFound
	}
	if err != nil {
		return err
	}
	if ListingStatus(listingStatus) != ListingActive {
		return ErrListingNotActive
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		esc.ID, esc.ListingID, esc.OfferID, esc.BuyerID, esc.SellerID,
		esc.Amount.String(), esc.Currency, esc.Commission.String(),
		esc.PaymentIntentID, string(esc.Status),
		esc.DisputeReason, nullTime(esc.ReleasedAt), esc.CreatedAt, esc.UpdatedAt,
	)
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err = tx.ExecContext(ctx,
		`UPDATE offers SET status = 'accepted', updated_at = $1 WHERE id = $2`,
		now, esc.OfferID,
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE listings SET status = 'sold', updated_at = $1 WHERE id = $2`,
		now, esc.ListingID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) GetEscrowByPaymentIntent(ctx context.Context, paymentIntentID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE payment_intent_id = $1`, paymentIntentID)
	return scanEscrow(row)
}

func (p *PostgresStore) UpdateEscrow(ctx context.Context, esc *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_reason = $2, released_at = $3, updated_at = $4
		WHERE id = $5`,
		string(esc.Status), esc.DisputeReason, nullTime(esc.ReleasedAt),
		esc.UpdatedAt, esc.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrEscrowNotFound)
}

func (p *PostgresStore) ListEscrowsByAccount(ctx context.Context, accountID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	var l Listing
	var price, fee, status string
	var feeIntent, approvedBy sql.NullString
	var approvedAt sql.NullTime
	err := row.Scan(&l.ID, &l.AccountID, &l.AssetID, &l.Title, &l.Description,
		&price, &l.Currency, &fee, &l.FeePaid, &feeIntent, &status,
		&approvedBy, &approvedAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.AskingPrice, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if l.ListingFee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	l.Status = ListingStatus(status)
	l.FeePaymentIntentID = feeIntent.String
	l.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		l.ApprovedAt = &t
	}
	return &l, nil
}

func scanOffer(row rowScanner) (*Offer, error) {
	var o Offer
	var amount, status string
	var counteredBy sql.NullString
	err := row.Scan(&o.ID, &o.ListingID, &o.AccountID, &amount, &o.Currency,
		&o.Message, &status, &o.ExpiresAt, &counteredBy, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	o.Status = OfferStatus(status)
	o.CounteredBy = counteredBy.String
	return &o, nil
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var amount, commission, status string
	var releasedAt sql.NullTime
	err := row.Scan(&e.ID, &e.ListingID, &e.OfferID, &e.BuyerID, &e.SellerID,
		&amount, &e.Currency, &commission, &e.PaymentIntentID, &status,
		&e.DisputeReason, &releasedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if e.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	if releasedAt.Valid {
		t := releasedAt.Time
		e.ReleasedAt = &t
	}
	return &e, nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
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
