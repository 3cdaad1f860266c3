package skus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/shared"
)

// SKU is one sellable variant. Attributes hold the variant axes (size,
// color) as free-form key/value pairs.
type SKU struct {
	ID           int64             `json:"id"`
	Code         string            `json:"code"`
	Name         string            `json:"name"`
	ProductID    int64             `json:"product_id,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	SellingPrice decimal.Decimal   `json:"selling_price"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Repository persists skus in Postgres. Attributes go into a jsonb column.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, sku *SKU) error {
	if sku.Code == "" || sku.Name == "" {
		return fmt.Errorf("%w: code and name required", shared.ErrValidation)
	}
	if sku.SellingPrice.IsNegative() {
		return fmt.Errorf("%w: selling price must be >= 0", shared.ErrValidation)
	}
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO skus (code, name, product_id, attributes, selling_price, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6)
		RETURNING id`,
		sku.Code, sku.Name, nullInt(sku.ProductID), sku.Attributes, sku.SellingPrice.String(), now,
	).Scan(&sku.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: sku code %s already exists", shared.ErrValidation, sku.Code)
	}
	if err != nil {
		return fmt.Errorf("insert sku: %w", err)
	}
	sku.Active = true
	sku.CreatedAt = now
	sku.UpdatedAt = now
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (SKU, error) {
	var (
		sku     SKU
		price   string
		product *int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, name, product_id, attributes, selling_price, active, created_at, updated_at
		FROM skus WHERE id = $1`, id,
	).Scan(&sku.ID, &sku.Code, &sku.Name, &product, &sku.Attributes, &price, &sku.Active, &sku.CreatedAt, &sku.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SKU{}, fmt.Errorf("%w: sku %d", shared.ErrUnknownReference, id)
	}
	if err != nil {
		return SKU{}, fmt.Errorf("get sku: %w", err)
	}
	if product != nil {
		sku.ProductID = *product
	}
	sku.SellingPrice, err = decimal.NewFromString(price)
	if err != nil {
		return SKU{}, fmt.Errorf("parse selling price: %w", err)
	}
	return sku, nil
}

func (r *Repository) List(ctx context.Context, productID int64, limit int) ([]SKU, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, code, name, product_id, attributes, selling_price, active, created_at, updated_at
		FROM skus WHERE active`
	args := []any{}
	if productID != 0 {
		args = append(args, productID)
		query += ` AND product_id = $1`
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list skus: %w", err)
	}
	defer rows.Close()

	var out []SKU
	for rows.Next() {
		var (
			sku     SKU
			price   string
			product *int64
		)
		if err := rows.Scan(&sku.ID, &sku.Code, &sku.Name, &product, &sku.Attributes, &price, &sku.Active, &sku.CreatedAt, &sku.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sku: %w", err)
		}
		if product != nil {
			sku.ProductID = *product
		}
		sku.SellingPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse selling price: %w", err)
		}
		out = append(out, sku)
	}
	return out, rows.Err()
}

func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE skus SET active = false, updated_at = now()
		WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("deactivate sku: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sku %d", shared.ErrUnknownReference, id)
	}
	return nil
}

// Exists reports whether an active sku with the id exists. Satisfies the
// ledger's reference checks.
func (r *Repository) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM skus WHERE id = $1 AND active)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("sku exists: %w", err)
	}
	return ok, nil
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
