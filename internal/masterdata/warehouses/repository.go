package warehouses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merx-mms/merx/internal/shared"
)

// Warehouse is a physical stock location. Deactivated warehouses stay in
// place so historical transactions keep resolving; they just stop accepting
// new stock.
type Warehouse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository persists warehouses in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, wh *Warehouse) error {
	if wh.Code == "" || wh.Name == "" {
		return fmt.Errorf("%w: code and name required", shared.ErrValidation)
	}
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO warehouses (code, name, address, active, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $4)
		RETURNING id`,
		wh.Code, wh.Name, wh.Address, now,
	).Scan(&wh.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: warehouse code %s already exists", shared.ErrValidation, wh.Code)
	}
	if err != nil {
		return fmt.Errorf("insert warehouse: %w", err)
	}
	wh.Active = true
	wh.CreatedAt = now
	wh.UpdatedAt = now
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (Warehouse, error) {
	var wh Warehouse
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, name, address, active, created_at, updated_at
		FROM warehouses WHERE id = $1`, id,
	).Scan(&wh.ID, &wh.Code, &wh.Name, &wh.Address, &wh.Active, &wh.CreatedAt, &wh.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Warehouse{}, fmt.Errorf("%w: warehouse %d", shared.ErrUnknownReference, id)
	}
	if err != nil {
		return Warehouse{}, fmt.Errorf("get warehouse: %w", err)
	}
	return wh, nil
}

func (r *Repository) List(ctx context.Context, includeInactive bool) ([]Warehouse, error) {
	query := `
		SELECT id, code, name, address, active, created_at, updated_at
		FROM warehouses`
	if !includeInactive {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list warehouses: %w", err)
	}
	defer rows.Close()

	var out []Warehouse
	for rows.Next() {
		var wh Warehouse
		if err := rows.Scan(&wh.ID, &wh.Code, &wh.Name, &wh.Address, &wh.Active, &wh.CreatedAt, &wh.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan warehouse: %w", err)
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE warehouses SET active = false, updated_at = now()
		WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("deactivate warehouse: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: warehouse %d", shared.ErrUnknownReference, id)
	}
	return nil
}

// Exists reports whether an active warehouse with the id exists. Satisfies
// the ledger's reference checks.
func (r *Repository) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM warehouses WHERE id = $1 AND active)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("warehouse exists: %w", err)
	}
	return ok, nil
}
