package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/shared"
)

// RepositoryPort abstracts order persistence.
type RepositoryPort interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id int64) (Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
	// UpdateStatus flips the status only when the stored row still matches
	// from. Zero rows affected surfaces as shared.ErrStaleState.
	UpdateStatus(ctx context.Context, id int64, from, to Status) error
}

// Repository persists orders in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, order *Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (code, customer_name, customer_phone, shipping_address, payment_method_id, status, note, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`,
		order.Code, order.CustomerName, order.CustomerPhone, order.ShippingAddress,
		nullInt(order.PaymentMethodID), string(order.Status), order.Note, order.CreatedBy, now,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO order_items (order_id, sku_id, quantity, selling_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			order.ID, item.SKUID, item.Quantity, item.SellingPrice.String(),
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id int64) (Order, error) {
	var (
		order   Order
		status  string
		payment *int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, customer_name, customer_phone, shipping_address, payment_method_id, status, note, created_by, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&order.ID, &order.Code, &order.CustomerName, &order.CustomerPhone, &order.ShippingAddress,
		&payment, &status, &order.Note, &order.CreatedBy, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: order %d", shared.ErrUnknownReference, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	order.Status = Status(status)
	if payment != nil {
		order.PaymentMethodID = *payment
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, sku_id, quantity, selling_price
		FROM order_items WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return Order{}, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item  OrderItem
			price string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.SKUID, &item.Quantity, &price); err != nil {
			return Order{}, fmt.Errorf("scan order item: %w", err)
		}
		item.SellingPrice, err = decimal.NewFromString(price)
		if err != nil {
			return Order{}, fmt.Errorf("parse selling price: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, code, customer_name, customer_phone, shipping_address, payment_method_id, status, note, created_by, created_at, updated_at
		FROM orders`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d OFFSET %d`, limit, max(filter.Offset, 0))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var (
			order   Order
			status  string
			payment *int64
		)
		if err := rows.Scan(&order.ID, &order.Code, &order.CustomerName, &order.CustomerPhone, &order.ShippingAddress,
			&payment, &status, &order.Note, &order.CreatedBy, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order.Status = Status(status)
		if payment != nil {
			order.PaymentMethodID = *payment
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %d is no longer %s", shared.ErrStaleState, id, from)
	}
	return nil
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
