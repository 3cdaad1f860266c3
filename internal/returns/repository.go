package returns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merx-mms/merx/internal/shared"
)

// RepositoryPort abstracts return request persistence.
type RepositoryPort interface {
	Create(ctx context.Context, req *ReturnRequest) error
	Get(ctx context.Context, id int64) (ReturnRequest, error)
	List(ctx context.Context, filter ListFilter) ([]ReturnRequest, error)
	// UpdateStatus flips the status only when the stored row still matches
	// from. Zero rows affected surfaces as shared.ErrStaleState.
	UpdateStatus(ctx context.Context, id int64, from, to Status) error
}

// Repository persists return requests in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, req *ReturnRequest) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO return_requests (code, order_id, type, status, reason, note, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id`,
		req.Code, req.OrderID, string(req.Type), string(req.Status), req.Reason, req.Note, req.CreatedBy, now,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("insert return request: %w", err)
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	for i := range req.Lines {
		line := &req.Lines[i]
		line.RequestID = req.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO return_request_lines (request_id, sku_id, quantity)
			VALUES ($1, $2, $3)
			RETURNING id`,
			req.ID, line.SKUID, line.Quantity,
		).Scan(&line.ID)
		if err != nil {
			return fmt.Errorf("insert return line: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id int64) (ReturnRequest, error) {
	var (
		req    ReturnRequest
		typ    string
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, order_id, type, status, reason, note, created_by, created_at, updated_at
		FROM return_requests WHERE id = $1`, id,
	).Scan(&req.ID, &req.Code, &req.OrderID, &typ, &status, &req.Reason, &req.Note, &req.CreatedBy, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReturnRequest{}, fmt.Errorf("%w: return request %d", shared.ErrUnknownReference, id)
	}
	if err != nil {
		return ReturnRequest{}, fmt.Errorf("get return request: %w", err)
	}
	req.Type = Type(typ)
	req.Status = Status(status)

	rows, err := r.pool.Query(ctx, `
		SELECT id, request_id, sku_id, quantity
		FROM return_request_lines WHERE request_id = $1 ORDER BY id`, id)
	if err != nil {
		return ReturnRequest{}, fmt.Errorf("list return lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line ReturnLine
		if err := rows.Scan(&line.ID, &line.RequestID, &line.SKUID, &line.Quantity); err != nil {
			return ReturnRequest{}, fmt.Errorf("scan return line: %w", err)
		}
		req.Lines = append(req.Lines, line)
	}
	return req, rows.Err()
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]ReturnRequest, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, code, order_id, type, status, reason, note, created_by, created_at, updated_at
		FROM return_requests WHERE 1=1`
	args := []any{}
	if filter.OrderID != 0 {
		args = append(args, filter.OrderID)
		query += fmt.Sprintf(` AND order_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d OFFSET %d`, limit, max(filter.Offset, 0))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list return requests: %w", err)
	}
	defer rows.Close()

	var out []ReturnRequest
	for rows.Next() {
		var (
			req    ReturnRequest
			typ    string
			status string
		)
		if err := rows.Scan(&req.ID, &req.Code, &req.OrderID, &typ, &status, &req.Reason, &req.Note, &req.CreatedBy, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan return request: %w", err)
		}
		req.Type = Type(typ)
		req.Status = Status(status)
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE return_requests SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update return status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: return request %d is no longer %s", shared.ErrStaleState, id, from)
	}
	return nil
}
