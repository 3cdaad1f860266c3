package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/platform/db"
	"github.com/merx-mms/merx/internal/shared"
)

// ErrPositionNotFound indicates a missing ledger row; callers treat it as a
// zero-quantity position with undefined cost.
var ErrPositionNotFound = errors.New("stock position not found")

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPosition(ctx context.Context, skuID, warehouseID int64) (StockPosition, error)
	ListPositions(ctx context.Context, warehouseID int64, limit int) ([]StockPosition, error)
	GetTransactionByCode(ctx context.Context, code string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	GetOrderAllocation(ctx context.Context, orderID int64) ([]TransactionLine, error)
	GetMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error)
}

// TxRepository exposes the operations available inside one atomic unit.
type TxRepository interface {
	GetPositionForUpdate(ctx context.Context, skuID, warehouseID int64) (StockPosition, error)
	UpsertPosition(ctx context.Context, pos StockPosition) error
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error
	InsertMovementEntry(ctx context.Context, entry MovementEntry, skuID, warehouseID, txID int64) error
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetPosition(ctx context.Context, skuID, warehouseID int64) (StockPosition, error) {
	return scanPosition(r.pool.QueryRow(ctx, `SELECT sku_id, warehouse_id, quantity, unit_cost, updated_at
FROM stock_positions WHERE sku_id=$1 AND warehouse_id=$2`, skuID, warehouseID), skuID, warehouseID)
}

func (r *Repository) ListPositions(ctx context.Context, warehouseID int64, limit int) ([]StockPosition, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT sku_id, warehouse_id, quantity, unit_cost, updated_at
FROM stock_positions
WHERE ($1 = 0 OR warehouse_id = $1)
ORDER BY warehouse_id, sku_id
LIMIT $2`, warehouseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	positions := []StockPosition{}
	for rows.Next() {
		var pos StockPosition
		var cost string
		if err := rows.Scan(&pos.SKUID, &pos.WarehouseID, &pos.Quantity, &cost, &pos.UpdatedAt); err != nil {
			return nil, err
		}
		if pos.UnitCost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (r *Repository) GetTransactionByCode(ctx context.Context, code string) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, code, kind, subtype, warehouse_id, order_id, note, posted_at, created_by, created_at
FROM inventory_tx WHERE code=$1`, code)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: transaction %s", shared.ErrNotFound, code)
		}
		return Transaction{}, err
	}
	lines, err := r.linesFor(ctx, tx.ID)
	if err != nil {
		return Transaction{}, err
	}
	tx.Lines = lines
	return tx, nil
}

func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, code, kind, subtype, warehouse_id, order_id, note, posted_at, created_by, created_at
FROM inventory_tx
WHERE ($1 = '' OR kind = $1)
  AND ($2 = 0 OR warehouse_id = $2)
  AND ($3 = 0 OR order_id = $3)
ORDER BY posted_at DESC, id DESC
LIMIT $4`, string(filter.Kind), filter.WarehouseID, filter.OrderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs := []Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range txs {
		lines, err := r.linesFor(ctx, txs[i].ID)
		if err != nil {
			return nil, err
		}
		txs[i].Lines = lines
	}
	return txs, nil
}

// GetOrderAllocation returns the export lines of the SALE transactions linked
// to an order, net of any order-linked imports (restocks, completed returns)
// posted since. Quantities are returned positive; fully credited lines are
// dropped.
func (r *Repository) GetOrderAllocation(ctx context.Context, orderID int64) ([]TransactionLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, l.tx_id, l.sku_id, l.quantity_before, l.quantity_delta, l.unit_cost, l.src_warehouse_id, l.dst_warehouse_id
FROM inventory_tx_lines l
JOIN inventory_tx t ON t.id = l.tx_id
WHERE t.order_id = $1 AND t.kind = $2 AND t.subtype = $3
ORDER BY l.id`, orderID, string(KindExport), string(SubtypeSale))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines, err := scanLines(rows)
	if err != nil {
		return nil, err
	}
	for i := range lines {
		if lines[i].QuantityDelta < 0 {
			lines[i].QuantityDelta = -lines[i].QuantityDelta
		}
	}

	credited := make(map[int64]int64)
	creditRows, err := r.pool.Query(ctx, `SELECT l.sku_id, SUM(l.quantity_delta)
FROM inventory_tx_lines l
JOIN inventory_tx t ON t.id = l.tx_id
WHERE t.order_id = $1 AND t.kind = $2
GROUP BY l.sku_id`, orderID, string(KindImport))
	if err != nil {
		return nil, err
	}
	defer creditRows.Close()
	for creditRows.Next() {
		var skuID, qty int64
		if err := creditRows.Scan(&skuID, &qty); err != nil {
			return nil, err
		}
		credited[skuID] = qty
	}
	if err := creditRows.Err(); err != nil {
		return nil, err
	}
	return netAllocation(lines, credited), nil
}

// netAllocation subtracts already-credited quantities from the exported lines,
// per sku, oldest line first. Lines netted down to zero disappear.
func netAllocation(lines []TransactionLine, credited map[int64]int64) []TransactionLine {
	out := lines[:0]
	for _, line := range lines {
		back := credited[line.SKUID]
		if back >= line.QuantityDelta {
			credited[line.SKUID] = back - line.QuantityDelta
			continue
		}
		line.QuantityDelta -= back
		credited[line.SKUID] = 0
		out = append(out, line)
	}
	return out
}

func (r *Repository) GetMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT code, kind, subtype, posted_at, qty_in, qty_out, balance_qty, unit_cost, balance_cost, note
FROM stock_movements
WHERE sku_id=$1 AND warehouse_id=$2 AND posted_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $5`, filter.SKUID, filter.WarehouseID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []MovementEntry{}
	for rows.Next() {
		var entry MovementEntry
		var unitCost, balanceCost string
		if err := rows.Scan(&entry.Code, &entry.Kind, &entry.Subtype, &entry.PostedAt, &entry.QtyIn, &entry.QtyOut, &entry.BalanceQty, &unitCost, &balanceCost, &entry.Note); err != nil {
			return nil, err
		}
		if entry.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, err
		}
		if entry.BalanceCost, err = decimal.NewFromString(balanceCost); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Repository) linesFor(ctx context.Context, txID int64) ([]TransactionLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, tx_id, sku_id, quantity_before, quantity_delta, unit_cost, src_warehouse_id, dst_warehouse_id
FROM inventory_tx_lines WHERE tx_id=$1 ORDER BY id`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLines(rows)
}

func (r *txRepository) GetPositionForUpdate(ctx context.Context, skuID, warehouseID int64) (StockPosition, error) {
	return scanPosition(r.tx.QueryRow(ctx, `SELECT sku_id, warehouse_id, quantity, unit_cost, updated_at
FROM stock_positions WHERE sku_id=$1 AND warehouse_id=$2 FOR UPDATE`, skuID, warehouseID), skuID, warehouseID)
}

func (r *txRepository) UpsertPosition(ctx context.Context, pos StockPosition) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_positions (sku_id, warehouse_id, quantity, unit_cost, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (sku_id, warehouse_id) DO UPDATE SET quantity=EXCLUDED.quantity, unit_cost=EXCLUDED.unit_cost, updated_at=NOW()`,
		pos.SKUID, pos.WarehouseID, pos.Quantity, pos.UnitCost.String())
	return err
}

func (r *txRepository) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_tx (code, kind, subtype, warehouse_id, order_id, note, posted_at, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
		tx.Code, string(tx.Kind), string(tx.Subtype), nullInt(tx.WarehouseID), nullInt(tx.OrderID), tx.Note, tx.PostedAt, nullInt(tx.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_tx_lines (tx_id, sku_id, quantity_before, quantity_delta, unit_cost, src_warehouse_id, dst_warehouse_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, txID, line.SKUID, line.QuantityBefore, line.QuantityDelta, line.UnitCost.String(), nullInt(line.SrcWarehouseID), nullInt(line.DstWarehouseID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) InsertMovementEntry(ctx context.Context, entry MovementEntry, skuID, warehouseID, txID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements (sku_id, warehouse_id, tx_id, code, kind, subtype, qty_in, qty_out, balance_qty, unit_cost, balance_cost, posted_at, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		skuID, warehouseID, txID, entry.Code, string(entry.Kind), string(entry.Subtype), entry.QtyIn, entry.QtyOut, entry.BalanceQty, entry.UnitCost.String(), entry.BalanceCost.String(), entry.PostedAt, entry.Note)
	return err
}

func scanPosition(row pgx.Row, skuID, warehouseID int64) (StockPosition, error) {
	var pos StockPosition
	var cost string
	err := row.Scan(&pos.SKUID, &pos.WarehouseID, &pos.Quantity, &cost, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockPosition{SKUID: skuID, WarehouseID: warehouseID, UnitCost: decimal.Zero}, ErrPositionNotFound
		}
		return StockPosition{}, err
	}
	if pos.UnitCost, err = decimal.NewFromString(cost); err != nil {
		return StockPosition{}, err
	}
	return pos, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var tx Transaction
	var warehouseID, orderID, createdBy *int64
	if err := row.Scan(&tx.ID, &tx.Code, &tx.Kind, &tx.Subtype, &warehouseID, &orderID, &tx.Note, &tx.PostedAt, &createdBy, &tx.CreatedAt); err != nil {
		return Transaction{}, err
	}
	tx.WarehouseID = deref(warehouseID)
	tx.OrderID = deref(orderID)
	tx.CreatedBy = deref(createdBy)
	return tx, nil
}

func scanLines(rows pgx.Rows) ([]TransactionLine, error) {
	lines := []TransactionLine{}
	for rows.Next() {
		var line TransactionLine
		var cost string
		var src, dst *int64
		if err := rows.Scan(&line.ID, &line.TransactionID, &line.SKUID, &line.QuantityBefore, &line.QuantityDelta, &cost, &src, &dst); err != nil {
			return nil, err
		}
		parsed, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, err
		}
		line.UnitCost = parsed
		line.SrcWarehouseID = deref(src)
		line.DstWarehouseID = deref(dst)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
