package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/merx-mms/merx/internal/shared"
)

type memoryRepo struct {
	positions map[string]StockPosition
	txs       []Transaction
	movements []MovementEntry
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{positions: make(map[string]StockPosition)}
}

func posKey(skuID, warehouseID int64) string {
	return fmt.Sprintf("%d:%d", skuID, warehouseID)
}

type memoryTx struct {
	repo      *memoryRepo
	staged    map[string]StockPosition
	txs       []Transaction
	lines     map[int64][]TransactionLine
	movements []MovementEntry
}

// WithTx stages all mutations and commits them only when fn succeeds, so
// rollback behaviour matches the real repository.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, staged: make(map[string]StockPosition), lines: make(map[int64][]TransactionLine)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for key, pos := range tx.staged {
		r.positions[key] = pos
	}
	for _, header := range tx.txs {
		header.Lines = tx.lines[header.ID]
		r.txs = append(r.txs, header)
	}
	r.movements = append(r.movements, tx.movements...)
	return nil
}

func (r *memoryRepo) GetPosition(ctx context.Context, skuID, warehouseID int64) (StockPosition, error) {
	if pos, ok := r.positions[posKey(skuID, warehouseID)]; ok {
		return pos, nil
	}
	return StockPosition{SKUID: skuID, WarehouseID: warehouseID, UnitCost: decimal.Zero}, ErrPositionNotFound
}

func (r *memoryRepo) ListPositions(ctx context.Context, warehouseID int64, limit int) ([]StockPosition, error) {
	result := []StockPosition{}
	for _, pos := range r.positions {
		if warehouseID == 0 || pos.WarehouseID == warehouseID {
			result = append(result, pos)
		}
	}
	return result, nil
}

func (r *memoryRepo) GetTransactionByCode(ctx context.Context, code string) (Transaction, error) {
	for _, tx := range r.txs {
		if tx.Code == code {
			return tx, nil
		}
	}
	return Transaction{}, shared.ErrNotFound
}

func (r *memoryRepo) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	result := []Transaction{}
	for _, tx := range r.txs {
		if filter.Kind != "" && tx.Kind != filter.Kind {
			continue
		}
		if filter.OrderID != 0 && tx.OrderID != filter.OrderID {
			continue
		}
		result = append(result, tx)
	}
	return result, nil
}

func (r *memoryRepo) GetOrderAllocation(ctx context.Context, orderID int64) ([]TransactionLine, error) {
	lines := []TransactionLine{}
	credited := make(map[int64]int64)
	for _, tx := range r.txs {
		if tx.OrderID != orderID {
			continue
		}
		if tx.Kind == KindImport {
			for _, line := range tx.Lines {
				credited[line.SKUID] += line.QuantityDelta
			}
			continue
		}
		if tx.Kind != KindExport || tx.Subtype != SubtypeSale {
			continue
		}
		for _, line := range tx.Lines {
			if line.QuantityDelta < 0 {
				line.QuantityDelta = -line.QuantityDelta
			}
			lines = append(lines, line)
		}
	}
	return netAllocation(lines, credited), nil
}

func (r *memoryRepo) GetMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error) {
	result := make([]MovementEntry, len(r.movements))
	copy(result, r.movements)
	return result, nil
}

func (tx *memoryTx) GetPositionForUpdate(ctx context.Context, skuID, warehouseID int64) (StockPosition, error) {
	if pos, ok := tx.staged[posKey(skuID, warehouseID)]; ok {
		return pos, nil
	}
	return tx.repo.GetPosition(ctx, skuID, warehouseID)
}

func (tx *memoryTx) UpsertPosition(ctx context.Context, pos StockPosition) error {
	tx.staged[posKey(pos.SKUID, pos.WarehouseID)] = pos
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, header Transaction) (int64, error) {
	tx.repo.nextID++
	header.ID = tx.repo.nextID
	tx.txs = append(tx.txs, header)
	return header.ID, nil
}

func (tx *memoryTx) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	tx.lines[txID] = append(tx.lines[txID], lines...)
	return nil
}

func (tx *memoryTx) InsertMovementEntry(ctx context.Context, entry MovementEntry, skuID, warehouseID, txID int64) error {
	tx.movements = append(tx.movements, entry)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil, nil)
}

func TestWeightedAverageCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 10, UnitCost: dec("100")}}})
	require.NoError(t, err)
	_, err = svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 5, UnitCost: dec("130")}}})
	require.NoError(t, err)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 15, pos.Quantity)
	require.True(t, pos.UnitCost.Equal(dec("110")), "got %s", pos.UnitCost)
}

func TestExportCostSnapshot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 10, UnitCost: dec("100")}}})
	require.NoError(t, err)
	_, err = svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 5, UnitCost: dec("130")}}})
	require.NoError(t, err)

	tx, err := svc.RecordExport(ctx, ExportInput{WarehouseID: 1, Lines: []ExportLine{{SKUID: 1, Quantity: 4}}})
	require.NoError(t, err)
	require.Len(t, tx.Lines, 1)
	require.True(t, tx.Lines[0].UnitCost.Equal(dec("110")), "export line cost should snapshot the average, got %s", tx.Lines[0].UnitCost)
	require.EqualValues(t, -4, tx.Lines[0].QuantityDelta)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 11, pos.Quantity)
	require.True(t, pos.UnitCost.Equal(dec("110")))
}

func TestInsufficientStockRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 15, UnitCost: dec("100")}}})
	require.NoError(t, err)

	_, err = svc.RecordExport(ctx, ExportInput{WarehouseID: 1, Lines: []ExportLine{{SKUID: 1, Quantity: 20}}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 15, pos.Quantity)
}

func TestMultiLineExportIsAtomic(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 10, UnitCost: dec("100")}}})
	require.NoError(t, err)

	_, err = svc.RecordExport(ctx, ExportInput{WarehouseID: 1, Lines: []ExportLine{
		{SKUID: 1, Quantity: 3},
		{SKUID: 2, Quantity: 1},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 10, pos.Quantity, "failed transaction must not keep any line's mutation")
	// Only the setup import is persisted; the failed export left nothing.
	require.Len(t, repo.txs, 1)
	require.Equal(t, KindImport, repo.txs[0].Kind)
}

func TestAdjustmentStaleState(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 10, UnitCost: dec("100")}}})
	require.NoError(t, err)

	_, err = svc.RecordAdjustment(ctx, AdjustmentInput{WarehouseID: 1, Lines: []AdjustmentLine{{SKUID: 1, QuantityBefore: 8, NewQuantity: 7}}})
	require.ErrorIs(t, err, shared.ErrStaleState)

	tx, err := svc.RecordAdjustment(ctx, AdjustmentInput{WarehouseID: 1, Lines: []AdjustmentLine{{SKUID: 1, QuantityBefore: 10, NewQuantity: 7}}})
	require.NoError(t, err)
	require.Len(t, tx.Lines, 1)
	require.EqualValues(t, -3, tx.Lines[0].QuantityDelta)
	require.NotNil(t, tx.Lines[0].QuantityBefore)
	require.EqualValues(t, 10, *tx.Lines[0].QuantityBefore)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 7, pos.Quantity)
	require.True(t, pos.UnitCost.Equal(dec("100")), "adjustment without cost basis leaves cost unchanged")
}

func TestTransferCarriesSourceCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 10, UnitCost: dec("50")}}})
	require.NoError(t, err)

	result, err := svc.RecordTransfer(ctx, TransferInput{SrcWarehouseID: 1, DstWarehouseID: 2, Lines: []TransferLine{{SKUID: 1, Quantity: 4}}})
	require.NoError(t, err)
	require.Equal(t, KindExport, result.Outbound.Kind)
	require.Equal(t, KindImport, result.Inbound.Kind)
	require.Equal(t, SubtypeTransfer, result.Inbound.Subtype)

	src, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 6, src.Quantity)

	dst, err := svc.GetPosition(ctx, 1, 2)
	require.NoError(t, err)
	require.EqualValues(t, 4, dst.Quantity)
	require.True(t, dst.UnitCost.Equal(dec("50")), "destination carries the source's cost")

	_, err = svc.RecordTransfer(ctx, TransferInput{SrcWarehouseID: 1, DstWarehouseID: 2, Lines: []TransferLine{{SKUID: 1, Quantity: 50}}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	src, err = svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 6, src.Quantity, "failed transfer leaves both warehouses untouched")
	dst, err = svc.GetPosition(ctx, 1, 2)
	require.NoError(t, err)
	require.EqualValues(t, 4, dst.Quantity)
}

func TestAllocateOrderAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 5, UnitCost: dec("10")}}})
	require.NoError(t, err)

	_, err = svc.AllocateOrder(ctx, AllocationInput{OrderID: 77, Lines: []AllocationLine{
		{SKUID: 1, WarehouseID: 1, Quantity: 3},
		{SKUID: 2, WarehouseID: 1, Quantity: 1},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Contains(t, err.Error(), "sku 2", "failure names the offending sku")

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 5, pos.Quantity, "no line is deducted when any line fails")

	tx, err := svc.AllocateOrder(ctx, AllocationInput{OrderID: 77, Lines: []AllocationLine{
		{SKUID: 1, WarehouseID: 1, Quantity: 3},
	}})
	require.NoError(t, err)
	require.Equal(t, KindExport, tx.Kind)
	require.Equal(t, SubtypeSale, tx.Subtype)
	require.EqualValues(t, 77, tx.OrderID)

	pos, err = svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, pos.Quantity)

	allocated, err := svc.OrderAllocation(ctx, 77)
	require.NoError(t, err)
	require.Len(t, allocated, 1)
	require.EqualValues(t, 3, allocated[0].QuantityDelta)
	require.True(t, allocated[0].UnitCost.Equal(dec("10")))
}

func TestRestockLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 5, UnitCost: dec("20")}}})
	require.NoError(t, err)
	_, err = svc.AllocateOrder(ctx, AllocationInput{OrderID: 9, Lines: []AllocationLine{{SKUID: 1, WarehouseID: 1, Quantity: 3}}})
	require.NoError(t, err)

	tx, err := svc.RestockLines(ctx, RestockInput{OrderID: 9, Subtype: SubtypeRestock, Lines: []RestockLine{
		{SKUID: 1, WarehouseID: 1, Quantity: 3, UnitCost: dec("20")},
	}})
	require.NoError(t, err)
	require.Equal(t, KindImport, tx.Kind)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 5, pos.Quantity)
	require.True(t, pos.UnitCost.Equal(dec("20")))
}

func TestOrderAllocationNetsPriorCredits(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 10, UnitCost: dec("25")}}})
	require.NoError(t, err)
	_, err = svc.AllocateOrder(ctx, AllocationInput{OrderID: 42, Lines: []AllocationLine{{SKUID: 1, WarehouseID: 1, Quantity: 5}}})
	require.NoError(t, err)

	_, err = svc.RestockLines(ctx, RestockInput{OrderID: 42, Subtype: SubtypeReturn, Lines: []RestockLine{
		{SKUID: 1, WarehouseID: 1, Quantity: 2, UnitCost: dec("25")},
	}})
	require.NoError(t, err)

	allocated, err := svc.OrderAllocation(ctx, 42)
	require.NoError(t, err)
	require.Len(t, allocated, 1)
	require.EqualValues(t, 3, allocated[0].QuantityDelta, "credited quantity must reduce the outstanding allocation")

	_, err = svc.RestockLines(ctx, RestockInput{OrderID: 42, Subtype: SubtypeReturn, Lines: []RestockLine{
		{SKUID: 1, WarehouseID: 1, Quantity: 3, UnitCost: dec("25")},
	}})
	require.NoError(t, err)

	allocated, err = svc.OrderAllocation(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, allocated, "a fully credited allocation has no outstanding lines")
}

func TestGetTransactionByCode(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	posted, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 4, UnitCost: dec("15")}}})
	require.NoError(t, err)

	tx, err := svc.GetTransaction(ctx, posted.Code)
	require.NoError(t, err)
	require.Equal(t, posted.Code, tx.Code)
	require.Equal(t, KindImport, tx.Kind)

	_, err = svc.GetTransaction(ctx, "IMP-MISSING")
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.GetTransaction(ctx, "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestImportIntoEmptyPositionResetsCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 2, UnitCost: dec("90")}}})
	require.NoError(t, err)
	_, err = svc.RecordExport(ctx, ExportInput{WarehouseID: 1, Lines: []ExportLine{{SKUID: 1, Quantity: 2}}})
	require.NoError(t, err)

	pos, err := svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos.Quantity)
	require.True(t, pos.UnitCost.IsZero(), "cost is undefined while quantity is zero")

	_, err = svc.RecordImport(ctx, ImportInput{WarehouseID: 1, Lines: []ImportLine{{SKUID: 1, Quantity: 3, UnitCost: dec("40")}}})
	require.NoError(t, err)

	pos, err = svc.GetPosition(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, pos.UnitCost.Equal(dec("40")), "import into empty position resets the cost")
}
