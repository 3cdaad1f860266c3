package returns

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/merx-mms/merx/internal/ledger"
	"github.com/merx-mms/merx/internal/shared"
)

type memoryRepo struct {
	nextID   int64
	requests map[int64]*ReturnRequest
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{nextID: 1, requests: make(map[int64]*ReturnRequest)}
}

func (m *memoryRepo) Create(_ context.Context, req *ReturnRequest) error {
	req.ID = m.nextID
	m.nextID++
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (ReturnRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return ReturnRequest{}, fmt.Errorf("%w: return request %d", shared.ErrUnknownReference, id)
	}
	return *req, nil
}

func (m *memoryRepo) List(_ context.Context, filter ListFilter) ([]ReturnRequest, error) {
	var out []ReturnRequest
	for _, req := range m.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.OrderID != 0 && req.OrderID != filter.OrderID {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id int64, from, to Status) error {
	req, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: return request %d", shared.ErrUnknownReference, id)
	}
	if req.Status != from {
		return fmt.Errorf("%w: return request %d is no longer %s", shared.ErrStaleState, id, from)
	}
	req.Status = to
	return nil
}

// fakeInventory serves a fixed allocation per order and records restocks.
type fakeInventory struct {
	allocations map[int64][]ledger.TransactionLine
	restocks    []ledger.RestockInput
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{allocations: make(map[int64][]ledger.TransactionLine)}
}

// RestockLines mirrors the real ledger: credited quantities shrink the
// order's outstanding allocation.
func (f *fakeInventory) RestockLines(_ context.Context, input ledger.RestockInput) (ledger.Transaction, error) {
	f.restocks = append(f.restocks, input)
	for _, line := range input.Lines {
		remaining := f.allocations[input.OrderID][:0]
		for _, alloc := range f.allocations[input.OrderID] {
			if alloc.SKUID == line.SKUID {
				alloc.QuantityDelta -= line.Quantity
				if alloc.QuantityDelta <= 0 {
					continue
				}
			}
			remaining = append(remaining, alloc)
		}
		f.allocations[input.OrderID] = remaining
	}
	return ledger.Transaction{OrderID: input.OrderID}, nil
}

func (f *fakeInventory) OrderAllocation(_ context.Context, orderID int64) ([]ledger.TransactionLine, error) {
	return f.allocations[orderID], nil
}

type fakeOrders map[int64]string

func (f fakeOrders) OrderStatus(_ context.Context, orderID int64) (string, error) {
	status, ok := f[orderID]
	if !ok {
		return "", fmt.Errorf("%w: order %d", shared.ErrUnknownReference, orderID)
	}
	return status, nil
}

func newTestService(t *testing.T) (*Service, *fakeInventory, fakeOrders) {
	t.Helper()
	inv := newFakeInventory()
	ords := fakeOrders{}
	return NewService(newMemoryRepo(), inv, ords, nil, nil), inv, ords
}

func allocate(inv *fakeInventory, orderID int64, lines ...ledger.TransactionLine) {
	inv.allocations[orderID] = lines
}

func soldLine(skuID, warehouseID, qty int64, cost string) ledger.TransactionLine {
	return ledger.TransactionLine{
		SKUID:          skuID,
		QuantityDelta:  qty,
		UnitCost:       decimal.RequireFromString(cost),
		SrcWarehouseID: warehouseID,
	}
}

func TestCreateValidatesAgainstAllocation(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 4}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 2, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 2}}})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, req.Status)
}

func TestReturnRequiresDeliveredOrder(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "SHIPPED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))

	_, err := svc.Create(context.Background(), CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestTransitionGraph(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 2}}})
	require.NoError(t, err)

	// Completion straight from AWAITING_APPROVAL must fail.
	_, err = svc.Complete(ctx, req.ID, nil, 7)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	approved, err := svc.Approve(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	// Approving twice is not an edge.
	_, err = svc.Approve(ctx, req.ID, 7)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	completed, err := svc.Complete(ctx, req.ID, nil, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)

	// COMPLETED is final.
	_, err = svc.Cancel(ctx, req.ID, "", 7)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = svc.Complete(ctx, req.ID, nil, 7)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.Len(t, inv.restocks, 1)
}

func TestCompleteImportsAtSaleCost(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10,
		soldLine(1, 1, 3, "12.00"),
		soldLine(2, 4, 5, "7.25"),
	)
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{
		{SKUID: 1, Quantity: 2},
		{SKUID: 2, Quantity: 5},
	}})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, 7)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, req.ID, nil, 7)
	require.NoError(t, err)

	require.Len(t, inv.restocks, 1)
	restock := inv.restocks[0]
	require.Equal(t, ledger.SubtypeReturn, restock.Subtype)
	require.EqualValues(t, 10, restock.OrderID)
	require.Len(t, restock.Lines, 2)
	require.EqualValues(t, 1, restock.Lines[0].WarehouseID)
	require.True(t, restock.Lines[0].UnitCost.Equal(decimal.RequireFromString("12.00")))
	require.EqualValues(t, 2, restock.Lines[0].Quantity)
	require.EqualValues(t, 4, restock.Lines[1].WarehouseID)
	require.True(t, restock.Lines[1].UnitCost.Equal(decimal.RequireFromString("7.25")))
}

func TestCompletedReturnShrinksAllocation(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 3}}})
	require.NoError(t, err)
	second, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 3}}})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, first.ID, 7)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, second.ID, 7)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, first.ID, nil, 7)
	require.NoError(t, err)

	// The full quantity came back with the first request; completing the
	// second must not credit the stock again.
	_, err = svc.Complete(ctx, second.ID, nil, 7)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Len(t, inv.restocks, 1)

	// New requests see the shrunk allocation as well.
	_, err = svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCompleteRoutesToMappedWarehouse(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10,
		soldLine(1, 1, 3, "12.00"),
		soldLine(2, 4, 5, "7.25"),
	)
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{
		{SKUID: 1, Quantity: 2},
		{SKUID: 2, Quantity: 5},
	}})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, 7)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, req.ID, []CompleteLine{{SKUID: 1, WarehouseID: 9}}, 7)
	require.NoError(t, err)

	require.Len(t, inv.restocks, 1)
	restock := inv.restocks[0]
	require.Len(t, restock.Lines, 2)
	require.EqualValues(t, 9, restock.Lines[0].WarehouseID, "mapped sku goes to the chosen warehouse")
	require.True(t, restock.Lines[0].UnitCost.Equal(decimal.RequireFromString("12.00")), "cost stays the sale cost")
	require.EqualValues(t, 4, restock.Lines[1].WarehouseID, "unmapped sku falls back to its source warehouse")
}

func TestCompleteRejectsUnknownMapping(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 2}}})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, 7)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, req.ID, []CompleteLine{{SKUID: 2, WarehouseID: 9}}, 7)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Complete(ctx, req.ID, []CompleteLine{{SKUID: 1, WarehouseID: 0}}, 7)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, inv.restocks)
}

func TestRestoreReopensRejected(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 1}}})
	require.NoError(t, err)

	_, err = svc.Reject(ctx, req.ID, "photos missing", 7)
	require.NoError(t, err)

	restored, err := svc.Restore(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, restored.Status)

	_, err = svc.Approve(ctx, req.ID, 7)
	require.NoError(t, err)
}

func TestCancelThenRestore(t *testing.T) {
	svc, inv, ords := newTestService(t)
	ords[10] = "DELIVERED"
	allocate(inv, 10, soldLine(1, 1, 3, "12.00"))
	ctx := context.Background()

	req, err := svc.Create(ctx, CreateInput{OrderID: 10, Type: TypeReturn, Lines: []ReturnLine{{SKUID: 1, Quantity: 1}}})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, req.ID, "", 7)
	require.NoError(t, err)
	restored, err := svc.Restore(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, restored.Status)
	require.Empty(t, inv.restocks)
}
