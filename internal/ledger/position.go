package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/shared"
)

// costScale is the number of minor-unit digits kept on weighted-average cost.
const costScale = 2

// ApplyDelta returns the position after applying a signed quantity change.
//
// A positive delta recomputes the weighted-average cost from the incoming
// unit cost; an import into an empty position resets the cost outright. A
// negative delta keeps the cost basis and fails when it would drive the
// quantity below zero. The receiver is not mutated.
func (p StockPosition) ApplyDelta(delta int64, incomingCost decimal.Decimal) (StockPosition, error) {
	if delta == 0 {
		return p, fmt.Errorf("%w: quantity delta must be non-zero", shared.ErrValidation)
	}
	next := p
	next.Quantity = p.Quantity + delta
	if delta > 0 {
		if incomingCost.IsNegative() {
			return p, fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
		}
		if p.Quantity == 0 {
			next.UnitCost = incomingCost.Round(costScale)
			return next, nil
		}
		onHand := decimal.NewFromInt(p.Quantity).Mul(p.UnitCost)
		incoming := decimal.NewFromInt(delta).Mul(incomingCost)
		next.UnitCost = onHand.Add(incoming).Div(decimal.NewFromInt(next.Quantity)).Round(costScale)
		return next, nil
	}
	if next.Quantity < 0 {
		return p, fmt.Errorf("%w: sku %d in warehouse %d has %d, need %d", shared.ErrInsufficientStock, p.SKUID, p.WarehouseID, p.Quantity, -delta)
	}
	if next.Quantity == 0 {
		next.UnitCost = decimal.Zero
	}
	return next, nil
}

// SetAbsolute returns the position set to newQuantity, guarded by the
// caller's snapshot of the current quantity. A snapshot mismatch means a
// concurrent mutation won the race and the adjustment must be re-read.
func (p StockPosition) SetAbsolute(expectedBefore, newQuantity int64) (StockPosition, error) {
	if newQuantity < 0 {
		return p, fmt.Errorf("%w: quantity must be >= 0", shared.ErrValidation)
	}
	if p.Quantity != expectedBefore {
		return p, fmt.Errorf("%w: sku %d in warehouse %d is at %d, caller expected %d", shared.ErrStaleState, p.SKUID, p.WarehouseID, p.Quantity, expectedBefore)
	}
	next := p
	next.Quantity = newQuantity
	if newQuantity == 0 {
		next.UnitCost = decimal.Zero
	}
	return next, nil
}
