package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind enumerates supported inventory movements.
type TransactionKind string

const (
	// KindImport represents an inbound movement.
	KindImport TransactionKind = "IMPORT"
	// KindExport represents an outbound movement.
	KindExport TransactionKind = "EXPORT"
	// KindAdjustment represents a manual set-absolute correction.
	KindAdjustment TransactionKind = "ADJUSTMENT"
)

// Subtype narrows the business reason of a movement.
type Subtype string

const (
	SubtypePurchase Subtype = "PURCHASE"
	SubtypeSale     Subtype = "SALE"
	SubtypeTransfer Subtype = "TRANSFER"
	SubtypeReturn   Subtype = "RETURN"
	SubtypeRestock  Subtype = "RESTOCK"
	SubtypeDamage   Subtype = "DAMAGE"
	SubtypeRecount  Subtype = "RECOUNT"
)

// StockPosition is the ledger row for one (sku, warehouse) pair. Quantity
// never goes below zero; UnitCost is meaningful only while Quantity > 0.
type StockPosition struct {
	SKUID       int64           `json:"sku_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Transaction models the immutable header of an inventory transaction.
type Transaction struct {
	ID          int64             `json:"id"`
	Code        string            `json:"code"`
	Kind        TransactionKind   `json:"kind"`
	Subtype     Subtype           `json:"subtype"`
	WarehouseID int64             `json:"warehouse_id,omitempty"`
	OrderID     int64             `json:"order_id,omitempty"`
	Note        string            `json:"note,omitempty"`
	PostedAt    time.Time         `json:"posted_at"`
	CreatedBy   int64             `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	Lines       []TransactionLine `json:"lines,omitempty"`
}

// TransactionLine records one sku movement within a transaction. The unit
// cost on an export line is the ledger's weighted-average cost at the moment
// of export, not the original purchase cost.
type TransactionLine struct {
	ID             int64           `json:"id"`
	TransactionID  int64           `json:"transaction_id"`
	SKUID          int64           `json:"sku_id"`
	QuantityBefore *int64          `json:"quantity_before,omitempty"`
	QuantityDelta  int64           `json:"quantity_delta"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SrcWarehouseID int64           `json:"src_warehouse_id,omitempty"`
	DstWarehouseID int64           `json:"dst_warehouse_id,omitempty"`
}

// MovementEntry describes one line of the per-position movement history with
// running balances, the read model the admin tooling renders.
type MovementEntry struct {
	Code        string          `json:"code"`
	Kind        TransactionKind `json:"kind"`
	Subtype     Subtype         `json:"subtype"`
	PostedAt    time.Time       `json:"posted_at"`
	QtyIn       int64           `json:"qty_in"`
	QtyOut      int64           `json:"qty_out"`
	BalanceQty  int64           `json:"balance_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	BalanceCost decimal.Decimal `json:"balance_cost"`
	Note        string          `json:"note,omitempty"`
}

// MovementFilter narrows movement history reads.
type MovementFilter struct {
	SKUID       int64
	WarehouseID int64
	From        time.Time
	To          time.Time
	Limit       int
}

// TransactionFilter narrows transaction history reads.
type TransactionFilter struct {
	Kind        TransactionKind
	WarehouseID int64
	OrderID     int64
	Limit       int
}

// ImportLine and ExportLine carry one sku of an inbound/outbound request.
type ImportLine struct {
	SKUID    int64
	Quantity int64
	UnitCost decimal.Decimal
}

// ImportInput describes an inbound posting into one warehouse.
type ImportInput struct {
	Code        string
	WarehouseID int64
	Subtype     Subtype
	Lines       []ImportLine
	OrderID     int64
	Note        string
	ActorID     int64
}

// ExportLine carries one sku of an outbound request.
type ExportLine struct {
	SKUID    int64
	Quantity int64
}

// ExportInput describes an outbound posting from one warehouse.
type ExportInput struct {
	Code        string
	WarehouseID int64
	Subtype     Subtype
	Lines       []ExportLine
	OrderID     int64
	Note        string
	ActorID     int64
}

// AdjustmentLine sets one position to an absolute quantity. QuantityBefore is
// the caller's optimistic snapshot; a mismatch against the ledger fails the
// whole adjustment. UnitCost, when set, supplies a new cost basis.
type AdjustmentLine struct {
	SKUID          int64
	QuantityBefore int64
	NewQuantity    int64
	UnitCost       *decimal.Decimal
}

// AdjustmentInput describes a set-absolute correction in one warehouse.
type AdjustmentInput struct {
	Code        string
	WarehouseID int64
	Subtype     Subtype
	Lines       []AdjustmentLine
	Note        string
	ActorID     int64
}

// TransferLine carries one sku of a warehouse-to-warehouse move.
type TransferLine struct {
	SKUID    int64
	Quantity int64
}

// TransferInput describes a transfer between two warehouses. The destination
// import carries the source's current unit cost, not a caller-supplied one.
type TransferInput struct {
	Code           string
	SrcWarehouseID int64
	DstWarehouseID int64
	Lines          []TransferLine
	Note           string
	ActorID        int64
}

// TransferResult pairs the two transactions committed as one atomic unit.
type TransferResult struct {
	Outbound Transaction `json:"outbound"`
	Inbound  Transaction `json:"inbound"`
}

// AllocationLine binds one order line to a warehouse.
type AllocationLine struct {
	SKUID       int64
	WarehouseID int64
	Quantity    int64
}

// AllocationInput is the all-or-nothing export an order confirmation issues.
type AllocationInput struct {
	OrderID int64
	Lines   []AllocationLine
	Note    string
	ActorID int64
}

// RestockLine credits one previously exported line back into its warehouse at
// the recorded cost.
type RestockLine struct {
	SKUID       int64
	WarehouseID int64
	Quantity    int64
	UnitCost    decimal.Decimal
}

// RestockInput reverses a prior allocation (order cancel, delivery failure)
// or completes a return.
type RestockInput struct {
	OrderID int64
	Subtype Subtype
	Lines   []RestockLine
	Note    string
	ActorID int64
}
