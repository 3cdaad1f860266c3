package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/merx-mms/merx/internal/shared"
)

// ReferencePort resolves sku and warehouse ids against master data.
type ReferencePort interface {
	WarehouseExists(ctx context.Context, id int64) (bool, error)
	SKUExists(ctx context.Context, id int64) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts posted transactions per kind and outcome.
type MetricsPort interface {
	TransactionPosted(kind, outcome string)
}

// Service validates and applies inventory transactions against the stock
// ledger. Every posting runs under per-position locks and one database
// transaction: either all lines commit or none do.
type Service struct {
	repo        RepositoryPort
	refs        ReferencePort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	locker      shared.Locker
	metrics     MetricsPort
}

// NewService builds Service. audit, idempotency, locker and metrics may be
// nil in tests.
func NewService(repo RepositoryPort, refs ReferencePort, audit AuditPort, idem *shared.IdempotencyStore, locker shared.Locker, metrics MetricsPort) *Service {
	return &Service{repo: repo, refs: refs, audit: audit, idempotency: idem, locker: locker, metrics: metrics}
}

// GetPosition reads the current ledger row; a missing key reads as zero
// quantity with undefined cost.
func (s *Service) GetPosition(ctx context.Context, skuID, warehouseID int64) (StockPosition, error) {
	pos, err := s.repo.GetPosition(ctx, skuID, warehouseID)
	if errors.Is(err, ErrPositionNotFound) {
		return StockPosition{SKUID: skuID, WarehouseID: warehouseID, UnitCost: decimal.Zero}, nil
	}
	return pos, err
}

// ListPositions lists ledger rows, optionally scoped to one warehouse.
func (s *Service) ListPositions(ctx context.Context, warehouseID int64, limit int) ([]StockPosition, error) {
	return s.repo.ListPositions(ctx, warehouseID, limit)
}

// ListTransactions lists transaction history.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// GetMovements lists the movement history of one position.
func (s *Service) GetMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error) {
	if filter.SKUID == 0 || filter.WarehouseID == 0 {
		return nil, fmt.Errorf("%w: sku and warehouse required", shared.ErrValidation)
	}
	return s.repo.GetMovements(ctx, filter)
}

// OrderAllocation returns the sale lines previously exported for an order,
// net of quantities already credited back to the order.
func (s *Service) OrderAllocation(ctx context.Context, orderID int64) ([]TransactionLine, error) {
	return s.repo.GetOrderAllocation(ctx, orderID)
}

// GetTransaction reads one posted transaction by reference code.
func (s *Service) GetTransaction(ctx context.Context, code string) (Transaction, error) {
	if code == "" {
		return Transaction{}, fmt.Errorf("%w: transaction code required", shared.ErrValidation)
	}
	return s.repo.GetTransactionByCode(ctx, code)
}

// RecordImport posts an inbound transaction into one warehouse.
func (s *Service) RecordImport(ctx context.Context, input ImportInput) (Transaction, error) {
	if len(input.Lines) == 0 {
		return s.fail(KindImport, fmt.Errorf("%w: at least one line required", shared.ErrValidation))
	}
	if input.Subtype == "" {
		input.Subtype = SubtypePurchase
	}
	if err := s.checkWarehouse(ctx, input.WarehouseID); err != nil {
		return s.fail(KindImport, err)
	}
	movements := make([]movement, 0, len(input.Lines))
	for _, line := range input.Lines {
		if err := s.checkSKU(ctx, line.SKUID); err != nil {
			return s.fail(KindImport, err)
		}
		if line.Quantity <= 0 {
			return s.fail(KindImport, fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, line.SKUID))
		}
		if line.UnitCost.IsNegative() {
			return s.fail(KindImport, fmt.Errorf("%w: unit cost must be >= 0 for sku %d", shared.ErrValidation, line.SKUID))
		}
		movements = append(movements, movement{
			skuID:        line.SKUID,
			warehouseID:  input.WarehouseID,
			delta:        line.Quantity,
			incomingCost: line.UnitCost,
		})
	}
	spec := txSpec{
		code:        codeOrNew(input.Code, "IMP"),
		kind:        KindImport,
		subtype:     input.Subtype,
		warehouseID: input.WarehouseID,
		orderID:     input.OrderID,
		note:        input.Note,
		actorID:     input.ActorID,
		movements:   movements,
	}
	return s.postOne(ctx, spec)
}

// RecordExport posts an outbound transaction from one warehouse. The unit
// cost stamped on each line is the ledger's cost at the moment of export.
func (s *Service) RecordExport(ctx context.Context, input ExportInput) (Transaction, error) {
	if len(input.Lines) == 0 {
		return s.fail(KindExport, fmt.Errorf("%w: at least one line required", shared.ErrValidation))
	}
	if input.Subtype == "" {
		input.Subtype = SubtypeSale
	}
	if err := s.checkWarehouse(ctx, input.WarehouseID); err != nil {
		return s.fail(KindExport, err)
	}
	movements := make([]movement, 0, len(input.Lines))
	for _, line := range input.Lines {
		if err := s.checkSKU(ctx, line.SKUID); err != nil {
			return s.fail(KindExport, err)
		}
		if line.Quantity <= 0 {
			return s.fail(KindExport, fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, line.SKUID))
		}
		movements = append(movements, movement{
			skuID:       line.SKUID,
			warehouseID: input.WarehouseID,
			delta:       -line.Quantity,
		})
	}
	spec := txSpec{
		code:        codeOrNew(input.Code, "EXP"),
		kind:        KindExport,
		subtype:     input.Subtype,
		warehouseID: input.WarehouseID,
		orderID:     input.OrderID,
		note:        input.Note,
		actorID:     input.ActorID,
		movements:   movements,
	}
	return s.postOne(ctx, spec)
}

// RecordAdjustment sets positions to absolute quantities, guarded per line by
// the caller's snapshot of the quantity before.
func (s *Service) RecordAdjustment(ctx context.Context, input AdjustmentInput) (Transaction, error) {
	if len(input.Lines) == 0 {
		return s.fail(KindAdjustment, fmt.Errorf("%w: at least one line required", shared.ErrValidation))
	}
	if input.Subtype == "" {
		input.Subtype = SubtypeRecount
	}
	if err := s.checkWarehouse(ctx, input.WarehouseID); err != nil {
		return s.fail(KindAdjustment, err)
	}
	movements := make([]movement, 0, len(input.Lines))
	for _, line := range input.Lines {
		if err := s.checkSKU(ctx, line.SKUID); err != nil {
			return s.fail(KindAdjustment, err)
		}
		if line.NewQuantity < 0 || line.QuantityBefore < 0 {
			return s.fail(KindAdjustment, fmt.Errorf("%w: quantities must be >= 0 for sku %d", shared.ErrValidation, line.SKUID))
		}
		if line.UnitCost != nil && line.UnitCost.IsNegative() {
			return s.fail(KindAdjustment, fmt.Errorf("%w: unit cost must be >= 0 for sku %d", shared.ErrValidation, line.SKUID))
		}
		movements = append(movements, movement{
			skuID:          line.SKUID,
			warehouseID:    input.WarehouseID,
			setAbsolute:    true,
			expectedBefore: line.QuantityBefore,
			newQuantity:    line.NewQuantity,
			newCost:        line.UnitCost,
		})
	}
	spec := txSpec{
		code:        codeOrNew(input.Code, "ADJ"),
		kind:        KindAdjustment,
		subtype:     input.Subtype,
		warehouseID: input.WarehouseID,
		note:        input.Note,
		actorID:     input.ActorID,
		movements:   movements,
	}
	return s.postOne(ctx, spec)
}

// RecordTransfer moves stock between warehouses: an export from the source
// and an import into the destination, committed as one atomic unit. The
// destination import carries the source's unit cost at the moment of export.
func (s *Service) RecordTransfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if len(input.Lines) == 0 {
		return TransferResult{}, s.failErr(KindExport, fmt.Errorf("%w: at least one line required", shared.ErrValidation))
	}
	if input.SrcWarehouseID == input.DstWarehouseID {
		return TransferResult{}, s.failErr(KindExport, fmt.Errorf("%w: source and destination warehouse must differ", shared.ErrValidation))
	}
	if err := s.checkWarehouse(ctx, input.SrcWarehouseID); err != nil {
		return TransferResult{}, s.failErr(KindExport, err)
	}
	if err := s.checkWarehouse(ctx, input.DstWarehouseID); err != nil {
		return TransferResult{}, s.failErr(KindExport, err)
	}
	for _, line := range input.Lines {
		if err := s.checkSKU(ctx, line.SKUID); err != nil {
			return TransferResult{}, s.failErr(KindExport, err)
		}
		if line.Quantity <= 0 {
			return TransferResult{}, s.failErr(KindExport, fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, line.SKUID))
		}
	}

	base := input.Code
	if base == "" {
		base = newCode("TRF")
	}
	keys := make([]string, 0, len(input.Lines)*2)
	for _, line := range input.Lines {
		keys = append(keys,
			shared.StockLockKey(line.SKUID, input.SrcWarehouseID),
			shared.StockLockKey(line.SKUID, input.DstWarehouseID))
	}

	var result TransferResult
	err := s.withLocks(ctx, keys, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			now := time.Now().UTC()
			outSpec := txSpec{
				code: base + "-OUT", kind: KindExport, subtype: SubtypeTransfer,
				warehouseID: input.SrcWarehouseID,
				note:        fmt.Sprintf("transfer to warehouse %d: %s", input.DstWarehouseID, input.Note),
				actorID:     input.ActorID,
			}
			inSpec := txSpec{
				code: base + "-IN", kind: KindImport, subtype: SubtypeTransfer,
				warehouseID: input.DstWarehouseID,
				note:        fmt.Sprintf("transfer from warehouse %d: %s", input.SrcWarehouseID, input.Note),
				actorID:     input.ActorID,
			}
			for _, line := range input.Lines {
				outSpec.movements = append(outSpec.movements, movement{
					skuID:       line.SKUID,
					warehouseID: input.SrcWarehouseID,
					delta:       -line.Quantity,
				})
			}
			outbound, outLines, err := s.applySpec(ctx, tx, outSpec, now)
			if err != nil {
				return err
			}
			// Carry forward the exported unit cost, not a caller-supplied one.
			for i, line := range input.Lines {
				inSpec.movements = append(inSpec.movements, movement{
					skuID:        line.SKUID,
					warehouseID:  input.DstWarehouseID,
					delta:        line.Quantity,
					incomingCost: outLines[i].UnitCost,
				})
			}
			inbound, _, err := s.applySpec(ctx, tx, inSpec, now)
			if err != nil {
				return err
			}
			result = TransferResult{Outbound: outbound, Inbound: inbound}
			return nil
		})
	})
	if err != nil {
		return TransferResult{}, s.failErr(KindExport, err)
	}
	s.observe(KindExport, nil)
	s.recordAudit(ctx, input.ActorID, result.Outbound)
	s.recordAudit(ctx, input.ActorID, result.Inbound)
	return result, nil
}

// AllocateOrder exports every order line from its chosen warehouse as one
// SALE transaction. Availability of all lines is verified before any line is
// applied, under locks spanning the whole check-and-commit, so two orders can
// never both pass the check against the same unit of stock.
func (s *Service) AllocateOrder(ctx context.Context, input AllocationInput) (Transaction, error) {
	if input.OrderID == 0 {
		return s.fail(KindExport, fmt.Errorf("%w: order id required", shared.ErrValidation))
	}
	if len(input.Lines) == 0 {
		return s.fail(KindExport, fmt.Errorf("%w: at least one line required", shared.ErrValidation))
	}
	keys := make([]string, 0, len(input.Lines))
	for _, line := range input.Lines {
		if err := s.checkSKU(ctx, line.SKUID); err != nil {
			return s.fail(KindExport, err)
		}
		if err := s.checkWarehouse(ctx, line.WarehouseID); err != nil {
			return s.fail(KindExport, err)
		}
		if line.Quantity <= 0 {
			return s.fail(KindExport, fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, line.SKUID))
		}
		keys = append(keys, shared.StockLockKey(line.SKUID, line.WarehouseID))
	}

	var result Transaction
	err := s.withLocks(ctx, keys, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			now := time.Now().UTC()
			positions := make([]StockPosition, len(input.Lines))
			for i, line := range input.Lines {
				pos, err := tx.GetPositionForUpdate(ctx, line.SKUID, line.WarehouseID)
				if err != nil && !errors.Is(err, ErrPositionNotFound) {
					return err
				}
				if pos.Quantity < line.Quantity {
					return fmt.Errorf("%w: sku %d in warehouse %d has %d, need %d", shared.ErrInsufficientStock, line.SKUID, line.WarehouseID, pos.Quantity, line.Quantity)
				}
				positions[i] = pos
			}
			spec := txSpec{
				code:    newCode("EXP"),
				kind:    KindExport,
				subtype: SubtypeSale,
				orderID: input.OrderID,
				note:    input.Note,
				actorID: input.ActorID,
			}
			for _, line := range input.Lines {
				spec.movements = append(spec.movements, movement{
					skuID:       line.SKUID,
					warehouseID: line.WarehouseID,
					delta:       -line.Quantity,
				})
			}
			posted, _, err := s.applySpec(ctx, tx, spec, now)
			if err != nil {
				return err
			}
			result = posted
			return nil
		})
	})
	if err != nil {
		return s.fail(KindExport, err)
	}
	s.observe(KindExport, nil)
	s.recordAudit(ctx, input.ActorID, result)
	return result, nil
}

// RestockLines credits previously exported lines back into their warehouses
// at the recorded unit cost, as one atomic import linked to the order.
func (s *Service) RestockLines(ctx context.Context, input RestockInput) (Transaction, error) {
	if len(input.Lines) == 0 {
		return s.fail(KindImport, fmt.Errorf("%w: at least one line required", shared.ErrValidation))
	}
	if input.Subtype == "" {
		input.Subtype = SubtypeRestock
	}
	spec := txSpec{
		code:    newCode("IMP"),
		kind:    KindImport,
		subtype: input.Subtype,
		orderID: input.OrderID,
		note:    input.Note,
		actorID: input.ActorID,
	}
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return s.fail(KindImport, fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, line.SKUID))
		}
		spec.movements = append(spec.movements, movement{
			skuID:        line.SKUID,
			warehouseID:  line.WarehouseID,
			delta:        line.Quantity,
			incomingCost: line.UnitCost,
		})
	}
	return s.postOne(ctx, spec)
}

// movement is one position mutation inside a transaction.
type movement struct {
	skuID          int64
	warehouseID    int64
	delta          int64
	incomingCost   decimal.Decimal
	setAbsolute    bool
	expectedBefore int64
	newQuantity    int64
	newCost        *decimal.Decimal
}

// txSpec describes one transaction header plus its line mutations.
type txSpec struct {
	code        string
	kind        TransactionKind
	subtype     Subtype
	warehouseID int64
	orderID     int64
	note        string
	actorID     int64
	movements   []movement
}

func (s *Service) postOne(ctx context.Context, spec txSpec) (Transaction, error) {
	keys := make([]string, 0, len(spec.movements))
	for _, m := range spec.movements {
		keys = append(keys, shared.StockLockKey(m.skuID, m.warehouseID))
	}
	idemKey := fmt.Sprintf("%s:%s:%d", spec.kind, spec.code, spec.warehouseID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "ledger"); err != nil {
			return s.fail(spec.kind, err)
		}
		insertedKey = true
	}
	var result Transaction
	err := s.withLocks(ctx, keys, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			posted, _, err := s.applySpec(ctx, tx, spec, time.Now().UTC())
			if err != nil {
				return err
			}
			result = posted
			return nil
		})
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return s.fail(spec.kind, err)
	}
	s.observe(spec.kind, nil)
	s.recordAudit(ctx, spec.actorID, result)
	return result, nil
}

// applySpec mutates every position of the spec and persists the transaction
// header, lines and movement entries. Must run inside a repository tx.
func (s *Service) applySpec(ctx context.Context, tx TxRepository, spec txSpec, now time.Time) (Transaction, []TransactionLine, error) {
	header := Transaction{
		Code:        spec.code,
		Kind:        spec.kind,
		Subtype:     spec.subtype,
		WarehouseID: spec.warehouseID,
		OrderID:     spec.orderID,
		Note:        spec.note,
		PostedAt:    now,
		CreatedBy:   spec.actorID,
	}
	txID, err := tx.InsertTransaction(ctx, header)
	if err != nil {
		return Transaction{}, nil, err
	}
	header.ID = txID

	lines := make([]TransactionLine, 0, len(spec.movements))
	for _, m := range spec.movements {
		pos, err := tx.GetPositionForUpdate(ctx, m.skuID, m.warehouseID)
		if err != nil && !errors.Is(err, ErrPositionNotFound) {
			return Transaction{}, nil, err
		}

		var next StockPosition
		line := TransactionLine{TransactionID: txID, SKUID: m.skuID}
		if m.setAbsolute {
			next, err = pos.SetAbsolute(m.expectedBefore, m.newQuantity)
			if err != nil {
				return Transaction{}, nil, err
			}
			if m.newCost != nil && next.Quantity > 0 {
				next.UnitCost = m.newCost.Round(costScale)
			}
			before := m.expectedBefore
			line.QuantityBefore = &before
			line.QuantityDelta = m.newQuantity - m.expectedBefore
			line.UnitCost = next.UnitCost
		} else {
			next, err = pos.ApplyDelta(m.delta, m.incomingCost)
			if err != nil {
				return Transaction{}, nil, err
			}
			line.QuantityDelta = m.delta
			if m.delta > 0 {
				line.UnitCost = m.incomingCost.Round(costScale)
				line.DstWarehouseID = m.warehouseID
			} else {
				// Snapshot of the weighted-average cost at export time.
				line.UnitCost = pos.UnitCost
				line.SrcWarehouseID = m.warehouseID
			}
		}
		if err := tx.UpsertPosition(ctx, next); err != nil {
			return Transaction{}, nil, err
		}
		lines = append(lines, line)

		entry := MovementEntry{
			Code:        spec.code,
			Kind:        spec.kind,
			Subtype:     spec.subtype,
			PostedAt:    now,
			BalanceQty:  next.Quantity,
			UnitCost:    line.UnitCost,
			BalanceCost: next.UnitCost,
			Note:        spec.note,
		}
		if line.QuantityDelta > 0 {
			entry.QtyIn = line.QuantityDelta
		} else {
			entry.QtyOut = -line.QuantityDelta
		}
		if err := tx.InsertMovementEntry(ctx, entry, m.skuID, m.warehouseID, txID); err != nil {
			return Transaction{}, nil, err
		}
	}
	if err := tx.InsertTransactionLines(ctx, txID, lines); err != nil {
		return Transaction{}, nil, err
	}
	header.Lines = lines
	return header, lines, nil
}

func (s *Service) withLocks(ctx context.Context, keys []string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLocks(ctx, keys, fn)
}

func (s *Service) checkWarehouse(ctx context.Context, id int64) error {
	if id == 0 {
		return fmt.Errorf("%w: warehouse required", shared.ErrValidation)
	}
	if s.refs == nil {
		return nil
	}
	ok, err := s.refs.WarehouseExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: warehouse %d", shared.ErrUnknownReference, id)
	}
	return nil
}

func (s *Service) checkSKU(ctx context.Context, id int64) error {
	if id == 0 {
		return fmt.Errorf("%w: sku required", shared.ErrValidation)
	}
	if s.refs == nil {
		return nil
	}
	ok, err := s.refs.SKUExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: sku %d", shared.ErrUnknownReference, id)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, tx Transaction) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   fmt.Sprintf("ledger:%s", tx.Kind),
		Entity:   "inventory_tx",
		EntityID: tx.Code,
		Meta: map[string]any{
			"subtype":      string(tx.Subtype),
			"warehouse_id": tx.WarehouseID,
			"order_id":     tx.OrderID,
			"lines":        len(tx.Lines),
		},
	})
}

func (s *Service) observe(kind TransactionKind, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.TransactionPosted(string(kind), outcome)
}

func (s *Service) fail(kind TransactionKind, err error) (Transaction, error) {
	return Transaction{}, s.failErr(kind, err)
}

func (s *Service) failErr(kind TransactionKind, err error) error {
	s.observe(kind, err)
	return err
}

func codeOrNew(code, prefix string) string {
	if code != "" {
		return code
	}
	return newCode(prefix)
}

func newCode(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToUpper(uuid.NewString()[:8]))
}
