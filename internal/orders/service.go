package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/merx-mms/merx/internal/ledger"
	"github.com/merx-mms/merx/internal/shared"
)

// InventoryPort is the slice of the stock ledger the order lifecycle drives.
type InventoryPort interface {
	AllocateOrder(ctx context.Context, input ledger.AllocationInput) (ledger.Transaction, error)
	RestockLines(ctx context.Context, input ledger.RestockInput) (ledger.Transaction, error)
	OrderAllocation(ctx context.Context, orderID int64) ([]ledger.TransactionLine, error)
}

// ReferencePort resolves sku ids at order creation.
type ReferencePort interface {
	SKUExists(ctx context.Context, id int64) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the order state machine. Confirmation allocates stock
// all-or-nothing; cancellation and delivery failure return allocated stock to
// the ledger at the cost it left with.
type Service struct {
	repo      RepositoryPort
	inventory InventoryPort
	refs      ReferencePort
	audit     AuditPort
	locker    shared.Locker
}

// NewService builds Service. refs, audit and locker may be nil in tests.
func NewService(repo RepositoryPort, inventory InventoryPort, refs ReferencePort, audit AuditPort, locker shared.Locker) *Service {
	return &Service{repo: repo, inventory: inventory, refs: refs, audit: audit, locker: locker}
}

// CreateInput carries a new order.
type CreateInput struct {
	Code            string
	CustomerName    string
	CustomerPhone   string
	ShippingAddress string
	PaymentMethodID int64
	Note            string
	Items           []OrderItem
	ActorID         int64
}

// Create records a new order in PENDING. No stock moves yet.
func (s *Service) Create(ctx context.Context, input CreateInput) (Order, error) {
	if input.CustomerName == "" {
		return Order{}, fmt.Errorf("%w: customer name required", shared.ErrValidation)
	}
	if len(input.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item required", shared.ErrValidation)
	}
	seen := make(map[int64]bool, len(input.Items))
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, item.SKUID)
		}
		if item.SellingPrice.IsNegative() {
			return Order{}, fmt.Errorf("%w: selling price must be >= 0 for sku %d", shared.ErrValidation, item.SKUID)
		}
		if seen[item.SKUID] {
			return Order{}, fmt.Errorf("%w: duplicate sku %d", shared.ErrValidation, item.SKUID)
		}
		seen[item.SKUID] = true
		if err := s.checkSKU(ctx, item.SKUID); err != nil {
			return Order{}, err
		}
	}

	order := Order{
		Code:            input.Code,
		CustomerName:    input.CustomerName,
		CustomerPhone:   input.CustomerPhone,
		ShippingAddress: input.ShippingAddress,
		PaymentMethodID: input.PaymentMethodID,
		Status:          StatusPending,
		Note:            input.Note,
		CreatedBy:       input.ActorID,
		Items:           input.Items,
	}
	if order.Code == "" {
		order.Code = fmt.Sprintf("ORD-%s", strings.ToUpper(uuid.NewString()[:8]))
	}
	if err := s.repo.Create(ctx, &order); err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, input.ActorID, order.ID, "order:create", map[string]any{"code": order.Code, "items": len(order.Items)})
	return order, nil
}

// Get reads one order with its items.
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	return s.repo.Get(ctx, id)
}

// List lists orders.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Confirm allocates stock for every item and moves the order from PENDING to
// PROCESSING. Each item is fulfilled from exactly one warehouse named in
// lines. If any item cannot be covered nothing is deducted and the order
// stays PENDING.
func (s *Service) Confirm(ctx context.Context, orderID int64, lines []ConfirmLine, actorID int64) (Order, error) {
	var out Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != StatusPending {
			return fmt.Errorf("%w: order %d is %s, only PENDING orders can be confirmed", shared.ErrInvalidTransition, orderID, order.Status)
		}

		warehouseBySKU := make(map[int64]int64, len(lines))
		for _, line := range lines {
			if line.WarehouseID <= 0 {
				return fmt.Errorf("%w: warehouse required for sku %d", shared.ErrValidation, line.SKUID)
			}
			if _, dup := warehouseBySKU[line.SKUID]; dup {
				return fmt.Errorf("%w: sku %d mapped to more than one warehouse", shared.ErrValidation, line.SKUID)
			}
			warehouseBySKU[line.SKUID] = line.WarehouseID
		}
		alloc := ledger.AllocationInput{
			OrderID: orderID,
			Note:    fmt.Sprintf("allocation for order %s", order.Code),
			ActorID: actorID,
		}
		for _, item := range order.Items {
			warehouseID, ok := warehouseBySKU[item.SKUID]
			if !ok {
				return fmt.Errorf("%w: no warehouse mapped for sku %d", shared.ErrValidation, item.SKUID)
			}
			alloc.Lines = append(alloc.Lines, ledger.AllocationLine{
				SKUID:       item.SKUID,
				WarehouseID: warehouseID,
				Quantity:    item.Quantity,
			})
		}
		if _, err := s.inventory.AllocateOrder(ctx, alloc); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, orderID, StatusPending, StatusProcessing); err != nil {
			// The allocation committed but the status flip lost a race.
			// Put the stock back before surfacing the error.
			_ = s.restock(ctx, orderID, ledger.SubtypeRestock, "confirm rolled back", actorID)
			return err
		}
		order.Status = StatusProcessing
		out = order
		s.recordAudit(ctx, actorID, orderID, "order:status", map[string]any{"old": StatusPending, "new": StatusProcessing})
		return nil
	})
	return out, err
}

// UpdateStatus advances the order strictly forward along
// PROCESSING -> SHIPPED -> DELIVERED. Terminal states have their own
// operations. observed is the caller's snapshot; the flip is conditional on
// the stored status still matching it.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, observed, next Status, actorID int64) (Order, error) {
	if !next.IsValid() || !observed.IsValid() {
		return Order{}, fmt.Errorf("%w: unknown status", shared.ErrValidation)
	}
	if next == StatusCanceled || next == StatusDeliveryFailed {
		return Order{}, fmt.Errorf("%w: %s is set through its dedicated operation", shared.ErrValidation, next)
	}
	var out Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != observed {
			return fmt.Errorf("%w: order %d is %s, not %s", shared.ErrStaleState, orderID, order.Status, observed)
		}
		if order.Status == StatusPending {
			return fmt.Errorf("%w: order %d must be confirmed before it can advance", shared.ErrInvalidTransition, orderID)
		}
		if !order.Status.CanAdvanceTo(next) {
			return fmt.Errorf("%w: order %d cannot go from %s to %s", shared.ErrInvalidTransition, orderID, order.Status, next)
		}
		if err := s.repo.UpdateStatus(ctx, orderID, observed, next); err != nil {
			return err
		}
		order.Status = next
		out = order
		s.recordAudit(ctx, actorID, orderID, "order:status", map[string]any{"old": observed, "new": next})
		return nil
	})
	return out, err
}

// Cancel terminates the order. If stock had been allocated it is credited
// back at the cost it was exported with, as one atomic restock; a PENDING
// cancel moves no stock.
func (s *Service) Cancel(ctx context.Context, orderID int64, reason string, actorID int64) (Order, error) {
	return s.terminate(ctx, orderID, StatusCanceled, reason, actorID)
}

// MarkDeliveryFailed records a failed delivery and credits allocated stock
// back into the ledger.
func (s *Service) MarkDeliveryFailed(ctx context.Context, orderID int64, reason string, actorID int64) (Order, error) {
	return s.terminate(ctx, orderID, StatusDeliveryFailed, reason, actorID)
}

func (s *Service) terminate(ctx context.Context, orderID int64, terminal Status, reason string, actorID int64) (Order, error) {
	var out Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		switch terminal {
		case StatusCanceled:
			if !order.Status.CanCancel() {
				return fmt.Errorf("%w: order %d is %s and can no longer be canceled", shared.ErrInvalidTransition, orderID, order.Status)
			}
		case StatusDeliveryFailed:
			if !order.Status.CanFailDelivery() {
				return fmt.Errorf("%w: order %d is %s, delivery failure does not apply", shared.ErrInvalidTransition, orderID, order.Status)
			}
		}
		if order.Status.Allocated() {
			note := fmt.Sprintf("restock for order %s: %s", order.Code, reason)
			if err := s.restock(ctx, orderID, ledger.SubtypeRestock, note, actorID); err != nil {
				return err
			}
		}
		if err := s.repo.UpdateStatus(ctx, orderID, order.Status, terminal); err != nil {
			return err
		}
		s.recordAudit(ctx, actorID, orderID, "order:status", map[string]any{"old": order.Status, "new": terminal, "reason": reason})
		order.Status = terminal
		out = order
		return nil
	})
	return out, err
}

// restock credits every allocated line back into its source warehouse at the
// unit cost stamped at export time.
func (s *Service) restock(ctx context.Context, orderID int64, subtype ledger.Subtype, note string, actorID int64) error {
	allocated, err := s.inventory.OrderAllocation(ctx, orderID)
	if err != nil {
		return err
	}
	if len(allocated) == 0 {
		return nil
	}
	input := ledger.RestockInput{
		OrderID: orderID,
		Subtype: subtype,
		Note:    note,
		ActorID: actorID,
	}
	for _, line := range allocated {
		input.Lines = append(input.Lines, ledger.RestockLine{
			SKUID:       line.SKUID,
			WarehouseID: line.SrcWarehouseID,
			Quantity:    line.QuantityDelta,
			UnitCost:    line.UnitCost,
		})
	}
	_, err = s.inventory.RestockLines(ctx, input)
	return err
}

func (s *Service) withOrderLock(ctx context.Context, orderID int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLocks(ctx, []string{shared.OrderLockKey(orderID)}, fn)
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

func (s *Service) recordAudit(ctx context.Context, actorID, orderID int64, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "order",
		EntityID: fmt.Sprintf("%d", orderID),
		Meta:     meta,
	})
}
