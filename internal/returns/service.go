package returns

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/merx-mms/merx/internal/ledger"
	"github.com/merx-mms/merx/internal/shared"
)

// InventoryPort is the slice of the stock ledger return completion drives.
type InventoryPort interface {
	RestockLines(ctx context.Context, input ledger.RestockInput) (ledger.Transaction, error)
	OrderAllocation(ctx context.Context, orderID int64) ([]ledger.TransactionLine, error)
}

// OrderPort resolves order status without binding to the orders package.
type OrderPort interface {
	OrderStatus(ctx context.Context, orderID int64) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the return request state machine. Completing a request is the
// only transition with a side effect: it imports the returned quantities back
// into the warehouses they were sold from, at the sale-time unit cost.
type Service struct {
	repo      RepositoryPort
	inventory InventoryPort
	orders    OrderPort
	audit     AuditPort
	locker    shared.Locker
}

// NewService builds Service. orders, audit and locker may be nil in tests.
func NewService(repo RepositoryPort, inventory InventoryPort, orders OrderPort, audit AuditPort, locker shared.Locker) *Service {
	return &Service{repo: repo, inventory: inventory, orders: orders, audit: audit, locker: locker}
}

// CreateInput carries a new return request.
type CreateInput struct {
	Code    string
	OrderID int64
	Type    Type
	Reason  string
	Note    string
	Lines   []ReturnLine
	ActorID int64
}

// Create opens a return request in AWAITING_APPROVAL. Every requested sku and
// quantity must be covered by what the order actually allocated.
func (s *Service) Create(ctx context.Context, input CreateInput) (ReturnRequest, error) {
	if !input.Type.IsValid() {
		return ReturnRequest{}, fmt.Errorf("%w: unknown return type %q", shared.ErrValidation, input.Type)
	}
	if input.OrderID == 0 {
		return ReturnRequest{}, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return ReturnRequest{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if s.orders != nil {
		status, err := s.orders.OrderStatus(ctx, input.OrderID)
		if err != nil {
			return ReturnRequest{}, err
		}
		if input.Type == TypeReturn && status != "DELIVERED" {
			return ReturnRequest{}, fmt.Errorf("%w: order %d is %s, goods returns apply to delivered orders", shared.ErrInvalidTransition, input.OrderID, status)
		}
	}
	allocated, err := s.inventory.OrderAllocation(ctx, input.OrderID)
	if err != nil {
		return ReturnRequest{}, err
	}
	if err := checkAgainstAllocation(input.Lines, allocated); err != nil {
		return ReturnRequest{}, err
	}

	req := ReturnRequest{
		Code:      input.Code,
		OrderID:   input.OrderID,
		Type:      input.Type,
		Status:    StatusAwaitingApproval,
		Reason:    input.Reason,
		Note:      input.Note,
		CreatedBy: input.ActorID,
		Lines:     input.Lines,
	}
	if req.Code == "" {
		req.Code = fmt.Sprintf("RET-%s", strings.ToUpper(uuid.NewString()[:8]))
	}
	if err := s.repo.Create(ctx, &req); err != nil {
		return ReturnRequest{}, err
	}
	s.recordAudit(ctx, input.ActorID, req.ID, "return:create", map[string]any{"code": req.Code, "order_id": req.OrderID, "type": string(req.Type)})
	return req, nil
}

// Get reads one return request with its lines.
func (s *Service) Get(ctx context.Context, id int64) (ReturnRequest, error) {
	return s.repo.Get(ctx, id)
}

// List lists return requests.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]ReturnRequest, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Approve moves AWAITING_APPROVAL to APPROVED.
func (s *Service) Approve(ctx context.Context, id int64, actorID int64) (ReturnRequest, error) {
	return s.transition(ctx, id, StatusApproved, "", actorID)
}

// Reject moves AWAITING_APPROVAL to REJECTED.
func (s *Service) Reject(ctx context.Context, id int64, reason string, actorID int64) (ReturnRequest, error) {
	return s.transition(ctx, id, StatusRejected, reason, actorID)
}

// Cancel withdraws the request.
func (s *Service) Cancel(ctx context.Context, id int64, reason string, actorID int64) (ReturnRequest, error) {
	return s.transition(ctx, id, StatusCanceled, reason, actorID)
}

// Restore reopens a rejected or canceled request for another review pass.
func (s *Service) Restore(ctx context.Context, id int64, actorID int64) (ReturnRequest, error) {
	return s.transition(ctx, id, StatusAwaitingApproval, "", actorID)
}

// CompleteLine routes one returned sku into a chosen warehouse.
type CompleteLine struct {
	SKUID       int64
	WarehouseID int64
}

// Complete posts the stock import and closes the request. Only APPROVED
// requests can complete. Each sku is credited at the unit cost recorded at
// sale time, into the warehouse the caller mapped it to, or into the
// warehouse it was allocated from when no mapping is given.
func (s *Service) Complete(ctx context.Context, id int64, lines []CompleteLine, actorID int64) (ReturnRequest, error) {
	destinations := make(map[int64]int64, len(lines))
	for _, line := range lines {
		if line.WarehouseID <= 0 {
			return ReturnRequest{}, fmt.Errorf("%w: warehouse required for sku %d", shared.ErrValidation, line.SKUID)
		}
		if _, dup := destinations[line.SKUID]; dup {
			return ReturnRequest{}, fmt.Errorf("%w: sku %d mapped to more than one warehouse", shared.ErrValidation, line.SKUID)
		}
		destinations[line.SKUID] = line.WarehouseID
	}

	var out ReturnRequest
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		req, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !req.Status.CanTransitionTo(StatusCompleted) {
			return fmt.Errorf("%w: return request %d is %s, only APPROVED requests can complete", shared.ErrInvalidTransition, id, req.Status)
		}
		requested := make(map[int64]bool, len(req.Lines))
		for _, line := range req.Lines {
			requested[line.SKUID] = true
		}
		for skuID := range destinations {
			if !requested[skuID] {
				return fmt.Errorf("%w: sku %d is not part of the return request", shared.ErrValidation, skuID)
			}
		}
		allocated, err := s.inventory.OrderAllocation(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if err := checkAgainstAllocation(req.Lines, allocated); err != nil {
			return err
		}

		bySKU := make(map[int64]ledger.TransactionLine, len(allocated))
		for _, line := range allocated {
			bySKU[line.SKUID] = line
		}
		restock := ledger.RestockInput{
			OrderID: req.OrderID,
			Subtype: ledger.SubtypeReturn,
			Note:    fmt.Sprintf("return %s completed", req.Code),
			ActorID: actorID,
		}
		for _, line := range req.Lines {
			src := bySKU[line.SKUID]
			warehouseID := src.SrcWarehouseID
			if dst, ok := destinations[line.SKUID]; ok {
				warehouseID = dst
			}
			restock.Lines = append(restock.Lines, ledger.RestockLine{
				SKUID:       line.SKUID,
				WarehouseID: warehouseID,
				Quantity:    line.Quantity,
				UnitCost:    src.UnitCost,
			})
		}
		if _, err := s.inventory.RestockLines(ctx, restock); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, id, req.Status, StatusCompleted); err != nil {
			return err
		}
		s.recordAudit(ctx, actorID, id, "return:status", map[string]any{"old": req.Status, "new": StatusCompleted})
		req.Status = StatusCompleted
		out = req
		return nil
	})
	return out, err
}

func (s *Service) transition(ctx context.Context, id int64, next Status, reason string, actorID int64) (ReturnRequest, error) {
	var out ReturnRequest
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		req, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !req.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: return request %d cannot go from %s to %s", shared.ErrInvalidTransition, id, req.Status, next)
		}
		if err := s.repo.UpdateStatus(ctx, id, req.Status, next); err != nil {
			return err
		}
		meta := map[string]any{"old": req.Status, "new": next}
		if reason != "" {
			meta["reason"] = reason
		}
		s.recordAudit(ctx, actorID, id, "return:status", meta)
		req.Status = next
		out = req
		return nil
	})
	return out, err
}

// checkAgainstAllocation verifies every requested line is covered by the
// order's allocation, per sku.
func checkAgainstAllocation(lines []ReturnLine, allocated []ledger.TransactionLine) error {
	available := make(map[int64]int64, len(allocated))
	for _, line := range allocated {
		available[line.SKUID] += line.QuantityDelta
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for sku %d", shared.ErrValidation, line.SKUID)
		}
		qty, ok := available[line.SKUID]
		if !ok {
			return fmt.Errorf("%w: sku %d was not part of the order's allocation", shared.ErrValidation, line.SKUID)
		}
		if line.Quantity > qty {
			return fmt.Errorf("%w: sku %d allocated %d, cannot return %d", shared.ErrValidation, line.SKUID, qty, line.Quantity)
		}
	}
	return nil
}

func (s *Service) withLock(ctx context.Context, id int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLocks(ctx, []string{shared.ReturnLockKey(id)}, fn)
}

func (s *Service) recordAudit(ctx context.Context, actorID, requestID int64, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "return_request",
		EntityID: fmt.Sprintf("%d", requestID),
		Meta:     meta,
	})
}
