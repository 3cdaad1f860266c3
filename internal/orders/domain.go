package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the order lifecycle.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusShipped        Status = "SHIPPED"
	StatusDelivered      Status = "DELIVERED"
	StatusCanceled       Status = "CANCELED"
	StatusDeliveryFailed Status = "DELIVERY_FAILED"
)

// statusRank orders the fulfilment hierarchy. Terminal states are outside
// the hierarchy and reachable only through their dedicated operations.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusShipped:    2,
	StatusDelivered:  3,
}

// IsValid checks whether the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCanceled, StatusDeliveryFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusDeliveryFailed
}

// CanAdvanceTo reports whether a plain status update to next is legal:
// strictly forward along the hierarchy, never back to PENDING, never into a
// terminal state (those go through cancel / delivery-failed operations).
func (s Status) CanAdvanceTo(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// CanCancel reports whether the order may still be canceled.
func (s Status) CanCancel() bool {
	return !s.Terminal() && s.IsValid()
}

// CanFailDelivery reports whether delivery failure may be recorded.
func (s Status) CanFailDelivery() bool {
	return s.IsValid() && !s.Terminal() && s != StatusPending
}

// Allocated reports whether stock has been deducted for this order.
func (s Status) Allocated() bool {
	rank, ok := statusRank[s]
	return ok && rank >= statusRank[StatusProcessing]
}

// Order is the sales document the state machine governs. The core owns the
// status field and consumes the items for allocation; everything else is
// carried for the external tooling.
type Order struct {
	ID              int64       `json:"id"`
	Code            string      `json:"code"`
	CustomerName    string      `json:"customer_name"`
	CustomerPhone   string      `json:"customer_phone,omitempty"`
	ShippingAddress string      `json:"shipping_address,omitempty"`
	PaymentMethodID int64       `json:"payment_method_id,omitempty"`
	Status          Status      `json:"status"`
	Note            string      `json:"note,omitempty"`
	CreatedBy       int64       `json:"created_by"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Items           []OrderItem `json:"items,omitempty"`
}

// OrderItem snapshots one sku and its selling price at order time.
type OrderItem struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"order_id"`
	SKUID        int64           `json:"sku_id"`
	Quantity     int64           `json:"quantity"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// ConfirmLine maps one order item to the warehouse that fulfils it. One
// warehouse per line; split fulfilment is not supported.
type ConfirmLine struct {
	SKUID       int64
	WarehouseID int64
}

// ListFilter narrows order listings.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
