package returns

import "time"

// Type classifies why stock is coming back.
type Type string

const (
	TypeCancel       Type = "CANCEL"
	TypeDeliveryFail Type = "DELIVERY_FAIL"
	TypeReturn       Type = "RETURN"
)

// IsValid checks whether the type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypeCancel, TypeDeliveryFail, TypeReturn:
		return true
	default:
		return false
	}
}

// Status is the return request lifecycle.
type Status string

const (
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusApproved         Status = "APPROVED"
	StatusCompleted        Status = "COMPLETED"
	StatusRejected         Status = "REJECTED"
	StatusCanceled         Status = "CANCELED"
)

// transitions is the full edge set of the lifecycle. A rejected or canceled
// request can be restored back to AWAITING_APPROVAL; COMPLETED is final
// because its stock import has already been posted.
var transitions = map[Status][]Status{
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusCanceled},
	StatusApproved:         {StatusCompleted, StatusCanceled},
	StatusRejected:         {StatusAwaitingApproval},
	StatusCanceled:         {StatusAwaitingApproval},
	StatusCompleted:        {},
}

// IsValid checks whether the status is known.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the edge s -> next exists.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ReturnRequest tracks goods coming back from an order.
type ReturnRequest struct {
	ID        int64        `json:"id"`
	Code      string       `json:"code"`
	OrderID   int64        `json:"order_id"`
	Type      Type         `json:"type"`
	Status    Status       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Note      string       `json:"note,omitempty"`
	CreatedBy int64        `json:"created_by"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Lines     []ReturnLine `json:"lines,omitempty"`
}

// ReturnLine is one sku coming back. Quantity must not exceed what the order
// originally allocated for that sku.
type ReturnLine struct {
	ID        int64 `json:"id"`
	RequestID int64 `json:"request_id"`
	SKUID     int64 `json:"sku_id"`
	Quantity  int64 `json:"quantity"`
}

// ListFilter narrows return request listings.
type ListFilter struct {
	OrderID int64
	Status  Status
	Limit   int
	Offset  int
}
