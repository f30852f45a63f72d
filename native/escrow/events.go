package escrow

import (
	"math/big"

	"github.com/holiman/uint256"

	"podescrow/core/types"
	"podescrow/crypto"
)

const (
	EventTypePaymentCreated        = "escrow.payment.created"
	EventTypePaymentCompleted      = "escrow.payment.completed"
	EventTypePaymentRefundApproved = "escrow.payment.refund_approved"
)

// PaymentCreation is emitted once per successfully created payment.
type PaymentCreation struct {
	OrderID *uint256.Int
	Seller  [20]byte
	Buyer   [20]byte
	Value   *big.Int
}

func (PaymentCreation) EventType() string { return EventTypePaymentCreated }

// Event returns the canonical payload for a newly created payment.
func (e PaymentCreation) Event() *types.Event {
	attrs := partyAttributes(e.OrderID, e.Seller, e.Buyer)
	attrs["value"] = formatValue(e.Value)
	return &types.Event{Type: EventTypePaymentCreated, Attributes: attrs}
}

// PaymentCompletion is emitted when a payment reaches a terminal status. The
// parties and value describe the payment before the transition; Status is the
// status it moved to.
type PaymentCompletion struct {
	OrderID *uint256.Int
	Seller  [20]byte
	Buyer   [20]byte
	Value   *big.Int
	Status  PaymentStatus
}

func (PaymentCompletion) EventType() string { return EventTypePaymentCompleted }

// Event returns the canonical payload for a settled payment.
func (e PaymentCompletion) Event() *types.Event {
	attrs := partyAttributes(e.OrderID, e.Seller, e.Buyer)
	attrs["value"] = formatValue(e.Value)
	attrs["status"] = e.Status.String()
	return &types.Event{Type: EventTypePaymentCompleted, Attributes: attrs}
}

// RefundApproval is emitted when the seller approves a refund.
type RefundApproval struct {
	OrderID *uint256.Int
	Seller  [20]byte
	Buyer   [20]byte
}

func (RefundApproval) EventType() string { return EventTypePaymentRefundApproved }

func (e RefundApproval) Event() *types.Event {
	return &types.Event{
		Type:       EventTypePaymentRefundApproved,
		Attributes: partyAttributes(e.OrderID, e.Seller, e.Buyer),
	}
}

func partyAttributes(orderID *uint256.Int, seller, buyer [20]byte) map[string]string {
	return map[string]string{
		"orderId": FormatOrderID(orderID),
		"seller":  crypto.FormatAddress(seller),
		"buyer":   crypto.FormatAddress(buyer),
	}
}

func formatValue(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
