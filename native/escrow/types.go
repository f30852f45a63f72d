package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// PaymentStatus represents the lifecycle states of an escrowed payment.
type PaymentStatus uint8

const (
	PaymentPending PaymentStatus = iota
	PaymentCompleted
	PaymentRefunded
)

// Valid reports whether the status value is within the supported range.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentRefunded
}

func (s PaymentStatus) String() string {
	switch s {
	case PaymentPending:
		return "pending"
	case PaymentCompleted:
		return "completed"
	case PaymentRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParsePaymentStatus converts the textual form produced by String back into a
// status value.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return PaymentPending, nil
	case "completed":
		return PaymentCompleted, nil
	case "refunded":
		return PaymentRefunded, nil
	default:
		return 0, fmt.Errorf("escrow: unknown payment status %q", value)
	}
}

// Payment captures the escrowed value for a single order. Seller, Buyer and
// Value are fixed at creation; only Status and RefundApproved change afterwards.
type Payment struct {
	OrderID        *uint256.Int
	Seller         [20]byte
	Buyer          [20]byte
	Value          *big.Int
	Status         PaymentStatus
	RefundApproved bool
	CreatedAt      int64
	UpdatedAt      int64
}

// Clone returns a deep copy of the payment so callers can safely mutate the
// copy without affecting the stored instance.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.OrderID != nil {
		clone.OrderID = new(uint256.Int).Set(p.OrderID)
	} else {
		clone.OrderID = new(uint256.Int)
	}
	if p.Value != nil {
		clone.Value = new(big.Int).Set(p.Value)
	} else {
		clone.Value = big.NewInt(0)
	}
	return &clone
}

// ParseOrderID parses a decimal or 0x-prefixed hexadecimal order identifier.
// Values that do not fit in 256 bits are rejected.
func ParseOrderID(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("escrow: order id required")
	}
	parsed, ok := new(big.Int).SetString(trimmed, 0)
	if !ok {
		return nil, fmt.Errorf("escrow: invalid order id %q", value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("escrow: order id must not be negative")
	}
	id, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, fmt.Errorf("escrow: order id exceeds 256 bits")
	}
	return id, nil
}

// FormatOrderID renders the identifier in decimal.
func FormatOrderID(id *uint256.Int) string {
	if id == nil {
		return "0"
	}
	return id.Dec()
}
