package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"podescrow/native/escrow"
)

type storedPayment struct {
	OrderID        [32]byte
	Seller         [20]byte
	Buyer          [20]byte
	Value          *big.Int
	Status         uint8
	RefundApproved bool
	CreatedAt      uint64
	UpdatedAt      uint64
}

func newStoredPayment(p *escrow.Payment) *storedPayment {
	value := big.NewInt(0)
	if p.Value != nil {
		value = new(big.Int).Set(p.Value)
	}
	return &storedPayment{
		OrderID:        p.OrderID.Bytes32(),
		Seller:         p.Seller,
		Buyer:          p.Buyer,
		Value:          value,
		Status:         uint8(p.Status),
		RefundApproved: p.RefundApproved,
		CreatedAt:      uint64(p.CreatedAt),
		UpdatedAt:      uint64(p.UpdatedAt),
	}
}

func (s *storedPayment) toPayment() (*escrow.Payment, error) {
	status := escrow.PaymentStatus(s.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("state: invalid payment status %d", s.Status)
	}
	value := big.NewInt(0)
	if s.Value != nil {
		value = new(big.Int).Set(s.Value)
	}
	return &escrow.Payment{
		OrderID:        new(uint256.Int).SetBytes32(s.OrderID[:]),
		Seller:         s.Seller,
		Buyer:          s.Buyer,
		Value:          value,
		Status:         status,
		RefundApproved: s.RefundApproved,
		CreatedAt:      int64(s.CreatedAt),
		UpdatedAt:      int64(s.UpdatedAt),
	}, nil
}

func paymentKey(id [32]byte) []byte {
	return prefixedKey(paymentPrefix, id[:])
}

func paymentIndexKey(position uint64) []byte {
	return prefixedKey(paymentIndexPrefix, uint64Bytes(position))
}

// PaymentPut stores the payment. The first write for an order id appends it to
// the creation-ordered payment index.
func (m *Manager) PaymentPut(p *escrow.Payment) error {
	if p == nil || p.OrderID == nil {
		return fmt.Errorf("state: payment requires an order id")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("state: invalid payment status %d", p.Status)
	}
	id := p.OrderID.Bytes32()
	exists, err := m.KVGet(paymentKey(id), nil)
	if err != nil {
		return err
	}
	if err := m.KVPut(paymentKey(id), newStoredPayment(p)); err != nil {
		return err
	}
	if exists {
		return nil
	}
	count, err := m.PaymentCount()
	if err != nil {
		return err
	}
	if err := m.KVPut(paymentIndexKey(count), id); err != nil {
		return err
	}
	return m.KVPut(paymentCountKey, count+1)
}

// PaymentGet loads the payment registered for orderID.
func (m *Manager) PaymentGet(orderID *uint256.Int) (*escrow.Payment, bool, error) {
	if orderID == nil {
		return nil, false, nil
	}
	return m.paymentByKey(orderID.Bytes32())
}

func (m *Manager) paymentByKey(id [32]byte) (*escrow.Payment, bool, error) {
	stored := new(storedPayment)
	ok, err := m.KVGet(paymentKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	payment, err := stored.toPayment()
	if err != nil {
		return nil, false, err
	}
	return payment, true, nil
}

// PaymentExists reports whether any record is stored for orderID.
func (m *Manager) PaymentExists(orderID *uint256.Int) (bool, error) {
	if orderID == nil {
		return false, nil
	}
	return m.KVGet(paymentKey(orderID.Bytes32()), nil)
}

// PaymentCount returns the number of distinct payments ever created.
func (m *Manager) PaymentCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(paymentCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Payments returns up to limit payments in creation order starting at offset.
func (m *Manager) Payments(offset, limit uint64) ([]*escrow.Payment, error) {
	count, err := m.PaymentCount()
	if err != nil {
		return nil, err
	}
	if offset >= count || limit == 0 {
		return []*escrow.Payment{}, nil
	}
	end := offset + limit
	if end > count || end < offset {
		end = count
	}
	out := make([]*escrow.Payment, 0, end-offset)
	for i := offset; i < end; i++ {
		var id [32]byte
		ok, err := m.KVGet(paymentIndexKey(i), &id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: payment index %d missing", i)
		}
		payment, found, err := m.paymentByKey(id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("state: indexed payment %x missing", id)
		}
		out = append(out, payment)
	}
	return out, nil
}

// EscrowLocked returns the total value held for pending payments.
func (m *Manager) EscrowLocked() (*big.Int, error) {
	return m.loadAmount(escrowLockedKey)
}

// EscrowLock adds amount to the locked total.
func (m *Manager) EscrowLock(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: lock amount must be positive")
	}
	locked, err := m.EscrowLocked()
	if err != nil {
		return err
	}
	return m.storeAmount(escrowLockedKey, locked.Add(locked, amount))
}

// EscrowUnlock subtracts amount from the locked total.
func (m *Manager) EscrowUnlock(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: unlock amount must be positive")
	}
	locked, err := m.EscrowLocked()
	if err != nil {
		return err
	}
	if locked.Cmp(amount) < 0 {
		return fmt.Errorf("state: unlock %s exceeds locked %s", amount, locked)
	}
	return m.storeAmount(escrowLockedKey, locked.Sub(locked, amount))
}
