package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"podescrow/core/events"
)

type engineState interface {
	PaymentGet(orderID *uint256.Int) (*Payment, bool, error)
	PaymentPut(p *Payment) error
	EscrowLocked() (*big.Int, error)
	EscrowLock(amount *big.Int) error
	EscrowUnlock(amount *big.Int) error
}

// Engine wires the payment state machine with the state backend, the
// currency service and an event emitter. The engine is not safe for
// concurrent use; callers must serialize every operation, including the
// currency call it makes.
//
// A call that fails after its currency transfer succeeded leaves the moved
// value behind in the currency. The state and the currency must therefore be
// views of one transaction that the caller discards as a whole whenever an
// operation returns an error.
type Engine struct {
	state    engineState
	currency Currency
	emitter  events.Emitter
	custody  [20]byte
	nowFn    func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine. It must roll back
// together with the currency set by SetCurrency.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCurrency configures the value ledger used to move escrowed funds.
func (e *Engine) SetCurrency(currency Currency) { e.currency = currency }

// SetCustody configures the address that holds escrowed value.
func (e *Engine) SetCustody(addr [20]byte) { e.custody = addr }

// Custody returns the configured custody address.
func (e *Engine) Custody() [20]byte { return e.custody }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.currency == nil {
		return errNilCurrency
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadPayment(orderID *uint256.Int) (*Payment, error) {
	if orderID == nil {
		return nil, ErrNotFound
	}
	payment, ok, err := e.state.PaymentGet(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return payment, nil
}

// Get returns a copy of the payment registered for orderID.
func (e *Engine) Get(orderID *uint256.Int) (*Payment, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	payment, err := e.loadPayment(orderID)
	if err != nil {
		return nil, err
	}
	return payment.Clone(), nil
}

// CreatePayment pulls value from the buyer into custody and registers a
// pending payment for orderID. The buyer's allowance to the custody address
// authorizes the pull; caller is not checked against the parties.
func (e *Engine) CreatePayment(ctx context.Context, caller [20]byte, orderID *uint256.Int, seller, buyer [20]byte, value *big.Int) (*Payment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if value == nil || value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if orderID == nil {
		return nil, fmt.Errorf("escrow: order id required")
	}
	if seller == ([20]byte{}) || buyer == ([20]byte{}) {
		return nil, ErrInvalidParty
	}
	if seller == e.custody || buyer == e.custody {
		return nil, ErrInvalidParty
	}
	if _, ok, err := e.state.PaymentGet(orderID); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyExists
	}
	amount := cloneBigInt(value)
	if err := e.currency.TransferFrom(ctx, buyer, e.custody, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	now := e.now()
	payment := &Payment{
		OrderID:   new(uint256.Int).Set(orderID),
		Seller:    seller,
		Buyer:     buyer,
		Value:     amount,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.state.PaymentPut(payment); err != nil {
		return nil, err
	}
	if err := e.state.EscrowLock(amount); err != nil {
		return nil, err
	}
	if err := e.checkSolvency(ctx); err != nil {
		return nil, err
	}
	e.emit(PaymentCreation{
		OrderID: payment.OrderID,
		Seller:  seller,
		Buyer:   buyer,
		Value:   cloneBigInt(amount),
	})
	return payment.Clone(), nil
}

// ApproveRefund records the seller's consent to refund the buyer. Approving
// an already approved payment is a no-op.
func (e *Engine) ApproveRefund(ctx context.Context, caller [20]byte, orderID *uint256.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	payment, err := e.loadPayment(orderID)
	if err != nil {
		return err
	}
	if !canApproveRefund(caller, payment) {
		return ErrUnauthorized
	}
	if payment.Status != PaymentPending {
		return ErrAlreadySettled
	}
	if payment.RefundApproved {
		return nil
	}
	payment.RefundApproved = true
	payment.UpdatedAt = e.now()
	if err := e.state.PaymentPut(payment); err != nil {
		return err
	}
	e.emit(RefundApproval{OrderID: payment.OrderID, Seller: payment.Seller, Buyer: payment.Buyer})
	return nil
}

// Release pays the escrowed value to the seller.
func (e *Engine) Release(ctx context.Context, caller [20]byte, orderID *uint256.Int) error {
	return e.completePayment(ctx, caller, orderID, PaymentCompleted)
}

// Refund returns the escrowed value to the buyer once the seller approved it.
func (e *Engine) Refund(ctx context.Context, caller [20]byte, orderID *uint256.Int) error {
	return e.completePayment(ctx, caller, orderID, PaymentRefunded)
}

// completePayment moves a pending payment to target. Guards run before the
// single currency transfer; a failed transfer leaves the payment untouched.
func (e *Engine) completePayment(ctx context.Context, caller [20]byte, orderID *uint256.Int, target PaymentStatus) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !target.Terminal() {
		return fmt.Errorf("escrow: invalid completion status %s", target)
	}
	payment, err := e.loadPayment(orderID)
	if err != nil {
		return err
	}
	authorized := canRelease(caller, payment)
	if target == PaymentRefunded {
		authorized = canRefund(caller, payment)
	}
	if !authorized {
		return ErrUnauthorized
	}
	if payment.Status != PaymentPending {
		return ErrAlreadySettled
	}
	if target == PaymentRefunded && !payment.RefundApproved {
		return ErrRefundNotApproved
	}

	snapshot := PaymentCompletion{
		OrderID: new(uint256.Int).Set(payment.OrderID),
		Seller:  payment.Seller,
		Buyer:   payment.Buyer,
		Value:   cloneBigInt(payment.Value),
		Status:  target,
	}
	recipient := payment.Seller
	if target == PaymentRefunded {
		recipient = payment.Buyer
	}
	if err := e.currency.Transfer(ctx, recipient, cloneBigInt(payment.Value)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	payment.Status = target
	payment.UpdatedAt = e.now()
	if err := e.state.PaymentPut(payment); err != nil {
		return err
	}
	if err := e.state.EscrowUnlock(payment.Value); err != nil {
		return err
	}
	if err := e.checkSolvency(ctx); err != nil {
		return err
	}
	e.emit(snapshot)
	return nil
}

// checkSolvency verifies that custody still covers every pending payment.
func (e *Engine) checkSolvency(ctx context.Context) error {
	reader, ok := e.currency.(BalanceReader)
	if !ok {
		return nil
	}
	balance, err := reader.BalanceOf(ctx, e.custody)
	if err != nil {
		return err
	}
	locked, err := e.state.EscrowLocked()
	if err != nil {
		return err
	}
	if balance.Cmp(locked) < 0 {
		return fmt.Errorf("%w: balance %s locked %s", ErrInsolvent, balance, locked)
	}
	return nil
}
