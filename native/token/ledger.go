package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"podescrow/core/events"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInvalidAddress        = errors.New("token: zero address")

	errNilState = errors.New("token ledger: state not configured")
)

type ledgerState interface {
	TokenBalance(addr [20]byte) (*big.Int, error)
	SetTokenBalance(addr [20]byte, amount *big.Int) error
	TokenAllowance(owner, spender [20]byte) (*big.Int, error)
	SetTokenAllowance(owner, spender [20]byte, amount *big.Int) error
}

// Ledger is a fungible value ledger with ERC20 style allowances. It is the
// currency service escrowed payments are funded from and settled into.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger creates a ledger over state with a no-op emitter.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used by the ledger. Passing nil
// resets the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) ready() error {
	if l == nil || l.state == nil {
		return errNilState
	}
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.state.TokenBalance(addr)
}

// Allowance returns the amount spender may still pull from owner.
func (l *Ledger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.state.TokenAllowance(owner, spender)
}

// Approve replaces the allowance owner grants to spender. A zero amount
// revokes it.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if err := l.state.SetTokenAllowance(owner, spender, amount); err != nil {
		return err
	}
	l.emitter.Emit(events.Approval{Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.move(from, to, amount)
}

// TransferFrom moves amount from holder to recipient on behalf of spender,
// consuming the allowance holder granted to spender.
func (l *Ledger) TransferFrom(spender, holder, recipient [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	allowance, err := l.state.TokenAllowance(holder, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientAllowance, allowance, amount)
	}
	balance, err := l.state.TokenBalance(holder)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, balance, amount)
	}
	if err := l.move(holder, recipient, amount); err != nil {
		return err
	}
	return l.state.SetTokenAllowance(holder, spender, new(big.Int).Sub(allowance, amount))
}

// Credit mints amount into addr. It is only used to apply genesis
// allocations.
func (l *Ledger) Credit(addr [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if addr == ([20]byte{}) {
		return ErrInvalidAddress
	}
	balance, err := l.state.TokenBalance(addr)
	if err != nil {
		return err
	}
	if err := l.state.SetTokenBalance(addr, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{To: addr, Amount: new(big.Int).Set(amount)})
	return nil
}

func (l *Ledger) move(from, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return ErrInvalidAddress
	}
	fromBalance, err := l.state.TokenBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	if from != to {
		toBalance, err := l.state.TokenBalance(to)
		if err != nil {
			return err
		}
		if err := l.state.SetTokenBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
			return err
		}
		if err := l.state.SetTokenBalance(to, new(big.Int).Add(toBalance, amount)); err != nil {
			return err
		}
	}
	l.emitter.Emit(events.Transfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Session binds the ledger to the escrow custody account and exposes it as
// the escrow currency service.
func (l *Ledger) Session(custody [20]byte) *Session {
	return &Session{ledger: l, custody: custody}
}

// Session implements escrow.Currency for a single custody account.
type Session struct {
	ledger  *Ledger
	custody [20]byte
}

// TransferFrom pulls amount from holder using the allowance holder granted to
// the custody account.
func (s *Session) TransferFrom(ctx context.Context, holder, recipient [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ledger.TransferFrom(s.custody, holder, recipient, amount)
}

// Transfer pays amount out of custody.
func (s *Session) Transfer(ctx context.Context, recipient [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ledger.Transfer(s.custody, recipient, amount)
}

// BalanceOf reports the balance of addr.
func (s *Session) BalanceOf(ctx context.Context, addr [20]byte) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ledger.BalanceOf(addr)
}
