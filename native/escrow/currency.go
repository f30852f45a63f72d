package escrow

import (
	"context"
	"errors"
	"math/big"
)

// Currency is the external value ledger the escrow pulls deposits from and
// pays settlements out of. Both calls are all-or-nothing: an error means no
// value moved.
type Currency interface {
	// TransferFrom moves amount from holder to recipient using the
	// allowance the holder granted to the escrow custody.
	TransferFrom(ctx context.Context, holder, recipient [20]byte, amount *big.Int) error
	// Transfer moves amount out of the escrow custody to recipient.
	Transfer(ctx context.Context, recipient [20]byte, amount *big.Int) error
}

// BalanceReader is optionally implemented by currencies that can report the
// custody balance. When available the engine verifies solvency after every
// mutation.
type BalanceReader interface {
	BalanceOf(ctx context.Context, addr [20]byte) (*big.Int, error)
}

// CurrencyFuncs adapts plain functions to the Currency interface.
type CurrencyFuncs struct {
	TransferFromFn func(ctx context.Context, holder, recipient [20]byte, amount *big.Int) error
	TransferFn     func(ctx context.Context, recipient [20]byte, amount *big.Int) error
}

var errCurrencyFuncMissing = errors.New("escrow: currency function not provided")

func (f CurrencyFuncs) TransferFrom(ctx context.Context, holder, recipient [20]byte, amount *big.Int) error {
	if f.TransferFromFn == nil {
		return errCurrencyFuncMissing
	}
	return f.TransferFromFn(ctx, holder, recipient, amount)
}

func (f CurrencyFuncs) Transfer(ctx context.Context, recipient [20]byte, amount *big.Int) error {
	if f.TransferFn == nil {
		return errCurrencyFuncMissing
	}
	return f.TransferFn(ctx, recipient, amount)
}
