package escrow

import "errors"

var (
	// ErrNotFound indicates that no payment is registered for the order id.
	ErrNotFound = errors.New("escrow: payment not found")
	// ErrUnauthorized indicates the caller is not the party allowed to
	// perform the operation.
	ErrUnauthorized = errors.New("escrow: caller not authorized")
	// ErrAlreadySettled indicates the payment already reached a terminal status.
	ErrAlreadySettled = errors.New("escrow: payment already settled")
	// ErrRefundNotApproved indicates the seller has not approved a refund.
	ErrRefundNotApproved = errors.New("escrow: refund not approved by seller")
	// ErrTransferFailed wraps any failure reported by the currency service.
	ErrTransferFailed = errors.New("escrow: currency transfer failed")
	// ErrInvalidAmount indicates a missing or non-positive value.
	ErrInvalidAmount = errors.New("escrow: value must be positive")
	// ErrAlreadyExists indicates the order id already has a payment record.
	ErrAlreadyExists = errors.New("escrow: payment already exists")
	// ErrInvalidParty indicates a zero seller or buyer address, or a party that
	// is the custody account itself.
	ErrInvalidParty = errors.New("escrow: seller and buyer must be set and differ from custody")
	// ErrInsolvent indicates custody holds less than the pending total.
	ErrInsolvent = errors.New("escrow: custody balance below locked total")

	errNilState    = errors.New("escrow engine: state not configured")
	errNilCurrency = errors.New("escrow engine: currency not configured")
)
