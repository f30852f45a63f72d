package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"podescrow/core"
	"podescrow/core/types"
	"podescrow/crypto"
	"podescrow/native/escrow"
	"podescrow/native/token"
)

const (
	codeEscrowInvalidParams  = -32021
	codeEscrowNotFound       = -32022
	codeEscrowForbidden      = -32023
	codeEscrowConflict       = -32024
	codeEscrowInternal       = -32025
	codeEscrowPrecondition   = -32026
	codeEscrowTransferFailed = -32027
)

const (
	defaultListLimit uint64 = 50
	maxListLimit     uint64 = 500
)

type escrowCreateParams struct {
	OrderID string `json:"orderId"`
	Seller  string `json:"seller"`
	Buyer   string `json:"buyer"`
	Value   string `json:"value"`
}

type escrowOrderParams struct {
	OrderID string `json:"orderId"`
}

type escrowListParams struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
	Status string `json:"status,omitempty"`
}

type escrowEventsParams struct {
	After uint64 `json:"after"`
	Limit uint64 `json:"limit"`
}

type paymentJSON struct {
	OrderID        string `json:"orderId"`
	Seller         string `json:"seller"`
	Buyer          string `json:"buyer"`
	Value          string `json:"value"`
	Status         string `json:"status"`
	RefundApproved bool   `json:"refundApproved"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type paymentListResult struct {
	Payments []paymentJSON `json:"payments"`
	Total    uint64        `json:"total"`
	Offset   uint64        `json:"offset"`
	Limit    uint64        `json:"limit"`
}

type eventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Digest     string            `json:"digest"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type eventsResult struct {
	Events []eventJSON `json:"events"`
	Next   uint64      `json:"next"`
}

type auditJSON struct {
	StateRoot       string `json:"stateRoot"`
	Version         uint64 `json:"version"`
	Custody         string `json:"custody"`
	CustodyBalance  string `json:"custodyBalance"`
	Locked          string `json:"locked"`
	PendingPayments int    `json:"pendingPayments"`
	Solvent         bool   `json:"solvent"`
	EventCount      uint64 `json:"eventCount"`
	EventHead       string `json:"eventHead"`
	EventChainValid bool   `json:"eventChainValid"`
	EventChainError string `json:"eventChainError,omitempty"`
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleEscrowCreatePayment(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	orderID, err := escrow.ParseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("seller: %v", err))
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("buyer: %v", err))
		return
	}
	value, err := parsePositiveBigInt(params.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := s.node.PaymentCreate(r.Context(), caller, orderID, seller, buyer, value)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatPaymentJSON(payment))
}

func (s *Server) handleEscrowApproveRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleEscrowTransition(w, r, req, caller, s.node.PaymentApproveRefund)
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleEscrowTransition(w, r, req, caller, s.node.PaymentRelease)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleEscrowTransition(w, r, req, caller, s.node.PaymentRefund)
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte, fn func(context.Context, [20]byte, *uint256.Int) error) {
	var params escrowOrderParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	orderID, err := escrow.ParseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(r.Context(), caller, orderID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	payment, err := s.node.PaymentGet(orderID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatPaymentJSON(payment))
}

func (s *Server) handleEscrowGetPayment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowOrderParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	orderID, err := escrow.ParseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := s.node.PaymentGet(orderID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatPaymentJSON(payment))
}

func (s *Server) handleEscrowListPayments(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowListParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	limit := clampLimit(params.Limit)
	var filter *escrow.PaymentStatus
	if strings.TrimSpace(params.Status) != "" {
		status, err := escrow.ParsePaymentStatus(params.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		filter = &status
	}
	payments, total, err := s.node.PaymentList(params.Offset, limit, filter)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	result := paymentListResult{Payments: make([]paymentJSON, 0, len(payments)), Total: total, Offset: params.Offset, Limit: limit}
	for _, payment := range payments {
		result.Payments = append(result.Payments, formatPaymentJSON(payment))
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowEventsParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	records, err := s.node.Events(params.After, clampLimit(params.Limit))
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	result := eventsResult{Events: make([]eventJSON, 0, len(records)), Next: params.After}
	for _, record := range records {
		result.Events = append(result.Events, formatEventJSON(record))
		result.Next = record.Sequence
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleEscrowAudit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	report, err := s.node.Audit()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatAuditJSON(report))
}

func (s *Server) handleEscrowCustody(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, map[string]string{"custody": crypto.FormatAddress(s.node.Custody())})
}

func clampLimit(limit uint64) uint64 {
	if limit == 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func parseBech32Address(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseAddress(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func formatPaymentJSON(p *escrow.Payment) paymentJSON {
	value := "0"
	if p.Value != nil {
		value = p.Value.String()
	}
	return paymentJSON{
		OrderID:        escrow.FormatOrderID(p.OrderID),
		Seller:         crypto.FormatAddress(p.Seller),
		Buyer:          crypto.FormatAddress(p.Buyer),
		Value:          value,
		Status:         p.Status.String(),
		RefundApproved: p.RefundApproved,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func formatEventJSON(record *types.EventRecord) eventJSON {
	out := eventJSON{
		Sequence:   record.Sequence,
		Timestamp:  record.Timestamp,
		Digest:     "0x" + hex.EncodeToString(record.Digest[:]),
		Attributes: map[string]string{},
	}
	if record.Event != nil {
		out.Type = record.Event.Type
		for k, v := range record.Event.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

func formatAuditJSON(report *core.AuditReport) auditJSON {
	return auditJSON{
		StateRoot:       report.StateRoot.Hex(),
		Version:         report.Version,
		Custody:         crypto.FormatAddress(report.Custody),
		CustodyBalance:  report.CustodyBalance.String(),
		Locked:          report.Locked.String(),
		PendingPayments: report.PendingPayments,
		Solvent:         report.Solvent,
		EventCount:      report.EventCount,
		EventHead:       "0x" + hex.EncodeToString(report.EventHead[:]),
		EventChainValid: report.EventChainValid,
		EventChainError: report.EventChainError,
	}
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, escrow.ErrInvalidAmount) || errors.Is(err, escrow.ErrInvalidParty) ||
		errors.Is(err, token.ErrInvalidAmount) || errors.Is(err, token.ErrInvalidAddress):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized) || errors.Is(err, core.ErrCustodyAccount):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrAlreadySettled):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "already_settled"
	case errors.Is(err, escrow.ErrAlreadyExists):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "already_exists"
	case errors.Is(err, escrow.ErrRefundNotApproved):
		status = http.StatusUnprocessableEntity
		code = codeEscrowPrecondition
		message = "refund_not_approved"
	case errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusBadGateway
		code = codeEscrowTransferFailed
		message = "transfer_failed"
	case errors.Is(err, token.ErrInsufficientBalance) || errors.Is(err, token.ErrInsufficientAllowance):
		status = http.StatusUnprocessableEntity
		code = codeEscrowPrecondition
		message = "insufficient_funds"
	case errors.Is(err, escrow.ErrInsolvent):
		message = "insolvent"
	}
	writeError(w, status, id, code, message, data)
}
