package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"podescrow/crypto"
	"podescrow/observability/logging"
	"podescrow/storage/auditlog"
	"podescrow/storage/idempotency"
)

// serveMutating authenticates the caller, reserves or replays the
// Idempotency-Key and records the outcome in the audit log.
func (s *Server) serveMutating(w *responseRecorder, r *http.Request, req *RPCRequest, fn mutatingFunc) {
	start := s.nowFn()
	w.capture = true
	caller, authErr := s.requireAuth(r, req)
	if authErr != nil {
		s.logger.Warn("rejected mutating call",
			slog.String("method", req.Method),
			slog.String("authorization", logging.MaskBearer(r.Header.Get("Authorization"))),
			slog.String("reason", authErr.Message))
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		s.recordAudit(r.Context(), req, "", w, start)
		return
	}
	principal := crypto.FormatAddress(caller)

	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	hash := requestHash(req)
	reserved := false
	if key != "" && s.idempotency != nil {
		record, ok, err := s.idempotency.Reserve(principal, key, hash, s.nowFn())
		switch {
		case errors.Is(err, idempotency.ErrMismatch):
			writeError(w, http.StatusConflict, req.ID, codeIdempotencyConflict, "idempotency key reused with different request", key)
			s.recordAudit(r.Context(), req, principal, w, start)
			return
		case errors.Is(err, idempotency.ErrInFlight):
			writeError(w, http.StatusConflict, req.ID, codeIdempotencyConflict, "idempotency key in use by a concurrent request", key)
			s.recordAudit(r.Context(), req, principal, w, start)
			return
		case err != nil:
			s.logger.Error("idempotency reserve failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "idempotency store unavailable", nil)
			s.recordAudit(r.Context(), req, principal, w, start)
			return
		case ok:
			w.Header().Set("Idempotent-Replay", "true")
			if record.StatusCode != http.StatusOK {
				w.WriteHeader(record.StatusCode)
			}
			_, _ = w.Write(record.Body)
			return
		}
		reserved = true
	}

	fn(w, r, req, caller)

	if reserved {
		// Upstream failures stay retryable; everything else is pinned to the key.
		if w.status < http.StatusInternalServerError {
			if err := s.idempotency.Save(principal, key, hash, w.status, w.body.Bytes(), s.nowFn()); err != nil {
				s.logger.Error("idempotency save failed", slog.Any("error", err))
			}
		} else if err := s.idempotency.Release(principal, key); err != nil {
			s.logger.Error("idempotency release failed", slog.Any("error", err))
		}
	}
	s.recordAudit(r.Context(), req, principal, w, start)
}

func requestHash(req *RPCRequest) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(req.Method))
	for _, param := range req.Params {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(param)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type orderIDParam struct {
	OrderID json.RawMessage `json:"orderId"`
}

func (s *Server) recordAudit(ctx context.Context, req *RPCRequest, principal string, w *responseRecorder, start time.Time) {
	if s.audit == nil {
		return
	}
	now := s.nowFn()
	entry := auditlog.Entry{
		OccurredAt: now,
		RequestID:  requestIDFrom(ctx),
		Principal:  principal,
		Method:     req.Method,
		Status:     w.status,
		DurationMs: now.Sub(start).Milliseconds(),
	}
	if len(req.Params) > 0 {
		var params orderIDParam
		if err := json.Unmarshal(req.Params[0], &params); err == nil && len(params.OrderID) > 0 {
			entry.OrderID = strings.Trim(string(params.OrderID), "\"")
		}
	}
	if w.body.Len() > 0 {
		var resp RPCResponse
		if err := json.Unmarshal(w.body.Bytes(), &resp); err == nil && resp.Error != nil {
			entry.ErrorCode = resp.Error.Code
			entry.Error = resp.Error.Message
		}
	}
	if err := s.audit.Insert(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("audit insert failed", slog.String("method", req.Method), slog.Any("error", err))
	}
}
