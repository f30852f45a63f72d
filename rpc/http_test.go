package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"podescrow/core"
	"podescrow/core/genesis"
	"podescrow/crypto"
	"podescrow/native/escrow"
	"podescrow/storage"
	"podescrow/storage/auditlog"
	"podescrow/storage/idempotency"
)

const testSecret = "test-secret"

type testEnv struct {
	server  *Server
	handler http.Handler
	node    *core.Node
	seller  [20]byte
	buyer   [20]byte
	now     time.Time
}

func newTestEnv(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	now := time.Unix(1_700_000_000, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := core.NewNode(db, core.Config{Logger: logger, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	env := &testEnv{node: node, now: now}
	env.seller = newTestAddress(t)
	env.buyer = newTestAddress(t)
	if err := node.ApplyGenesis(context.Background(), []genesis.Allocation{{Address: env.buyer, Amount: big.NewInt(1_000)}}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	cfg := ServerConfig{
		Auth:   AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "podescrow"},
		Logger: logger,
		Now:    func() time.Time { return now },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	env.server = NewServer(node, cfg)
	env.handler = env.server.Handler()
	return env
}

func newTestAddress(t *testing.T) [20]byte {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().Array()
}

func (e *testEnv) token(t *testing.T, subject [20]byte) string {
	t.Helper()
	token, err := IssueToken(testSecret, subject, "podescrow", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) newRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/rpc", nil)
}

// call posts a JSON-RPC request through the full handler chain.
func (e *testEnv) call(t *testing.T, token, method string, params interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: 1}
	if params != nil {
		req.Params = []json.RawMessage{marshalParam(t, params)}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	httpReq.RemoteAddr = "192.0.2.1:4000"
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, httpReq)
	return recorder
}

func (e *testEnv) fundEscrow(t *testing.T, orderID string, value string) paymentJSON {
	t.Helper()
	buyerToken := e.token(t, e.buyer)
	rec := e.call(t, buyerToken, "token_approve", map[string]string{
		"spender": crypto.FormatAddress(e.node.Custody()),
		"amount":  value,
	}, nil)
	if _, rpcErr := decodeRPCResponse(t, rec); rpcErr != nil {
		t.Fatalf("approve custody: %+v", rpcErr)
	}
	rec = e.call(t, buyerToken, "escrow_createPayment", map[string]string{
		"orderId": orderID,
		"seller":  crypto.FormatAddress(e.seller),
		"buyer":   crypto.FormatAddress(e.buyer),
		"value":   value,
	}, nil)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("create payment: %+v", rpcErr)
	}
	var payment paymentJSON
	if err := json.Unmarshal(result, &payment); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	return payment
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
	return resp.Result, resp.Error
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	env.call(t, "", "escrow_custody", nil, nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "podescrow_rpc_requests_total") {
		t.Fatalf("expected rpc metrics to be exported")
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	rec := env.call(t, "", "eth_sendTransaction", nil, nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rec.Code != http.StatusNotFound || rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %d %+v", rec.Code, rpcErr)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.MaxBodyBytes = 64 })
	rec := env.call(t, "", "escrow_listPayments", map[string]string{"status": strings.Repeat("x", 128)}, nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rec.Code != http.StatusRequestEntityTooLarge || rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected body limit rejection, got %d %+v", rec.Code, rpcErr)
	}
}

func TestMutatingCallRequiresValidToken(t *testing.T) {
	env := newTestEnv(t)
	params := map[string]string{"orderId": "1"}

	rec := env.call(t, "", "escrow_release", params, nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rec.Code != http.StatusUnauthorized || rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized without token, got %d %+v", rec.Code, rpcErr)
	}

	forged, err := IssueToken("other-secret", env.buyer, "podescrow", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = env.call(t, forged, "escrow_release", params, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged token rejection, got %d", rec.Code)
	}

	expired, err := IssueToken(testSecret, env.buyer, "podescrow", "", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = env.call(t, expired, "escrow_release", params, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected expired token rejection, got %d", rec.Code)
	}
}

func TestCallerParamMustMatchTokenSubject(t *testing.T) {
	env := newTestEnv(t)
	env.fundEscrow(t, "5", "10")
	rec := env.call(t, env.token(t, env.seller), "escrow_release", map[string]string{
		"orderId": "5",
		"caller":  crypto.FormatAddress(env.buyer),
	}, nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rec.Code != http.StatusUnauthorized || rpcErr == nil || !strings.Contains(rpcErr.Message, "token subject") {
		t.Fatalf("expected subject mismatch rejection, got %d %+v", rec.Code, rpcErr)
	}
}

func TestAuthDisabledUsesCallerParam(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.Auth.Enabled = false })
	rec := env.call(t, "", "token_transfer", map[string]string{"to": crypto.FormatAddress(env.seller), "amount": "5"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected caller requirement, got %d", rec.Code)
	}
	rec = env.call(t, "", "token_transfer", map[string]string{
		"caller": crypto.FormatAddress(env.buyer),
		"to":     crypto.FormatAddress(env.seller),
		"amount": "5",
	}, nil)
	if _, rpcErr := decodeRPCResponse(t, rec); rpcErr != nil {
		t.Fatalf("transfer: %+v", rpcErr)
	}
	balance, _ := env.node.TokenBalance(env.seller)
	if balance.String() != "5" {
		t.Fatalf("unexpected seller balance %s", balance)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.RateLimitPerSecond = 1
		cfg.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		if rec := env.call(t, "", "escrow_custody", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, rec.Code)
		}
	}
	rec := env.call(t, "", "escrow_custody", nil, nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rec.Code != http.StatusTooManyRequests || rpcErr == nil || rpcErr.Code != codeRateLimited {
		t.Fatalf("expected rate limit, got %d %+v", rec.Code, rpcErr)
	}
}

func TestClientSourceHonoursForwardedForOnlyWhenTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if source := NewServer(nil, ServerConfig{}).clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote address, got %q", source)
	}
	if source := NewServer(nil, ServerConfig{TrustProxyHeaders: true}).clientSource(req); source != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", source)
	}
}

func TestIdempotencyKeyReplaysFirstOutcome(t *testing.T) {
	store, err := idempotency.Open(filepath.Join(t.TempDir(), "idem.db"), time.Hour, nil)
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	defer store.Close()
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.Idempotency = store })
	env.fundEscrow(t, "11", "40")

	buyerToken := env.token(t, env.buyer)
	headers := map[string]string{idempotencyKeyHeader: "release-11"}
	first := env.call(t, buyerToken, "escrow_release", map[string]string{"orderId": "11"}, headers)
	if _, rpcErr := decodeRPCResponse(t, first); rpcErr != nil {
		t.Fatalf("release: %+v", rpcErr)
	}
	second := env.call(t, buyerToken, "escrow_release", map[string]string{"orderId": "11"}, headers)
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replayed response")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay differs: %s vs %s", second.Body.String(), first.Body.String())
	}

	// Without the key the settled payment is reported as such.
	third := env.call(t, buyerToken, "escrow_release", map[string]string{"orderId": "11"}, nil)
	if _, rpcErr := decodeRPCResponse(t, third); rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected already settled, got %+v", rpcErr)
	}

	reused := env.call(t, buyerToken, "escrow_refund", map[string]string{"orderId": "11"}, headers)
	if _, rpcErr := decodeRPCResponse(t, reused); reused.Code != http.StatusConflict || rpcErr == nil || rpcErr.Code != codeIdempotencyConflict {
		t.Fatalf("expected idempotency conflict, got %d %+v", reused.Code, rpcErr)
	}
}

func TestIdempotencyKeyRunsConcurrentDuplicatesOnce(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(8))
	store, err := idempotency.Open(filepath.Join(t.TempDir(), "idem.db"), time.Hour, nil)
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	defer store.Close()
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.Idempotency = store })

	buyerToken := env.token(t, env.buyer)
	body, err := json.Marshal(RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  "token_transfer",
		ID:      1,
		Params: []json.RawMessage{marshalParam(t, map[string]string{
			"to":     crypto.FormatAddress(env.seller),
			"amount": "1",
		})},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	const keys, senders = 20, 8
	statuses := make(chan int, keys*senders)
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		key := "transfer-" + strconv.Itoa(k)
		for i := 0; i < senders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
				req.RemoteAddr = "192.0.2.1:4000"
				req.Header.Set("Authorization", "Bearer "+buyerToken)
				req.Header.Set(idempotencyKeyHeader, key)
				rec := httptest.NewRecorder()
				env.handler.ServeHTTP(rec, req)
				statuses <- rec.Code
			}()
		}
	}
	wg.Wait()
	close(statuses)
	for status := range statuses {
		if status != http.StatusOK && status != http.StatusConflict {
			t.Fatalf("unexpected status %d", status)
		}
	}

	balance, err := env.node.TokenBalance(env.seller)
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if balance.Cmp(big.NewInt(keys)) != 0 {
		t.Fatalf("expected %d transfers, seller holds %s", keys, balance)
	}
}

func TestAuditLogRecordsIdempotencyConflict(t *testing.T) {
	idem, err := idempotency.Open(filepath.Join(t.TempDir(), "idem.db"), time.Hour, nil)
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	defer idem.Close()
	audit, err := auditlog.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	defer audit.Close()
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.Idempotency = idem
		cfg.Audit = audit
	})
	env.fundEscrow(t, "31", "10")

	buyerToken := env.token(t, env.buyer)
	headers := map[string]string{idempotencyKeyHeader: "settle-31"}
	env.call(t, buyerToken, "escrow_release", map[string]string{"orderId": "31"}, headers)
	env.call(t, buyerToken, "escrow_refund", map[string]string{"orderId": "31"}, headers)

	entries, err := audit.ByOrder(context.Background(), "31")
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	var conflict *auditlog.Entry
	for i := range entries {
		if entries[i].Method == "escrow_refund" {
			conflict = &entries[i]
		}
	}
	if conflict == nil {
		t.Fatalf("rejected refund missing from audit log: %+v", entries)
	}
	if conflict.Status != http.StatusConflict || conflict.ErrorCode != codeIdempotencyConflict {
		t.Fatalf("unexpected audit entry %+v", conflict)
	}
	if conflict.Principal != crypto.FormatAddress(env.buyer) {
		t.Fatalf("expected buyer principal, got %q", conflict.Principal)
	}
}

func TestAuditLogRecordsMutatingCalls(t *testing.T) {
	store, err := auditlog.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	defer store.Close()
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.Audit = store })
	env.fundEscrow(t, "21", "15")
	env.call(t, env.token(t, env.seller), "escrow_release", map[string]string{"orderId": "21"}, nil)

	entries, err := store.ByOrder(context.Background(), "21")
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Method != "escrow_createPayment" || entries[0].Principal != crypto.FormatAddress(env.buyer) || entries[0].Status != http.StatusOK {
		t.Fatalf("unexpected create entry: %+v", entries[0])
	}
	if entries[1].Status != http.StatusForbidden || entries[1].ErrorCode != codeEscrowForbidden || entries[1].RequestID == "" {
		t.Fatalf("unexpected release entry: %+v", entries[1])
	}
}

func mustOrderID(t *testing.T, value string) *uint256.Int {
	t.Helper()
	id, err := escrow.ParseOrderID(value)
	if err != nil {
		t.Fatalf("parse order id: %v", err)
	}
	return id
}
