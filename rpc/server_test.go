package rpc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"settlechain/core"
	"settlechain/core/events"
	"settlechain/core/types"
	"settlechain/crypto"
	"settlechain/storage"
)

const testChainID = 4201

type testAccount struct {
	key  *ecdsa.PrivateKey
	addr [20]byte
}

func newTestAccount(t *testing.T) testAccount {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testAccount{key: key, addr: [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))}
}

type testEnv struct {
	node     *core.Node
	recorder *events.Recorder
	server   *Server
	handler  http.Handler
	buyer    testAccount
	seller   testAccount
	owner    testAccount
	nonces   map[[20]byte]uint64
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		buyer:  newTestAccount(t),
		seller: newTestAccount(t),
		owner:  newTestAccount(t),
		nonces: make(map[[20]byte]uint64),
	}
	node, err := core.NewNode(storage.NewMemDB(), core.Config{ChainID: testChainID, Owner: env.owner.addr})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = node.Close() })
	if err := node.State().SetBalance(env.buyer.addr, big.NewInt(2_000_000)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := node.State().Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	env.node = node
	env.recorder = events.NewRecorder(0, node.Height)
	node.SetEmitter(env.recorder)
	srv, err := NewServer(node, env.recorder, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server = srv
	env.handler = srv.Handler()
	return env
}

func (env *testEnv) call(t *testing.T, method string, params interface{}, headers map[string]string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.RemoteAddr = "192.0.2.10:5000"
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httpReq)
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func (env *testEnv) signedTx(t *testing.T, from testAccount, txType types.TxType, payload interface{}) *types.Transaction {
	t.Helper()
	tx, err := types.NewTransaction(testChainID, txType, env.nonces[from.addr], payload)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := tx.Sign(from.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func (env *testEnv) send(t *testing.T, from testAccount, txType types.TxType, payload interface{}, headers map[string]string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	rec, resp := env.call(t, "escrow_sendTransaction", env.signedTx(t, from, txType, payload), headers)
	if resp.Error == nil {
		env.nonces[from.addr]++
	}
	return rec, resp
}

func decodeResult(t *testing.T, resp RPCResponse, dst interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func createPayload(env *testEnv) *types.CreateEscrowPayload {
	return &types.CreateEscrowPayload{Seller: env.seller.addr, Amount: big.NewInt(1_000_000), TimeoutBlocks: 100, Description: "order"}
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	_, resp := env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)
	var receipt core.Receipt
	decodeResult(t, resp, &receipt)
	if receipt.EscrowID != 1 || receipt.Type != "create_escrow" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	_, resp = env.call(t, "escrow_get", map[string]interface{}{"id": 1}, nil)
	var esc escrowJSON
	decodeResult(t, resp, &esc)
	if esc.Status != "active" || esc.Fee != "25000" || esc.Total != "1025000" || esc.Expired {
		t.Fatalf("unexpected escrow %+v", esc)
	}
	if esc.Buyer != crypto.FormatAddress(env.buyer.addr) {
		t.Fatalf("unexpected buyer %s", esc.Buyer)
	}

	_, resp = env.send(t, env.buyer, types.TxTypeConfirmDelivery, &types.EscrowIDPayload{ID: 1}, nil)
	decodeResult(t, resp, &receipt)
	_, resp = env.send(t, env.seller, types.TxTypeReleaseEscrow, &types.EscrowIDPayload{ID: 1}, nil)
	decodeResult(t, resp, &receipt)

	_, resp = env.call(t, "chain_getBalance", map[string]string{"address": crypto.FormatAddress(env.seller.addr)}, nil)
	var bal balanceJSON
	decodeResult(t, resp, &bal)
	if bal.Balance != "1000000" || bal.Nonce != 1 {
		t.Fatalf("unexpected seller balance %+v", bal)
	}
	_, resp = env.call(t, "escrow_getVault", nil, nil)
	var vault vaultJSON
	decodeResult(t, resp, &vault)
	if vault.Balance != "0" {
		t.Fatalf("expected empty vault, got %+v", vault)
	}

	_, resp = env.call(t, "escrow_listEvents", map[string]interface{}{"escrowId": 1}, nil)
	var recs []events.Record
	decodeResult(t, resp, &recs)
	if len(recs) != 3 || recs[2].Type != "escrow.released" {
		t.Fatalf("unexpected event history %+v", recs)
	}
}

func TestEscrowErrorMapping(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	stranger := newTestAccount(t)

	rec, resp := env.call(t, "escrow_get", map[string]interface{}{"id": 9}, nil)
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeEscrowNotFound {
		t.Fatalf("expected not found, got %d %+v", rec.Code, resp.Error)
	}

	env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)
	rec, resp = env.send(t, stranger, types.TxTypeReleaseEscrow, &types.EscrowIDPayload{ID: 1}, nil)
	if rec.Code != http.StatusForbidden || resp.Error.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden, got %d %+v", rec.Code, resp.Error)
	}
	rec, resp = env.send(t, env.seller, types.TxTypeReleaseEscrow, &types.EscrowIDPayload{ID: 1}, nil)
	if rec.Code != http.StatusConflict || resp.Error.Code != codeEscrowConflict {
		t.Fatalf("expected conflict, got %d %+v", rec.Code, resp.Error)
	}
	rec, resp = env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)
	if rec.Code != http.StatusPaymentRequired || resp.Error.Code != codeEscrowInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %d %+v", rec.Code, resp.Error)
	}
	rec, resp = env.send(t, env.owner, types.TxTypeSetFeeRate, &types.SetFeeRatePayload{RateBps: 5_000}, nil)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != codeEscrowInvalidParams {
		t.Fatalf("expected invalid params, got %d %+v", rec.Code, resp.Error)
	}

	stale := env.signedTx(t, env.buyer, types.TxTypeDisputeEscrow, &types.EscrowIDPayload{ID: 1})
	stale.Nonce = 0
	if err := stale.Sign(env.buyer.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec, resp = env.call(t, "escrow_sendTransaction", stale, nil)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != codeEscrowInvalidParams {
		t.Fatalf("expected nonce rejection, got %d %+v", rec.Code, resp.Error)
	}

	rec, resp = env.call(t, "escrow_unknown", nil, nil)
	if rec.Code != http.StatusNotFound || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %d %+v", rec.Code, resp.Error)
	}
	rec, resp = env.call(t, "chain_getBalance", map[string]string{"address": "nope"}, nil)
	if rec.Code != http.StatusBadRequest || resp.Error.Code != codeEscrowInvalidParams {
		t.Fatalf("expected address rejection, got %d %+v", rec.Code, resp.Error)
	}
}

func TestEscrowQueries(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	_, resp := env.call(t, "escrow_getCounter", nil, nil)
	var counter uint64
	decodeResult(t, resp, &counter)
	if counter != 0 {
		t.Fatalf("expected empty counter, got %d", counter)
	}

	_, resp = env.call(t, "escrow_getFeeRate", nil, nil)
	var rate feeRateJSON
	decodeResult(t, resp, &rate)
	if rate.RateBps != 250 || rate.MaxRateBps != 1_000 {
		t.Fatalf("unexpected rate %+v", rate)
	}

	_, resp = env.call(t, "escrow_calculateFee", map[string]string{"amount": "1000000"}, nil)
	var quote feeQuoteJSON
	decodeResult(t, resp, &quote)
	if quote.Fee != "25000" || quote.Total != "1025000" {
		t.Fatalf("unexpected quote %+v", quote)
	}
	rec, resp := env.call(t, "escrow_calculateFee", map[string]string{"amount": "-4"}, nil)
	if rec.Code != http.StatusBadRequest || resp.Error == nil {
		t.Fatalf("expected negative amount to be rejected")
	}

	for code, want := range map[uint8]string{1: "active", 3: "released", 5: "disputed", 9: "unknown"} {
		_, resp = env.call(t, "escrow_statusString", map[string]interface{}{"status": code}, nil)
		var got string
		decodeResult(t, resp, &got)
		if got != want {
			t.Fatalf("status %d: expected %q, got %q", code, want, got)
		}
	}

	env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)
	if _, err := env.node.AdvanceHeight(101); err != nil {
		t.Fatalf("advance: %v", err)
	}
	_, resp = env.call(t, "escrow_isExpired", map[string]interface{}{"id": 1}, nil)
	var expired bool
	decodeResult(t, resp, &expired)
	if !expired {
		t.Fatalf("expected escrow to be expired")
	}
	_, resp = env.call(t, "chain_getHeight", nil, nil)
	var height uint64
	decodeResult(t, resp, &height)
	if height != 101 {
		t.Fatalf("expected height 101, got %d", height)
	}
}

func TestSendTransactionRequiresToken(t *testing.T) {
	const secret = "rpc-test-secret"
	var logs bytes.Buffer
	env := newTestEnv(t, ServerConfig{
		JWTSecret: secret,
		JWTIssuer: "settle-tests",
		Logger:    slog.New(slog.NewJSONHandler(&logs, nil)),
	})

	rec, resp := env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)
	if rec.Code != http.StatusUnauthorized || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected missing token rejection, got %d %+v", rec.Code, resp.Error)
	}

	sign := func(issuer string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": issuer,
			"exp": time.Now().Add(time.Minute).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}
	foreign := sign("someone-else")
	rec, _ = env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), map[string]string{"Authorization": "Bearer " + foreign})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected issuer mismatch rejection, got %d", rec.Code)
	}
	if !strings.Contains(logs.String(), "transaction rejected by auth") {
		t.Fatalf("expected auth rejection to be logged, got %s", logs.String())
	}
	if strings.Contains(logs.String(), foreign) {
		t.Fatalf("bearer token leaked into logs: %s", logs.String())
	}
	_, resp = env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), map[string]string{"Authorization": "Bearer " + sign("settle-tests")})
	var receipt core.Receipt
	decodeResult(t, resp, &receipt)

	// queries stay public
	_, resp = env.call(t, "escrow_getCounter", nil, nil)
	if resp.Error != nil {
		t.Fatalf("expected public query, got %+v", resp.Error)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitPerSec: 0.001, RateLimitBurst: 2})
	for i := 0; i < 2; i++ {
		if rec, _ := env.call(t, "chain_getHeight", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec, resp := env.call(t, "chain_getHeight", nil, nil)
	if rec.Code != http.StatusTooManyRequests || resp.Error.Code != codeRateLimited {
		t.Fatalf("expected throttling, got %d %+v", rec.Code, resp.Error)
	}

	health := httptest.NewRecorder()
	env.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health check must bypass the limiter, got %d", health.Code)
	}
}

func TestMalformedRequests(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 64})
	post := func(body string) (*httptest.ResponseRecorder, RPCResponse) {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		var resp RPCResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return rec, resp
	}
	if rec, resp := post("{"); rec.Code != http.StatusBadRequest || resp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %d", rec.Code)
	}
	if rec, _ := post(""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected empty body rejection, got %d", rec.Code)
	}
	if rec, _ := post(`{"jsonrpc":"2.0","id":1,"method":"` + strings.Repeat("x", 80) + `"}`); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected body limit, got %d", rec.Code)
	}
	if rec, resp := post(`{"jsonrpc":"1.0","id":1,"method":"chain_getHeight"}`); rec.Code != http.StatusBadRequest || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("expected version rejection, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"method":"chain_getHeight","id":2}`))
	env.handler.ServeHTTP(rec, req)
	if id := rec.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Fatalf("expected generated request id, got %q", id)
	}
}

func TestEventStreamReplaysFromCursor(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?cursor=0&escrowId=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() events.Record {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var rec events.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		return rec
	}
	if rec := read(); rec.Type != "escrow.created" || rec.Sequence != 1 {
		t.Fatalf("unexpected backlog record %+v", rec)
	}

	env.send(t, env.buyer, types.TxTypeDisputeEscrow, &types.EscrowIDPayload{ID: 1}, nil)
	if rec := read(); rec.Type != "escrow.disputed" || rec.Attributes["id"] != "1" {
		t.Fatalf("unexpected live record %+v", rec)
	}
}

type staticArchive []events.Record

func (a staticArchive) Query(_ context.Context, q events.Query) ([]events.Record, error) {
	out := []events.Record{}
	for _, rec := range a {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestEventStreamContinuesArchiveCursor(t *testing.T) {
	archive := staticArchive{
		{Sequence: 1, Type: "escrow.created", Attributes: map[string]string{"id": "1"}},
		{Sequence: 2, Type: "escrow.delivered", Attributes: map[string]string{"id": "1"}},
		{Sequence: 3, Type: "escrow.released", Attributes: map[string]string{"id": "1"}},
	}
	env := newTestEnv(t, ServerConfig{Events: archive})
	env.recorder.Resume(3)
	env.send(t, env.buyer, types.TxTypeCreateEscrow, createPayload(env), nil)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?cursor=2"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for _, want := range []uint64{3, 4} {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var rec events.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if rec.Sequence != want {
			t.Fatalf("expected sequence %d, got %+v", want, rec)
		}
	}
}
