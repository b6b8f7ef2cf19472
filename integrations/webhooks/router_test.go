package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"settlechain/core/types"
)

type testEvent struct {
	typ   string
	attrs map[string]string
}

func (e testEvent) EventType() string { return e.typ }

func (e testEvent) Event() *types.Event {
	return &types.Event{Type: e.typ, Attributes: e.attrs}
}

type receiver struct {
	mu       sync.Mutex
	payloads []Payload
}

func (r *receiver) handler(w http.ResponseWriter, req *http.Request) {
	data, _ := io.ReadAll(req.Body)
	_ = req.Body.Close()
	var payload Payload
	if err := json.Unmarshal(data, &payload); err == nil {
		r.mu.Lock()
		r.payloads = append(r.payloads, payload)
		r.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) snapshot() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

func TestRouterForwardsSettlementEvents(t *testing.T) {
	settled := &receiver{}
	all := &receiver{}
	settledSrv := httptest.NewServer(http.HandlerFunc(settled.handler))
	defer settledSrv.Close()
	allSrv := httptest.NewServer(http.HandlerFunc(all.handler))
	defer allSrv.Close()
	t.Setenv("SETTLE_TEST_HOOK_SECRET", "s3cret")

	cfg := Config{Endpoints: []Endpoint{
		{Name: "settled", URL: settledSrv.URL, SecretEnv: "SETTLE_TEST_HOOK_SECRET"},
		{Name: "audit", URL: allSrv.URL, SecretEnv: "SETTLE_TEST_HOOK_SECRET", Events: []string{"escrow.created", "escrow.disputed"}},
	}}
	router, err := NewRouter(cfg, func() uint64 { return 44 }, nil, nil)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	defer router.Close()
	if router.Len() != 2 {
		t.Fatalf("expected 2 routes, got %d", router.Len())
	}

	router.Emit(testEvent{typ: "escrow.created", attrs: map[string]string{"id": "3"}})
	router.Emit(testEvent{typ: "escrow.delivered", attrs: map[string]string{"id": "3"}})
	router.Emit(testEvent{typ: "escrow.released", attrs: map[string]string{"id": "3"}})
	router.Emit(nil)

	waitFor(func() bool { return len(settled.snapshot()) == 1 && len(all.snapshot()) == 1 }, 2*time.Second)
	got := settled.snapshot()
	if len(got) != 1 || got[0].Type != "escrow.released" || got[0].EscrowID != 3 || got[0].Height != 44 {
		t.Fatalf("unexpected settlement deliveries %+v", got)
	}
	if got[0].DeliveryID == "" {
		t.Fatalf("expected delivery id")
	}
	audit := all.snapshot()
	if len(audit) != 1 || audit[0].Type != "escrow.created" {
		t.Fatalf("unexpected audit deliveries %+v", audit)
	}
}

func TestNewRouterRequiresSecret(t *testing.T) {
	cfg := Config{Endpoints: []Endpoint{{URL: "http://127.0.0.1:1/hook", SecretEnv: "SETTLE_TEST_HOOK_MISSING"}}}
	if _, err := NewRouter(cfg, nil, nil, nil); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.yaml")
	data := []byte(`timeout: 3s
retry:
  max_attempts: 4
  min_backoff: 500ms
  max_backoff: 5s
endpoints:
  - name: ledger
    url: https://hooks.example.com/escrow
    secret_env: LEDGER_HOOK_SECRET
    events: [escrow.released, escrow.resolved]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeout.Duration != 3*time.Second || cfg.Retry.MaxAttempts != 4 || cfg.Retry.MinBackoff.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Endpoints) != 1 || len(cfg.Endpoints[0].Events) != 2 {
		t.Fatalf("unexpected endpoints %+v", cfg.Endpoints)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "endpoint: []\n",
		"bad duration":  "timeout: soon\n",
		"relative url":  "endpoints:\n  - url: /hook\n    secret_env: X\n",
		"no secret":     "endpoints:\n  - url: https://hooks.example.com\n",
		"backoff order": "retry:\n  min_backoff: 5s\n  max_backoff: 1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "webhooks.yaml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
