package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEscrowMetrics(t *testing.T) {
	m := Escrow()
	before := testutil.ToFloat64(m.transitions.WithLabelValues("release", "ok"))
	m.RecordTransition("release", "")
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("release", "ok")); got != before+1 {
		t.Fatalf("expected release counter to advance, got %v", got)
	}
	m.SetCustody(big.NewInt(1_025_000))
	if got := testutil.ToFloat64(m.custody); got != 1_025_000 {
		t.Fatalf("unexpected custody gauge %v", got)
	}
	m.SetCustody(new(big.Int).Lsh(big.NewInt(1), 2000))
	if got := testutil.ToFloat64(m.custody); got <= 0 {
		t.Fatalf("expected clamped custody value, got %v", got)
	}
	m.SetFeeRate(250)
	if got := testutil.ToFloat64(m.feeRate); got != 250 {
		t.Fatalf("unexpected fee rate gauge %v", got)
	}
	var nilMetrics *EscrowMetrics
	nilMetrics.RecordTransition("create", "ok")
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("escrow", "escrow_get", 404, 5*time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("escrow", "escrow_get", "404")); got < 1 {
		t.Fatalf("expected error counter to advance, got %v", got)
	}
	m.RecordThrottle("", "")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")); got < 1 {
		t.Fatalf("expected throttle counter to advance, got %v", got)
	}
}

func TestEventMetrics(t *testing.T) {
	m := Events()
	m.RecordEmitted(" Escrow.Created ")
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("escrow.created")); got < 1 {
		t.Fatalf("expected emitted counter to advance, got %v", got)
	}
	m.RecordDelivery("success")
	m.RecordSinkFailure("webhooks")
	if got := testutil.ToFloat64(m.sinkFailures.WithLabelValues("webhooks")); got < 1 {
		t.Fatalf("expected sink failure counter to advance, got %v", got)
	}
}
