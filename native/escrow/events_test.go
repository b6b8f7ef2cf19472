package escrow_test

import (
	"bytes"
	"math/big"
	"reflect"
	"testing"

	"settlechain/core/types"
	"settlechain/crypto"
	escrowpkg "settlechain/native/escrow"
)

func addressString(b [20]byte) string {
	return crypto.NewAddress(crypto.SettlePrefix, b[:]).String()
}

func TestEscrowEventsHaveDeterministicPayload(t *testing.T) {
	var buyer, seller, caller [20]byte
	copy(buyer[:], bytes.Repeat([]byte{0xBB}, 20))
	copy(seller[:], bytes.Repeat([]byte{0xCC}, 20))
	copy(caller[:], bytes.Repeat([]byte{0xDD}, 20))

	esc := &escrowpkg.Escrow{
		ID:            9,
		Buyer:         buyer,
		Seller:        seller,
		Amount:        big.NewInt(42_000),
		Fee:           big.NewInt(1_050),
		TimeoutHeight: 300,
		CreatedHeight: 200,
		Description:   "widgets",
		Status:        escrowpkg.EscrowActive,
	}
	base := map[string]string{
		"id":            "9",
		"buyer":         addressString(buyer),
		"seller":        addressString(seller),
		"amount":        "42000",
		"fee":           "1050",
		"timeoutHeight": "300",
		"createdHeight": "200",
		"status":        "active",
	}

	created := escrowpkg.NewCreatedEvent(esc, 250)
	if created.Type != escrowpkg.EventTypeEscrowCreated {
		t.Fatalf("unexpected type %q", created.Type)
	}
	wantCreated := copyAttrs(base)
	wantCreated["feeRateBps"] = "250"
	wantCreated["total"] = "43050"
	wantCreated["description"] = "widgets"
	if !reflect.DeepEqual(created.Attributes, wantCreated) {
		t.Fatalf("created attributes mismatch:\n got %v\nwant %v", created.Attributes, wantCreated)
	}

	delivered := escrowpkg.NewDeliveredEvent(esc)
	if !reflect.DeepEqual(delivered.Attributes, base) {
		t.Fatalf("delivered attributes mismatch: %v", delivered.Attributes)
	}

	withCaller := copyAttrs(base)
	withCaller["caller"] = addressString(caller)
	cases := []struct {
		name string
		typ  string
		fn   func(*escrowpkg.Escrow, [20]byte) *types.Event
	}{
		{"released", escrowpkg.EventTypeEscrowReleased, escrowpkg.NewReleasedEvent},
		{"refunded", escrowpkg.EventTypeEscrowRefunded, escrowpkg.NewRefundedEvent},
		{"disputed", escrowpkg.EventTypeEscrowDisputed, escrowpkg.NewDisputedEvent},
	}
	for _, tc := range cases {
		evt := tc.fn(esc, caller)
		if evt.Type != tc.typ {
			t.Fatalf("%s: unexpected type %q", tc.name, evt.Type)
		}
		if !reflect.DeepEqual(evt.Attributes, withCaller) {
			t.Fatalf("%s: attributes mismatch: %v", tc.name, evt.Attributes)
		}
	}

	esc.Status = escrowpkg.EscrowRefunded
	resolved := escrowpkg.NewResolvedEvent(esc, buyer)
	if resolved.Attributes["winner"] != addressString(buyer) || resolved.Attributes["outcome"] != "refunded" {
		t.Fatalf("unexpected resolved attributes %v", resolved.Attributes)
	}

	rate := escrowpkg.NewFeeRateUpdatedEvent(250, 400)
	if rate.Type != escrowpkg.EventTypeFeeRateUpdated || rate.Attributes["previousBps"] != "250" || rate.Attributes["rateBps"] != "400" {
		t.Fatalf("unexpected fee rate event %+v", rate)
	}
}

func TestEscrowEventsTolerateInvalidRecords(t *testing.T) {
	evt := escrowpkg.NewDeliveredEvent(nil)
	if evt.Type != escrowpkg.EventTypeEscrowDelivered || len(evt.Attributes) != 0 {
		t.Fatalf("expected empty payload for nil escrow, got %+v", evt)
	}
	evt = escrowpkg.NewDeliveredEvent(&escrowpkg.Escrow{ID: 0})
	if len(evt.Attributes) != 0 {
		t.Fatalf("expected empty payload for invalid escrow, got %v", evt.Attributes)
	}
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
