package core

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"settlechain/core/events"
	"settlechain/core/types"
	"settlechain/native/escrow"
	"settlechain/storage"
)

const testChainID = 4201

type account struct {
	key  *ecdsa.PrivateKey
	addr [20]byte
}

func newAccount(t *testing.T) account {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return account{key: key, addr: [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))}
}

type harness struct {
	node     *Node
	db       storage.Database
	recorder *events.Recorder
	buyer    account
	seller   account
	owner    account
	other    account
}

func newHarness(t *testing.T, db storage.Database) *harness {
	t.Helper()
	h := &harness{
		db:     db,
		buyer:  newAccount(t),
		seller: newAccount(t),
		owner:  newAccount(t),
		other:  newAccount(t),
	}
	node, err := NewNode(db, Config{ChainID: testChainID, Owner: h.owner.addr})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	h.node = node
	h.recorder = events.NewRecorder(64, node.Height)
	node.SetEmitter(h.recorder)
	if err := node.State().SetBalance(h.buyer.addr, big.NewInt(2_000_000)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := node.State().Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	return h
}

func (h *harness) send(t *testing.T, from account, txType types.TxType, payload interface{}) (*Receipt, error) {
	t.Helper()
	nonce, err := h.node.Nonce(from.addr)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	tx, err := types.NewTransaction(testChainID, txType, nonce, payload)
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if err := tx.Sign(from.key); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return h.node.ApplyTransaction(context.Background(), tx)
}

func (h *harness) mustSend(t *testing.T, from account, txType types.TxType, payload interface{}) *Receipt {
	t.Helper()
	receipt, err := h.send(t, from, txType, payload)
	if err != nil {
		t.Fatalf("%s: %v", txType, err)
	}
	return receipt
}

func (h *harness) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := h.node.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (h *harness) create(t *testing.T) uint64 {
	t.Helper()
	receipt := h.mustSend(t, h.buyer, types.TxTypeCreateEscrow, &types.CreateEscrowPayload{
		Seller:        h.seller.addr,
		Amount:        big.NewInt(1_000_000),
		TimeoutBlocks: 100,
		Description:   "order",
	})
	return receipt.EscrowID
}

func TestDeliveryAndReleaseThroughTransactions(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
	if got := h.balance(t, h.buyer.addr); got != 975_000 {
		t.Fatalf("expected buyer debited 1025000, balance %d", got)
	}
	if got := h.balance(t, h.node.EscrowVaultAddress()); got != 1_025_000 {
		t.Fatalf("expected custody 1025000, got %d", got)
	}

	h.mustSend(t, h.buyer, types.TxTypeConfirmDelivery, &types.EscrowIDPayload{ID: id})
	h.mustSend(t, h.seller, types.TxTypeReleaseEscrow, &types.EscrowIDPayload{ID: id})
	if got := h.balance(t, h.seller.addr); got != 1_000_000 {
		t.Fatalf("expected seller credited 1000000, got %d", got)
	}
	if got := h.balance(t, h.owner.addr); got != 25_000 {
		t.Fatalf("expected owner credited 25000, got %d", got)
	}
	if _, err := h.send(t, h.seller, types.TxTypeReleaseEscrow, &types.EscrowIDPayload{ID: id}); !errors.Is(err, escrow.ErrInvalidStatus) {
		t.Fatalf("expected second release to fail with invalid status, got %v", err)
	}

	esc, err := h.node.EscrowGet(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != escrow.EscrowReleased || esc.Fee.Int64() != 25_000 {
		t.Fatalf("unexpected record %+v", esc)
	}
	recorded := h.recorder.List("escrow.", 0)
	if len(recorded) != 3 {
		t.Fatalf("expected three committed escrow events, got %d", len(recorded))
	}
}

func TestRefundWindowAndForcedRelease(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)

	if _, err := h.node.AdvanceHeight(101); err != nil {
		t.Fatalf("advance height: %v", err)
	}
	expired, err := h.node.EscrowIsExpired(id)
	if err != nil || !expired {
		t.Fatalf("expected expired escrow, got %v (%v)", expired, err)
	}
	if _, err := h.send(t, h.seller, types.TxTypeRefundEscrow, &types.EscrowIDPayload{ID: id}); !errors.Is(err, escrow.ErrExpired) {
		t.Fatalf("expected refund after timeout to fail with expired, got %v", err)
	}
	h.mustSend(t, h.other, types.TxTypeReleaseEscrow, &types.EscrowIDPayload{ID: id})
	if h.balance(t, h.seller.addr) != 1_000_000 || h.balance(t, h.owner.addr) != 25_000 {
		t.Fatalf("unexpected payout after forced release")
	}
}

func TestRefundInsideWindow(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	h.mustSend(t, h.seller, types.TxTypeRefundEscrow, &types.EscrowIDPayload{ID: id})
	if got := h.balance(t, h.buyer.addr); got != 2_000_000 {
		t.Fatalf("expected buyer made whole, got %d", got)
	}
	if got := h.balance(t, h.node.EscrowVaultAddress()); got != 0 {
		t.Fatalf("expected empty custody, got %d", got)
	}
}

func TestDisputeResolvedByOwner(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	id := h.create(t)
	h.mustSend(t, h.buyer, types.TxTypeDisputeEscrow, &types.EscrowIDPayload{ID: id})

	if _, err := h.send(t, h.buyer, types.TxTypeResolveDispute, &types.ResolveDisputePayload{ID: id, Winner: h.buyer.addr}); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected buyer resolve to be unauthorized, got %v", err)
	}
	h.mustSend(t, h.owner, types.TxTypeResolveDispute, &types.ResolveDisputePayload{ID: id, Winner: h.seller.addr})
	if h.balance(t, h.seller.addr) != 1_000_000 || h.balance(t, h.owner.addr) != 25_000 {
		t.Fatalf("unexpected payout after resolution")
	}
	if _, err := h.send(t, h.owner, types.TxTypeResolveDispute, &types.ResolveDisputePayload{ID: id, Winner: h.buyer.addr}); !errors.Is(err, escrow.ErrInvalidStatus) {
		t.Fatalf("expected second resolution to fail, got %v", err)
	}
}

func TestRejectedTransactionsLeaveNoTrace(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	before := h.recorder.Sequence()

	_, err := h.send(t, h.buyer, types.TxTypeCreateEscrow, &types.CreateEscrowPayload{
		Seller:        h.seller.addr,
		Amount:        big.NewInt(5_000_000),
		TimeoutBlocks: 10,
	})
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	nonce, err := h.node.Nonce(h.buyer.addr)
	if err != nil || nonce != 0 {
		t.Fatalf("rejected transaction consumed nonce: %d (%v)", nonce, err)
	}
	counter, err := h.node.EscrowCounter()
	if err != nil || counter != 0 {
		t.Fatalf("rejected create advanced counter: %d (%v)", counter, err)
	}
	if h.recorder.Sequence() != before {
		t.Fatalf("rejected transaction emitted events")
	}
	if got := h.balance(t, h.buyer.addr); got != 2_000_000 {
		t.Fatalf("rejected create moved funds: %d", got)
	}
}

func TestTransactionAuthentication(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())

	tx, err := types.NewTransaction(testChainID+1, types.TxTypeSetFeeRate, 0, &types.SetFeeRatePayload{RateBps: 100})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if err := tx.Sign(h.owner.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := h.node.ApplyTransaction(context.Background(), tx); !errors.Is(err, ErrWrongChainID) {
		t.Fatalf("expected wrong chain id, got %v", err)
	}

	unsigned, err := types.NewTransaction(testChainID, types.TxTypeSetFeeRate, 0, &types.SetFeeRatePayload{RateBps: 100})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if _, err := h.node.ApplyTransaction(context.Background(), unsigned); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	replay, err := types.NewTransaction(testChainID, types.TxTypeSetFeeRate, 5, &types.SetFeeRatePayload{RateBps: 100})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if err := replay.Sign(h.owner.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := h.node.ApplyTransaction(context.Background(), replay); !errors.Is(err, ErrNonceMismatch) || !IsRejection(err) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}

	garbage := &types.Transaction{ChainID: testChainID, Type: types.TxTypeSetFeeRate, Payload: []byte{0xFF, 0x01}}
	if err := garbage.Sign(h.owner.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := h.node.ApplyTransaction(context.Background(), garbage); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}

	h.mustSend(t, h.owner, types.TxTypeSetFeeRate, &types.SetFeeRatePayload{RateBps: 100})
	rate, err := h.node.EscrowFeeRate()
	if err != nil || rate != 100 {
		t.Fatalf("expected rate 100, got %d (%v)", rate, err)
	}
	fee, err := h.node.EscrowCalculateFee(big.NewInt(1_000_000))
	if err != nil || fee.Int64() != 10_000 {
		t.Fatalf("expected fee 10000, got %v (%v)", fee, err)
	}
}

func TestDirectHelpersShareSemantics(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	esc, err := h.node.EscrowCreate(h.buyer.addr, h.seller.addr, big.NewInt(1_000_000), 100, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.node.EscrowConfirmDelivery(esc.ID, h.seller.addr); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected unauthorized confirm, got %v", err)
	}
	if err := h.node.EscrowDispute(esc.ID, h.seller.addr); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := h.node.EscrowRefund(esc.ID, h.seller.addr); !errors.Is(err, escrow.ErrInvalidStatus) {
		t.Fatalf("expected refund of disputed escrow to fail, got %v", err)
	}
	if err := h.node.EscrowResolve(esc.ID, h.owner.addr, h.buyer.addr); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := h.balance(t, h.buyer.addr); got != 2_000_000 {
		t.Fatalf("expected buyer refunded, got %d", got)
	}
	if err := h.node.EscrowRelease(esc.ID, h.buyer.addr); !errors.Is(err, escrow.ErrInvalidStatus) {
		t.Fatalf("expected release after resolution to fail, got %v", err)
	}
	if err := h.node.EscrowSetFeeRate(h.owner.addr, 2_000); !errors.Is(err, escrow.ErrFeeRateTooHigh) {
		t.Fatalf("expected fee cap violation, got %v", err)
	}
	got := []string{}
	for _, rec := range h.recorder.List("", 0) {
		got = append(got, rec.Type)
	}
	want := []string{"escrow.created", "escrow.disputed", "escrow.refunded", "escrow.resolved"}
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events %v", got)
		}
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	h := newHarness(t, db)
	id := h.create(t)
	if _, err := h.node.AdvanceHeight(7); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := h.node.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := storage.NewLevelDB(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	node, err := NewNode(reopened, Config{ChainID: testChainID, Owner: h.owner.addr})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer node.Close()
	if node.Height() != 7 {
		t.Fatalf("expected height 7 after restart, got %d", node.Height())
	}
	esc, err := node.EscrowGet(id)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if esc.Status != escrow.EscrowActive || esc.Fee.Int64() != 25_000 {
		t.Fatalf("unexpected record after restart %+v", esc)
	}
	nonce, err := node.Nonce(h.buyer.addr)
	if err != nil || nonce != 1 {
		t.Fatalf("expected nonce 1 after restart, got %d (%v)", nonce, err)
	}
}

func TestHeightTicker(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.node.RunHeightTicker(ctx, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for h.node.Height() < 3 {
		select {
		case <-deadline:
			t.Fatalf("height did not advance, at %d", h.node.Height())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if err := h.node.RunHeightTicker(context.Background(), 0); err == nil {
		t.Fatalf("expected non-positive interval to be rejected")
	}
	if _, err := h.node.AdvanceHeight(^uint64(0)); err == nil {
		t.Fatalf("expected height overflow to be rejected")
	}
}

func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(nil, Config{ChainID: 1}); err == nil {
		t.Fatalf("expected nil database to fail")
	}
	if _, err := NewNode(storage.NewMemDB(), Config{}); err == nil {
		t.Fatalf("expected zero chain id to fail")
	}
}

type gatedSink struct {
	mu      sync.Mutex
	types   []string
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedSink) Emit(evt events.Event) {
	if evt.EventType() == escrow.EventTypeEscrowCreated {
		close(s.entered)
		<-s.gate
	}
	s.mu.Lock()
	s.types = append(s.types, evt.EventType())
	s.mu.Unlock()
}

func TestEventsReachSinksInCommitOrder(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	sink := &gatedSink{entered: make(chan struct{}), gate: make(chan struct{})}
	h.node.SetEmitter(sink)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.node.EscrowCreate(h.buyer.addr, h.seller.addr, big.NewInt(1_000), 0, "")
		errs <- err
	}()
	<-sink.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.node.AdvanceHeight(1); err != nil {
			errs <- err
			return
		}
		errs <- h.node.EscrowRelease(1, h.other.addr)
	}()
	// Give the release time to commit while the created event is held.
	time.Sleep(50 * time.Millisecond)
	close(sink.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.types) != 2 || sink.types[0] != escrow.EventTypeEscrowCreated || sink.types[1] != escrow.EventTypeEscrowReleased {
		t.Fatalf("events out of commit order: %v", sink.types)
	}
}

func TestEscrowSnapshot(t *testing.T) {
	h := newHarness(t, storage.NewMemDB())
	if _, err := h.node.EscrowCreate(h.buyer.addr, h.seller.addr, big.NewInt(1_000_000), 10, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.node.AdvanceHeight(5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	snap, err := h.node.EscrowSnapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.LastID != 1 || snap.Height != 5 || snap.FeeRateBps != escrow.DefaultFeeRateBps {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Custody == nil || snap.Custody.Int64() != 1_025_000 {
		t.Fatalf("unexpected custody %v", snap.Custody)
	}
}
