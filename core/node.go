package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"

	"settlechain/core/events"
	"settlechain/core/state"
	"settlechain/core/types"
	"settlechain/native/escrow"
	"settlechain/observability"
	telemetry "settlechain/observability/otel"
	"settlechain/storage"
)

var (
	ErrWrongChainID     = errors.New("core: wrong chain id")
	ErrNonceMismatch    = errors.New("core: nonce mismatch")
	ErrInvalidSignature = errors.New("core: invalid signature")
	ErrInvalidPayload   = errors.New("core: invalid transaction payload")
)

// Config carries the node identity and its collaborators. Emitter and Logger
// may be nil.
type Config struct {
	ChainID uint64
	Owner   [20]byte
	Emitter events.Emitter
	Logger  *slog.Logger
}

// Node is the execution environment of the escrow engine. It serialises every
// state-changing call behind a single writer lock, runs the engine against a
// journaled view of the database and either commits the whole call in one
// batch or discards it. Events of a call are only forwarded after its commit.
type Node struct {
	stateMu sync.Mutex
	flushMu sync.Mutex
	db      storage.Database
	state   *state.Manager
	chainID uint64
	owner   [20]byte
	height  atomic.Uint64
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
}

// NewNode opens the node over db. The height resumes from the persisted
// value.
func NewNode(db storage.Database, cfg Config) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("core: chain id must be non-zero")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	mgr := state.NewManager(db)
	height, err := mgr.Height()
	if err != nil {
		return nil, fmt.Errorf("core: load height: %w", err)
	}
	n := &Node{
		db:      db,
		state:   mgr,
		chainID: cfg.ChainID,
		owner:   cfg.Owner,
		emitter: emitter,
		logger:  logger.With("component", "node"),
		metrics: observability.Escrow(),
	}
	n.height.Store(height)
	if cfg.Owner == ([20]byte{}) {
		n.logger.Warn("platform owner not configured; arbitration and fee updates are disabled")
	}
	n.refreshGauges()
	return n, nil
}

// SetEmitter replaces the downstream event emitter. Passing nil discards
// events.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n.emitter = emitter
}

// ChainID returns the chain id transactions must be signed for.
func (n *Node) ChainID() uint64 { return n.chainID }

// Owner returns the platform owner.
func (n *Node) Owner() [20]byte { return n.owner }

// Height returns the current height. It never blocks on the writer lock.
func (n *Node) Height() uint64 { return n.height.Load() }

// State exposes the state manager for genesis loading. Callers must not use
// it while the node is serving requests.
func (n *Node) State() *state.Manager { return n.state }

func (n *Node) newEngine(emitter events.Emitter) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(n.state)
	engine.SetOwner(n.owner)
	engine.SetEmitter(emitter)
	engine.SetHeightFunc(n.Height)
	return engine
}

// execute runs fn as one atomic step. Writes are committed only when fn and
// the commit succeed. flushMu is taken before the writer lock is released so
// sinks observe events in commit order without blocking the next call's
// execution.
func (n *Node) execute(operation string, fn func(*escrow.Engine) error) error {
	var buf events.Buffer
	n.stateMu.Lock()
	err := fn(n.newEngine(&buf))
	if err == nil {
		err = n.state.Commit()
	}
	if err != nil {
		n.state.Discard()
		n.stateMu.Unlock()
		buf.Reset()
		n.metrics.RecordTransition(operation, escrow.Kind(err))
		n.logger.Debug("escrow operation rejected", "operation", operation, "reason", escrow.Kind(err), "error", err)
		return err
	}
	n.refreshGauges()
	emitter := n.emitter
	n.flushMu.Lock()
	n.stateMu.Unlock()
	defer n.flushMu.Unlock()
	n.metrics.RecordTransition(operation, escrow.Kind(nil))
	buf.Flush(emitter)
	return nil
}

// query runs fn under the lock against a throwaway engine. Queries never
// write.
func (n *Node) query(fn func(*escrow.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()
	return fn(n.newEngine(events.NoopEmitter{}))
}

func (n *Node) refreshGauges() {
	vault := n.state.EscrowVaultAddress()
	if bal, err := n.state.Balance(vault); err == nil {
		n.metrics.SetCustody(bal)
	}
	if counter, err := n.state.EscrowCounter(); err == nil {
		n.metrics.SetCounter(counter)
	}
	if rate, ok, err := n.state.EscrowFeeRate(); err == nil {
		if !ok {
			rate = escrow.DefaultFeeRateBps
		}
		n.metrics.SetFeeRate(rate)
	}
	n.metrics.SetHeight(n.Height())
}

// EscrowSnapshot reads the gauges exported over OTLP.
func (n *Node) EscrowSnapshot() (telemetry.EscrowSnapshot, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	snap := telemetry.EscrowSnapshot{Height: n.Height(), FeeRateBps: escrow.DefaultFeeRateBps}
	custody, err := n.state.Balance(n.state.EscrowVaultAddress())
	if err != nil {
		return snap, err
	}
	snap.Custody = custody
	if snap.LastID, err = n.state.EscrowCounter(); err != nil {
		return snap, err
	}
	rate, ok, err := n.state.EscrowFeeRate()
	if err != nil {
		return snap, err
	}
	if ok {
		snap.FeeRateBps = rate
	}
	return snap, nil
}

// EscrowCreate opens an escrow with buyer as the caller.
func (n *Node) EscrowCreate(buyer, seller [20]byte, amount *big.Int, timeoutBlocks uint64, description string) (*escrow.Escrow, error) {
	var created *escrow.Escrow
	err := n.execute(types.TxTypeCreateEscrow.String(), func(engine *escrow.Engine) error {
		esc, err := engine.Create(buyer, seller, amount, timeoutBlocks, description)
		created = esc
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// EscrowConfirmDelivery marks the escrow delivered on behalf of caller.
func (n *Node) EscrowConfirmDelivery(id uint64, caller [20]byte) error {
	return n.execute(types.TxTypeConfirmDelivery.String(), func(engine *escrow.Engine) error {
		return engine.ConfirmDelivery(id, caller)
	})
}

// EscrowRelease pays out the escrow to the seller and the owner.
func (n *Node) EscrowRelease(id uint64, caller [20]byte) error {
	return n.execute(types.TxTypeReleaseEscrow.String(), func(engine *escrow.Engine) error {
		return engine.Release(id, caller)
	})
}

// EscrowRefund returns amount + fee to the buyer.
func (n *Node) EscrowRefund(id uint64, caller [20]byte) error {
	return n.execute(types.TxTypeRefundEscrow.String(), func(engine *escrow.Engine) error {
		return engine.Refund(id, caller)
	})
}

// EscrowDispute flags the escrow for arbitration.
func (n *Node) EscrowDispute(id uint64, caller [20]byte) error {
	return n.execute(types.TxTypeDisputeEscrow.String(), func(engine *escrow.Engine) error {
		return engine.Dispute(id, caller)
	})
}

// EscrowResolve settles a dispute in favour of winner.
func (n *Node) EscrowResolve(id uint64, caller, winner [20]byte) error {
	return n.execute(types.TxTypeResolveDispute.String(), func(engine *escrow.Engine) error {
		return engine.Resolve(id, caller, winner)
	})
}

// EscrowSetFeeRate updates the platform fee rate.
func (n *Node) EscrowSetFeeRate(caller [20]byte, rateBps uint32) error {
	return n.execute(types.TxTypeSetFeeRate.String(), func(engine *escrow.Engine) error {
		return engine.SetFeeRate(caller, rateBps)
	})
}

// EscrowGet returns the stored escrow.
func (n *Node) EscrowGet(id uint64) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := n.query(func(engine *escrow.Engine) error {
		esc, err := engine.Get(id)
		out = esc
		return err
	})
	return out, err
}

// EscrowCounter returns the last issued escrow id.
func (n *Node) EscrowCounter() (uint64, error) {
	var out uint64
	err := n.query(func(engine *escrow.Engine) error {
		v, err := engine.Counter()
		out = v
		return err
	})
	return out, err
}

// EscrowFeeRate returns the current platform rate.
func (n *Node) EscrowFeeRate() (uint32, error) {
	var out uint32
	err := n.query(func(engine *escrow.Engine) error {
		v, err := engine.FeeRate()
		out = v
		return err
	})
	return out, err
}

// EscrowCalculateFee previews the fee for amount at the current rate.
func (n *Node) EscrowCalculateFee(amount *big.Int) (*big.Int, error) {
	var out *big.Int
	err := n.query(func(engine *escrow.Engine) error {
		v, err := engine.CalculateFee(amount)
		out = v
		return err
	})
	return out, err
}

// EscrowIsExpired reports whether the escrow's timeout has passed.
func (n *Node) EscrowIsExpired(id uint64) (bool, error) {
	var out bool
	err := n.query(func(engine *escrow.Engine) error {
		v, err := engine.IsExpired(id)
		out = v
		return err
	})
	return out, err
}

// EscrowVaultAddress returns the custody account.
func (n *Node) EscrowVaultAddress() [20]byte {
	return n.state.EscrowVaultAddress()
}

// Balance returns the balance of addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.Balance(addr)
}

// Nonce returns the next transaction nonce expected from addr.
func (n *Node) Nonce(addr [20]byte) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	acc, err := n.state.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

// Close releases the underlying database.
func (n *Node) Close() error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.state.Discard()
	return n.db.Close()
}
