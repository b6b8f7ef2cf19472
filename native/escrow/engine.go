package escrow

import (
	"fmt"
	"math"
	"math/big"

	"settlechain/core/events"
	"settlechain/core/types"
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowCounter() (uint64, error)
	EscrowSetCounter(uint64) error
	EscrowFeeRate() (uint32, bool, error)
	EscrowSetFeeRate(uint32) error
	EscrowVaultAddress() [20]byte
	Balance(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine applies escrow state transitions against the configured state
// backend. The engine holds no locks: the host environment serialises calls
// and discards partial writes when an operation fails.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	owner    [20]byte
	heightFn func() uint64
}

// NewEngine creates an escrow engine with a no-op emitter and a height source
// pinned at zero. Callers configure state, owner and height before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		heightFn: func() uint64 { return 0 },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOwner configures the platform owner that arbitrates disputes, sets the
// fee rate and receives fees.
func (e *Engine) SetOwner(owner [20]byte) { e.owner = owner }

// Owner returns the configured platform owner.
func (e *Engine) Owner() [20]byte { return e.owner }

// SetHeightFunc overrides the height source. Passing nil pins the height at
// zero.
func (e *Engine) SetHeightFunc(fn func() uint64) {
	if fn == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = fn
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) height() uint64 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) ensureOwnerConfigured() error {
	if e == nil || e.owner == ([20]byte{}) {
		return errNilOwner
	}
	return nil
}

func (e *Engine) feeRate() (uint32, error) {
	rate, ok, err := e.state.EscrowFeeRate()
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultFeeRateBps, nil
	}
	return rate, nil
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.state.Transfer(from, to, amount)
}

// Create opens a new escrow with the caller as buyer. The fee is computed from
// the current platform rate and fixed on the record; amount + fee moves from
// the buyer into custody before the record is written.
func (e *Engine) Create(buyer, seller [20]byte, amount *big.Int, timeoutBlocks uint64, description string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if buyer == ([20]byte{}) || seller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrInvalidParty)
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidParty)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidAmount)
	}
	if len(description) > MaxDescriptionLength {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidDescription, MaxDescriptionLength)
	}
	rate, err := e.feeRate()
	if err != nil {
		return nil, err
	}
	fee, total, err := Quote(amt, rate)
	if err != nil {
		return nil, err
	}
	height := e.height()
	if timeoutBlocks > math.MaxUint64-height {
		return nil, ErrTimeoutOverflow
	}
	balance, err := e.state.Balance(buyer)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: balance %s below required %s", ErrInsufficientFunds, balance, total)
	}
	counter, err := e.state.EscrowCounter()
	if err != nil {
		return nil, err
	}
	if counter == math.MaxUint64 {
		return nil, fmt.Errorf("escrow: id space exhausted")
	}
	esc := &Escrow{
		ID:            counter + 1,
		Buyer:         buyer,
		Seller:        seller,
		Amount:        amt,
		Fee:           fee,
		TimeoutHeight: height + timeoutBlocks,
		CreatedHeight: height,
		Description:   description,
		Status:        EscrowActive,
	}
	if err := e.transfer(buyer, e.state.EscrowVaultAddress(), total); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowSetCounter(esc.ID); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc, rate))
	return esc.Clone(), nil
}

// ConfirmDelivery is called by the buyer once goods or services arrived.
func (e *Engine) ConfirmDelivery(id uint64, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	roles := RolesFor(esc, caller, e.owner, e.height())
	if !roles.Has(RoleBuyer) {
		return fmt.Errorf("%w: only the buyer may confirm delivery", ErrUnauthorized)
	}
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: cannot confirm delivery in status %s", ErrInvalidStatus, esc.Status)
	}
	esc.Status = EscrowDelivered
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(esc))
	return nil
}

// Release pays the amount to the seller and the fee to the owner. Buyer and
// seller may release a delivered escrow; once the timeout has passed anyone
// may release, which also covers an active escrow nobody confirmed.
func (e *Engine) Release(id uint64, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	height := e.height()
	roles := RolesFor(esc, caller, e.owner, height)
	if !roles.HasAny(RoleBuyer, RoleSeller, RoleAny) {
		return fmt.Errorf("%w: release requires buyer, seller or an expired escrow", ErrUnauthorized)
	}
	switch {
	case esc.Status == EscrowDelivered:
	case esc.Status == EscrowActive && esc.ExpiredAt(height):
	default:
		return fmt.Errorf("%w: cannot release in status %s", ErrInvalidStatus, esc.Status)
	}
	if err := e.settleToSeller(esc); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc, caller))
	return nil
}

// Refund returns amount + fee to the buyer. It is initiated by the seller and
// only while the escrow is active and inside its timeout window.
func (e *Engine) Refund(id uint64, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	height := e.height()
	roles := RolesFor(esc, caller, e.owner, height)
	if !roles.Has(RoleSeller) {
		return fmt.Errorf("%w: only the seller may refund", ErrUnauthorized)
	}
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: cannot refund in status %s", ErrInvalidStatus, esc.Status)
	}
	if esc.ExpiredAt(height) {
		return fmt.Errorf("%w: refund window closed at height %d", ErrExpired, esc.TimeoutHeight)
	}
	if err := e.settleToBuyer(esc); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc, caller))
	return nil
}

// Dispute flags an active escrow for owner arbitration. Disputes carry no
// timeout of their own.
func (e *Engine) Dispute(id uint64, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	roles := RolesFor(esc, caller, e.owner, e.height())
	if !roles.HasAny(RoleBuyer, RoleSeller) {
		return fmt.Errorf("%w: only buyer or seller may dispute", ErrUnauthorized)
	}
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidStatus, esc.Status)
	}
	esc.Status = EscrowDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc, caller))
	return nil
}

// Resolve settles a disputed escrow. A seller win releases amount to the
// seller and fee to the owner; a buyer win refunds amount + fee. The decision
// is final.
func (e *Engine) Resolve(id uint64, caller, winner [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.ensureOwnerConfigured(); err != nil {
		return err
	}
	roles := RolesFor(esc, caller, e.owner, e.height())
	if !roles.Has(RoleOwner) {
		return fmt.Errorf("%w: only the platform owner may resolve disputes", ErrUnauthorized)
	}
	if esc.Status != EscrowDisputed {
		return fmt.Errorf("%w: cannot resolve in status %s", ErrInvalidStatus, esc.Status)
	}
	switch winner {
	case esc.Seller:
		if err := e.settleToSeller(esc); err != nil {
			return err
		}
		e.emit(NewReleasedEvent(esc, caller))
	case esc.Buyer:
		if err := e.settleToBuyer(esc); err != nil {
			return err
		}
		e.emit(NewRefundedEvent(esc, caller))
	default:
		return ErrInvalidWinner
	}
	e.emit(NewResolvedEvent(esc, winner))
	return nil
}

// SetFeeRate updates the platform rate applied to escrows created afterwards.
// Existing records keep the fee stored at creation.
func (e *Engine) SetFeeRate(caller [20]byte, rateBps uint32) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.ensureOwnerConfigured(); err != nil {
		return err
	}
	if !RolesFor(nil, caller, e.owner, e.height()).Has(RoleOwner) {
		return fmt.Errorf("%w: only the platform owner may set the fee rate", ErrUnauthorized)
	}
	if err := ValidateFeeRate(rateBps); err != nil {
		return fmt.Errorf("%w: %d > %d", err, rateBps, MaxFeeRateBps)
	}
	previous, err := e.feeRate()
	if err != nil {
		return err
	}
	if err := e.state.EscrowSetFeeRate(rateBps); err != nil {
		return err
	}
	e.emit(NewFeeRateUpdatedEvent(previous, rateBps))
	return nil
}

func (e *Engine) settleToSeller(esc *Escrow) error {
	if err := e.ensureOwnerConfigured(); err != nil {
		return err
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.transfer(vault, esc.Seller, esc.Amount); err != nil {
		return err
	}
	if err := e.transfer(vault, e.owner, esc.Fee); err != nil {
		return err
	}
	esc.Status = EscrowReleased
	return e.storeEscrow(esc)
}

func (e *Engine) settleToBuyer(esc *Escrow) error {
	if err := e.transfer(e.state.EscrowVaultAddress(), esc.Buyer, esc.Total()); err != nil {
		return err
	}
	esc.Status = EscrowRefunded
	return e.storeEscrow(esc)
}
