package escrow

import (
	"strconv"

	"settlechain/core/types"
	"settlechain/crypto"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowDelivered = "escrow.delivered"
	EventTypeEscrowReleased  = "escrow.released"
	EventTypeEscrowRefunded  = "escrow.refunded"
	EventTypeEscrowDisputed  = "escrow.disputed"
	EventTypeEscrowResolved  = "escrow.resolved"
	EventTypeFeeRateUpdated  = "escrow.fee_rate.updated"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow, including the rate the fee was computed with.
func NewCreatedEvent(e *Escrow, rateBps uint32) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	evt.Attributes["feeRateBps"] = strconv.FormatUint(uint64(rateBps), 10)
	if e != nil {
		evt.Attributes["total"] = e.Total().String()
		evt.Attributes["description"] = e.Description
	}
	return evt
}

// NewDeliveredEvent returns the payload emitted when the buyer confirms
// delivery.
func NewDeliveredEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowDelivered, e)
}

// NewReleasedEvent returns the payload for a release of custodied funds to the
// seller. The caller is the account that triggered the release.
func NewReleasedEvent(e *Escrow, caller [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowReleased, e)
	evt.Attributes["caller"] = formatAddress(caller)
	return evt
}

// NewRefundedEvent returns the payload for a refund of amount + fee to the
// buyer.
func NewRefundedEvent(e *Escrow, caller [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowRefunded, e)
	evt.Attributes["caller"] = formatAddress(caller)
	return evt
}

// NewDisputedEvent returns the payload emitted when an escrow is marked as
// disputed.
func NewDisputedEvent(e *Escrow, caller [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	evt.Attributes["caller"] = formatAddress(caller)
	return evt
}

// NewResolvedEvent returns the payload emitted when the owner resolves a
// dispute in favour of winner.
func NewResolvedEvent(e *Escrow, winner [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, e)
	evt.Attributes["winner"] = formatAddress(winner)
	if e != nil {
		evt.Attributes["outcome"] = e.Status.String()
	}
	return evt
}

// NewFeeRateUpdatedEvent returns the payload emitted when the owner changes
// the platform fee rate.
func NewFeeRateUpdatedEvent(previous, current uint32) *types.Event {
	return &types.Event{
		Type: EventTypeFeeRateUpdated,
		Attributes: map[string]string{
			"previousBps": strconv.FormatUint(uint64(previous), 10),
			"rateBps":     strconv.FormatUint(uint64(current), 10),
		},
	}
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["buyer"] = formatAddress(sanitized.Buyer)
	attrs["seller"] = formatAddress(sanitized.Seller)
	attrs["amount"] = sanitized.Amount.String()
	attrs["fee"] = sanitized.Fee.String()
	attrs["timeoutHeight"] = strconv.FormatUint(sanitized.TimeoutHeight, 10)
	attrs["createdHeight"] = strconv.FormatUint(sanitized.CreatedHeight, 10)
	attrs["status"] = sanitized.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.SettlePrefix, addr[:]).String()
}
