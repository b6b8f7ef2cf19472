package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// EscrowStatus represents the lifecycle states of a custodied escrow.
type EscrowStatus uint8

const (
	EscrowActive    EscrowStatus = 0x01 // Funds are in custody awaiting delivery
	EscrowDelivered EscrowStatus = 0x02 // Buyer confirmed delivery, release pending
	EscrowReleased  EscrowStatus = 0x03 // Amount paid to seller and fee to owner
	EscrowRefunded  EscrowStatus = 0x04 // Amount and fee returned to buyer
	EscrowDisputed  EscrowStatus = 0x05 // Awaiting owner arbitration
)

// MaxDescriptionLength bounds the opaque display text stored on a record.
const MaxDescriptionLength = 256

// Escrow captures the immutable terms and runtime status of a single escrow
// held in custody by the engine. Identifiers are sequential and never reused.
type Escrow struct {
	ID            uint64
	Buyer         [20]byte
	Seller        [20]byte
	Amount        *big.Int
	Fee           *big.Int
	TimeoutHeight uint64
	CreatedHeight uint64
	Description   string
	Status        EscrowStatus
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.Fee = cloneBigInt(e.Fee)
	return &clone
}

// Total returns amount + fee, the value held in custody for an open escrow.
func (e *Escrow) Total() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBigInt(e.Amount), cloneBigInt(e.Fee))
}

// ExpiredAt reports whether the timeout has passed at the supplied height.
// The timeout height itself is still inside the refund window.
func (e *Escrow) ExpiredAt(height uint64) bool {
	if e == nil {
		return false
	}
	return height > e.TimeoutHeight
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowActive, EscrowDelivered, EscrowReleased, EscrowRefunded, EscrowDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is legal from the status.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// String returns the display name of the status, "unknown" when out of range.
func (s EscrowStatus) String() string {
	switch s {
	case EscrowActive:
		return "active"
	case EscrowDelivered:
		return "delivered"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	case EscrowDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// ParseStatus resolves a status from its display name.
func ParseStatus(name string) (EscrowStatus, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "active":
		return EscrowActive, nil
	case "delivered":
		return EscrowDelivered, nil
	case "released":
		return EscrowReleased, nil
	case "refunded":
		return EscrowRefunded, nil
	case "disputed":
		return EscrowDisputed, nil
	default:
		return 0, fmt.Errorf("unknown escrow status %q", name)
	}
}

// SanitizeEscrow validates the supplied record and returns a cloned instance
// with non-nil amount and fee fields. The original value is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("escrow id must be non-zero")
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if clone.Fee.Sign() < 0 {
		return nil, fmt.Errorf("escrow fee must be non-negative")
	}
	if clone.Buyer == clone.Seller {
		return nil, fmt.Errorf("escrow buyer and seller must differ")
	}
	if len(clone.Description) > MaxDescriptionLength {
		return nil, fmt.Errorf("escrow description exceeds %d bytes", MaxDescriptionLength)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
