package escrow

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is; the
// returned errors usually wrap one of these with operation context.
var (
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrNotFound          = errors.New("escrow: not found")
	ErrInvalidStatus     = errors.New("escrow: invalid status")
	ErrExpired           = errors.New("escrow: expired")
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")

	ErrFeeRateTooHigh     = errors.New("escrow: fee rate exceeds maximum")
	ErrInvalidParty       = errors.New("escrow: invalid party")
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrInvalidDescription = errors.New("escrow: invalid description")
	ErrAmountOverflow     = errors.New("escrow: amount overflow")
	ErrTimeoutOverflow    = errors.New("escrow: timeout height overflow")

	// ErrInvalidWinner is an authorization failure: only the stored buyer or
	// seller can be named the winner of an arbitration.
	ErrInvalidWinner = fmt.Errorf("%w: winner must be buyer or seller", ErrUnauthorized)
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilOwner = errors.New("escrow engine: platform owner not configured")
)

// Kind returns a stable label for the error class of err, used for metrics
// and API error mapping. Nil maps to "ok".
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrFeeRateTooHigh),
		errors.Is(err, ErrInvalidParty),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidDescription),
		errors.Is(err, ErrAmountOverflow),
		errors.Is(err, ErrTimeoutOverflow):
		return "invalid_request"
	default:
		return "error"
	}
}
