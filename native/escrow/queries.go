package escrow

import "math/big"

// Get returns a copy of the stored escrow.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Counter returns the last issued escrow id, zero before the first escrow.
func (e *Engine) Counter() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.EscrowCounter()
}

// FeeRate returns the platform rate new escrows will be charged.
func (e *Engine) FeeRate() (uint32, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.feeRate()
}

// CalculateFee previews the fee a new escrow of amount would carry at the
// current rate.
func (e *Engine) CalculateFee(amount *big.Int) (*big.Int, error) {
	rate, err := e.FeeRate()
	if err != nil {
		return nil, err
	}
	return CalculateFee(amount, rate)
}

// IsExpired reports whether the escrow's timeout height is behind the current
// height. It does not look at the status: a released escrow can still report
// expired.
func (e *Engine) IsExpired(id uint64) (bool, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	return esc.ExpiredAt(e.height()), nil
}

// StatusString maps a raw status code to its display name.
func StatusString(status uint8) string {
	return EscrowStatus(status).String()
}
