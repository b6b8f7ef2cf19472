package escrow

import (
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// BasisPointsDenominator expresses 100% in basis points.
	BasisPointsDenominator = 10_000
	// MaxFeeRateBps caps the platform fee at 10%.
	MaxFeeRateBps uint32 = 1_000
	// DefaultFeeRateBps is the rate in effect until the owner changes it.
	DefaultFeeRateBps uint32 = 250
)

// CalculateFee returns floor(amount * rateBps / 10000). Arithmetic is carried
// out on 256-bit unsigned integers; amounts that do not fit are rejected.
func CalculateFee(amount *big.Int, rateBps uint32) (*big.Int, error) {
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	if amt.IsZero() || rateBps == 0 {
		return big.NewInt(0), nil
	}
	fee, overflow := new(uint256.Int).MulOverflow(amt, uint256.NewInt(uint64(rateBps)))
	if overflow {
		return nil, ErrAmountOverflow
	}
	fee.Div(fee, uint256.NewInt(BasisPointsDenominator))
	return fee.ToBig(), nil
}

// Quote computes the fee for amount and the total the buyer must place in
// custody.
func Quote(amount *big.Int, rateBps uint32) (fee *big.Int, total *big.Int, err error) {
	fee, err = CalculateFee(amount, rateBps)
	if err != nil {
		return nil, nil, err
	}
	amt, _ := uint256.FromBig(cloneBigInt(amount))
	f, _ := uint256.FromBig(fee)
	sum, overflow := new(uint256.Int).AddOverflow(amt, f)
	if overflow {
		return nil, nil, ErrAmountOverflow
	}
	return fee, sum.ToBig(), nil
}

// ValidateFeeRate enforces the platform cap.
func ValidateFeeRate(rateBps uint32) error {
	if rateBps > MaxFeeRateBps {
		return ErrFeeRateTooHigh
	}
	return nil
}
