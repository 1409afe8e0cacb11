package payments

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitPlaces is the precision amounts and fees are kept at.
const MinorUnitPlaces = 2

var hundred = decimal.NewFromInt(100)

// ComputeFee splits grossAmount into the platform fee and the payee's net
// amount. The fee is rounded half-to-even at minor-unit precision and net is
// taken after rounding, so fee+net always equals grossAmount exactly.
func ComputeFee(grossAmount, feePercentage decimal.Decimal) (fee, net decimal.Decimal, err error) {
	if !grossAmount.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: gross amount must be positive, got %s", ErrInvalidAmount, grossAmount)
	}
	if !grossAmount.Equal(grossAmount.Truncate(MinorUnitPlaces)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, grossAmount, MinorUnitPlaces)
	}
	if feePercentage.IsNegative() || feePercentage.GreaterThan(hundred) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w, got %s", ErrInvalidFeePercentage, feePercentage)
	}

	fee = grossAmount.Mul(feePercentage).Div(hundred).RoundBank(MinorUnitPlaces)
	net = grossAmount.Sub(fee)
	return fee, net, nil
}
