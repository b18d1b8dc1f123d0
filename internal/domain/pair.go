// Package domain defines the plan, registry and ledger types shared by the engine and its collaborators.
package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BpsDenominator is the basis-point scale used by fee rates and slippage tolerances.
const BpsDenominator = 10000

// Pair is the source/target asset combination a plan converts between.
type Pair struct {
	// Source asset escrowed and spent by executions.
	Source common.Address
	// Target asset received from executions.
	Target common.Address
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Source.Hex(), p.Target.Hex())
}

// Validate checks both assets are set and differ.
func (p Pair) Validate() error {
	if p.Source == (common.Address{}) || p.Target == (common.Address{}) {
		return errors.Wrapf(ErrInvalidAsset, "pair %s has a zero asset", p)
	}
	if p.Source == p.Target {
		return errors.Wrapf(ErrInvalidAsset, "source and target are both %s", p.Source.Hex())
	}
	return nil
}

// FitsUint256 reports whether amount is a whole number in [0, 2^256-1].
func FitsUint256(amount decimal.Decimal) bool {
	if amount.IsNegative() || !amount.IsInteger() {
		return false
	}
	return amount.BigInt().Cmp(math.MaxBig256) <= 0
}

// ValidateAmount checks amount is a positive whole number of base units that fits a uint256.
func ValidateAmount(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrapf(ErrInvalidAmount, "%s must be positive, got %s", name, amount.String())
	}
	if !amount.IsInteger() {
		return errors.Wrapf(ErrInvalidAmount, "%s must be a whole number of base units, got %s", name, amount.String())
	}
	if !FitsUint256(amount) {
		return errors.Wrapf(ErrInvalidAmount, "%s exceeds the uint256 range, got %s", name, amount.String())
	}
	return nil
}

// ValidateBps checks a basis-point value is within [0, BpsDenominator].
func ValidateBps(bps int64) bool {
	return bps >= 0 && bps <= BpsDenominator
}

// SplitFee divides amount into the protocol fee and the net input.
// The fee is floor(amount * feeRateBps / 10000), so fee + net always equals amount.
func SplitFee(amount decimal.Decimal, feeRateBps int64) (fee, net decimal.Decimal) {
	fee, _ = amount.Mul(decimal.NewFromInt(feeRateBps)).QuoRem(decimal.NewFromInt(BpsDenominator), 0)
	return fee, amount.Sub(fee)
}

// ApplySlippage returns the smallest acceptable output for an expected output
// under a tolerance in basis points, rounded down to whole base units.
func ApplySlippage(expected decimal.Decimal, toleranceBps int64) decimal.Decimal {
	min, _ := expected.Mul(decimal.NewFromInt(BpsDenominator - toleranceBps)).QuoRem(decimal.NewFromInt(BpsDenominator), 0)
	return min
}
