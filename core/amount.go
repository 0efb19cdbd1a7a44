package core

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision shared by the stable and reward tokens.
const Decimals = 18

// Unit is one whole token expressed in base units.
var Unit = uint256.NewInt(1_000_000_000_000_000_000)

// Units returns n whole tokens in base units.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Unit)
}

// AmountOrZero returns a copy of a, treating nil as zero.
func AmountOrZero(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return a.Clone()
}

// FormatUnits renders a base-unit amount as a whole-token decimal string.
func FormatUnits(a *uint256.Int) string {
	if a == nil {
		return "0"
	}
	return decimal.NewFromBigInt(a.ToBig(), -Decimals).String()
}
