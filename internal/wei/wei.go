// Package wei provides shared ether parsing and formatting utilities.
//
// The chain works in wei (18 decimal places). All amounts are stored as
// big.Int in wei; decimal ETH strings exist only at API boundaries.
package wei

import (
	"math/big"
	"strings"
)

const Decimals = 18

// Parse converts a decimal ETH string (e.g. "0.0244") to its wei
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 18 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 18 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a wei big.Int to a decimal ETH string with trailing
// zeros trimmed (e.g. "0.0244", "1").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	whole, frac := s[:decimal], s[decimal:]
	frac = strings.TrimRight(frac, "0")
	result := whole
	if frac != "" {
		result = whole + "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// FromFloat converts a float64 ETH amount to wei. Precision beyond 18
// decimal places is dropped. Intended for derived display amounts (the
// fiat→ETH mock rate), not for user-supplied money values.
func FromFloat(eth float64) *big.Int {
	// Format with full precision, then reuse the string parser so the
	// rounding behavior matches Parse exactly.
	s := strings.TrimRight(strings.TrimRight(bigFloatString(eth), "0"), ".")
	v, ok := Parse(s)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// ToFloat converts wei to a float64 ETH amount for display fields.
func ToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)))
	out, _ := f.Float64()
	return out
}

func bigFloatString(v float64) string {
	return new(big.Float).SetPrec(128).SetFloat64(v).Text('f', Decimals)
}
