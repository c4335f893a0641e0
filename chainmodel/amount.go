package chainmodel

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/joeycumines/floater"
)

// Amount is a non-negative integer value in base units, alongside the
// decimals/symbol needed to render it, per the data model's Amount type.
type Amount struct {
	Value    *big.Int
	Decimals uint32
	Symbol   string
}

var denomPattern = regexp.MustCompile(`^[a-z][a-z0-9]{2,15}$`)

// ValidSymbol reports whether s is a well-formed denomination:
// lowercase, 3-16 chars, starting with a letter.
func ValidSymbol(s string) bool {
	return denomPattern.MatchString(s)
}

// Validate enforces the Amount invariant: a non-negative integer value and
// a well-formed symbol.
func (a Amount) Validate() error {
	if a.Value == nil || a.Value.Sign() < 0 {
		return fmt.Errorf("chainmodel: amount value must be non-negative")
	}
	if !ValidSymbol(a.Symbol) {
		return fmt.Errorf("chainmodel: invalid symbol %q", a.Symbol)
	}
	return nil
}

// ParseAmountValue parses a base-units integer string into a *big.Int,
// rejecting negative values. Amounts travel the wire as strings to
// avoid float64 precision loss on large base-unit integers.
func ParseAmountValue(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("chainmodel: invalid amount value %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("chainmodel: amount value must be non-negative")
	}
	return v, nil
}

// Display renders the amount scaled by Decimals, e.g. 1_000_000 base units
// at 6 decimals renders as "1.000000" (always Decimals fraction digits).
// Uses floater.Pow10 for the scaling
// factor.
func (a Amount) Display() string {
	if a.Value == nil {
		return "0"
	}
	scaled := new(big.Float).SetInt(a.Value)
	if a.Decimals > 0 {
		divisor := floater.Pow10(nil, int(a.Decimals))
		scaled.Quo(scaled, divisor)
	}
	return scaled.Text('f', int(a.Decimals))
}
