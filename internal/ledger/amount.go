package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalidAmount is returned for empty, negative or non-decimal amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount parses a base-10 unsigned amount as carried on every wire
// surface. Negative values are rejected here so they never reach the engine.
func ParseAmount(s string) (uint256.Int, error) {
	var out uint256.Int

	s = strings.TrimSpace(s)
	if s == "" {
		return out, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return out, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, s)
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return out, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	out.Set(v)
	return out, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Amount converts a uint64 into a ledger amount.
func Amount(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// FormatAmount renders an amount as a base-10 string.
func FormatAmount(v *uint256.Int) string {
	return v.Dec()
}
