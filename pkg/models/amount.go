package models

import (
	"math/big"
	"strings"
)

// ParseAmount parses a non-negative decimal string such as "5", "5.00" or
// "0.0025". Only ASCII digits and at most one '.' are accepted.
func ParseAmount(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if !plainDecimal(s) {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, false
	}
	return r, true
}

func plainDecimal(s string) bool {
	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

// AmountsEqual compares two decimal strings exactly, so "5" equals "5.00".
func AmountsEqual(a, b string) bool {
	ra, ok := ParseAmount(a)
	if !ok {
		return false
	}
	rb, ok := ParseAmount(b)
	if !ok {
		return false
	}
	return ra.Cmp(rb) == 0
}

// SameCurrency compares currency codes case-insensitively.
func SameCurrency(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
