// Package mathutil provides integer and big-integer helpers for
// minor-unit and fixed-point arithmetic. Monetary values never pass
// through floating point; these helpers keep parsing and formatting at
// the string boundary exact.
package mathutil

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi int64) int64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampFloat bounds x to [lo, hi].
func ClampFloat(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampBig bounds x to [lo, hi], returning a new value.
func ClampBig(x, lo, hi *big.Int) *big.Int {
	if x.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if x.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(x)
}

// MinBig returns the smaller of a and b as a new value.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// AbsBig returns |x| as a new value.
func AbsBig(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

// DivRound returns num/den rounded half up. Both operands must be
// non-negative and den must be nonzero.
func DivRound(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	r.Mul(r, big.NewInt(2))
	if r.Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ParseBig parses a non-negative decimal integer string.
func ParseBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty integer string")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("invalid integer string %q", s)
	}
	return v, nil
}

// ScaleDecimal parses a non-negative decimal string such as
// "2419.53017264" into an integer scaled by 10^decimals, rounding half
// up on excess fractional digits. The parse is exact; the value never
// passes through a float.
func ScaleDecimal(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty decimal string")
	}
	if strings.HasPrefix(s, "-") {
		return nil, errors.Errorf("negative decimal string %q", s)
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return nil, errors.Errorf("invalid decimal string %q", s)
	}

	roundUp := false
	if len(fracPart) > decimals {
		roundUp = fracPart[decimals] >= '5'
		fracPart = fracPart[:decimals]
	}
	for len(fracPart) < decimals {
		fracPart += "0"
	}

	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, errors.Errorf("invalid decimal string %q", s)
	}
	if roundUp {
		v.Add(v, big.NewInt(1))
	}
	return v, nil
}

// FormatUnits renders minor units as a decimal string in whole units,
// trimming trailing fractional zeros. FormatUnits(1500000, 6) = "1.5".
func FormatUnits(x *big.Int, decimals uint8) string {
	if x == nil {
		return "0"
	}
	neg := x.Sign() < 0
	digits := new(big.Int).Abs(x).String()
	if int(decimals) >= len(digits) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], digits[cut:]
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
