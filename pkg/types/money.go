package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed is a fixed-point decimal amount stored as ten-thousandths of a
// unit (12.4 precision), never a float64. All order and catalog money
// math goes through this type so rounding never depends on IEEE 754
// representation error.
type Fixed int64

// Scale is the number of fractional digits Fixed represents.
const Scale = 4

var scaleFactor int64 = 10000

// Zero is the additive identity.
var Zero Fixed

// Epsilon is the default tolerance for "close enough" comparisons in the
// payment path (spec requires 1e-4, i.e. one scale unit).
const Epsilon Fixed = 1

// NewFixedFromString parses a decimal string like "12.50" into a Fixed.
func NewFixedFromString(s string) (Fixed, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing whole part of %q: %w", s, err)
	}
	frac := int64(0)
	if len(parts) == 2 {
		fracStr := parts[1]
		for len(fracStr) < Scale {
			fracStr += "0"
		}
		fracStr = fracStr[:Scale]
		frac, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing fractional part of %q: %w", s, err)
		}
	}
	v := whole*scaleFactor + frac
	if neg {
		v = -v
	}
	return Fixed(v), nil
}

// Add returns a+b.
func (a Fixed) Add(b Fixed) Fixed { return a + b }

// Sub returns a-b.
func (a Fixed) Sub(b Fixed) Fixed { return a - b }

// MulInt returns a*n, exact since n is an integer quantity.
func (a Fixed) MulInt(n int) Fixed { return a * Fixed(n) }

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Fixed) Cmp(b Fixed) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EqualWithin reports whether a and b differ by at most eps, the
// tolerance used instead of exact equality throughout the payment path.
func (a Fixed) EqualWithin(b, eps Fixed) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

// String renders the amount as a decimal string, e.g. "12.5000".
func (a Fixed) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / scaleFactor
	frac := v % scaleFactor
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%0*d", sign, whole, Scale, frac)
}
