// Package money implements the integer micro-unit currency arithmetic used
// throughout the coordinator. A Micros value is always an exact integer
// count of 10^-6 of the ledger's display unit; no floating point ever
// enters the core.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Micros is an amount of money expressed in integer micro-units.
// 1 Micros == 10^-6 of a display unit (e.g. 1_000_000 Micros == "1.0000").
type Micros int64

// Zero is the additive identity, spelled out for readability at call sites.
const Zero Micros = 0

const scale = 1_000_000

// Min returns the smaller of two amounts.
func Min(a, b Micros) Micros {
	if a < b {
		return a
	}
	return b
}

// Sub returns m - b without clamping; a negative result is returned as is,
// and callers that must not go negative check the result themselves.
func (m Micros) Sub(b Micros) Micros { return m - b }

// Add returns m + b.
func (m Micros) Add(b Micros) Micros { return m + b }

// String renders the amount as a fixed 4-decimal display string, e.g. "1.5000".
// Money on the wire is always this format; internal arithmetic is always Micros.
func (m Micros) String() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	whole := v / scale
	frac := v % scale
	// display precision is 4 decimals; micros carry 6, so drop the last two
	// without rounding (truncation keeps the display value conservative).
	frac4 := frac / 100
	s := fmt.Sprintf("%d.%04d", whole, frac4)
	if neg {
		s = "-" + s
	}
	return s
}

// ParseDecimalString parses a fixed-point decimal string with at most 4
// fractional digits into Micros. Values with more than 4 fractional digits
// are rejected here, at the wire boundary.
func ParseDecimalString(s string) (Micros, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty value")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.SplitN(s, ".", 2)
	wholePart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if wholePart == "" {
		wholePart = "0"
	}
	if len(fracPart) > 4 {
		return 0, fmt.Errorf("money: %q has more than 4 fractional digits", s)
	}

	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid whole part %q: %w", wholePart, err)
	}

	fracPart = fracPart + strings.Repeat("0", 4-len(fracPart))
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid fractional part %q: %w", fracPart, err)
	}

	total := whole*scale + frac*100
	if neg {
		total = -total
	}
	return Micros(total), nil
}
