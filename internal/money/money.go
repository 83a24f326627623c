package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cents is an amount in minor currency units. All arithmetic inside the
// service happens on this type; major-unit strings exist only at the
// itinerary boundary (parsing) and the display boundary (formatting).
type Cents int64

// FromMajor converts a major-unit amount (e.g. 43.20) to cents, rounding
// to the nearest cent.
func FromMajor(f float64) Cents {
	return Cents(math.Round(f * 100))
}

// Major returns the amount in major units for display.
func (c Cents) Major() float64 { return float64(c) / 100 }

func (c Cents) String() string { return fmt.Sprintf("$ %.2f", c.Major()) }

// Parse extracts a non-negative amount from a currency-formatted string
// such as "$ 75.50". Anything that is not a digit or a decimal point is
// stripped before parsing. Returns false when no valid amount remains;
// callers treat that as zero and carry on.
func Parse(s string) (Cents, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return FromMajor(f), true
}
