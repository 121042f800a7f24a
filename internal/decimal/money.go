package decimal

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Precision grids
const (
	FinePlaces   = 6
	ExportPlaces = 2
)

// Zero is decimal zero
var Zero = decimal.Zero

// Hundred is the percentage divisor
var Hundred = decimal.NewFromInt(100)

// FromString parses decimal from string
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

// MustFromString parses decimal from string, panics on error
func MustFromString(s string) decimal.Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse reads a textual amount. ok is false when the text is absent, empty
// or malformed and the caller should fall back to its default.
func Parse(text string) (d decimal.Decimal, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Zero, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return Zero, false
	}
	return d, true
}

// ParseOr parses text, returning def when it cannot be used
func ParseOr(text string, def decimal.Decimal) decimal.Decimal {
	if d, ok := Parse(text); ok {
		return d
	}
	return def
}

// IsMalformed reports text that is present but not a number
func IsMalformed(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	_, ok := Parse(text)
	return !ok
}

// QuantizeFine rounds half-up to six fractional digits
func QuantizeFine(d decimal.Decimal) decimal.Decimal {
	return d.Round(FinePlaces)
}

// QuantizeExport rounds half-up to two fractional digits
func QuantizeExport(d decimal.Decimal) decimal.Decimal {
	return d.Round(ExportPlaces)
}

// FormatAmount renders an amount with two decimals
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(ExportPlaces)
}

// FormatPercentage renders a percentage as a bare integer when exact,
// otherwise with two decimals. Malformed text is returned unchanged.
func FormatPercentage(text string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return text
	}
	return FormatPercentageValue(d)
}

// FormatPercentageValue is FormatPercentage for an already parsed value
func FormatPercentageValue(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.Truncate(0).String()
	}
	return d.StringFixed(ExportPlaces)
}

// Percentage computes base * pct / 100 on the fine grid
func Percentage(base, pct decimal.Decimal) decimal.Decimal {
	return QuantizeFine(base.Mul(pct).Div(Hundred))
}

// Sum sums a slice of decimals
func Sum(values []decimal.Decimal) decimal.Decimal {
	result := Zero
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// Equal compares two textual amounts numerically. Unparseable text never matches.
func Equal(a, b string) bool {
	da, okA := Parse(a)
	db, okB := Parse(b)
	return okA && okB && da.Equal(db)
}
