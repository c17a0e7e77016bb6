package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// currencySymbols are stripped before parsing a detected total
var currencySymbols = []string{"$", "€", "£", "¥", "₹"}

// ParseAmount parses a detected amount such as "123.45", "$1,234.50" or " 99 ".
// It returns false for anything that is not a non-negative number.
func ParseAmount(text string) (float64, bool) {
	s := strings.TrimSpace(text)
	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return 0, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

// FormatAmount renders an amount with two decimal places
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
