package helpers

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney formats an amount with two decimals, comma thousand separators
// and an optional currency prefix, e.g. "USD -1,234.50".
func FormatMoney(currency string, amount float64) string {
	fixed := decimal.NewFromFloat(amount).StringFixed(2)

	negative := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	result := b.String() + "." + frac
	if negative && strings.Trim(result, "0.,") != "" {
		result = "-" + result
	}
	if currency == "" {
		return result
	}
	return currency + " " + result
}

// FormatSigned is FormatMoney with an explicit plus sign for gains.
func FormatSigned(currency string, amount float64) string {
	s := FormatMoney("", amount)
	if !strings.HasPrefix(s, "-") && strings.Trim(s, "0.,") != "" {
		s = "+" + s
	}
	if currency == "" {
		return s
	}
	return currency + " " + s
}
