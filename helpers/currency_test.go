package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		currency string
		amount   float64
		want     string
	}{
		{"", 0, "0.00"},
		{"", 12.5, "12.50"},
		{"USD", 1234.5, "USD 1,234.50"},
		{"USD", -1234567.891, "USD -1,234,567.89"},
		{"EUR", 999.999, "EUR 1,000.00"},
		{"", -0.001, "0.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatMoney(tt.currency, tt.amount), "%s %v", tt.currency, tt.amount)
	}
}

func TestFormatSigned(t *testing.T) {
	assert.Equal(t, "+10.00", FormatSigned("", 10))
	assert.Equal(t, "USD -4.00", FormatSigned("USD", -4))
	assert.Equal(t, "0.00", FormatSigned("", 0))
}
