package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyEpsilon is the absolute tolerance used when comparing currency amounts.
var MoneyEpsilon = decimal.New(1, -2)

// AmountsEqual compares two amounts within MoneyEpsilon.
func AmountsEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MoneyEpsilon)
}

// RoundMoney rounds to kopecks, half away from zero.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// FormatMoney renders an amount with two fraction digits for storage.
func FormatMoney(v decimal.Decimal) string {
	return v.StringFixed(2)
}

// ParseMoney parses a stored amount. Empty input yields zero.
func ParseMoney(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("domain: invalid money amount %q: %w", raw, err)
	}
	return v, nil
}

// MinorUnits converts rubles to kopecks as expected by the acquiring API.
func MinorUnits(v decimal.Decimal) int64 {
	return v.Shift(2).Round(0).IntPart()
}
