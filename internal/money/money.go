// Package money provides the marketplace fee and commission calculators.
//
// All amounts are decimal with 2 fractional digits (currency minor units).
// Rounding is half-even ("bankers"), applied once at the end of each
// calculation so repeated use never compounds rounding drift.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on every amount.
const Scale = 2

var (
	listingFeeRate    = decimal.NewFromFloat(0.02) // 2% of asking price
	commissionRate    = decimal.NewFromFloat(0.20) // 20% standard
	premiumCommission = decimal.NewFromFloat(0.10) // 10% for premium sellers
)

// ListingFee returns the fee charged to list an asset: 2% of the asking
// price, rounded half-even to 2 decimal places.
func ListingFee(askingPrice decimal.Decimal) decimal.Decimal {
	return askingPrice.Mul(listingFeeRate).RoundBank(Scale)
}

// Commission returns the platform commission on an accepted offer:
// 10% of the amount for premium sellers, 20% otherwise, rounded
// half-even to 2 decimal places.
func Commission(amount decimal.Decimal, premium bool) decimal.Decimal {
	rate := commissionRate
	if premium {
		rate = premiumCommission
	}
	return amount.Mul(rate).RoundBank(Scale)
}

// MinorUnits converts an amount to integer minor units (cents) for the
// payment provider. The amount is rounded to Scale first.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.RoundBank(Scale).Shift(Scale).IntPart()
}

// ParseAmount parses a positive decimal amount from its string form.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return d, nil
}

// ValidCurrency reports whether code looks like an ISO 4217 currency code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
