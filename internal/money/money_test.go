package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func amt(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestListingFee(t *testing.T) {
	cases := []struct {
		price, want string
	}{
		{"1000", "20"},
		{"1000.00", "20"},
		{"250000", "5000"},
		{"99.99", "2"},     // 1.9998 rounds half-even to 2.00
		{"101.25", "2.02"}, // 2.025 rounds half-even down to 2.02
		{"101.75", "2.04"}, // 2.035 rounds half-even up to 2.04
		{"0.01", "0"},      // 0.0002 rounds to 0.00
	}

	for _, tc := range cases {
		got := ListingFee(amt(tc.price))
		if !got.Equal(amt(tc.want)) {
			t.Errorf("ListingFee(%s) = %s, want %s", tc.price, got, tc.want)
		}
	}
}

func TestCommission(t *testing.T) {
	cases := []struct {
		amount  string
		premium bool
		want    string
	}{
		{"800", false, "160"},
		{"800", true, "80"},
		{"1000000", false, "200000"},
		{"33.33", false, "6.67"}, // 6.666 rounds to 6.67
		{"33.33", true, "3.33"},  // 3.333 rounds to 3.33
	}

	for _, tc := range cases {
		got := Commission(amt(tc.amount), tc.premium)
		if !got.Equal(amt(tc.want)) {
			t.Errorf("Commission(%s, premium=%v) = %s, want %s", tc.amount, tc.premium, got, tc.want)
		}
		if !got.LessThan(amt(tc.amount)) {
			t.Errorf("Commission(%s) = %s, must be less than the amount", tc.amount, got)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	if got := MinorUnits(amt("800")); got != 80000 {
		t.Errorf("MinorUnits(800) = %d, want 80000", got)
	}
	if got := MinorUnits(amt("20.00")); got != 2000 {
		t.Errorf("MinorUnits(20.00) = %d, want 2000", got)
	}
	if got := MinorUnits(amt("0.015")); got != 2 {
		t.Errorf("MinorUnits(0.015) = %d, want 2 (half-even)", got)
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("100.50"); err != nil {
		t.Errorf("ParseAmount(100.50) unexpected error: %v", err)
	}
	if _, err := ParseAmount("-5"); err == nil {
		t.Error("ParseAmount(-5) expected error")
	}
	if _, err := ParseAmount("0"); err == nil {
		t.Error("ParseAmount(0) expected error")
	}
	if _, err := ParseAmount("abc"); err == nil {
		t.Error("ParseAmount(abc) expected error")
	}
}

func TestValidCurrency(t *testing.T) {
	for _, ok := range []string{"USD", "EUR", "GBP"} {
		if !ValidCurrency(ok) {
			t.Errorf("ValidCurrency(%s) = false, want true", ok)
		}
	}
	for _, bad := range []string{"usd", "US", "DOLLARS", ""} {
		if ValidCurrency(bad) {
			t.Errorf("ValidCurrency(%s) = true, want false", bad)
		}
	}
}
