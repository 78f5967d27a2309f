package balance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeVariance(t *testing.T) {
	cases := []struct {
		name          string
		authoritative string
		observed      string
		want          string
	}{
		{"shortage", "100", "95", "-5"},
		{"surplus", "100", "102.5", "2.5"},
		{"match", "100", "100", "0"},
		{"negative authoritative", "-3", "0", "3"},
		{"fractional kg", "12.345", "12.340", "-0.005"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeVariance(d(tc.authoritative), d(tc.observed))
			assert.True(t, got.Equal(d(tc.want)), "got %s want %s", got, tc.want)
			assert.Equal(t, d(tc.authoritative).Equal(d(tc.observed)), got.IsZero())
		})
	}
}

func TestComputeRemainingNeverNegative(t *testing.T) {
	values := []string{"0", "1", "499999.99", "500000", "650000", "1000000"}
	for _, total := range values {
		for _, paid := range values {
			got := ComputeRemaining(d(total), d(paid))
			assert.False(t, got.Amount.IsNegative(), "total=%s paid=%s", total, paid)
			if d(paid).GreaterThanOrEqual(d(total)) {
				assert.True(t, got.Amount.IsZero(), "total=%s paid=%s", total, paid)
			}
			assert.Equal(t, d(paid).GreaterThan(d(total)), got.Overpaid, "total=%s paid=%s", total, paid)
		}
	}
}

func TestComputeRemainingReportsExcess(t *testing.T) {
	got := ComputeRemaining(d("500000"), d("650000"))
	assert.True(t, got.Overpaid)
	assert.True(t, got.Amount.IsZero())
	assert.True(t, got.Excess.Equal(d("150000")))

	got = ComputeRemaining(d("1000000"), d("650000"))
	assert.False(t, got.Overpaid)
	assert.True(t, got.Amount.Equal(d("350000")))
	assert.True(t, got.Excess.IsZero())
}

func TestSum(t *testing.T) {
	assert.True(t, Sum().IsZero())
	assert.True(t, Sum(d("250000"), d("400000")).Equal(d("650000")))
}

func TestRepresentable(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"95", true},
		{"62.5", true},
		{"0.0001", true},
		{"1.50000", true},
		{"0.00001", false},
		{"9999999999999999.9999", true},
		{"10000000000000000", false},
		{"-10000000000000000", false},
	} {
		assert.Equal(t, tc.want, Representable(d(tc.in)), tc.in)
	}
}
