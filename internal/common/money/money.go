// Package money provides exact monetary amounts for the dues ledger.
package money

import (
	"fmt"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	IDR Currency = "IDR"
	USD Currency = "USD"
	SGD Currency = "SGD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int // Number of decimal places
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	IDR: {Code: IDR, MinorUnits: 0, Symbol: "Rp"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
	SGD: {Code: SGD, MinorUnits: 2, Symbol: "S$"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Money represents a monetary amount in minor units. IDR carries no
// minor units, so an IDR amount is whole rupiah.
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Multiply multiplies the amount by a scalar
func (m Money) Multiply(n int64) Money {
	return Money{AmountMinor: m.AmountMinor * n, Currency: m.Currency}
}

// String renders the amount with the currency's minor units,
// e.g. "Rp50000" or "$12.50"
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
	}
	if info.MinorUnits == 0 {
		return fmt.Sprintf("%s%d", info.Symbol, m.AmountMinor)
	}
	div := int64(1)
	for i := 0; i < info.MinorUnits; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", info.Symbol, m.AmountMinor/div, info.MinorUnits, m.AmountMinor%div)
}
