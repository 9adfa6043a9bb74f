package models

import "strings"

// Currency is a canonical upper-case currency code such as BTC or USDT.
type Currency string

func (c Currency) String() string { return string(c) }

// Lower returns the code in lower case, as several vendors expect it.
func (c Currency) Lower() string { return strings.ToLower(string(c)) }

// CurrencyPair is an ordered (base, quote) pair.
type CurrencyPair struct {
	Base  Currency `json:"base"`
	Quote Currency `json:"quote"`
}

// NewPair builds a pair from raw codes, upper-casing both sides.
func NewPair(base, quote string) CurrencyPair {
	return CurrencyPair{
		Base:  Currency(strings.ToUpper(strings.TrimSpace(base))),
		Quote: Currency(strings.ToUpper(strings.TrimSpace(quote))),
	}
}

func (p CurrencyPair) String() string { return p.Join("/") }

// Concat renders the pair without a separator, e.g. BTCUSDT.
func (p CurrencyPair) Concat() string { return string(p.Base) + string(p.Quote) }

// Join renders the pair with sep between base and quote.
func (p CurrencyPair) Join(sep string) string { return string(p.Base) + sep + string(p.Quote) }

// IsZero reports whether neither side is set.
func (p CurrencyPair) IsZero() bool { return p.Base == "" && p.Quote == "" }
