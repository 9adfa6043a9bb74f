package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is a canonical market data event. Implementations are immutable
// values: WithVendor returns a modified copy and leaves the receiver intact.
type Record interface {
	Source() Vendor
	WithVendor(v Vendor) Record
}

// PriceLevel represents a single price level in an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookRecord is a full order book snapshot as delivered by a vendor.
// Bids are best-first descending and asks best-first ascending.
type OrderBookRecord struct {
	Vendor    Vendor       `json:"vendor"`
	Pair      CurrencyPair `json:"pair"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

func (r OrderBookRecord) Source() Vendor { return r.Vendor }

func (r OrderBookRecord) WithVendor(v Vendor) Record {
	r.Vendor = v
	return r
}

// BestBid returns the top bid, if any.
func (r OrderBookRecord) BestBid() (PriceLevel, bool) {
	if len(r.Bids) == 0 {
		return PriceLevel{}, false
	}
	return r.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (r OrderBookRecord) BestAsk() (PriceLevel, bool) {
	if len(r.Asks) == 0 {
		return PriceLevel{}, false
	}
	return r.Asks[0], true
}
