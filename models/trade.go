package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// TradeRecord is a single executed trade. Sequence is the vendor assigned
// trade id or version used for idempotent ordering downstream.
type TradeRecord struct {
	Vendor    Vendor          `json:"vendor"`
	Pair      CurrencyPair    `json:"pair"`
	Timestamp time.Time       `json:"timestamp"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Sequence  string          `json:"sequence"`
}

func (r TradeRecord) Source() Vendor { return r.Vendor }

func (r TradeRecord) WithVendor(v Vendor) Record {
	r.Vendor = v
	return r
}
