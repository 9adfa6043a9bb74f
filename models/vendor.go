package models

// Vendor names the exchange a record or client belongs to. The set is open:
// the constants below are the built-in vendors and callers may mint their
// own with Vendor("name"). Two vendors are equal iff their names are equal.
type Vendor string

const (
	Binance        Vendor = "binance"
	BinanceUS      Vendor = "binanceus"
	BinanceFutures Vendor = "binancefutures"
	Bybit          Vendor = "bybit"
	OKX            Vendor = "okx"
	Idax           Vendor = "idax"
)

// BuiltinVendors lists the vendors shipped with marketfeed.
func BuiltinVendors() []Vendor {
	return []Vendor{Binance, BinanceUS, BinanceFutures, Bybit, OKX, Idax}
}

func (v Vendor) String() string { return string(v) }
