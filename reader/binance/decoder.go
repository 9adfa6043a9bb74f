package binance

import (
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"marketfeed/internal/book"
	"marketfeed/internal/symbols"
	"marketfeed/models"
)

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Keys are matched case-insensitively when no exact field exists, so every
// payload struct declares both "e" and "E" (and the other case pairs Binance
// sends) even when only one of them is read.
type eventHeader struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	LastUpdateID int64  `json:"lastUpdateId"`
}

// partialBook is the spot partial depth payload; it carries no symbol.
type partialBook struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// depthUpdate is the futures partial depth payload.
type depthUpdate struct {
	Event           string     `json:"e"`
	EventTime       int64      `json:"E"`
	TransactionTime int64      `json:"T"`
	Symbol          string     `json:"s"`
	FirstUpdateID   int64      `json:"U"`
	FinalUpdateID   int64      `json:"u"`
	Bids            [][]string `json:"b"`
	Asks            [][]string `json:"a"`
}

type tradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	TradeTime    int64  `json:"T"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyerIsMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

// Decoder decodes combined-stream frames into records for one vendor
// identity. Binance US and futures reuse it with their own vendor.
type Decoder struct {
	vendor models.Vendor
	codec  *symbols.Codec
	now    func() time.Time
}

func NewDecoder(vendor models.Vendor, codec *symbols.Codec) *Decoder {
	return &Decoder{vendor: vendor, codec: codec, now: time.Now}
}

func (d *Decoder) Decode(frame []byte) ([]models.Record, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		// subscription acks and other control replies
		return nil, nil
	}

	var head eventHeader
	if err := json.Unmarshal(env.Data, &head); err != nil {
		return nil, err
	}

	switch {
	case head.Event == "" && head.LastUpdateID > 0:
		return d.partial(env)
	case head.Event == "depthUpdate":
		return d.depthUpdate(env)
	case head.Event == "trade" || head.Event == "aggTrade":
		return d.trade(env, head.Event)
	default:
		return nil, fmt.Errorf("unsupported event %q on stream %q", head.Event, env.Stream)
	}
}

func (d *Decoder) pair(symbol, streamName string) (models.CurrencyPair, error) {
	if symbol == "" {
		symbol, _, _ = strings.Cut(streamName, "@")
	}
	return d.codec.Parse(symbol)
}

func (d *Decoder) partial(env envelope) ([]models.Record, error) {
	var pb partialBook
	if err := json.Unmarshal(env.Data, &pb); err != nil {
		return nil, err
	}
	pair, err := d.pair("", env.Stream)
	if err != nil {
		return nil, err
	}
	return d.bookRecord(pair, d.now(), pb.Bids, pb.Asks)
}

func (d *Decoder) depthUpdate(env envelope) ([]models.Record, error) {
	var du depthUpdate
	if err := json.Unmarshal(env.Data, &du); err != nil {
		return nil, err
	}
	pair, err := d.pair(du.Symbol, env.Stream)
	if err != nil {
		return nil, err
	}
	return d.bookRecord(pair, millis(du.TransactionTime, du.EventTime, d.now), du.Bids, du.Asks)
}

func (d *Decoder) bookRecord(pair models.CurrencyPair, ts time.Time, rawBids, rawAsks [][]string) ([]models.Record, error) {
	bids, err := book.ParseLevels(rawBids)
	if err != nil {
		return nil, err
	}
	asks, err := book.ParseLevels(rawAsks)
	if err != nil {
		return nil, err
	}
	return []models.Record{models.OrderBookRecord{
		Vendor:    d.vendor,
		Pair:      pair,
		Timestamp: ts,
		Bids:      bids,
		Asks:      asks,
	}}, nil
}

func (d *Decoder) trade(env envelope, event string) ([]models.Record, error) {
	var te tradeEvent
	if err := json.Unmarshal(env.Data, &te); err != nil {
		return nil, err
	}
	pair, err := d.pair(te.Symbol, env.Stream)
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(te.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	qty, err := decimal.NewFromString(te.Quantity)
	if err != nil {
		return nil, fmt.Errorf("quantity: %w", err)
	}

	// m reports whether the buyer was the maker, in which case the taker sold.
	side := models.SideBuy
	if te.BuyerIsMaker {
		side = models.SideSell
	}
	id := te.TradeID
	if event == "aggTrade" {
		id = te.AggTradeID
	}

	return []models.Record{models.TradeRecord{
		Vendor:    d.vendor,
		Pair:      pair,
		Timestamp: millis(te.TradeTime, te.EventTime, d.now),
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Sequence:  fmt.Sprintf("%d", id),
	}}, nil
}

func millis(primary, fallback int64, now func() time.Time) time.Time {
	switch {
	case primary > 0:
		return time.UnixMilli(primary).UTC()
	case fallback > 0:
		return time.UnixMilli(fallback).UTC()
	default:
		return now().UTC()
	}
}
