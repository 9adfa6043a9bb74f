package bybit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"marketfeed/internal/book"
	"marketfeed/internal/symbols"
	"marketfeed/models"
)

type message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	// operation replies
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type bookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

type tradeData struct {
	Time     int64  `json:"T"`
	Symbol   string `json:"s"`
	Side     string `json:"S"`
	Volume   string `json:"v"`
	Price    string `json:"p"`
	TradeID  string `json:"i"`
}

// Decoder decodes Bybit public topic messages. Order book topics carry a
// snapshot followed by deltas; the decoder keeps one book per pair and
// emits the reconciled top of book after every update.
type Decoder struct {
	codec *symbols.Codec
	depth int
	books *book.Set
	now   func() time.Time
}

func NewDecoder(codec *symbols.Codec, depth int) *Decoder {
	return &Decoder{codec: codec, depth: depth, books: book.NewSet(), now: time.Now}
}

func (d *Decoder) Decode(frame []byte) ([]models.Record, error) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	if msg.Topic == "" {
		return nil, d.reply(msg)
	}

	kind, _, _ := strings.Cut(msg.Topic, ".")
	switch kind {
	case "orderbook":
		return d.orderbook(msg)
	case "publicTrade":
		return d.trades(msg)
	default:
		return nil, fmt.Errorf("unsupported topic %q", msg.Topic)
	}
}

// reply handles subscribe acks and pongs.
func (d *Decoder) reply(msg message) error {
	if msg.Success != nil && !*msg.Success {
		return fmt.Errorf("%s rejected: %s", msg.Op, msg.RetMsg)
	}
	return nil
}

func (d *Decoder) orderbook(msg message) ([]models.Record, error) {
	var data bookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, err
	}
	pair, err := d.codec.Parse(data.Symbol)
	if err != nil {
		return nil, err
	}
	bids, err := book.ParseLevels(data.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := book.ParseLevels(data.Asks)
	if err != nil {
		return nil, err
	}

	b := d.books.Get(pair)
	switch msg.Type {
	case "snapshot":
		b.ApplySnapshot(bids, asks, data.UpdateID)
	case "delta":
		if err := b.ApplyDelta(bids, asks, data.UpdateID); err != nil {
			if errors.Is(err, book.ErrStale) {
				// duplicates after a resubscribe are harmless
				return nil, nil
			}
			return nil, fmt.Errorf("%s: %w", pair, err)
		}
	default:
		return nil, fmt.Errorf("unknown orderbook message type %q", msg.Type)
	}
	return []models.Record{b.Record(models.Bybit, d.timestamp(msg.TS), d.depth)}, nil
}

func (d *Decoder) trades(msg message) ([]models.Record, error) {
	var data []tradeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(data))
	for _, t := range data {
		pair, err := d.codec.Parse(t.Symbol)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		qty, err := decimal.NewFromString(t.Volume)
		if err != nil {
			return nil, fmt.Errorf("volume: %w", err)
		}
		side, err := parseSide(t.Side)
		if err != nil {
			return nil, err
		}
		ts := msg.TS
		if t.Time > 0 {
			ts = t.Time
		}
		records = append(records, models.TradeRecord{
			Vendor:    models.Bybit,
			Pair:      pair,
			Timestamp: d.timestamp(ts),
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Sequence:  t.TradeID,
		})
	}
	return records, nil
}

func (d *Decoder) timestamp(ms int64) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return d.now().UTC()
}

func parseSide(s string) (models.Side, error) {
	switch s {
	case "Buy":
		return models.SideBuy, nil
	case "Sell":
		return models.SideSell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}
