package okx

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"marketfeed/internal/book"
	"marketfeed/internal/symbols"
	"marketfeed/models"
)

type pushMessage struct {
	Arg    channelArg      `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`

	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

type bookData struct {
	Asks  [][]string `json:"asks"`
	Bids  [][]string `json:"bids"`
	TS    string     `json:"ts"`
	SeqID int64      `json:"seqId"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

var pong = []byte("pong")

// Decoder decodes OKX public channel pushes. books5 pushes are complete
// snapshots; books pushes are a snapshot action followed by updates.
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
	if bytes.Equal(bytes.TrimSpace(frame), pong) {
		return nil, nil
	}
	var msg pushMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	switch msg.Event {
	case "":
	case "error":
		return nil, fmt.Errorf("okx error %s: %s", msg.Code, msg.Msg)
	default:
		// subscribe, unsubscribe and notice events
		return nil, nil
	}

	pair, err := d.codec.Parse(msg.Arg.InstID)
	if err != nil {
		return nil, err
	}
	switch msg.Arg.Channel {
	case "books5":
		return d.snapshotBook(pair, msg.Data)
	case "books":
		return d.incrementalBook(pair, msg.Action, msg.Data)
	case "trades":
		return d.trades(msg.Data)
	default:
		return nil, fmt.Errorf("unsupported channel %q", msg.Arg.Channel)
	}
}

func (d *Decoder) snapshotBook(pair models.CurrencyPair, raw json.RawMessage) ([]models.Record, error) {
	var data []bookData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(data))
	for _, bd := range data {
		bids, asks, err := parseSides(bd)
		if err != nil {
			return nil, err
		}
		b := book.New(pair)
		b.ApplySnapshot(bids, asks, bd.SeqID)
		records = append(records, b.Record(models.OKX, d.timestamp(bd.TS), d.depth))
	}
	return records, nil
}

func (d *Decoder) incrementalBook(pair models.CurrencyPair, action string, raw json.RawMessage) ([]models.Record, error) {
	var data []bookData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	b := d.books.Get(pair)
	records := make([]models.Record, 0, len(data))
	for _, bd := range data {
		bids, asks, err := parseSides(bd)
		if err != nil {
			return nil, err
		}
		switch action {
		case "snapshot":
			b.ApplySnapshot(bids, asks, bd.SeqID)
		case "update":
			if err := b.ApplyDelta(bids, asks, bd.SeqID); err != nil {
				if errors.Is(err, book.ErrStale) {
					continue
				}
				return nil, fmt.Errorf("%s: %w", pair, err)
			}
		default:
			return nil, fmt.Errorf("unknown books action %q", action)
		}
		records = append(records, b.Record(models.OKX, d.timestamp(bd.TS), d.depth))
	}
	return records, nil
}

func (d *Decoder) trades(raw json.RawMessage) ([]models.Record, error) {
	var data []tradeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(data))
	for _, t := range data {
		pair, err := d.codec.Parse(t.InstID)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("px: %w", err)
		}
		qty, err := decimal.NewFromString(t.Size)
		if err != nil {
			return nil, fmt.Errorf("sz: %w", err)
		}
		var side models.Side
		switch t.Side {
		case "buy":
			side = models.SideBuy
		case "sell":
			side = models.SideSell
		default:
			return nil, fmt.Errorf("unknown side %q", t.Side)
		}
		records = append(records, models.TradeRecord{
			Vendor:    models.OKX,
			Pair:      pair,
			Timestamp: d.timestamp(t.TS),
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Sequence:  t.TradeID,
		})
	}
	return records, nil
}

func parseSides(bd bookData) (bids, asks []models.PriceLevel, err error) {
	if bids, err = book.ParseLevels(bd.Bids); err != nil {
		return nil, nil, err
	}
	if asks, err = book.ParseLevels(bd.Asks); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

// timestamp parses OKX millisecond strings.
func (d *Decoder) timestamp(ms string) time.Time {
	if v, err := strconv.ParseInt(ms, 10, 64); err == nil && v > 0 {
		return time.UnixMilli(v).UTC()
	}
	return d.now().UTC()
}
