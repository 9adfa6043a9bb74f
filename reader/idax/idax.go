// Package idax implements the IDAX websocket feed. IDAX names channels
// after the pair they carry, e.g. idax_sub_btc_usdt_depth.
package idax

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"marketfeed/internal/book"
	"marketfeed/internal/liveness"
	"marketfeed/internal/stream"
	"marketfeed/internal/symbols"
	"marketfeed/internal/wsclient"
	"marketfeed/models"
)

const DefaultStreamURL = "wss://openws.idax.tech/ws"

var channelPattern = symbols.MustChannelPattern(`(?i)^idax_sub_(?P<pair>[a-z0-9]+_[a-z0-9]+)_(?:depth|trades)$`)

type event struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
}

// NewStreamClient returns a streaming client for IDAX.
func NewStreamClient(url string, base wsclient.Options) (*wsclient.Client, error) {
	if url == "" {
		url = DefaultStreamURL
	}
	opts := base
	opts.Vendor = models.Idax
	opts.Endpoint = func(stream.Subscription) (string, error) { return url, nil }
	opts.Subscribe = subscribeFrames
	opts.NewDecoder = func(sub stream.Subscription) stream.Decoder {
		return NewDecoder(symbols.DefaultCodec(), sub.Depth)
	}
	if opts.Liveness.ProbeMessage == nil {
		opts.Liveness.ProbeMessage = func() liveness.Probe {
			return liveness.Probe{MessageType: websocket.TextMessage, Payload: []byte(`{"event":"ping"}`)}
		}
	}
	return wsclient.New(opts)
}

// ChannelName returns the IDAX channel for pair on ch.
func ChannelName(pair models.CurrencyPair, ch stream.Channel) (string, error) {
	var suffix string
	switch ch {
	case stream.ChannelOrderBook:
		suffix = "depth"
	case stream.ChannelTrades:
		suffix = "trades"
	default:
		return "", fmt.Errorf("idax: unsupported channel %q", ch)
	}
	return "idax_sub_" + strings.ToLower(pair.Join("_")) + "_" + suffix, nil
}

func subscribeFrames(sub stream.Subscription) ([]wsclient.Frame, error) {
	frames := make([]wsclient.Frame, 0, len(sub.Pairs))
	for _, p := range sub.Pairs {
		name, err := ChannelName(p, sub.Channel)
		if err != nil {
			return nil, err
		}
		f, err := wsclient.JSON(event{Event: "addChannel", Channel: name})
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

type push struct {
	Channel string          `json:"channel"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`

	Event   string `json:"event"`
	Message string `json:"message"`
}

type depthData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Timestamp int64      `json:"timestamp"`
}

type tradeData struct {
	ID        int64  `json:"id"`
	Price     string `json:"price"`
	Quantity  string `json:"qty"`
	Side      string `json:"side"`
	Timestamp int64  `json:"timestamp"`
}

// Decoder decodes IDAX channel pushes. Depth pushes are full snapshots.
type Decoder struct {
	codec *symbols.Codec
	depth int
	now   func() time.Time
}

func NewDecoder(codec *symbols.Codec, depth int) *Decoder {
	return &Decoder{codec: codec, depth: depth, now: time.Now}
}

func (d *Decoder) Decode(frame []byte) ([]models.Record, error) {
	var msg push
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	switch msg.Event {
	case "":
	case "error":
		return nil, fmt.Errorf("idax error: %s", msg.Message)
	default:
		// pong and addChannel acks
		return nil, nil
	}
	if msg.Code != "" && msg.Code != "00000" {
		return nil, fmt.Errorf("idax %s: code %s", msg.Channel, msg.Code)
	}

	pair, err := d.codec.ParseChannel(channelPattern, msg.Channel)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(strings.ToLower(msg.Channel), "_depth"):
		return d.depthRecord(pair, msg.Data)
	default:
		return d.tradeRecords(pair, msg.Data)
	}
}

func (d *Decoder) depthRecord(pair models.CurrencyPair, raw json.RawMessage) ([]models.Record, error) {
	var data depthData
	if err := json.Unmarshal(raw, &data); err != nil {
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
	b := book.New(pair)
	b.ApplySnapshot(bids, asks, 0)
	return []models.Record{b.Record(models.Idax, d.timestamp(data.Timestamp), d.depth)}, nil
}

func (d *Decoder) tradeRecords(pair models.CurrencyPair, raw json.RawMessage) ([]models.Record, error) {
	var data []tradeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(data))
	for _, t := range data {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		qty, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("qty: %w", err)
		}
		side := models.SideBuy
		if strings.EqualFold(t.Side, "sell") {
			side = models.SideSell
		}
		records = append(records, models.TradeRecord{
			Vendor:    models.Idax,
			Pair:      pair,
			Timestamp: d.timestamp(t.Timestamp),
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Sequence:  fmt.Sprintf("%d", t.ID),
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
