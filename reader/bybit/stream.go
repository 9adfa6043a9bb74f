// Package bybit implements the Bybit v5 public feed: websocket order book
// and trade topics plus REST order book snapshots.
package bybit

import (
	"fmt"

	"marketfeed/internal/liveness"
	"marketfeed/internal/stream"
	"marketfeed/internal/symbols"
	"marketfeed/internal/wsclient"
	"marketfeed/models"

	"github.com/gorilla/websocket"
)

const (
	DefaultSpotStreamURL   = "wss://stream.bybit.com/v5/public/spot"
	DefaultLinearStreamURL = "wss://stream.bybit.com/v5/public/linear"
)

// bookDepths are the orderbook topic depths Bybit publishes.
var bookDepths = []int{1, 50, 200}

// pingFrame is the application level heartbeat; Bybit answers with an
// op=pong message.
var pingFrame = []byte(`{"op":"ping"}`)

type request struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// StreamConfig selects the public endpoint. Category is informational and
// only used to pick the default endpoint.
type StreamConfig struct {
	URL      string
	Category string
}

// NewStreamClient returns a streaming client for Bybit. The liveness probe
// is replaced by Bybit's JSON ping unless base already sets one.
func NewStreamClient(cfg StreamConfig, base wsclient.Options) (*wsclient.Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultSpotStreamURL
		if cfg.Category == "linear" {
			cfg.URL = DefaultLinearStreamURL
		}
	}
	opts := base
	opts.Vendor = models.Bybit
	opts.Endpoint = func(stream.Subscription) (string, error) { return cfg.URL, nil }
	opts.Subscribe = subscribeFrames
	opts.NewDecoder = func(sub stream.Subscription) stream.Decoder {
		return NewDecoder(symbols.DefaultCodec(), sub.Depth)
	}
	if opts.Liveness.ProbeMessage == nil {
		opts.Liveness.ProbeMessage = func() liveness.Probe {
			return liveness.Probe{MessageType: websocket.TextMessage, Payload: pingFrame}
		}
	}
	return wsclient.New(opts)
}

func subscribeFrames(sub stream.Subscription) ([]wsclient.Frame, error) {
	topics := make([]string, 0, len(sub.Pairs))
	for _, p := range sub.Pairs {
		switch sub.Channel {
		case stream.ChannelOrderBook:
			topics = append(topics, fmt.Sprintf("orderbook.%d.%s", bookDepth(sub.Depth), p.Concat()))
		case stream.ChannelTrades:
			topics = append(topics, "publicTrade."+p.Concat())
		default:
			return nil, fmt.Errorf("bybit: unsupported channel %q", sub.Channel)
		}
	}
	// Bybit accepts at most 10 topics per subscribe request.
	var frames []wsclient.Frame
	for start := 0; start < len(topics); start += 10 {
		end := min(start+10, len(topics))
		f, err := wsclient.JSON(request{Op: "subscribe", Args: topics[start:end]})
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func bookDepth(depth int) int {
	for _, d := range bookDepths {
		if depth <= d {
			return d
		}
	}
	return bookDepths[len(bookDepths)-1]
}
