// Package okx implements the OKX v5 public feed.
package okx

import (
	"fmt"

	"github.com/gorilla/websocket"

	"marketfeed/internal/liveness"
	"marketfeed/internal/stream"
	"marketfeed/internal/symbols"
	"marketfeed/internal/wsclient"
	"marketfeed/models"
)

const DefaultStreamURL = "wss://ws.okx.com:8443/ws/v5/public"

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

// NewStreamClient returns a streaming client for OKX. OKX expects a text
// "ping" after 30s of silence and answers "pong".
func NewStreamClient(url string, base wsclient.Options) (*wsclient.Client, error) {
	if url == "" {
		url = DefaultStreamURL
	}
	opts := base
	opts.Vendor = models.OKX
	opts.Endpoint = func(stream.Subscription) (string, error) { return url, nil }
	opts.Subscribe = subscribeFrames
	opts.NewDecoder = func(sub stream.Subscription) stream.Decoder {
		return NewDecoder(symbols.DefaultCodec(), sub.Depth)
	}
	if opts.Liveness.ProbeMessage == nil {
		opts.Liveness.ProbeMessage = func() liveness.Probe {
			return liveness.Probe{MessageType: websocket.TextMessage, Payload: []byte("ping")}
		}
	}
	return wsclient.New(opts)
}

// InstID formats a pair as an OKX spot instrument id.
func InstID(p models.CurrencyPair) string { return p.Join("-") }

func subscribeFrames(sub stream.Subscription) ([]wsclient.Frame, error) {
	var channel string
	switch sub.Channel {
	case stream.ChannelOrderBook:
		channel = bookChannel(sub.Depth)
	case stream.ChannelTrades:
		channel = "trades"
	default:
		return nil, fmt.Errorf("okx: unsupported channel %q", sub.Channel)
	}
	req := request{Op: "subscribe", Args: make([]channelArg, 0, len(sub.Pairs))}
	for _, p := range sub.Pairs {
		req.Args = append(req.Args, channelArg{Channel: channel, InstID: InstID(p)})
	}
	f, err := wsclient.JSON(req)
	if err != nil {
		return nil, err
	}
	return []wsclient.Frame{f}, nil
}

// bookChannel picks the five level snapshot channel when it is deep
// enough, and the incremental 400 level channel otherwise.
func bookChannel(depth int) string {
	if depth > 0 && depth <= 5 {
		return "books5"
	}
	return "books"
}
