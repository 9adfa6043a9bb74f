// Package binance implements the Binance family of vendors: spot, Binance
// US and USD-M futures share one combined-stream protocol.
package binance

import (
	"fmt"
	"net/url"
	"strings"

	"marketfeed/internal/stream"
	"marketfeed/internal/symbols"
	"marketfeed/internal/wsclient"
	"marketfeed/models"
)

const (
	DefaultSpotStreamURL    = "wss://stream.binance.com:9443"
	DefaultUSStreamURL      = "wss://stream.binance.us:9443"
	DefaultFuturesStreamURL = "wss://fstream.binance.com"
)

// partialDepths are the book sizes the partial depth stream supports.
var partialDepths = []int{5, 10, 20}

// StreamConfig selects the endpoint and trade stream of one Binance market.
type StreamConfig struct {
	URL string
	// TradeStream is "trade" on spot and "aggTrade" on futures.
	TradeStream string
}

// NewStreamClient returns a streaming client speaking the Binance combined
// stream protocol. base carries the shared connection settings.
func NewStreamClient(cfg StreamConfig, base wsclient.Options) (*wsclient.Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultSpotStreamURL
	}
	if cfg.TradeStream == "" {
		cfg.TradeStream = "trade"
	}
	opts := base
	opts.Vendor = models.Binance
	opts.Endpoint = func(sub stream.Subscription) (string, error) {
		return combinedURL(cfg.URL, streamNames(sub, cfg.TradeStream))
	}
	opts.Subscribe = nil
	opts.NewDecoder = func(stream.Subscription) stream.Decoder {
		return NewDecoder(models.Binance, symbols.DefaultCodec())
	}
	return wsclient.New(opts)
}

func streamNames(sub stream.Subscription, tradeStream string) []string {
	names := make([]string, 0, len(sub.Pairs))
	for _, p := range sub.Pairs {
		sym := strings.ToLower(p.Concat())
		switch sub.Channel {
		case stream.ChannelOrderBook:
			names = append(names, fmt.Sprintf("%s@depth%d@100ms", sym, partialDepth(sub.Depth)))
		case stream.ChannelTrades:
			names = append(names, sym+"@"+tradeStream)
		}
	}
	return names
}

func partialDepth(depth int) int {
	for _, d := range partialDepths {
		if depth <= d {
			return d
		}
	}
	return partialDepths[len(partialDepths)-1]
}

func combinedURL(base string, names []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", base, err)
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(names, "/")
	return u.String(), nil
}
