// Package reader wires the built-in vendors into the vendor registry.
package reader

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"marketfeed/config"
	"marketfeed/internal/liveness"
	"marketfeed/internal/registry"
	"marketfeed/internal/stream"
	"marketfeed/internal/wsclient"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/reader/binance"
	"marketfeed/reader/bybit"
	"marketfeed/reader/idax"
	"marketfeed/reader/okx"
)

// Builtins returns the built-in factories for every vendor, configured
// from cfg. Factories build clients without I/O.
func Builtins(cfg *config.Config) registry.Builtins {
	return BoundBuiltins(cfg, "")
}

// BoundBuiltins is Builtins with outgoing connections bound to localIP.
// An empty localIP uses the system default.
func BoundBuiltins(cfg *config.Config, localIP string) registry.Builtins {
	if cfg == nil {
		cfg = config.Default()
	}
	w := &wiring{cfg: cfg, localIP: net.ParseIP(localIP)}
	v := cfg.Vendors

	return registry.Builtins{
		Streaming: map[models.Vendor]registry.StreamFactory{
			models.Binance: func() (stream.Client, error) {
				return binance.NewStreamClient(binance.StreamConfig{URL: or(v.Binance.StreamURL, binance.DefaultSpotStreamURL)}, w.wsOptions())
			},
			models.BinanceUS: func() (stream.Client, error) {
				c, err := binance.NewStreamClient(binance.StreamConfig{URL: or(v.BinanceUS.StreamURL, binance.DefaultUSStreamURL)}, w.wsOptions())
				if err != nil {
					return nil, err
				}
				return stream.Tagged(c, models.BinanceUS), nil
			},
			models.BinanceFutures: func() (stream.Client, error) {
				c, err := binance.NewStreamClient(binance.StreamConfig{
					URL:         or(v.BinanceFutures.StreamURL, binance.DefaultFuturesStreamURL),
					TradeStream: "aggTrade",
				}, w.wsOptions())
				if err != nil {
					return nil, err
				}
				return stream.Tagged(c, models.BinanceFutures), nil
			},
			models.Bybit: func() (stream.Client, error) {
				return bybit.NewStreamClient(bybit.StreamConfig{URL: v.Bybit.StreamURL, Category: v.Bybit.Category}, w.wsOptions())
			},
			models.OKX: func() (stream.Client, error) {
				return okx.NewStreamClient(v.OKX.StreamURL, w.wsOptions())
			},
			models.Idax: func() (stream.Client, error) {
				return idax.NewStreamClient(v.Idax.StreamURL, w.wsOptions())
			},
		},
		Request: map[models.Vendor]registry.SnapshotFactory{
			models.Binance: func() (stream.SnapshotClient, error) {
				return binance.NewSpotSnapshotClient(models.Binance, v.Binance.RESTURL, w.httpClient()), nil
			},
			models.BinanceUS: func() (stream.SnapshotClient, error) {
				c := binance.NewSpotSnapshotClient(models.BinanceUS, or(v.BinanceUS.RESTURL, binance.DefaultUSRESTURL), w.httpClient())
				return stream.TaggedSnapshot(c, models.BinanceUS), nil
			},
			models.BinanceFutures: func() (stream.SnapshotClient, error) {
				return binance.NewFuturesSnapshotClient(v.BinanceFutures.RESTURL, w.httpClient()), nil
			},
			models.Bybit: func() (stream.SnapshotClient, error) {
				return bybit.NewSnapshotClient(v.Bybit.RESTURL, v.Bybit.Category, w.httpClient()), nil
			},
			models.OKX: func() (stream.SnapshotClient, error) {
				return okx.NewSnapshotClient(v.OKX.RESTURL, w.httpClient(), v.OKX.RequestsPerSecond, v.OKX.BurstSize), nil
			},
		},
	}
}

var lazy = registry.NewLazy(func() *registry.Registry {
	return registry.New(Builtins(config.Default()))
})

// Registry returns the process-wide registry over the default
// configuration. It is built on first use. Callers with a loaded config,
// such as cmd/marketfeed, build their own with registry.New(Builtins(cfg)).
func Registry() *registry.Registry {
	return lazy.Get()
}

// wiring holds the settings shared by every client of one registry. The
// HTTP transport is created once so snapshot clients share its pool.
type wiring struct {
	cfg     *config.Config
	localIP net.IP

	once   sync.Once
	client *http.Client
}

func (w *wiring) wsOptions() wsclient.Options {
	overflow, err := stream.ParseOverflow(w.cfg.Stream.Overflow)
	if err != nil {
		overflow = stream.OverflowBlock
	}
	opts := wsclient.Options{
		Liveness: liveness.Config{
			ProbeInterval:   w.cfg.Liveness.ProbeInterval,
			ProbeGrace:      w.cfg.Liveness.ProbeGrace,
			ObserveOutbound: w.cfg.Liveness.ObserveOutbound,
		},
		Buffer:   w.cfg.Stream.Buffer,
		Overflow: overflow,
		Log:      logger.GetLogger(),
	}
	if w.localIP != nil {
		dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: w.localIP}}
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: w.cfg.HTTP.Timeout,
		}
	}
	return opts
}

func (w *wiring) httpClient() *http.Client {
	w.once.Do(func() {
		h := w.cfg.HTTP
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        h.MaxIdleConns,
			MaxIdleConnsPerHost: h.MaxIdleConns,
			MaxConnsPerHost:     h.MaxConnsPerHost,
			IdleConnTimeout:     h.IdleConnTimeout,
		}
		if w.localIP != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: w.localIP}}
			transport.DialContext = dialer.DialContext
		}
		w.client = &http.Client{Transport: transport, Timeout: h.Timeout}
	})
	return w.client
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
