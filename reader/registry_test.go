package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/config"
	"marketfeed/internal/registry"
	"marketfeed/internal/stream"
	"marketfeed/models"
)

func TestBuiltinsCoverEveryVendor(t *testing.T) {
	reg := registry.New(Builtins(config.Default()))
	for _, v := range models.BuiltinVendors() {
		c, err := reg.Streaming(v)
		if err != nil {
			t.Fatalf("streaming %s: %v", v, err)
		}
		if c.Vendor() != v {
			t.Errorf("streaming client for %s reports %s", v, c.Vendor())
		}
	}

	for _, v := range []models.Vendor{models.Binance, models.BinanceUS, models.BinanceFutures, models.Bybit, models.OKX} {
		c, err := reg.Request(v)
		if err != nil {
			t.Fatalf("request %s: %v", v, err)
		}
		if c.Vendor() != v {
			t.Errorf("request client for %s reports %s", v, c.Vendor())
		}
	}
	if _, err := reg.Request(models.Idax); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("idax request err = %v, want ErrNotFound", err)
	}
}

func TestRegistryIsShared(t *testing.T) {
	if Registry() != Registry() {
		t.Fatal("Registry returned different instances")
	}
}

// TestBinanceUSRecordsAreTagged runs the Binance US client against a local
// server speaking the combined stream protocol.
func TestBinanceUSRecordsAreTagged(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("streams"); got != "btcusdt@trade" {
			t.Errorf("streams = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1,"s":"BTCUSDT","t":9,"p":"100","q":"1","T":1,"m":false}}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Vendors.BinanceUS.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	reg := registry.New(Builtins(cfg))

	c, err := reg.Streaming(models.BinanceUS)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.Stream(ctx, stream.Subscription{Channel: stream.ChannelTrades, Pairs: []models.CurrencyPair{models.NewPair("BTC", "USDT")}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	select {
	case rec := <-s.Records():
		if rec.Source() != models.BinanceUS {
			t.Fatalf("vendor = %s, want %s", rec.Source(), models.BinanceUS)
		}
	case <-ctx.Done():
		t.Fatal("no record")
	}
}

// TestEveryVendorStreamsTrades resolves each built-in streaming client and
// drives it with one real-shaped trade frame from a local websocket server.
func TestEveryVendorStreamsTrades(t *testing.T) {
	cases := []struct {
		vendor models.Vendor
		url    func(cfg *config.Config) *string
		frame  string
		price  string
		side   models.Side
		seq    string
	}{
		{
			vendor: models.Binance,
			url:    func(cfg *config.Config) *string { return &cfg.Vendors.Binance.StreamURL },
			frame:  `{"stream":"btcusdt@trade","data":{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,"p":"16800.10","q":"0.5","T":1672515782136,"m":true,"M":true}}`,
			price:  "16800.1",
			side:   models.SideSell,
			seq:    "12345",
		},
		{
			vendor: models.BinanceUS,
			url:    func(cfg *config.Config) *string { return &cfg.Vendors.BinanceUS.StreamURL },
			frame:  `{"stream":"btcusdt@trade","data":{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":77,"p":"16800","q":"1","T":1672515782136,"m":false,"M":true}}`,
			price:  "16800",
			side:   models.SideBuy,
			seq:    "77",
		},
		{
			vendor: models.BinanceFutures,
			url:    func(cfg *config.Config) *string { return &cfg.Vendors.BinanceFutures.StreamURL },
			frame:  `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":123456789,"s":"BTCUSDT","a":5933014,"p":"16801.5","q":"2","f":100,"l":105,"T":123456785,"m":false}}`,
			price:  "16801.5",
			side:   models.SideBuy,
			seq:    "5933014",
		},
		{
			vendor: models.Bybit,
			url:    func(cfg *config.Config) *string { return &cfg.Vendors.Bybit.StreamURL },
			frame:  `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1672304486868,"data":[{"T":1672304486865,"s":"BTCUSDT","S":"Sell","v":"0.001","p":"16578.50","L":"PlusTick","i":"20f43950-d8dd-5b31-9112-a178eb6023af","BT":false}]}`,
			price:  "16578.5",
			side:   models.SideSell,
			seq:    "20f43950-d8dd-5b31-9112-a178eb6023af",
		},
		{
			vendor: models.OKX,
			url:    func(cfg *config.Config) *string { return &cfg.Vendors.OKX.StreamURL },
			frame:  `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"130639474","px":"42219.9","sz":"0.12060306","side":"buy","ts":"1630048897897","count":"3"}]}`,
			price:  "42219.9",
			side:   models.SideBuy,
			seq:    "130639474",
		},
		{
			vendor: models.Idax,
			url:    func(cfg *config.Config) *string { return &cfg.Vendors.Idax.StreamURL },
			frame:  `{"channel":"idax_sub_btc_usdt_trades","code":"00000","data":[{"id":77,"price":"6500.1","qty":"0.2","side":"sell","timestamp":1540283456000}]}`,
			price:  "6500.1",
			side:   models.SideSell,
			seq:    "77",
		},
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	for _, c := range cases {
		t.Run(string(c.vendor), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				defer conn.Close()
				if err := conn.WriteMessage(websocket.TextMessage, []byte(c.frame)); err != nil {
					return
				}
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}))
			defer srv.Close()

			cfg := config.Default()
			*c.url(cfg) = "ws" + strings.TrimPrefix(srv.URL, "http")
			client, err := registry.New(Builtins(cfg)).Streaming(c.vendor)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s, err := client.Stream(ctx, stream.Subscription{Channel: stream.ChannelTrades, Pairs: []models.CurrencyPair{models.NewPair("BTC", "USDT")}})
			if err != nil {
				t.Fatalf("stream: %v", err)
			}
			defer s.Close()

			select {
			case rec, ok := <-s.Records():
				if !ok {
					t.Fatalf("stream ended without a record: %v", s.Err())
				}
				tr, isTrade := rec.(models.TradeRecord)
				if !isTrade {
					t.Fatalf("record is %T, want models.TradeRecord", rec)
				}
				if tr.Vendor != c.vendor || tr.Pair != models.NewPair("BTC", "USDT") {
					t.Errorf("vendor/pair = %s %s", tr.Vendor, tr.Pair)
				}
				if tr.Price.String() != c.price || tr.Side != c.side || tr.Sequence != c.seq {
					t.Errorf("price=%s side=%s seq=%s", tr.Price, tr.Side, tr.Sequence)
				}
			case <-ctx.Done():
				t.Fatal("no record")
			}
		})
	}
}

func TestBoundBuiltinsWithLocalIP(t *testing.T) {
	b := BoundBuiltins(config.Default(), "127.0.0.1")
	if len(b.Streaming) != len(models.BuiltinVendors()) {
		t.Fatalf("streaming builtins = %d", len(b.Streaming))
	}
	if _, err := b.Request[models.OKX](); err != nil {
		t.Fatalf("okx request client: %v", err)
	}
}
