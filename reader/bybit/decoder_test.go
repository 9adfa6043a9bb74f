package bybit

import (
	"strings"
	"testing"

	"marketfeed/internal/symbols"
	"marketfeed/models"
)

const (
	snapshotFrame = `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1672304484978,"data":{"s":"BTCUSDT","b":[["16493.50","0.006"],["16493.00","0.100"]],"a":[["16611.00","0.029"],["16612.00","0.213"]],"u":18521288,"seq":7961638724},"cts":1672304484976}`
	deltaFrame    = `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1687940967466,"data":{"s":"BTCUSDT","b":[["16493.50","0"],["16490.00","1.5"]],"a":[["16611.00","0.5"]],"u":18521289,"seq":7961638725},"cts":1687940967464}`
)

func TestOrderbookSnapshotThenDelta(t *testing.T) {
	d := NewDecoder(symbols.DefaultCodec(), 50)

	recs, err := d.Decode([]byte(snapshotFrame))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	ob := recs[0].(models.OrderBookRecord)
	if ob.Vendor != models.Bybit || ob.Pair != models.NewPair("BTC", "USDT") {
		t.Fatalf("unexpected header: %+v", ob)
	}
	if bid, _ := ob.BestBid(); bid.Price.String() != "16493.5" {
		t.Fatalf("best bid = %s", bid.Price)
	}

	recs, err = d.Decode([]byte(deltaFrame))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	ob = recs[0].(models.OrderBookRecord)
	if bid, _ := ob.BestBid(); bid.Price.String() != "16493" {
		t.Fatalf("best bid after delta = %s", bid.Price)
	}
	if len(ob.Bids) != 2 {
		t.Fatalf("bids = %d, want 2", len(ob.Bids))
	}
	if ask, _ := ob.BestAsk(); ask.Quantity.String() != "0.5" {
		t.Fatalf("best ask qty = %s", ask.Quantity)
	}

	// replayed delta is ignored
	recs, err = d.Decode([]byte(deltaFrame))
	if err != nil || len(recs) != 0 {
		t.Fatalf("replayed delta gave %v, %v", recs, err)
	}
}

func TestDeltaBeforeSnapshot(t *testing.T) {
	d := NewDecoder(symbols.DefaultCodec(), 50)
	if _, err := d.Decode([]byte(deltaFrame)); err == nil {
		t.Fatal("expected error for delta without snapshot")
	}
}

func TestDecodeTrades(t *testing.T) {
	frame := `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1672304486868,"data":[{"T":1672304486865,"s":"BTCUSDT","S":"Buy","v":"0.001","p":"16578.50","L":"PlusTick","i":"20f43950-d8dd-5b31-9112-a178eb6023af","BT":false},{"T":1672304486866,"s":"BTCUSDT","S":"Sell","v":"0.002","p":"16578.00","L":"MinusTick","i":"20f43950-d8dd-5b31-9112-a178eb6023b0","BT":false}]}`
	recs, err := NewDecoder(symbols.DefaultCodec(), 0).Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	first, second := recs[0].(models.TradeRecord), recs[1].(models.TradeRecord)
	if first.Side != models.SideBuy || second.Side != models.SideSell {
		t.Fatalf("sides = %s, %s", first.Side, second.Side)
	}
	if first.Timestamp.UnixMilli() != 1672304486865 || first.Sequence != "20f43950-d8dd-5b31-9112-a178eb6023af" {
		t.Fatalf("unexpected trade: %+v", first)
	}
}

func TestDecodeReplies(t *testing.T) {
	d := NewDecoder(symbols.DefaultCodec(), 0)
	for _, f := range []string{
		`{"success":true,"ret_msg":"subscribe","conn_id":"2324d924","req_id":"","op":"subscribe"}`,
		`{"success":true,"ret_msg":"pong","conn_id":"0970e817","op":"ping"}`,
		`{"op":"pong","args":["1675418560633"],"conn_id":"cfcb4ocsvfriu23r3er0"}`,
	} {
		recs, err := d.Decode([]byte(f))
		if err != nil || len(recs) != 0 {
			t.Errorf("%s: %v, %v", f, recs, err)
		}
	}

	_, err := d.Decode([]byte(`{"success":false,"ret_msg":"error:handler not found","op":"subscribe"}`))
	if err == nil || !strings.Contains(err.Error(), "handler not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscribeFrames(t *testing.T) {
	sub := subscription(12, 7)
	frames, err := subscribeFrames(sub)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if !strings.HasPrefix(string(frames[0].Payload), `{"op":"subscribe","args":["orderbook.50.BTCUSDT"`) {
		t.Fatalf("first frame = %s", frames[0].Payload)
	}
}

func TestBookDepth(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 50, 50: 50, 199: 200, 1000: 200}
	for in, want := range cases {
		if got := bookDepth(in); got != want {
			t.Errorf("bookDepth(%d) = %d, want %d", in, got, want)
		}
	}
}
