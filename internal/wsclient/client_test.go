package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketfeed/internal/liveness"
	"marketfeed/internal/stream"
	"marketfeed/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// seqDecoder turns "seq:N" frames into trades and rejects anything else.
func seqDecoder(stream.Subscription) stream.Decoder {
	return stream.DecoderFunc(func(frame []byte) ([]models.Record, error) {
		s := string(frame)
		if !strings.HasPrefix(s, "seq:") {
			return nil, errors.New("unexpected frame")
		}
		return []models.Record{models.TradeRecord{
			Vendor:   "test",
			Pair:     models.NewPair("BTC", "USDT"),
			Side:     models.SideBuy,
			Price:    decimal.NewFromInt(1),
			Quantity: decimal.NewFromInt(1),
			Sequence: strings.TrimPrefix(s, "seq:"),
		}}, nil
	})
}

func testClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Vendor:     "test",
		Endpoint:   func(stream.Subscription) (string, error) { return wsURL(srv), nil },
		NewDecoder: seqDecoder,
		Liveness:   liveness.Config{ProbeInterval: time.Second, ProbeGrace: time.Second},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func subscription() stream.Subscription {
	return stream.Subscription{Channel: stream.ChannelTrades, Pairs: []models.CurrencyPair{models.NewPair("BTC", "USDT")}}
}

func TestStreamDecodesInOrderAndSkipsBadFrames(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(conn *websocket.Conn) {
		for _, msg := range []string{"seq:1", "garbage", "seq:2", "seq:3"} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		<-release
	})
	defer close(release)

	s, err := testClient(t, srv, nil).Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	for want := 1; want <= 3; want++ {
		select {
		case r := <-s.Records():
			if got := r.(models.TradeRecord).Sequence; got != strconv.Itoa(want) {
				t.Fatalf("sequence = %s, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("record %d not received", want)
		}
	}
	select {
	case <-s.Done():
		t.Fatalf("decode error ended the stream: %v", s.Err())
	default:
	}
}

func TestSubscribeFramesWritten(t *testing.T) {
	got := make(chan string, 1)
	srv := newServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- string(msg)
		conn.WriteMessage(websocket.TextMessage, []byte("seq:7"))
		conn.ReadMessage()
	})

	c := testClient(t, srv, func(o *Options) {
		o.Subscribe = func(sub stream.Subscription) ([]Frame, error) {
			f, err := JSON(map[string]interface{}{"op": "subscribe", "args": []string{"trades." + sub.Pairs[0].Concat()}})
			return []Frame{f}, err
		}
	})
	s, err := c.Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	select {
	case msg := <-got:
		if msg != `{"args":["trades.BTCUSDT"],"op":"subscribe"}` {
			t.Fatalf("subscribe frame = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}
	select {
	case r := <-s.Records():
		if r.(models.TradeRecord).Sequence != "7" {
			t.Fatalf("unexpected record %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no record after subscribe")
	}
}

func TestSilentServerFailsLiveness(t *testing.T) {
	release := make(chan struct{})
	// The server never reads, so pings are never answered.
	srv := newServer(t, func(conn *websocket.Conn) { <-release })
	defer close(release)

	c := testClient(t, srv, func(o *Options) {
		o.Liveness = liveness.Config{ProbeInterval: 50 * time.Millisecond, ProbeGrace: 50 * time.Millisecond}
	})
	s, err := c.Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream survived a dead connection")
	}
	if !errors.Is(s.Err(), liveness.ErrLivenessFailure) {
		t.Fatalf("err = %v, want liveness failure", s.Err())
	}
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn) {
		// Reading lets gorilla answer pings with pongs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := testClient(t, srv, func(o *Options) {
		o.Liveness = liveness.Config{ProbeInterval: 30 * time.Millisecond, ProbeGrace: 200 * time.Millisecond}
	})
	s, err := c.Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	select {
	case <-s.Done():
		t.Fatalf("stream ended although pongs arrived: %v", s.Err())
	case <-time.After(400 * time.Millisecond):
	}
}

func TestSlowConsumerIsNotVendorSilence(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn) {
		for i := 1; i <= 3; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("seq:"+strconv.Itoa(i))); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := testClient(t, srv, func(o *Options) {
		o.Buffer = 1
		o.Overflow = stream.OverflowBlock
		o.Liveness = liveness.Config{ProbeInterval: 30 * time.Millisecond, ProbeGrace: 30 * time.Millisecond}
	})
	s, err := c.Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	// stall well past ProbeInterval+ProbeGrace with the reader blocked in emit
	time.Sleep(300 * time.Millisecond)

	for want := 1; want <= 3; want++ {
		select {
		case r, ok := <-s.Records():
			if !ok {
				t.Fatalf("stream ended after a stalled consumer: %v", s.Err())
			}
			if got := r.(models.TradeRecord).Sequence; got != strconv.Itoa(want) {
				t.Fatalf("record %d has sequence %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("record %d not delivered", want)
		}
	}

	select {
	case <-s.Done():
		t.Fatalf("stream ended although the server kept answering: %v", s.Err())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	serverDone := make(chan struct{})
	srv := newServer(t, func(conn *websocket.Conn) {
		defer close(serverDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := testClient(t, srv, nil).Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	s.Close()

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open after Close")
	}
	if s.Err() != nil {
		t.Fatalf("err after close = %v", s.Err())
	}
}

func TestServerCloseEndsStream(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("seq:1"))
	})

	s, err := testClient(t, srv, nil).Stream(context.Background(), subscription())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var n int
	for range s.Records() {
		n++
	}
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	if s.Err() == nil || errors.Is(s.Err(), liveness.ErrLivenessFailure) {
		t.Fatalf("err = %v, want read error", s.Err())
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := testClient(t, srv, nil)
	if _, err := c.Stream(context.Background(), subscription()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Vendor: "x"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := New(Options{Vendor: "x", Endpoint: func(stream.Subscription) (string, error) { return "", nil }}); err == nil {
		t.Fatal("expected error without decoder")
	}
}
