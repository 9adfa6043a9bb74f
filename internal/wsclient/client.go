// Package wsclient is the generic websocket vendor client: it dials,
// subscribes, supervises liveness, decodes frames and emits records.
// Vendors only provide endpoints, subscription frames and a decoder.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketfeed/internal/liveness"
	"marketfeed/internal/metrics"
	"marketfeed/internal/stream"
	"marketfeed/logger"
	"marketfeed/models"
)

const (
	defaultWriteWait        = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Options describe one vendor's websocket protocol.
type Options struct {
	Vendor models.Vendor
	// Endpoint returns the URL to dial for sub.
	Endpoint func(sub stream.Subscription) (string, error)
	// Subscribe returns the frames written right after the handshake. May be nil.
	Subscribe func(sub stream.Subscription) ([]Frame, error)
	// NewDecoder returns a fresh decoder per connection.
	NewDecoder func(sub stream.Subscription) stream.Decoder

	Liveness         liveness.Config
	Buffer           int
	Overflow         stream.Overflow
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
	Dialer           *websocket.Dialer
	Log              *logger.Log
}

// Client streams one vendor over websockets. It opens one connection per
// Stream call.
type Client struct {
	opts Options
}

// New validates opts and returns a client.
func New(opts Options) (*Client, error) {
	if opts.Vendor == "" {
		return nil, errors.New("wsclient: vendor is required")
	}
	if opts.Endpoint == nil {
		return nil, errors.New("wsclient: endpoint is required")
	}
	if opts.NewDecoder == nil {
		return nil, errors.New("wsclient: decoder is required")
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}
	if opts.Liveness.Name == "" {
		opts.Liveness.Name = string(opts.Vendor)
	}
	return &Client{opts: opts}, nil
}

func (c *Client) Vendor() models.Vendor { return c.opts.Vendor }

// Stream dials the vendor and writes the subscription frames before
// returning, so connection and subscription errors surface here. Later
// failures end the returned stream.
func (c *Client) Stream(ctx context.Context, sub stream.Subscription) (*stream.Stream, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	vendor := string(c.opts.Vendor)

	url, err := c.opts.Endpoint(sub)
	if err != nil {
		return nil, fmt.Errorf("%s endpoint: %w", vendor, err)
	}
	var frames []Frame
	if c.opts.Subscribe != nil {
		if frames, err = c.opts.Subscribe(sub); err != nil {
			return nil, fmt.Errorf("%s subscription: %w", vendor, err)
		}
	}

	connID := uuid.NewString()
	log := c.opts.Log.WithComponent("wsclient").WithFields(logger.Fields{
		"vendor":  vendor,
		"conn_id": connID,
		"channel": string(sub.Channel),
	})

	start := time.Now()
	conn, resp, err := c.opts.Dialer.DialContext(ctx, url, c.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", vendor, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", vendor, err)
	}
	logger.LogPerformanceEntry(log, "wsclient", "dial", time.Since(start), logger.Fields{"url": url})

	mon := liveness.New(&gorillaConn{conn: conn, writeWait: c.opts.WriteWait}, c.opts.Liveness, c.opts.Log)
	conn.SetPongHandler(func(string) error {
		mon.ObserveInbound()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		mon.ObserveInbound()
		return replyPong(conn, data, c.opts.WriteWait)
	})

	for _, f := range frames {
		if err := mon.WriteMessage(f.MessageType, f.Payload); err != nil {
			mon.Close()
			return nil, fmt.Errorf("%s subscribe: %w", vendor, err)
		}
	}
	log.WithFields(logger.Fields{"pairs": len(sub.Pairs), "frames": len(frames)}).Info("websocket connected")

	decoder := c.opts.NewDecoder(sub)
	opts := stream.Options{Buffer: c.opts.Buffer, Overflow: c.opts.Overflow, Vendor: c.opts.Vendor}
	return stream.Produce(ctx, opts, func(ctx context.Context, emit stream.Emit) error {
		mon.Start(ctx)
		defer mon.Close()
		err := readLoop(ctx, mon, decoder, c.opts.Vendor, log, emit)
		if ctx.Err() != nil {
			log.Info("websocket closed")
			return ctx.Err()
		}
		log.WithError(err).Warn("websocket stream ended")
		return err
	}), nil
}

func readLoop(ctx context.Context, mon *liveness.Monitor, dec stream.Decoder, vendor models.Vendor, log *logger.Entry, emit stream.Emit) error {
	name := string(vendor)
	for {
		_, data, err := mon.ReadMessage()
		if err != nil {
			if liveness.IsFailure(err) {
				return err
			}
			return fmt.Errorf("%s read: %w", name, err)
		}
		metrics.FrameReceived(name, len(data))

		records, err := dec.Decode(data)
		if err != nil {
			var derr *stream.DecodeError
			if !errors.As(err, &derr) {
				derr = stream.NewDecodeError(vendor, data, err)
			}
			metrics.DecodeError(name)
			log.WithError(derr).WithFields(logger.Fields{"frame": string(derr.Frame)}).Warn("failed to decode frame")
		}
		if len(records) == 0 {
			continue
		}
		// a blocked emit is consumer backpressure, not vendor silence
		mon.Pause()
		ok := emitAll(records, emit, name)
		mon.Resume()
		if !ok {
			return ctx.Err()
		}
	}
}

func emitAll(records []models.Record, emit stream.Emit, vendor string) bool {
	for _, r := range records {
		if !emit(r) {
			return false
		}
		metrics.RecordEmitted(vendor, recordKind(r))
	}
	return true
}

func recordKind(r models.Record) string {
	switch r.(type) {
	case models.OrderBookRecord:
		return string(stream.ChannelOrderBook)
	case models.TradeRecord:
		return string(stream.ChannelTrades)
	default:
		return "other"
	}
}
