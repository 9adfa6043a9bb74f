// Package stream defines how vendor clients hand canonical records to
// consumers: subscriptions, the Stream handle, decoders, vendor tagging and
// reconnection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"marketfeed/internal/metrics"
	"marketfeed/models"
)

// Channel selects the kind of market data a subscription asks for.
type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
)

// Subscription describes what a stream should deliver.
type Subscription struct {
	Channel Channel
	Pairs   []models.CurrencyPair
	// Depth is the number of book levels per side; vendors round it to a
	// supported value. Ignored for trades.
	Depth int
}

// Validate reports subscriptions no vendor can serve.
func (s Subscription) Validate() error {
	switch s.Channel {
	case ChannelOrderBook, ChannelTrades:
	default:
		return fmt.Errorf("unknown channel %q", s.Channel)
	}
	if len(s.Pairs) == 0 {
		return errors.New("subscription has no pairs")
	}
	for _, p := range s.Pairs {
		if p.IsZero() {
			return errors.New("subscription has an empty pair")
		}
	}
	return nil
}

// Client is the Streaming kind of vendor client.
type Client interface {
	Vendor() models.Vendor
	Stream(ctx context.Context, sub Subscription) (*Stream, error)
}

// SnapshotClient is the Request kind of vendor client.
type SnapshotClient interface {
	Vendor() models.Vendor
	OrderBookSnapshot(ctx context.Context, pair models.CurrencyPair, depth int) (models.OrderBookRecord, error)
}

// Producer opens a stream for a subscription.
type Producer func(ctx context.Context, sub Subscription) (*Stream, error)

// Overflow decides what happens when a consumer falls behind.
type Overflow int

const (
	// OverflowBlock stops reading upstream until the consumer catches up.
	OverflowBlock Overflow = iota
	// OverflowDrop discards records that do not fit in the buffer and counts them.
	OverflowDrop
)

func (o Overflow) String() string {
	if o == OverflowDrop {
		return "drop"
	}
	return "block"
}

// ParseOverflow accepts "block", "drop" or an empty string.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	default:
		return OverflowBlock, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Options configure the producer side of a Stream.
type Options struct {
	// Buffer is the capacity of the record channel. Zero means unbuffered.
	Buffer   int
	Overflow Overflow
	// Vendor labels drop metrics.
	Vendor models.Vendor
}

// Emit hands one record to the consumer. It returns false once the stream
// was cancelled; producers must stop then.
type Emit func(models.Record) bool

// Stream is a lazily produced, ordered sequence of records. Records is
// closed when production ends; Err then reports why.
type Stream struct {
	records chan models.Record
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	sent    atomic.Int64
	dropped atomic.Int64
}

// Produce starts run in its own goroutine and returns the Stream it feeds.
// The run context is cancelled by Close or by the parent ctx.
func Produce(ctx context.Context, opts Options, run func(ctx context.Context, emit Emit) error) *Stream {
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		records: make(chan models.Record, opts.Buffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer cancel()
		err := run(ctx, s.emitter(ctx, opts))
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.err = err
		close(s.records)
	}()
	return s
}

func (s *Stream) emitter(ctx context.Context, opts Options) Emit {
	if opts.Overflow == OverflowDrop {
		vendor := string(opts.Vendor)
		return func(r models.Record) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case s.records <- r:
				s.sent.Add(1)
			default:
				s.dropped.Add(1)
				metrics.RecordDropped(vendor)
			}
			return true
		}
	}
	return func(r models.Record) bool {
		select {
		case s.records <- r:
			s.sent.Add(1)
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// Records delivers records in the order the producer emitted them.
func (s *Stream) Records() <-chan models.Record { return s.records }

// Done is closed after the producer goroutine has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the stream. It is nil while the stream
// runs and after an orderly Close.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close cancels production and waits for the producer to exit, which
// releases its connection and timers.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Sent is the number of records handed to the consumer.
func (s *Stream) Sent() int64 { return s.sent.Load() }

// Dropped is the number of records discarded under OverflowDrop.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// pipe forwards records from in through fn until in ends or ctx is done.
// It returns in's terminal error.
func pipe(ctx context.Context, in *Stream, emit Emit, fn func(models.Record) models.Record) error {
	for {
		select {
		case r, ok := <-in.Records():
			if !ok {
				<-in.Done()
				return in.Err()
			}
			if fn != nil {
				r = fn(r)
			}
			if !emit(r) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
