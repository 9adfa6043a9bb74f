package stream

import (
	"context"

	"marketfeed/models"
)

// Tag returns a stream carrying the records of in, in the same order and
// number, with their vendor set to v. The output is unbuffered so a slow
// consumer slows in down instead of losing records. Closing the result
// closes in.
func Tag(ctx context.Context, in *Stream, v models.Vendor) *Stream {
	return Produce(ctx, Options{Vendor: v}, func(ctx context.Context, emit Emit) error {
		defer in.Close()
		return pipe(ctx, in, emit, func(r models.Record) models.Record {
			return r.WithVendor(v)
		})
	})
}

// Retag wraps p so every stream it opens is tagged with v.
func Retag(p Producer, v models.Vendor) Producer {
	return func(ctx context.Context, sub Subscription) (*Stream, error) {
		in, err := p(ctx, sub)
		if err != nil {
			return nil, err
		}
		return Tag(ctx, in, v), nil
	}
}

// Tagged presents base as vendor v. Use it for vendors that speak the wire
// protocol of another vendor.
func Tagged(base Client, v models.Vendor) Client {
	return &taggedClient{base: base, vendor: v}
}

type taggedClient struct {
	base   Client
	vendor models.Vendor
}

func (c *taggedClient) Vendor() models.Vendor { return c.vendor }

func (c *taggedClient) Stream(ctx context.Context, sub Subscription) (*Stream, error) {
	return Retag(c.base.Stream, c.vendor)(ctx, sub)
}

// TaggedSnapshot presents a snapshot client as vendor v.
func TaggedSnapshot(base SnapshotClient, v models.Vendor) SnapshotClient {
	return &taggedSnapshot{base: base, vendor: v}
}

type taggedSnapshot struct {
	base   SnapshotClient
	vendor models.Vendor
}

func (c *taggedSnapshot) Vendor() models.Vendor { return c.vendor }

func (c *taggedSnapshot) OrderBookSnapshot(ctx context.Context, pair models.CurrencyPair, depth int) (models.OrderBookRecord, error) {
	rec, err := c.base.OrderBookSnapshot(ctx, pair, depth)
	if err != nil {
		return models.OrderBookRecord{}, err
	}
	rec.Vendor = c.vendor
	return rec, nil
}
