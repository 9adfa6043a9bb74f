package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"marketfeed/internal/stream"
	"marketfeed/models"
)

type namedClient struct {
	vendor models.Vendor
	name   string
}

func (c *namedClient) Vendor() models.Vendor { return c.vendor }
func (c *namedClient) Stream(ctx context.Context, sub stream.Subscription) (*stream.Stream, error) {
	return nil, errors.New("not implemented")
}

type namedSnapshot struct {
	vendor models.Vendor
	name   string
}

func (c *namedSnapshot) Vendor() models.Vendor { return c.vendor }
func (c *namedSnapshot) OrderBookSnapshot(ctx context.Context, pair models.CurrencyPair, depth int) (models.OrderBookRecord, error) {
	return models.OrderBookRecord{Vendor: c.vendor, Pair: pair}, nil
}

func streamingFactory(v models.Vendor, name string) StreamFactory {
	return func() (stream.Client, error) { return &namedClient{vendor: v, name: name}, nil }
}

func clientName(t *testing.T, c stream.Client) string {
	t.Helper()
	nc, ok := c.(*namedClient)
	if !ok {
		t.Fatalf("unexpected client type %T", c)
	}
	return nc.name
}

func builtins() Builtins {
	return Builtins{
		Streaming: map[models.Vendor]StreamFactory{
			models.Binance: streamingFactory(models.Binance, "builtin"),
			models.OKX:     streamingFactory(models.OKX, "builtin"),
		},
		Request: map[models.Vendor]SnapshotFactory{
			models.Binance: func() (stream.SnapshotClient, error) {
				return &namedSnapshot{vendor: models.Binance, name: "builtin"}, nil
			},
		},
	}
}

func TestOverrideTakesPrecedence(t *testing.T) {
	r := New(builtins())

	c, err := r.Streaming(models.Binance)
	if err != nil || clientName(t, c) != "builtin" {
		t.Fatalf("builtin resolve = %v, %v", c, err)
	}

	r.RegisterStreaming(models.Binance, streamingFactory(models.Binance, "override"))
	c, err = r.Streaming(models.Binance)
	if err != nil || clientName(t, c) != "override" {
		t.Fatalf("override resolve = %v, %v", c, err)
	}

	// the request kind is untouched by a streaming override
	sc, err := r.Request(models.Binance)
	if err != nil || sc.(*namedSnapshot).name != "builtin" {
		t.Fatalf("request resolve = %v, %v", sc, err)
	}

	r.Unregister(models.Binance, KindStreaming)
	c, _ = r.Streaming(models.Binance)
	if clientName(t, c) != "builtin" {
		t.Fatal("unregister did not restore the builtin")
	}
}

func TestLastRegistrationWins(t *testing.T) {
	r := New(Builtins{})
	r.RegisterStreaming("acme", streamingFactory("acme", "first"))
	r.RegisterStreaming("acme", streamingFactory("acme", "second"))

	c, err := r.Streaming("acme")
	if err != nil || clientName(t, c) != "second" {
		t.Fatalf("resolve = %v, %v", c, err)
	}
}

func TestNotFound(t *testing.T) {
	r := New(builtins())

	_, err := r.Streaming(models.Idax)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Vendor != models.Idax || nf.Kind != KindStreaming {
		t.Fatalf("unexpected error detail: %+v", nf)
	}

	_, err = r.Request(models.OKX)
	if !errors.As(err, &nf) || nf.Kind != KindRequest {
		t.Fatalf("request err = %v", err)
	}
}

func TestFactoryInvokedOncePerResolve(t *testing.T) {
	var calls atomic.Int32
	r := New(Builtins{})
	r.RegisterStreaming("acme", func() (stream.Client, error) {
		calls.Add(1)
		return &namedClient{vendor: "acme"}, nil
	})

	a, _ := r.Streaming("acme")
	b, _ := r.Streaming("acme")
	if calls.Load() != 2 {
		t.Fatalf("factory called %d times, want 2", calls.Load())
	}
	if a == b {
		t.Fatal("clients must not be cached")
	}
}

func TestFactoryErrors(t *testing.T) {
	boom := errors.New("bad credentials")
	r := New(Builtins{})
	r.RegisterStreaming("broken", func() (stream.Client, error) { return nil, boom })
	r.RegisterStreaming("empty", func() (stream.Client, error) { return nil, nil })

	if _, err := r.Streaming("broken"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped factory error", err)
	}
	if _, err := r.Streaming("empty"); err == nil {
		t.Fatal("nil client must be an error")
	}
}

func TestNilFactoryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Builtins{}).RegisterStreaming("acme", nil)
}

func TestConcurrentRegistration(t *testing.T) {
	r := New(builtins())
	const n = 64

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(2)
		v := models.Vendor(fmt.Sprintf("vendor-%02d", i))
		go func() {
			defer wg.Done()
			<-start
			r.RegisterStreaming(v, streamingFactory(v, "override"))
		}()
		go func() {
			defer wg.Done()
			<-start
			if _, err := r.Streaming(models.Binance); err != nil {
				t.Errorf("resolve during registration: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		v := models.Vendor(fmt.Sprintf("vendor-%02d", i))
		if _, err := r.Streaming(v); err != nil {
			t.Fatalf("registration of %s lost: %v", v, err)
		}
	}
}

func TestVendorsSortedUnion(t *testing.T) {
	r := New(builtins())
	r.RegisterStreaming("acme", streamingFactory("acme", "override"))
	r.RegisterStreaming(models.Binance, streamingFactory(models.Binance, "override"))

	got := r.Vendors(KindStreaming)
	want := []models.Vendor{"acme", models.Binance, models.OKX}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("vendors = %v, want %v", got, want)
	}
	if got := r.Vendors(KindRequest); len(got) != 1 || got[0] != models.Binance {
		t.Fatalf("request vendors = %v", got)
	}
}

func TestBuiltinsCopied(t *testing.T) {
	b := builtins()
	r := New(b)
	delete(b.Streaming, models.OKX)
	if _, err := r.Streaming(models.OKX); err != nil {
		t.Fatalf("registry shares the caller's map: %v", err)
	}
}

func TestLazyPublishesSingleInstance(t *testing.T) {
	var inits atomic.Int32
	lazy := NewLazy(func() *Registry {
		inits.Add(1)
		return New(builtins())
	})

	const n = 32
	results := make([]*Registry, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = lazy.Get()
		}(i)
	}
	close(start)
	wg.Wait()

	for i, r := range results {
		if r == nil || r != results[0] {
			t.Fatalf("caller %d observed a different registry", i)
		}
	}
	before := inits.Load()
	if lazy.Get() != results[0] || inits.Load() != before {
		t.Fatal("published registry was rebuilt")
	}
}
