// Package registry resolves vendor clients. Built-in factories are fixed at
// construction; callers may install overrides at any time, concurrently with
// lookups.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"marketfeed/internal/metrics"
	"marketfeed/internal/stream"
	"marketfeed/models"
)

// Kind separates the two client kinds a vendor can offer.
type Kind int

const (
	KindStreaming Kind = iota
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// StreamFactory constructs a streaming client. It must not perform I/O.
type StreamFactory func() (stream.Client, error)

// SnapshotFactory constructs a request client. It must not perform I/O.
type SnapshotFactory func() (stream.SnapshotClient, error)

// Builtins are the factories a registry falls back to.
type Builtins struct {
	Streaming map[models.Vendor]StreamFactory
	Request   map[models.Vendor]SnapshotFactory
}

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = errors.New("no client registered")

// NotFoundError reports a vendor with neither an override nor a built-in
// binding for the requested kind.
type NotFoundError struct {
	Vendor models.Vendor
	Kind   Kind
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s client registered for vendor %q", e.Kind, e.Vendor)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// bindings is an immutable snapshot of the overrides. Writers copy it,
// modify the copy and publish it with CompareAndSwap.
type bindings struct {
	streaming map[models.Vendor]StreamFactory
	request   map[models.Vendor]SnapshotFactory
}

func (b *bindings) clone() *bindings {
	out := &bindings{
		streaming: make(map[models.Vendor]StreamFactory, len(b.streaming)+1),
		request:   make(map[models.Vendor]SnapshotFactory, len(b.request)+1),
	}
	for k, v := range b.streaming {
		out.streaming[k] = v
	}
	for k, v := range b.request {
		out.request[k] = v
	}
	return out
}

// Registry maps vendors to client factories.
type Registry struct {
	builtins  Builtins
	overrides atomic.Pointer[bindings]
}

// New returns a registry over a copy of b.
func New(b Builtins) *Registry {
	r := &Registry{builtins: Builtins{
		Streaming: make(map[models.Vendor]StreamFactory, len(b.Streaming)),
		Request:   make(map[models.Vendor]SnapshotFactory, len(b.Request)),
	}}
	for k, v := range b.Streaming {
		r.builtins.Streaming[k] = v
	}
	for k, v := range b.Request {
		r.builtins.Request[k] = v
	}
	r.overrides.Store(&bindings{})
	return r
}

func (r *Registry) update(fn func(*bindings)) {
	for {
		cur := r.overrides.Load()
		next := cur.clone()
		fn(next)
		if r.overrides.CompareAndSwap(cur, next) {
			return
		}
	}
}

// RegisterStreaming installs f as the streaming factory for v, replacing
// any previous override. It panics when f is nil.
func (r *Registry) RegisterStreaming(v models.Vendor, f StreamFactory) {
	if f == nil {
		panic("registry: nil streaming factory for " + string(v))
	}
	r.update(func(b *bindings) { b.streaming[v] = f })
}

// RegisterRequest installs f as the request factory for v, replacing any
// previous override. It panics when f is nil.
func (r *Registry) RegisterRequest(v models.Vendor, f SnapshotFactory) {
	if f == nil {
		panic("registry: nil request factory for " + string(v))
	}
	r.update(func(b *bindings) { b.request[v] = f })
}

// Unregister removes the override of kind for v. Built-ins are unaffected.
func (r *Registry) Unregister(v models.Vendor, kind Kind) {
	r.update(func(b *bindings) {
		switch kind {
		case KindStreaming:
			delete(b.streaming, v)
		case KindRequest:
			delete(b.request, v)
		}
	})
}

// Streaming constructs a streaming client for v. Each call invokes the
// factory once; clients are not cached.
func (r *Registry) Streaming(v models.Vendor) (stream.Client, error) {
	f, source := r.overrides.Load().streaming[v], "override"
	if f == nil {
		f, source = r.builtins.Streaming[v], "builtin"
	}
	if f == nil {
		metrics.Resolve(string(v), KindStreaming.String(), "missing")
		return nil, &NotFoundError{Vendor: v, Kind: KindStreaming}
	}
	metrics.Resolve(string(v), KindStreaming.String(), source)

	c, err := f()
	if err != nil {
		return nil, fmt.Errorf("construct %s streaming client: %w", v, err)
	}
	if c == nil {
		return nil, fmt.Errorf("construct %s streaming client: factory returned nil", v)
	}
	return c, nil
}

// Request constructs a request client for v.
func (r *Registry) Request(v models.Vendor) (stream.SnapshotClient, error) {
	f, source := r.overrides.Load().request[v], "override"
	if f == nil {
		f, source = r.builtins.Request[v], "builtin"
	}
	if f == nil {
		metrics.Resolve(string(v), KindRequest.String(), "missing")
		return nil, &NotFoundError{Vendor: v, Kind: KindRequest}
	}
	metrics.Resolve(string(v), KindRequest.String(), source)

	c, err := f()
	if err != nil {
		return nil, fmt.Errorf("construct %s request client: %w", v, err)
	}
	if c == nil {
		return nil, fmt.Errorf("construct %s request client: factory returned nil", v)
	}
	return c, nil
}

// Vendors lists every vendor resolvable for kind, sorted by name.
func (r *Registry) Vendors(kind Kind) []models.Vendor {
	seen := map[models.Vendor]struct{}{}
	b := r.overrides.Load()
	switch kind {
	case KindStreaming:
		for v := range r.builtins.Streaming {
			seen[v] = struct{}{}
		}
		for v := range b.streaming {
			seen[v] = struct{}{}
		}
	case KindRequest:
		for v := range r.builtins.Request {
			seen[v] = struct{}{}
		}
		for v := range b.request {
			seen[v] = struct{}{}
		}
	}
	out := make([]models.Vendor, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
