package registry

import "sync/atomic"

// Lazy builds a process-wide registry on first use. Concurrent first
// callers may each run init, but only one result is published and every
// caller receives it.
type Lazy struct {
	ptr  atomic.Pointer[Registry]
	init func() *Registry
}

func NewLazy(init func() *Registry) *Lazy {
	return &Lazy{init: init}
}

// Get returns the published registry, building it if needed.
func (l *Lazy) Get() *Registry {
	if r := l.ptr.Load(); r != nil {
		return r
	}
	candidate := l.init()
	if l.ptr.CompareAndSwap(nil, candidate) {
		return candidate
	}
	return l.ptr.Load()
}
