// Package redirect routes writes made through one shared output facility to
// the stream bound for the task that is writing.
//
// Go has no thread-local storage, so task identity travels in a
// context.Context. Code running on behalf of a session writes through
// Writer(ctx); the shim resolves the context's key against the current
// bindings on every write and falls back to the default stream when the key
// is unbound.
package redirect

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Key identifies one output binding. Keys are never reused.
type Key uint64

type ctxKey struct{}

var lastKey atomic.Uint64

// NewKey returns a fresh key.
func NewKey() Key {
	return Key(lastKey.Add(1))
}

// WithKey returns a context whose writes through a Redirector go to the
// stream bound for key.
func WithKey(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

// KeyFrom extracts the key stored by WithKey.
func KeyFrom(ctx context.Context) (Key, bool) {
	if ctx == nil {
		return 0, false
	}
	k, ok := ctx.Value(ctxKey{}).(Key)
	return k, ok
}

// Redirector holds the current key → stream bindings.
type Redirector struct {
	mu       sync.RWMutex
	bindings map[Key]io.Writer
	fallback io.Writer
}

// New creates a Redirector whose unbound writes go to fallback.
func New(fallback io.Writer) *Redirector {
	if fallback == nil {
		fallback = io.Discard
	}
	return &Redirector{
		bindings: make(map[Key]io.Writer),
		fallback: fallback,
	}
}

var (
	defaultOnce sync.Once
	defaultRed  *Redirector
)

// Default returns the process-wide Redirector, installed on first use with
// os.Stdout as its fallback.
func Default() *Redirector {
	defaultOnce.Do(func() {
		defaultRed = New(os.Stdout)
	})
	return defaultRed
}

// Bind routes writes for key to w.
func (r *Redirector) Bind(key Key, w io.Writer) {
	r.mu.Lock()
	r.bindings[key] = w
	r.mu.Unlock()
}

// Unbind removes the binding for key. Later writes for key reach the
// fallback stream.
func (r *Redirector) Unbind(key Key) {
	r.mu.Lock()
	delete(r.bindings, key)
	r.mu.Unlock()
}

// Bound reports whether key currently has a binding.
func (r *Redirector) Bound(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[key]
	return ok
}

// Len reports the number of live bindings.
func (r *Redirector) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Target returns the stream a write for ctx would reach right now.
func (r *Redirector) Target(ctx context.Context) io.Writer {
	key, ok := KeyFrom(ctx)
	if !ok {
		return r.fallback
	}
	r.mu.RLock()
	w, bound := r.bindings[key]
	r.mu.RUnlock()
	if !bound {
		return r.fallback
	}
	return w
}

// Writer returns the shim for ctx. The target is looked up on each write,
// never cached.
func (r *Redirector) Writer(ctx context.Context) io.Writer {
	return shim{r: r, ctx: ctx}
}

type shim struct {
	r   *Redirector
	ctx context.Context
}

func (s shim) Write(p []byte) (int, error) {
	return s.r.Target(s.ctx).Write(p)
}
