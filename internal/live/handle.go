// README: Cancellable subscription handle shared by the store, stream and module feeds.
package live

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle is returned by every Subscribe call. Callbacks delivered through
// Dispatch never run once Cancel has returned, except for a callback that was
// already executing when Cancel was called.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	alive       atomic.Bool
	generations atomic.Uint64
	mu          sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	h.alive.Store(true)
	return h
}

// Context is cancelled together with the handle. Producers select on it.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) Alive() bool { return h.alive.Load() && h.ctx.Err() == nil }

// Dispatch runs fn unless the handle was cancelled. Calls are serialized.
func (h *Handle) Dispatch(fn func()) bool {
	if !h.Alive() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.Alive() {
		return false
	}
	fn()
	return true
}

// Generation counts how many times the producer re-attached after a failure.
// Consumers compare it across callbacks to detect a restart.
func (h *Handle) Generation() uint64 { return h.generations.Load() }

// Cancel is safe to call more than once and from inside a callback.
func (h *Handle) Cancel() {
	h.alive.Store(false)
	h.cancel()
}

// Finish is called by the producer goroutine when it stops delivering.
func (h *Handle) Finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Done is closed once the producer has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }
