package tor

import (
	"context"
	"sync"
)

// Waiter is a one-shot rendezvous cell awaiting exactly one reply
// batch. It is pushed onto the
// WaiterRegistry's FIFO the moment its command is written, and
// fulfilled later either by the batch the codec assembled for it, or
// by an empty batch on registry destroy.
type Waiter struct {
	ch chan ReplyBatch
}

func newWaiter() *Waiter {
	return &Waiter{ch: make(chan ReplyBatch, 1)}
}

// Await blocks until the waiter is fulfilled or ctx is cancelled, in
// which case an empty batch is returned (treated the same as a
// stream-ended reply by Job.respond).
func (w *Waiter) Await(ctx context.Context) ReplyBatch {
	select {
	case batch := <-w.ch:
		return batch
	case <-ctx.Done():
		return nil
	}
}

func (w *Waiter) fulfill(batch ReplyBatch) {
	select {
	case w.ch <- batch:
	default:
		// A waiter can only ever be fulfilled once; a second attempt
		// (e.g. destroy racing respond_next) is silently dropped.
	}
}

// WaiterRegistry is the FIFO rendezvous that preserves "replies arrive
// in request order". Exactly one exclusive lock guards
// both the queue of outstanding Waiters and the destroyed flag; the
// write performed inside Create happens under that same lock so that
// enqueue-write order equals registry order.
type WaiterRegistry struct {
	mu        sync.Mutex
	pending   []*Waiter
	destroyed bool
}

// NewWaiterRegistry returns an empty, live registry.
func NewWaiterRegistry() *WaiterRegistry {
	return &WaiterRegistry{}
}

// Create atomically checks the registry is not destroyed, invokes
// write (which must perform the actual transmission), pushes a fresh
// Waiter, and returns it. If write returns an error, no Waiter is
// pushed and the error is returned as-is.
func (r *WaiterRegistry) Create(write func() error) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return nil, &ErrIllegalState{Reason: "waiter registry is destroyed"}
	}
	if err := write(); err != nil {
		return nil, err
	}

	w := newWaiter()
	r.pending = append(r.pending, w)
	return w, nil
}

// RespondNext pops the head Waiter and fulfills it with batch. If the
// registry has no outstanding Waiter, the reply is logged at debug and
// dropped as spurious/dangling.
func (r *WaiterRegistry) RespondNext(batch ReplyBatch) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		log.Debugf("tor: dropping spurious reply batch with no outstanding waiter")
		return
	}
	w := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()

	w.fulfill(batch)
}

// Destroy marks the registry destroyed and fulfills every outstanding
// Waiter with an empty batch, which Job.respond translates into
// ErrInterrupted. Destroy is idempotent.
func (r *WaiterRegistry) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, w := range pending {
		w.fulfill(nil)
	}
}

// IsDestroyed reports whether Destroy has been called.
func (r *WaiterRegistry) IsDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}
