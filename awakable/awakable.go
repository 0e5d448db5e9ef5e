// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package awakable implements the Awakable/Waiter/AwakableList machinery
// (C2, C3): the notification path between a resource's signal state and the
// goroutines blocked waiting on it.
package awakable

import (
	"sync"
	"time"

	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
)

// Awakable is notified when a watched signal mask becomes satisfied or
// permanently unsatisfiable. Wake is called by the owning resource while
// the resource's own mutex (L2/L3) is held; Wake must not block and must
// not attempt to acquire any lock above Waiter in the hierarchy (L∞ is the
// bottom of the stack, see spec §3/§5).
type Awakable interface {
	Wake(code result.Code, context uint64)
}

// Waiter is the blocking Awakable used by Core.Wait/WaitMany (§4.4). It is
// a condition-variable-with-absolute-deadline: something sync.Cond doesn't
// provide, so — like every blocking wait in the teacher's stream
// multiplexer — it's built directly on a channel.
type Waiter struct {
	mu   sync.Mutex
	done bool
	code result.Code
	ctx  uint64
	ch   chan struct{}
}

// NewWaiter returns a Waiter ready to be registered with AddAwakable calls
// and then Waited on. A Waiter is single-use: construct a fresh one per
// Wait/WaitMany call, exactly as Core.WaitMany does (§4.4 step 2,
// "stack-allocated Waiter").
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan struct{})}
}

// Wake records the first result delivered and releases any blocked Wait.
// Later wakes are dropped: "the waiter receives at most one success wake for
// a given wait" (§4.4 ordering guarantee).
func (w *Waiter) Wake(code result.Code, context uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.code = code
	w.ctx = context
	close(w.ch)
}

// Wait blocks until Wake is called or the deadline (an absolute time from a
// platform.TimeSource) elapses. A zero deadline means "do not block".
func (w *Waiter) Wait(deadline time.Time) (result.Code, uint64) {
	w.mu.Lock()
	if w.done {
		code, ctx := w.code, w.ctx
		w.mu.Unlock()
		return code, ctx
	}
	w.mu.Unlock()

	if deadline.IsZero() {
		select {
		case <-w.ch:
			w.mu.Lock()
			code, ctx := w.code, w.ctx
			w.mu.Unlock()
			return code, ctx
		default:
			return result.DeadlineExceeded, 0
		}
	}

	var timer <-chan time.Time
	if d := time.Until(deadline); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	} else {
		// Deadline already passed: still must observe a concurrent Wake
		// that raced in before we got here.
		closed := make(chan time.Time, 1)
		closed <- time.Now()
		timer = closed
	}

	select {
	case <-w.ch:
		w.mu.Lock()
		code, ctx := w.code, w.ctx
		w.mu.Unlock()
		return code, ctx
	case <-timer:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.done {
			return w.code, w.ctx
		}
		return result.DeadlineExceeded, 0
	}
}

// entry is one registration in an AwakableList.
type entry struct {
	awakable   Awakable
	mask       signal.Mask
	ctx        uint64
	persistent bool
}

// List is the per-resource unordered collection of registered awakables
// (C3). Every method must be called with the owning resource's mutex held;
// List has no lock of its own — the surrounding L2/L3 lock is the one
// protecting it, per the lock hierarchy in §3.
type List struct {
	entries []entry
}

// Add registers a new awakable. Duplicate (awakable, ctx) pairs are allowed
// by the spec (AddAwakable's ALREADY_EXISTS/FAILED_PRECONDITION checks
// happen one layer up in the owning resource's AddAwakable — dispatcher.Base
// for sharedbuf, the pipe itself for msgpipe/datapipe — against the
// *current* state, not against this list).
func (l *List) Add(a Awakable, mask signal.Mask, ctx uint64, persistent bool) {
	l.entries = append(l.entries, entry{awakable: a, mask: mask, ctx: ctx, persistent: persistent})
}

// Remove deletes either every entry pointing at a (matchContext false), or
// every entry whose context equals ctx (matchContext true).
// Removing a non-existent entry is a no-op.
func (l *List) Remove(matchContext bool, a Awakable, ctx uint64) {
	if len(l.entries) == 0 {
		return
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		var drop bool
		if matchContext {
			drop = e.ctx == ctx
		} else {
			drop = e.awakable == a
		}
		if !drop {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// OnStateChange delivers wakes for the transition old -> new (C3). Each
// entry wakes at most once for this call: if new satisfies its mask, it
// wakes with OK; else if new can no longer satisfy its mask, it wakes with
// FailedPrecondition. Non-persistent entries that fire are removed;
// persistent entries stay registered (invariant 4: a persistent awakable
// fires at most once per monotonic transition). Resources call this on
// every recompute, including ones that leave the state unchanged, so a
// persistent entry wakes only on an edge between old and new: with OK only
// if old did not already satisfy its mask, with FailedPrecondition only if
// old could still satisfy it.
func (l *List) OnStateChange(old, next signal.State) {
	if len(l.entries) == 0 {
		return
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		switch {
		case next.Satisfies(e.mask):
			if !e.persistent || !old.Satisfies(e.mask) {
				e.awakable.Wake(result.OK, e.ctx)
			}
			if e.persistent {
				kept = append(kept, e)
			}
		case !next.CanSatisfy(e.mask):
			if !e.persistent || old.CanSatisfy(e.mask) {
				e.awakable.Wake(result.FailedPrecondition, e.ctx)
			}
			if e.persistent {
				kept = append(kept, e)
			}
		default:
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// CancelAndRemoveAll wakes every registered entry with Cancelled and clears
// the list. Called from Dispatcher.Close (§5 cancellation semantics).
func (l *List) CancelAndRemoveAll() {
	for _, e := range l.entries {
		e.awakable.Wake(result.Cancelled, e.ctx)
	}
	l.entries = nil
}

// Len reports the number of currently registered entries (diagnostics/tests
// only).
func (l *List) Len() int { return len(l.entries) }
