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

// Package handle implements the handle table (C5): the process-global map
// from opaque uint32 handle values to dispatcher references, plus the
// handle-transfer protocol (§4.5) that moves a batch of dispatchers out of
// the table atomically without violating the lock hierarchy. Grounded on
// smux.Session.streams (map[uint32]*Stream guarded by one streamLock) for
// the table shape, and on original_source/handle_table.{h,cc} for the
// busy-flag/transport semantics smux has no analogue for — smux never
// needs to hand a stream to a different session while holding its lock
// across the handoff.
package handle

import (
	"sync"

	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/result"
)

// Value is the opaque handle value applications hold. 0 is never issued
// (MOJO_HANDLE_INVALID's analogue).
type Value uint32

// Rights is the permission bitset checked on every table operation
// (SPEC_FULL supplement 2, grounded on original_source/dispatcher.h's
// rights-checking, which Core surfaces as result.PermissionDenied).
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightDuplicate
	RightTransfer
	RightGetOptions
	RightSetOptions
	RightMap

	RightsNone Rights = 0
	RightsAll  Rights = RightRead | RightWrite | RightDuplicate | RightTransfer | RightGetOptions | RightSetOptions | RightMap
)

// Has reports whether r grants every bit in want.
func (r Rights) Has(want Rights) bool { return r&want == want }

type tableEntry struct {
	dispatcher dsp.Dispatcher
	rights     Rights
	busy       bool
}

// Table is the process-wide handle table (C5), one mutex (L1) guarding a
// plain map — the same shape as smux.Session.streams/streamLock, since
// both are "small integer key -> live object" tables with no need for
// sharding at this scale.
type Table struct {
	mu        sync.Mutex
	entries   map[Value]*tableEntry
	nextValue Value
}

func New() *Table {
	return &Table{entries: make(map[Value]*tableEntry)}
}

// Add inserts d under a freshly allocated handle value. Allocation walks a
// monotonically advancing cursor (nextValue) the way smux hands out
// stream IDs, skipping 0; if a full cursor wrap finds no free slot, Add
// reports RESOURCE_EXHAUSTED rather than scanning forever (SPEC_FULL
// supplement 3, grounded on
// original_source/handle_table_unittest.cc's full-table case).
func (t *Table) Add(d dsp.Dispatcher, rights Rights) (Value, result.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.nextValue
	for {
		t.nextValue++
		if t.nextValue == 0 {
			t.nextValue = 1
		}
		if _, exists := t.entries[t.nextValue]; !exists {
			v := t.nextValue
			t.entries[v] = &tableEntry{dispatcher: d, rights: rights}
			return v, result.OK
		}
		if t.nextValue == start {
			return 0, result.ResourceExhausted
		}
	}
}

// Get returns the dispatcher stored at v, checking that rights grants
// every bit in want. Returns InvalidArgument if v is unknown, Busy if v is
// mid-transfer, PermissionDenied if want is not fully granted.
func (t *Table) Get(v Value, want Rights) (dsp.Dispatcher, result.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[v]
	if !ok {
		return nil, result.InvalidArgument
	}
	if e.busy {
		return nil, result.Busy
	}
	if !e.rights.Has(want) {
		return nil, result.PermissionDenied
	}
	return e.dispatcher, result.OK
}

// Remove deletes v from the table and returns its dispatcher without
// closing it — callers that want the resource released call Close on the
// returned dispatcher themselves, or hand it onward (e.g. during transfer
// finalization).
func (t *Table) Remove(v Value, want Rights) (dsp.Dispatcher, result.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[v]
	if !ok {
		return nil, result.InvalidArgument
	}
	if e.busy {
		return nil, result.Busy
	}
	if !e.rights.Has(want) {
		return nil, result.PermissionDenied
	}
	delete(t.entries, v)
	return e.dispatcher, result.OK
}

// Close removes v and closes its dispatcher in one step (Core.Close, §4.2).
func (t *Table) Close(v Value) result.Code {
	d, code := t.Remove(v, RightsNone)
	if !code.IsOK() {
		return code
	}
	return d.Close()
}

// Transport carries one dispatcher whose L2 lock is held across the L1
// release, per §4.5's description of the handle-transfer protocol: the
// table cannot hold its own L1 mutex while calling into a dispatcher it
// does not control the duration of, so the locked reference is handed out
// instead of re-acquired later.
type Transport struct {
	Value      Value
	Dispatcher dsp.Dispatcher
}

// MarkBusyAndStartTransport implements §4.5 steps 1-2: look up every
// requested handle value, reject on any miss/duplicate/already-busy/
// mid-two-phase, and otherwise mark each busy and acquire its L2 lock
// before releasing L1 — so the whole batch transitions atomically or not
// at all. A duplicate handle value appearing twice in the same call fails
// the second occurrence with BUSY (Open Question: resolved this way since
// a handle cannot simultaneously be both the dispatcher being transferred
// and its own bystander).
func (t *Table) MarkBusyAndStartTransport(values []Value, want Rights) ([]Transport, result.Code) {
	t.mu.Lock()

	seen := make(map[Value]bool, len(values))
	entries := make([]*tableEntry, len(values))
	for i, v := range values {
		if seen[v] {
			t.mu.Unlock()
			return nil, result.Busy
		}
		seen[v] = true
		e, ok := t.entries[v]
		if !ok {
			t.mu.Unlock()
			return nil, result.InvalidArgument
		}
		if e.busy {
			t.mu.Unlock()
			return nil, result.Busy
		}
		if !e.rights.Has(want) {
			t.mu.Unlock()
			return nil, result.PermissionDenied
		}
		entries[i] = e
	}

	locked := make([]*tableEntry, 0, len(entries))
	for _, e := range entries {
		if !e.dispatcher.TryLock() {
			for _, l := range locked {
				l.busy = false
				l.dispatcher.Unlock()
			}
			t.mu.Unlock()
			return nil, result.Busy
		}
		if e.dispatcher.InTwoPhase() {
			e.dispatcher.Unlock()
			for _, l := range locked {
				l.busy = false
				l.dispatcher.Unlock()
			}
			t.mu.Unlock()
			return nil, result.Busy
		}
		e.busy = true
		locked = append(locked, e)
	}
	t.mu.Unlock()

	transports := make([]Transport, len(values))
	for i, v := range values {
		transports[i] = Transport{Value: v, Dispatcher: entries[i].dispatcher}
	}
	return transports, result.OK
}

// RemoveBusyHandles finalizes a successful transfer (§4.5 step 5): the
// dispatchers were already closed by CreateEquivalentDispatcherAndClose
// under their own locks, so this only unlocks them and drops the now-dead
// table entries.
func (t *Table) RemoveBusyHandles(values []Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range values {
		e, ok := t.entries[v]
		if !ok {
			continue
		}
		e.dispatcher.Unlock()
		delete(t.entries, v)
	}
}

// RestoreBusyHandles rolls back a failed transfer: clears the busy flag
// and unlocks every dispatcher, leaving the handles usable again.
func (t *Table) RestoreBusyHandles(values []Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range values {
		e, ok := t.entries[v]
		if !ok {
			continue
		}
		e.busy = false
		e.dispatcher.Unlock()
	}
}

// Len reports the number of live entries (diagnostics/tests/metrics only).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
