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

// Package dispatcher defines the uniform, reference-counted resource API
// (C4) every handle in the table points at, plus the Base struct every
// concrete dispatcher (msgpipe, datapipe, sharedbuf) embeds for its mutex,
// closed flag and awakable list. Grounded on original_source/dispatcher.{h,cc}
// — smux has no analogue for a dispatcher that can be locked, handed across
// a lock gap and closed-on-transfer (§4.5), so this component follows the
// original Mojo EDK's base/derived split directly, expressed as Go
// composition per §9's design note.
package dispatcher

import (
	"sync"

	"github.com/xtaci/corepipe/awakable"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// Type is the immutable type tag (§3).
type Type int

const (
	MessagePipe Type = iota
	DataPipeProducer
	DataPipeConsumer
	SharedBuffer
	PlatformHandle
)

func (t Type) String() string {
	switch t {
	case MessagePipe:
		return "MESSAGE_PIPE"
	case DataPipeProducer:
		return "DATA_PIPE_PRODUCER"
	case DataPipeConsumer:
		return "DATA_PIPE_CONSUMER"
	case SharedBuffer:
		return "SHARED_BUFFER"
	case PlatformHandle:
		return "PLATFORM_HANDLE"
	default:
		return "UNKNOWN"
	}
}

// ReadFlags / WriteFlags are the dispatcher-level flag alphabets named in
// §4.2/§4.7.
type ReadFlags uint32
type WriteFlags uint32

const (
	ReadAllOrNone ReadFlags = 1 << iota
	ReadDiscard
	ReadQuery
	ReadPeek
)

const (
	WriteAllOrNone WriteFlags = 1 << iota
)

// Message is the §3 message: opaque bytes plus ordered attached handles.
// Attached handles are represented here as already-equivalent Dispatchers
// (the transfer protocol, §4.5, has already done the
// CreateEquivalentDispatcherAndClose step by the time a Message exists).
type Message struct {
	Bytes    []byte
	Attached []Dispatcher
}

// Dispatcher is the polymorphic, reference-counted resource adapter (C4).
// Every entry point may return InvalidArgument if the dispatcher is already
// closed; entry points not supported by a given concrete type also return
// InvalidArgument (§4.2).
type Dispatcher interface {
	Type() Type

	// Close marks the dispatcher closed, cancels waiters and releases the
	// resource. Returns InvalidArgument if already closed.
	Close() result.Code

	// Message pipe operations; InvalidArgument on any other type.
	WriteMessage(msg Message, flags WriteFlags) result.Code
	// ReadMessage returns the data/attached handles read (if any) plus the
	// bytes/handles the head message actually required — written even on
	// RESOURCE_EXHAUSTED, per §7, so callers can size buffers and retry.
	ReadMessage(maxBytes, maxHandles int, flags ReadFlags) (data []byte, attached []Dispatcher, requiredBytes, requiredHandles int, code result.Code)

	// Data pipe operations; InvalidArgument on any other type.
	WriteData(data []byte, flags WriteFlags) (n int, code result.Code)
	BeginWriteData(minBytes int) (buf []byte, code result.Code)
	EndWriteData(written int) result.Code
	ReadData(data []byte, flags ReadFlags) (n int, code result.Code)
	BeginReadData(minBytes int) (buf []byte, code result.Code)
	EndReadData(read int) result.Code
	// SetThreshold updates the producer's write threshold or the
	// consumer's read threshold (§4.7 SetOptions); InvalidArgument on any
	// other type.
	SetThreshold(bytes int) result.Code

	// Shared buffer operations; InvalidArgument on any other type.
	DuplicateBufferHandle() (Dispatcher, result.Code)
	MapBuffer(offset, numBytes int) (platform.Mapping, result.Code)

	// Signal/awakable operations, supported by every type.
	GetHandleSignalsState() signal.State
	AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code)
	RemoveAwakable(a awakable.Awakable) signal.State

	// TryLock/Unlock and InTwoPhase support the handle-transfer protocol
	// (§4.5): the handle table must be able to attempt a non-blocking
	// acquisition of a dispatcher it does not otherwise own a lock
	// ordering relationship with.
	TryLock() bool
	Unlock()

	// InTwoPhase reports whether this dispatcher is mid-two-phase-
	// operation; transfer must fail with Busy rather than interrupt one
	// (§4.5 step 1). Caller must hold the dispatcher's lock.
	InTwoPhase() bool

	// CreateEquivalentDispatcherAndClose is called by the owning secondary
	// object (MessagePipe) while the dispatcher's lock is held across the
	// handle-table release (§4.5 step 3): it produces a fresh dispatcher
	// over the same secondary-object resource and closes the receiver.
	CreateEquivalentDispatcherAndClose() (Dispatcher, result.Code)

	// Serialization glue (C10), called only when the dispatcher has a
	// single reference (§4.2).
	StartSerialize(ch wire.Channel) (maxBytes, maxPlatformHandles int)
	EndSerializeAndClose(ch wire.Channel, dst []byte) (platformHandles []platform.Handle, code result.Code)
}

// Base is the composable {mutex, closed, awakableList, state} every
// concrete dispatcher embeds, per §9's "model as a trait with a per-type
// struct containing the shared fields via composition" note. Base does not
// implement Dispatcher itself — each concrete type wires Base's helpers
// into its own method set so unsupported operations can return
// InvalidArgument without Base needing to know the full interface.
type Base struct {
	Mu       sync.Mutex
	closed   bool
	State    signal.State
	Awakable awakable.List
}

// Lock/Unlock/TryLock expose the per-dispatcher mutex (L2) to embedders and
// to the handle-transfer protocol.
func (b *Base) Lock()        { b.Mu.Lock() }
func (b *Base) Unlock()      { b.Mu.Unlock() }
func (b *Base) TryLock() bool { return b.Mu.TryLock() }

// Closed reports the closed flag. Caller must hold Mu.
func (b *Base) Closed() bool { return b.closed }

// MarkClosed performs the one-way false->true transition and cancels every
// registered awakable (§5 cancellation semantics). Caller must hold Mu; it
// returns false if already closed, matching §4.2's Close contract. Use this
// when Base.Awakable is the authoritative registration list for the
// dispatcher (sharedbuf); msgpipe/datapipe keep their awakable lists on the
// secondary object instead and use MarkClosedOnly.
func (b *Base) MarkClosed() bool {
	if !b.MarkClosedOnly() {
		return false
	}
	b.Awakable.CancelAndRemoveAll()
	return true
}

// MarkClosedOnly performs the one-way false->true transition without
// touching Base.Awakable. Caller must hold Mu.
func (b *Base) MarkClosedOnly() bool {
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

// SetState replaces the signal state and notifies registered awakables of
// the transition, under the caller's held Mu — this is the one path by
// which a resource's state change reaches its waiters (§5: "notifications
// ... always happen after the resource's secondary mutex has been acquired
// and before it is released").
func (b *Base) SetState(next signal.State) {
	old := b.State
	b.State = next
	b.Awakable.OnStateChange(old, next)
}

// AddAwakable implements the common AddAwakable contract (§4.2) against the
// current Base.State; callers embed this directly as their AddAwakable
// method. Caller must hold Mu.
func (b *Base) AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	if b.closed {
		return b.State, result.InvalidArgument
	}
	if b.State.Satisfies(mask) && !persistent {
		return b.State, result.AlreadyExists
	}
	if !b.State.CanSatisfy(mask) {
		return b.State, result.FailedPrecondition
	}
	b.Awakable.Add(a, mask, ctx, persistent)
	return b.State, result.OK
}

// RemoveAwakable implements the common RemoveAwakable contract. Caller must
// hold Mu.
func (b *Base) RemoveAwakable(a awakable.Awakable) signal.State {
	b.Awakable.Remove(false, a, 0)
	return b.State
}

// GetHandleSignalsState returns the current state snapshot. Caller must
// hold Mu.
func (b *Base) GetHandleSignalsState() signal.State { return b.State }
