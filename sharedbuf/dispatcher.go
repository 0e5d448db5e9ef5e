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

// Package sharedbuf implements the shared-buffer dispatcher (C9): a
// handle onto a reference-counted block of memory, with duplicate/map/
// serialize operations. Grounded on
// original_source/shared_buffer_dispatcher.{h,cc} — smux/kcp-go have no
// analogue for a dispatcher whose only job is handing out typed views onto
// shared memory, so this component follows the original EDK's shape
// directly, wired to the platform package's in-process stand-in (§6).
package sharedbuf

import (
	"encoding/binary"

	"github.com/xtaci/corepipe/awakable"
	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// Dispatcher is the shared-buffer dispatcher (C4 type SharedBuffer). Unlike
// msgpipe/datapipe it has no secondary object of its own — the
// platform.SharedBuffer already carries the reference-counted state — so
// Base.State/Base.Awakable are authoritative here and MarkClosed (not
// MarkClosedOnly) is the right Base helper.
type Dispatcher struct {
	dsp.Base
	buf     platform.SharedBuffer
	support platform.Support
}

// New wraps buf in a Dispatcher with both Readable and Writable permanently
// satisfied (a shared buffer has no blocking I/O, only mapping) and
// PeerClosed never satisfiable (there is no peer, §3's PeerClosed signal
// only applies to pipes).
func New(buf platform.SharedBuffer, support platform.Support) *Dispatcher {
	d := &Dispatcher{buf: buf, support: support}
	d.State = signal.New(signal.Readable|signal.Writable, signal.Readable|signal.Writable)
	return d
}

func (d *Dispatcher) Type() dsp.Type { return dsp.SharedBuffer }

func (d *Dispatcher) Close() result.Code {
	d.Lock()
	defer d.Unlock()
	if !d.MarkClosed() {
		return result.InvalidArgument
	}
	if err := d.buf.Release(); err != nil {
		return result.FailedPrecondition
	}
	return result.OK
}

// DuplicateBufferHandle returns a fresh Dispatcher over the same backing
// buffer, incrementing its reference count (§4.8).
func (d *Dispatcher) DuplicateBufferHandle() (dsp.Dispatcher, result.Code) {
	d.Lock()
	defer d.Unlock()
	if d.Closed() {
		return nil, result.InvalidArgument
	}
	dup, err := d.buf.DuplicateHandle()
	if err != nil {
		return nil, result.FailedPrecondition
	}
	nb, err := d.support.CreateSharedBufferFromHandle(d.buf.NumBytes(), dup)
	if err != nil {
		return nil, result.FailedPrecondition
	}
	return New(nb, d.support), result.OK
}

// MapBuffer validates the requested range and returns a live Mapping, which
// per §4.8 outlives this dispatcher.
func (d *Dispatcher) MapBuffer(offset, numBytes int) (platform.Mapping, result.Code) {
	d.Lock()
	defer d.Unlock()
	if d.Closed() {
		return nil, result.InvalidArgument
	}
	if offset < 0 || numBytes <= 0 {
		return nil, result.InvalidArgument
	}
	if !d.buf.IsValidMap(offset, numBytes) {
		return nil, result.OutOfRange
	}
	m, err := d.buf.MapNoCheck(offset, numBytes)
	if err != nil {
		return nil, result.Internal
	}
	return m, result.OK
}

func (d *Dispatcher) GetHandleSignalsState() signal.State {
	d.Lock()
	defer d.Unlock()
	return d.State
}

func (d *Dispatcher) AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	d.Lock()
	defer d.Unlock()
	return d.Base.AddAwakable(a, mask, ctx, persistent)
}

func (d *Dispatcher) RemoveAwakable(a awakable.Awakable) signal.State {
	d.Lock()
	defer d.Unlock()
	return d.Base.RemoveAwakable(a)
}

func (d *Dispatcher) InTwoPhase() bool { return false }

// CreateEquivalentDispatcherAndClose hands the same platform.SharedBuffer to
// a fresh Dispatcher and closes the receiver — an in-process transfer does
// not need to touch the reference count since ownership moves, not
// duplicates (§4.5). Unlike msgpipe/datapipe, a sharedbuf dispatcher has no
// secondary object for its Awakable list to live on, so any waiter
// registered against the handle being transferred is cancelled here exactly
// as Close would: the old handle value stops being valid to wait on the
// instant the transfer takes effect. It runs under the lock the transfer
// protocol already holds and does not take d's lock itself.
func (d *Dispatcher) CreateEquivalentDispatcherAndClose() (dsp.Dispatcher, result.Code) {
	if !d.MarkClosed() {
		return nil, result.InvalidArgument
	}
	return &Dispatcher{buf: d.buf, support: d.support, Base: dsp.Base{State: d.State}}, result.OK
}

// StartSerialize reports the fixed 4-byte numBytes header this dispatcher
// writes, plus the single platform handle PassHandle hands over.
func (d *Dispatcher) StartSerialize(wire.Channel) (int, int) { return 4, 1 }

// EndSerializeAndClose writes numBytes into dst and hands over the sole
// platform.Handle reference (§4.2: "called only when the dispatcher has a
// single reference" — PassHandle enforces exactly that). Like
// CreateEquivalentDispatcherAndClose it does not take d's lock: when it
// runs for a handle attached to a message, the transfer protocol holds it.
func (d *Dispatcher) EndSerializeAndClose(ch wire.Channel, dst []byte) ([]platform.Handle, result.Code) {
	if d.Closed() {
		return nil, result.InvalidArgument
	}
	h, err := d.buf.PassHandle()
	if err != nil {
		return nil, result.FailedPrecondition
	}
	if len(dst) >= 4 {
		binary.LittleEndian.PutUint32(dst[:4], uint32(d.buf.NumBytes()))
	}
	d.MarkClosedOnly()
	return []platform.Handle{h}, result.OK
}

// Deserialize reconstructs a Dispatcher from EndSerializeAndClose's wire
// form — the msgpipe.Deserializer core supplies for dsp.SharedBuffer.
func Deserialize(support platform.Support, data []byte, handles []platform.Handle) (dsp.Dispatcher, result.Code) {
	if len(data) < 4 || len(handles) != 1 {
		return nil, result.InvalidArgument
	}
	numBytes := int(binary.LittleEndian.Uint32(data[:4]))
	buf, err := support.CreateSharedBufferFromHandle(numBytes, handles[0])
	if err != nil {
		return nil, result.FailedPrecondition
	}
	return New(buf, support), result.OK
}

// Unsupported on this type (§4.2).
func (d *Dispatcher) WriteMessage(dsp.Message, dsp.WriteFlags) result.Code {
	return result.InvalidArgument
}
func (d *Dispatcher) ReadMessage(int, int, dsp.ReadFlags) ([]byte, []dsp.Dispatcher, int, int, result.Code) {
	return nil, nil, 0, 0, result.InvalidArgument
}
func (d *Dispatcher) WriteData([]byte, dsp.WriteFlags) (int, result.Code) {
	return 0, result.InvalidArgument
}
func (d *Dispatcher) BeginWriteData(int) ([]byte, result.Code) { return nil, result.InvalidArgument }
func (d *Dispatcher) EndWriteData(int) result.Code             { return result.InvalidArgument }
func (d *Dispatcher) ReadData([]byte, dsp.ReadFlags) (int, result.Code) {
	return 0, result.InvalidArgument
}
func (d *Dispatcher) BeginReadData(int) ([]byte, result.Code) { return nil, result.InvalidArgument }
func (d *Dispatcher) EndReadData(int) result.Code             { return result.InvalidArgument }
func (d *Dispatcher) SetThreshold(int) result.Code             { return result.InvalidArgument }
