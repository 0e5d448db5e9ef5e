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

package msgpipe

import (
	"github.com/xtaci/corepipe/awakable"
	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// NewPair returns the two Local dispatchers of a fresh message pipe, the
// way core.CreateMessagePipe hands both ends to the caller in one call.
func NewPair(deserialize Deserializer) (*Dispatcher, *Dispatcher) {
	p := New(deserialize)
	return &Dispatcher{pipe: p, portIdx: 0}, &Dispatcher{pipe: p, portIdx: 1}
}

// NewReceivedEndpoint reconstructs the local half of a message pipe whose
// peer was transferred in from a remote process: port 1 starts out
// already Proxy-forwarding over ch, and the returned Dispatcher is port 0.
func NewReceivedEndpoint(ch wire.Channel, deserialize Deserializer) (*Dispatcher, result.Code) {
	p := New(deserialize)
	if code := p.ConvertToProxy(1, ch); !code.IsOK() {
		return nil, code
	}
	return &Dispatcher{pipe: p, portIdx: 0}, result.OK
}

// Dispatcher is the message-pipe dispatcher (C4 type MessagePipe). Whether
// its peer is Local or Proxy is entirely the underlying Pipe's concern —
// per §3, Local/Proxy are port states, not an observable dispatcher type.
type Dispatcher struct {
	dsp.Base
	pipe    *Pipe
	portIdx int
}

func (d *Dispatcher) Type() dsp.Type { return dsp.MessagePipe }

func (d *Dispatcher) Close() result.Code {
	d.Lock()
	defer d.Unlock()
	if !d.MarkClosedOnly() {
		return result.InvalidArgument
	}
	d.pipe.cancelAwakables(d.portIdx)
	d.pipe.Close(d.portIdx)
	return result.OK
}

func (d *Dispatcher) WriteMessage(msg dsp.Message, flags dsp.WriteFlags) result.Code {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return result.InvalidArgument
	}
	return d.pipe.WriteMessage(d.portIdx, msg)
}

func (d *Dispatcher) ReadMessage(maxBytes, maxHandles int, flags dsp.ReadFlags) ([]byte, []dsp.Dispatcher, int, int, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return nil, nil, 0, 0, result.InvalidArgument
	}
	return d.pipe.ReadMessage(d.portIdx, maxBytes, maxHandles, flags)
}

func (d *Dispatcher) GetHandleSignalsState() signal.State {
	return d.pipe.snapshot(d.portIdx)
}

func (d *Dispatcher) AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return d.pipe.snapshot(d.portIdx), result.InvalidArgument
	}
	return d.pipe.addAwakable(d.portIdx, a, mask, ctx, persistent)
}

func (d *Dispatcher) RemoveAwakable(a awakable.Awakable) signal.State {
	return d.pipe.removeAwakable(d.portIdx, a)
}

// InTwoPhase: message pipes have no two-phase operations (§4.7 scopes
// Begin/End pairs to data pipes only).
func (d *Dispatcher) InTwoPhase() bool { return false }

// CreateEquivalentDispatcherAndClose hands the same Pipe/port to a fresh
// dispatcher and closes the receiver, per §4.5: an in-process transfer of
// a message-pipe endpoint carries its port identity forward unchanged.
func (d *Dispatcher) CreateEquivalentDispatcherAndClose() (dsp.Dispatcher, result.Code) {
	if !d.MarkClosedOnly() {
		return nil, result.InvalidArgument
	}
	return &Dispatcher{pipe: d.pipe, portIdx: d.portIdx}, result.OK
}

// StartSerialize/EndSerializeAndClose implement crossing a process
// boundary (as opposed to CreateEquivalentDispatcherAndClose's in-process
// transfer): the port converts from Local to Proxy on ch, so writes the
// remaining local peer makes keep flowing to wherever this endpoint ends
// up, and this dispatcher itself closes. No payload bytes are needed on
// the wire beyond the attached-handle header codec.go already writes —
// the receiving side reconstructs state fresh via NewReceivedEndpoint.
func (d *Dispatcher) StartSerialize(ch wire.Channel) (int, int) { return 0, 0 }

func (d *Dispatcher) EndSerializeAndClose(ch wire.Channel, dst []byte) ([]platform.Handle, result.Code) {
	if !d.MarkClosedOnly() {
		return nil, result.InvalidArgument
	}
	if code := d.pipe.ConvertToProxy(d.portIdx, ch); !code.IsOK() {
		return nil, code
	}
	return nil, result.OK
}

// Unsupported on this type (§4.2: "unsupported entrypoints ... return
// INVALID_ARGUMENT").
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
func (d *Dispatcher) DuplicateBufferHandle() (dsp.Dispatcher, result.Code) {
	return nil, result.InvalidArgument
}
func (d *Dispatcher) MapBuffer(int, int) (platform.Mapping, result.Code) {
	return nil, result.InvalidArgument
}
