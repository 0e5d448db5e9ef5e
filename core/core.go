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

// Package core implements the Core facade (C6): the single entry point
// applications use to create pipes/buffers, transfer them between each
// other, and wait on their signals. Grounded on smux.Session as the "one
// object that owns the handle table and every operation funnels through"
// shape, with error-wrapping at this boundary done via github.com/pkg/errors
// exactly as server/config.go and client/main.go report failures up to
// their CLI layer.
package core

import (
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/corepipe/awakable"
	"github.com/xtaci/corepipe/datapipe"
	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/handle"
	"github.com/xtaci/corepipe/metrics"
	"github.com/xtaci/corepipe/msgpipe"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/sharedbuf"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// Core owns one process's handle table and the platform collaborators
// every dispatcher family needs (§6).
type Core struct {
	handles *handle.Table
	support platform.Support
	clock   platform.TimeSource
	metrics *metrics.Collector
}

// Option configures a Core at construction.
type Option func(*Core)

// WithSupport overrides the default in-process platform.Support.
func WithSupport(s platform.Support) Option { return func(c *Core) { c.support = s } }

// WithClock overrides the default platform.SystemClock.
func WithClock(t platform.TimeSource) Option { return func(c *Core) { c.clock = t } }

// WithMetrics attaches a metrics.Collector; nil (the default) disables
// metrics entirely since every Collector method tolerates a nil receiver.
func WithMetrics(m *metrics.Collector) Option { return func(c *Core) { c.metrics = m } }

// New returns a ready Core.
func New(opts ...Option) *Core {
	c := &Core{
		handles: handle.New(),
		support: platform.NewInProcessSupport(),
		clock:   platform.SystemClock{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Core) deserialize(typ dsp.Type, data []byte, handles []platform.Handle) (dsp.Dispatcher, result.Code) {
	switch typ {
	case dsp.SharedBuffer:
		return sharedbuf.Deserialize(c.support, data, handles)
	default:
		// §1 scopes cross-process transfer of message/data pipe endpoints
		// to the Local<->Proxy port mechanism (handled inside msgpipe
		// itself via NewReceivedEndpoint), not through this dispatch —
		// only SharedBuffer crosses the wire through Start/EndSerialize.
		return nil, result.Unimplemented
	}
}

func (c *Core) trackHandles() { c.metrics.SetHandlesInUse(c.handles.Len()) }

// CreateMessagePipe returns both ends of a fresh message pipe (C6).
// rawOptions is the wire-encoded MessagePipeOptions (§6); nil means
// "no options supplied, use defaults."
func (c *Core) CreateMessagePipe(rawOptions []byte) (h0, h1 handle.Value, code result.Code) {
	if rawOptions != nil {
		var opt msgpipe.Options
		if code := wire.DecodeOptions(rawOptions, &opt); !code.IsOK() {
			return 0, 0, code
		}
	}
	d0, d1 := msgpipe.NewPair(c.deserialize)
	defer c.trackHandles()
	h0, code = c.handles.Add(d0, handle.RightsAll)
	if !code.IsOK() {
		d0.Close()
		d1.Close()
		return 0, 0, code
	}
	h1, code = c.handles.Add(d1, handle.RightsAll)
	if !code.IsOK() {
		c.handles.Close(h0)
		d1.Close()
		return 0, 0, code
	}
	return h0, h1, result.OK
}

// CreateDataPipe returns (producer, consumer) handles for a fresh data
// pipe (C8). rawOptions is the wire-encoded DataPipeOptions (§6); nil
// means "use the default element/capacity sizes."
func (c *Core) CreateDataPipe(rawOptions []byte) (producer, consumer handle.Value, code result.Code) {
	wopt := datapipe.WireOptions{
		ElementBytes:  datapipe.DefaultElementSize,
		CapacityBytes: datapipe.DefaultCapacity,
	}
	if rawOptions != nil {
		if code := wire.DecodeOptions(rawOptions, &wopt); !code.IsOK() {
			return 0, 0, code
		}
	}
	opt := datapipe.Options{
		ElementSize:   int(wopt.ElementBytes),
		CapacityBytes: int(wopt.CapacityBytes),
	}
	dp, dc, code := datapipe.NewPair(opt)
	if !code.IsOK() {
		return 0, 0, code
	}
	defer c.trackHandles()
	producer, code = c.handles.Add(dp, handle.RightWrite|handle.RightTransfer|handle.RightGetOptions|handle.RightSetOptions|handle.RightDuplicate)
	if !code.IsOK() {
		dp.Close()
		dc.Close()
		return 0, 0, code
	}
	consumer, code = c.handles.Add(dc, handle.RightRead|handle.RightTransfer|handle.RightGetOptions|handle.RightSetOptions|handle.RightDuplicate)
	if !code.IsOK() {
		c.handles.Close(producer)
		dc.Close()
		return 0, 0, code
	}
	return producer, consumer, result.OK
}

// CreateSharedBuffer returns a handle to a fresh shared buffer (C9).
// rawOptions is the wire-encoded SharedBufferOptions (§6), FlagsOnly-
// shaped; nil means "no options supplied."
func (c *Core) CreateSharedBuffer(numBytes int, rawOptions []byte) (handle.Value, result.Code) {
	if rawOptions != nil {
		var opt wire.FlagsOnly
		if code := wire.DecodeOptions(rawOptions, &opt); !code.IsOK() {
			return 0, code
		}
		if code := wire.KnownFlag(opt.Flags, 0); !code.IsOK() {
			return 0, code
		}
	}
	buf, err := c.support.CreateSharedBuffer(numBytes)
	if err != nil {
		return 0, result.InvalidArgument
	}
	d := sharedbuf.New(buf, c.support)
	defer c.trackHandles()
	return c.handles.Add(d, handle.RightsAll)
}

// Close releases a handle (§4.2).
func (c *Core) Close(h handle.Value) result.Code {
	defer c.trackHandles()
	return c.handles.Close(h)
}

// WriteMessage writes data plus the dispatchers behind attached onto h,
// orchestrating the §4.5 handle-transfer protocol when attached is
// non-empty: mark busy, hand the message's secondary object the already-
// locked dispatchers to transform, then finalize or roll back the whole
// batch depending on the outcome.
func (c *Core) WriteMessage(h handle.Value, data []byte, attached []handle.Value, flags dsp.WriteFlags) result.Code {
	for _, a := range attached {
		if a == h {
			// §4.5: attaching a handle to the very message being written on
			// it is a transient self-reference conflict, not a malformed
			// argument.
			return result.Busy
		}
	}
	d, code := c.handles.Get(h, handle.RightWrite)
	if !code.IsOK() {
		return code
	}

	if len(attached) == 0 {
		return d.WriteMessage(dsp.Message{Bytes: data}, flags)
	}

	transports, code := c.handles.MarkBusyAndStartTransport(attached, handle.RightTransfer)
	if !code.IsOK() {
		return code
	}
	disps := make([]dsp.Dispatcher, len(transports))
	for i, tr := range transports {
		disps[i] = tr.Dispatcher
	}
	wcode := d.WriteMessage(dsp.Message{Bytes: data, Attached: disps}, flags)
	if wcode.IsOK() {
		c.handles.RemoveBusyHandles(attached)
	} else {
		c.handles.RestoreBusyHandles(attached)
	}
	c.trackHandles()
	return wcode
}

// ReadMessage reads the head message off h, inserting any attached
// dispatchers into the handle table as fresh handle values (§4.6).
func (c *Core) ReadMessage(h handle.Value, maxBytes, maxHandles int, flags dsp.ReadFlags) (data []byte, attached []handle.Value, requiredBytes, requiredHandles int, code result.Code) {
	d, code := c.handles.Get(h, handle.RightRead)
	if !code.IsOK() {
		return nil, nil, 0, 0, code
	}
	data, disps, requiredBytes, requiredHandles, code := d.ReadMessage(maxBytes, maxHandles, flags)
	if !code.IsOK() {
		return nil, nil, requiredBytes, requiredHandles, code
	}
	if len(disps) == 0 {
		return data, nil, requiredBytes, requiredHandles, result.OK
	}
	attached = make([]handle.Value, len(disps))
	for i, rd := range disps {
		v, acode := c.handles.Add(rd, rightsForType(rd.Type()))
		if !acode.IsOK() {
			for _, done := range attached[:i] {
				c.handles.Close(done)
			}
			rd.Close()
			return nil, nil, requiredBytes, requiredHandles, result.ResourceExhausted
		}
		attached[i] = v
	}
	c.trackHandles()
	return data, attached, requiredBytes, requiredHandles, result.OK
}

func rightsForType(t dsp.Type) handle.Rights {
	switch t {
	case dsp.DataPipeProducer:
		return handle.RightWrite | handle.RightTransfer | handle.RightGetOptions | handle.RightSetOptions | handle.RightDuplicate
	case dsp.DataPipeConsumer:
		return handle.RightRead | handle.RightTransfer | handle.RightGetOptions | handle.RightSetOptions | handle.RightDuplicate
	default:
		return handle.RightsAll
	}
}

// WriteData/ReadData and their two-phase counterparts delegate straight to
// the data-pipe dispatcher behind h (§4.7).

func (c *Core) WriteData(h handle.Value, data []byte, flags dsp.WriteFlags) (int, result.Code) {
	d, code := c.handles.Get(h, handle.RightWrite)
	if !code.IsOK() {
		return 0, code
	}
	n, code := d.WriteData(data, flags)
	c.metrics.AddBytesWritten(n)
	return n, code
}

func (c *Core) BeginWriteData(h handle.Value, minBytes int) ([]byte, result.Code) {
	d, code := c.handles.Get(h, handle.RightWrite)
	if !code.IsOK() {
		return nil, code
	}
	return d.BeginWriteData(minBytes)
}

func (c *Core) EndWriteData(h handle.Value, written int) result.Code {
	d, code := c.handles.Get(h, handle.RightWrite)
	if !code.IsOK() {
		return code
	}
	code = d.EndWriteData(written)
	if code.IsOK() {
		c.metrics.AddBytesWritten(written)
	}
	return code
}

func (c *Core) ReadData(h handle.Value, data []byte, flags dsp.ReadFlags) (int, result.Code) {
	d, code := c.handles.Get(h, handle.RightRead)
	if !code.IsOK() {
		return 0, code
	}
	n, code := d.ReadData(data, flags)
	c.metrics.AddBytesRead(n)
	return n, code
}

func (c *Core) BeginReadData(h handle.Value, minBytes int) ([]byte, result.Code) {
	d, code := c.handles.Get(h, handle.RightRead)
	if !code.IsOK() {
		return nil, code
	}
	return d.BeginReadData(minBytes)
}

func (c *Core) EndReadData(h handle.Value, read int) result.Code {
	d, code := c.handles.Get(h, handle.RightRead)
	if !code.IsOK() {
		return code
	}
	code = d.EndReadData(read)
	if code.IsOK() {
		c.metrics.AddBytesRead(read)
	}
	return code
}

// SetThreshold applies the wire-encoded DataPipeProducerOptions/
// DataPipeConsumerOptions threshold (§4.7/§6) to h.
func (c *Core) SetThreshold(h handle.Value, rawOptions []byte) result.Code {
	d, code := c.handles.Get(h, handle.RightSetOptions)
	if !code.IsOK() {
		return code
	}
	var opt datapipe.ThresholdOptions
	if code := wire.DecodeOptions(rawOptions, &opt); !code.IsOK() {
		return code
	}
	return d.SetThreshold(int(opt.ThresholdBytes))
}

// DuplicateBufferHandle returns a new handle sharing the same backing
// memory as h (§4.8). rawOptions is the wire-encoded
// DuplicateBufferHandleOptions (§6), FlagsOnly-shaped; nil means "no
// options supplied."
func (c *Core) DuplicateBufferHandle(h handle.Value, rawOptions []byte) (handle.Value, result.Code) {
	d, code := c.handles.Get(h, handle.RightDuplicate)
	if !code.IsOK() {
		return 0, code
	}
	if rawOptions != nil {
		var opt wire.FlagsOnly
		if code := wire.DecodeOptions(rawOptions, &opt); !code.IsOK() {
			return 0, code
		}
		if code := wire.KnownFlag(opt.Flags, 0); !code.IsOK() {
			return 0, code
		}
	}
	dup, code := d.DuplicateBufferHandle()
	if !code.IsOK() {
		return 0, code
	}
	defer c.trackHandles()
	return c.handles.Add(dup, handle.RightsAll)
}

// MapBuffer returns a live mapping over h's backing memory (§4.8); the
// mapping outlives h. rawOptions is the wire-encoded MapBufferOptions
// (§6), FlagsOnly-shaped; nil means "no options supplied."
func (c *Core) MapBuffer(h handle.Value, offset, numBytes int, rawOptions []byte) (platform.Mapping, result.Code) {
	d, code := c.handles.Get(h, handle.RightMap)
	if !code.IsOK() {
		return nil, code
	}
	if rawOptions != nil {
		var opt wire.FlagsOnly
		if code := wire.DecodeOptions(rawOptions, &opt); !code.IsOK() {
			return nil, code
		}
		if code := wire.KnownFlag(opt.Flags, 0); !code.IsOK() {
			return nil, code
		}
	}
	return d.MapBuffer(offset, numBytes)
}

// GetHandleSignalsState returns h's current signal snapshot.
func (c *Core) GetHandleSignalsState(h handle.Value) (signal.State, result.Code) {
	d, code := c.handles.Get(h, handle.RightsNone)
	if !code.IsOK() {
		return signal.State{}, code
	}
	return d.GetHandleSignalsState(), result.OK
}

// Wait blocks until h satisfies mask, becomes permanently unable to, or
// deadline passes (§4.4's single-handle case, built on WaitMany).
func (c *Core) Wait(h handle.Value, mask signal.Mask, deadline time.Time) (signal.State, result.Code) {
	_, state, code := c.WaitMany([]handle.Value{h}, []signal.Mask{mask}, deadline)
	return state, code
}

// WaitMany implements §4.4's algorithm: register one Waiter against every
// handle, and if none was immediately resolved during registration, block
// until the first one wakes or deadline passes. Returns the index into
// handles/masks that resolved, its signal snapshot, and the result code.
func (c *Core) WaitMany(handles []handle.Value, masks []signal.Mask, deadline time.Time) (index int, state signal.State, code result.Code) {
	if len(handles) != len(masks) || len(handles) == 0 {
		return -1, signal.State{}, result.InvalidArgument
	}

	w := awakable.NewWaiter()
	dispatchers := make([]dsp.Dispatcher, len(handles))
	registered := make([]bool, len(handles))

	resolvedIdx := -1
	var resolvedCode result.Code
	var resolvedState signal.State

	for i, h := range handles {
		d, gcode := c.handles.Get(h, handle.RightsNone)
		if !gcode.IsOK() {
			resolvedIdx, resolvedCode = i, gcode
			break
		}
		dispatchers[i] = d
		st, acode := d.AddAwakable(w, masks[i], uint64(i), false)
		switch acode {
		case result.OK:
			registered[i] = true
		case result.AlreadyExists:
			resolvedIdx, resolvedCode, resolvedState = i, result.OK, st
		case result.FailedPrecondition:
			resolvedIdx, resolvedCode, resolvedState = i, result.FailedPrecondition, st
		default:
			resolvedIdx, resolvedCode = i, acode
		}
		if resolvedIdx >= 0 {
			break
		}
	}

	if resolvedIdx < 0 {
		wcode, ctx := w.Wait(deadline)
		resolvedIdx = int(ctx)
		resolvedCode = wcode
		if resolvedIdx >= 0 && resolvedIdx < len(dispatchers) && dispatchers[resolvedIdx] != nil {
			resolvedState = dispatchers[resolvedIdx].GetHandleSignalsState()
		}
	}

	for i, wasRegistered := range registered {
		if wasRegistered && dispatchers[i] != nil {
			dispatchers[i].RemoveAwakable(w)
		}
	}

	if c.metrics != nil {
		c.metrics.ObserveWakeup(resolvedCode.String())
	}
	return resolvedIdx, resolvedState, resolvedCode
}

// SendMessagePipeEndpoint transfers h, which must name a message-pipe
// endpoint, across ch: the endpoint's port converts from Local to Proxy
// (§3/§4.5) and h stops being valid in this Core, exactly as if it had been
// attached to a message and written to some other pipe, except the
// "carrier" here is ch itself rather than another handle.
func (c *Core) SendMessagePipeEndpoint(h handle.Value, ch wire.Channel) result.Code {
	d, code := c.handles.Get(h, handle.RightTransfer)
	if !code.IsOK() {
		return code
	}
	if d.Type() != dsp.MessagePipe {
		return result.InvalidArgument
	}
	if _, code := d.EndSerializeAndClose(ch, nil); !code.IsOK() {
		return code
	}
	c.handles.Remove(h, handle.RightsNone)
	c.trackHandles()
	return result.OK
}

// OpenReceivedMessagePipeEndpoint reconstructs the local half of a message
// pipe whose peer arrived over ch from another process (the Proxy-port
// side of §3/§4.5), returning a fresh handle for it.
func (c *Core) OpenReceivedMessagePipeEndpoint(ch wire.Channel) (handle.Value, result.Code) {
	d, code := msgpipe.NewReceivedEndpoint(ch, c.deserialize)
	if !code.IsOK() {
		return 0, code
	}
	defer c.trackHandles()
	return c.handles.Add(d, handle.RightsAll)
}

// WrapError adapts a result.Code into an error carrying op context, for
// callers (cmd/corepiped) that want a single error value instead of a
// Code to log or return up a standard Go call chain.
func WrapError(op string, code result.Code) error {
	if code.IsOK() {
		return nil
	}
	return errors.Wrap(code, op)
}
