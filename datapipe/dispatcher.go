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

package datapipe

import (
	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/awakable"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// NewPair returns a (producer, consumer) dispatcher pair over a fresh Pipe,
// the way core.CreateDataPipe hands both halves to the caller in one call.
func NewPair(opt Options) (*ProducerDispatcher, *ConsumerDispatcher, result.Code) {
	p, code := New(opt)
	if !code.IsOK() {
		return nil, nil, code
	}
	return &ProducerDispatcher{pipe: p}, &ConsumerDispatcher{pipe: p}, result.OK
}

// ProducerDispatcher is the write-end dispatcher (C4 type
// DataPipeProducer).
type ProducerDispatcher struct {
	dsp.Base
	pipe *Pipe
}

func (d *ProducerDispatcher) Type() dsp.Type { return dsp.DataPipeProducer }

func (d *ProducerDispatcher) Close() result.Code {
	d.Lock()
	defer d.Unlock()
	if !d.MarkClosedOnly() {
		return result.InvalidArgument
	}
	d.pipe.cancelProducerAwakables()
	d.pipe.CloseProducer()
	return result.OK
}

func (d *ProducerDispatcher) WriteData(data []byte, flags dsp.WriteFlags) (int, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return 0, result.InvalidArgument
	}
	return d.pipe.WriteData(data, flags&dsp.WriteAllOrNone != 0)
}

func (d *ProducerDispatcher) BeginWriteData(minBytes int) ([]byte, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return nil, result.InvalidArgument
	}
	return d.pipe.BeginWriteData(minBytes)
}

func (d *ProducerDispatcher) EndWriteData(n int) result.Code {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return result.InvalidArgument
	}
	return d.pipe.EndWriteData(n)
}

// SetThreshold updates the write threshold (§4.7 SetOptions).
func (d *ProducerDispatcher) SetThreshold(writeThresholdBytes int) result.Code {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return result.InvalidArgument
	}
	return d.pipe.SetWriteThreshold(writeThresholdBytes)
}

func (d *ProducerDispatcher) GetHandleSignalsState() signal.State {
	return d.pipe.producerSnapshot()
}

func (d *ProducerDispatcher) AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return d.pipe.producerSnapshot(), result.InvalidArgument
	}
	return d.pipe.addProducerAwakable(a, mask, ctx, persistent)
}

func (d *ProducerDispatcher) RemoveAwakable(a awakable.Awakable) signal.State {
	return d.pipe.removeProducerAwakable(a)
}

func (d *ProducerDispatcher) InTwoPhase() bool { return d.pipe.inProducerTwoPhase() }

// CreateEquivalentDispatcherAndClose hands the same Pipe to a fresh
// dispatcher and closes the receiver, per §4.5: "a transferred data-pipe
// producer ... carries the same secondary object to the new dispatcher".
func (d *ProducerDispatcher) CreateEquivalentDispatcherAndClose() (dsp.Dispatcher, result.Code) {
	if !d.MarkClosedOnly() {
		return nil, result.InvalidArgument
	}
	return &ProducerDispatcher{pipe: d.pipe}, result.OK
}

func (d *ProducerDispatcher) StartSerialize(wire.Channel) (int, int) {
	// Cross-Channel data-pipe serialization (as opposed to
	// local transfer via CreateEquivalentDispatcherAndClose) is out of
	// scope — the spec never defines a remote data-pipe proxy the way it
	// defines Local/Proxy message-pipe ports (§3).
	return 0, 0
}

func (d *ProducerDispatcher) EndSerializeAndClose(wire.Channel, []byte) ([]platform.Handle, result.Code) {
	return nil, result.Unimplemented
}

// Unsupported on this type (§4.2's "unsupported entrypoints ... return
// INVALID_ARGUMENT").
func (d *ProducerDispatcher) ReadData(data []byte, flags dsp.ReadFlags) (int, result.Code) {
	return 0, result.InvalidArgument
}
func (d *ProducerDispatcher) BeginReadData(int) ([]byte, result.Code) { return nil, result.InvalidArgument }
func (d *ProducerDispatcher) EndReadData(int) result.Code             { return result.InvalidArgument }
func (d *ProducerDispatcher) WriteMessage(dsp.Message, dsp.WriteFlags) result.Code {
	return result.InvalidArgument
}
func (d *ProducerDispatcher) ReadMessage(int, int, dsp.ReadFlags) ([]byte, []dsp.Dispatcher, int, int, result.Code) {
	return nil, nil, 0, 0, result.InvalidArgument
}
func (d *ProducerDispatcher) DuplicateBufferHandle() (dsp.Dispatcher, result.Code) {
	return nil, result.InvalidArgument
}
func (d *ProducerDispatcher) MapBuffer(int, int) (platform.Mapping, result.Code) {
	return nil, result.InvalidArgument
}

// ConsumerDispatcher is the read-end dispatcher (C4 type
// DataPipeConsumer).
type ConsumerDispatcher struct {
	dsp.Base
	pipe *Pipe
}

func (d *ConsumerDispatcher) Type() dsp.Type { return dsp.DataPipeConsumer }

func (d *ConsumerDispatcher) Close() result.Code {
	d.Lock()
	defer d.Unlock()
	if !d.MarkClosedOnly() {
		return result.InvalidArgument
	}
	d.pipe.cancelConsumerAwakables()
	d.pipe.CloseConsumer()
	return result.OK
}

func (d *ConsumerDispatcher) ReadData(data []byte, flags dsp.ReadFlags) (int, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return 0, result.InvalidArgument
	}
	discard := flags&dsp.ReadDiscard != 0
	query := flags&dsp.ReadQuery != 0
	peek := flags&dsp.ReadPeek != 0
	if (discard && query) || (discard && peek) || (query && peek) {
		return 0, result.InvalidArgument
	}
	allOrNone := flags&dsp.ReadAllOrNone != 0
	return d.pipe.ReadData(data, discard, query, peek, allOrNone)
}

func (d *ConsumerDispatcher) BeginReadData(minBytes int) ([]byte, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return nil, result.InvalidArgument
	}
	return d.pipe.BeginReadData(minBytes)
}

func (d *ConsumerDispatcher) EndReadData(n int) result.Code {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return result.InvalidArgument
	}
	return d.pipe.EndReadData(n)
}

// SetThreshold updates the read threshold (§4.7 SetOptions).
func (d *ConsumerDispatcher) SetThreshold(readThresholdBytes int) result.Code {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return result.InvalidArgument
	}
	return d.pipe.SetReadThreshold(readThresholdBytes)
}

func (d *ConsumerDispatcher) GetHandleSignalsState() signal.State {
	return d.pipe.consumerSnapshot()
}

func (d *ConsumerDispatcher) AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	d.Lock()
	closed := d.Closed()
	d.Unlock()
	if closed {
		return d.pipe.consumerSnapshot(), result.InvalidArgument
	}
	return d.pipe.addConsumerAwakable(a, mask, ctx, persistent)
}

func (d *ConsumerDispatcher) RemoveAwakable(a awakable.Awakable) signal.State {
	return d.pipe.removeConsumerAwakable(a)
}

func (d *ConsumerDispatcher) InTwoPhase() bool { return d.pipe.inConsumerTwoPhase() }

func (d *ConsumerDispatcher) CreateEquivalentDispatcherAndClose() (dsp.Dispatcher, result.Code) {
	if !d.MarkClosedOnly() {
		return nil, result.InvalidArgument
	}
	return &ConsumerDispatcher{pipe: d.pipe}, result.OK
}

func (d *ConsumerDispatcher) StartSerialize(wire.Channel) (int, int) { return 0, 0 }
func (d *ConsumerDispatcher) EndSerializeAndClose(wire.Channel, []byte) ([]platform.Handle, result.Code) {
	return nil, result.Unimplemented
}

func (d *ConsumerDispatcher) WriteData([]byte, dsp.WriteFlags) (int, result.Code) {
	return 0, result.InvalidArgument
}
func (d *ConsumerDispatcher) BeginWriteData(int) ([]byte, result.Code) { return nil, result.InvalidArgument }
func (d *ConsumerDispatcher) EndWriteData(int) result.Code             { return result.InvalidArgument }
func (d *ConsumerDispatcher) WriteMessage(dsp.Message, dsp.WriteFlags) result.Code {
	return result.InvalidArgument
}
func (d *ConsumerDispatcher) ReadMessage(int, int, dsp.ReadFlags) ([]byte, []dsp.Dispatcher, int, int, result.Code) {
	return nil, nil, 0, 0, result.InvalidArgument
}
func (d *ConsumerDispatcher) DuplicateBufferHandle() (dsp.Dispatcher, result.Code) {
	return nil, result.InvalidArgument
}
func (d *ConsumerDispatcher) MapBuffer(int, int) (platform.Mapping, result.Code) {
	return nil, result.InvalidArgument
}
