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

// Package datapipe implements the DataPipe secondary object (C8): a
// unidirectional fixed-element-size byte stream with two-phase and
// single-phase read/write and configurable thresholds, plus the producer
// and consumer dispatchers over it.
//
// Grounded on kcp-go/v5/ringbuffer.go for the circular-buffer arithmetic
// (ring.go) and on original_source/data_pipe_producer_dispatcher.cc /
// data_pipe_consumer_dispatcher.cc for the two-phase and threshold rules
// the ring buffer alone doesn't express.
package datapipe

import (
	"sync"

	"github.com/xtaci/corepipe/awakable"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
)

// DefaultElementSize/DefaultCapacity back the "implementation-defined
// default" capacity_num_bytes named in §6, sized the way kcptun's
// MaxStreamBuffer defaults (65536) are: generous enough not to stall a
// typical producer before the consumer catches up.
const (
	DefaultElementSize = 1
	DefaultCapacity    = 65536
)

// Options mirrors the creation parameters fixed at creation (§3).
type Options struct {
	ElementSize   int
	CapacityBytes int
}

// Pipe is the secondary object (C8). Its mutex (mu) is L3: below every
// dispatcher's Base.Mu (L2) in the lock hierarchy, and Pipe must never
// attempt to acquire a dispatcher's L2 lock.
type Pipe struct {
	mu sync.Mutex

	elementSize int
	buf         circularBuffer

	producerOpen bool
	consumerOpen bool

	producerTwoPhase bool
	consumerTwoPhase bool
	producerReserved int // length handed out by the outstanding BeginWriteData
	consumerReserved int // length handed out by the outstanding BeginReadData

	writeThreshold int
	readThreshold  int

	producerAwakables awakable.List
	consumerAwakables awakable.List
	producerState     signal.State
	consumerState     signal.State
}

// New validates Options (§3: element_size >= 1, capacity_bytes a multiple
// of element_size) and returns a Pipe with both ends open.
func New(opt Options) (*Pipe, result.Code) {
	if opt.ElementSize <= 0 {
		return nil, result.InvalidArgument
	}
	if opt.CapacityBytes <= 0 || opt.CapacityBytes%opt.ElementSize != 0 {
		return nil, result.InvalidArgument
	}
	p := &Pipe{
		elementSize:  opt.ElementSize,
		buf:          newCircularBuffer(opt.CapacityBytes),
		producerOpen: true,
		consumerOpen: true,
	}
	p.recompute()
	return p, result.OK
}

func (p *Pipe) effectiveWriteThreshold() int {
	if p.writeThreshold == 0 {
		return p.elementSize
	}
	return p.writeThreshold
}

func (p *Pipe) effectiveReadThreshold() int {
	if p.readThreshold == 0 {
		return p.elementSize
	}
	return p.readThreshold
}

// recompute derives both sides' signal state from the shared buffer state
// and delivers notifications. Caller must hold mu.
func (p *Pipe) recompute() {
	// Producer side (§4.7).
	var prod signal.State
	if !p.consumerOpen {
		// "signals collapse to {PEER_CLOSED} both satisfied and
		// satisfiable" once the consumer is gone.
		prod = signal.New(signal.PeerClosed, signal.PeerClosed)
	} else {
		sat := signal.Mask(0)
		satisfiable := signal.Writable | signal.WriteThreshold | signal.PeerClosed
		if p.producerOpen && !p.producerTwoPhase && p.buf.Free() >= p.elementSize {
			sat |= signal.Writable
		}
		if p.buf.Free() >= p.effectiveWriteThreshold() {
			sat |= signal.WriteThreshold
		}
		prod = signal.New(sat, satisfiable)
	}
	oldProd := p.producerState
	p.producerState = prod
	p.producerAwakables.OnStateChange(oldProd, prod)

	// Consumer side (§4.7): READABLE stays satisfiable until count==0 once
	// the producer has closed; this falls out naturally since count is
	// monotonically non-increasing after producerOpen goes false.
	var cons signal.State
	satisfiable := signal.PeerClosed
	if p.producerOpen || p.buf.Count() > 0 {
		satisfiable |= signal.Readable | signal.ReadThreshold
	}
	sat := signal.Mask(0)
	if !p.producerOpen {
		sat |= signal.PeerClosed
	}
	if p.consumerOpen && !p.consumerTwoPhase && p.buf.Count() >= p.elementSize {
		sat |= signal.Readable
	}
	if p.buf.Count() >= p.effectiveReadThreshold() {
		sat |= signal.ReadThreshold
	}
	cons = signal.New(sat, satisfiable)
	oldCons := p.consumerState
	p.consumerState = cons
	p.consumerAwakables.OnStateChange(oldCons, cons)
}

// --- producer-side operations, called by ProducerDispatcher after it has
// checked its closed flag under Base.Mu (L2) and released it, except
// CloseProducer, which Close calls with Base.Mu held; Pipe.mu (L3) is
// acquired here. ---

func (p *Pipe) WriteData(data []byte, allOrNone bool) (int, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data)%p.elementSize != 0 {
		return 0, result.InvalidArgument
	}
	if !p.consumerOpen {
		return 0, result.FailedPrecondition
	}
	if p.producerTwoPhase {
		return 0, result.FailedPrecondition
	}
	if allOrNone && len(data) > p.buf.Free() {
		return 0, result.OutOfRange
	}
	if p.buf.Free() == 0 {
		return 0, result.ShouldWait
	}
	n := p.buf.Write(data)
	p.recompute()
	return n, result.OK
}

func (p *Pipe) BeginWriteData(minBytes int) ([]byte, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.consumerOpen {
		return nil, result.FailedPrecondition
	}
	if p.producerTwoPhase {
		return nil, result.FailedPrecondition
	}
	if p.buf.Free() == 0 {
		return nil, result.ShouldWait
	}
	want := minBytes
	if want <= 0 || want > p.buf.Free() {
		want = p.buf.Free()
	}
	buf := p.buf.ContiguousWriteSlice(want)
	p.producerTwoPhase = true
	p.producerReserved = len(buf)
	p.recompute()
	return buf, result.OK
}

func (p *Pipe) EndWriteData(n int) result.Code {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.producerTwoPhase {
		return result.FailedPrecondition
	}
	defer func() {
		p.producerTwoPhase = false
		p.producerReserved = 0
		p.recompute()
	}()
	if n < 0 || n > p.producerReserved || n%p.elementSize != 0 {
		return result.InvalidArgument
	}
	p.buf.AdvanceWrite(n)
	return result.OK
}

func (p *Pipe) CloseProducer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.producerOpen {
		return
	}
	p.producerOpen = false
	p.producerTwoPhase = false
	p.recompute()
}

func (p *Pipe) SetWriteThreshold(bytes int) result.Code {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes < 0 || bytes%p.elementSize != 0 {
		return result.InvalidArgument
	}
	p.writeThreshold = bytes
	p.recompute()
	return result.OK
}

// --- consumer-side operations, called by ConsumerDispatcher the same way:
// after releasing Base.Mu (L2), except CloseConsumer from Close. ---

func (p *Pipe) ReadData(data []byte, discard, query, peek, allOrNone bool) (int, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data)%p.elementSize != 0 && !query {
		return 0, result.InvalidArgument
	}
	if p.consumerTwoPhase {
		return 0, result.FailedPrecondition
	}
	if query {
		return p.buf.Count(), result.OK
	}
	if allOrNone && len(data) > p.buf.Count() {
		return 0, result.OutOfRange
	}
	if p.buf.Count() == 0 {
		if !p.producerOpen {
			return 0, result.FailedPrecondition
		}
		return 0, result.ShouldWait
	}
	var n int
	switch {
	case discard:
		n = len(data)
		if n > p.buf.Count() {
			n = p.buf.Count()
		}
		p.buf.Discard(n)
	case peek:
		n = p.buf.Peek(data)
	default:
		n = p.buf.Read(data)
	}
	p.recompute()
	return n, result.OK
}

func (p *Pipe) BeginReadData(minBytes int) ([]byte, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consumerTwoPhase {
		return nil, result.FailedPrecondition
	}
	if p.buf.Count() == 0 {
		if !p.producerOpen {
			return nil, result.FailedPrecondition
		}
		return nil, result.ShouldWait
	}
	want := minBytes
	if want <= 0 || want > p.buf.Count() {
		want = p.buf.Count()
	}
	buf := p.buf.ContiguousReadSlice(want)
	p.consumerTwoPhase = true
	p.consumerReserved = len(buf)
	p.recompute()
	return buf, result.OK
}

func (p *Pipe) EndReadData(n int) result.Code {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.consumerTwoPhase {
		return result.FailedPrecondition
	}
	defer func() {
		p.consumerTwoPhase = false
		p.consumerReserved = 0
		p.recompute()
	}()
	if n < 0 || n > p.consumerReserved || n%p.elementSize != 0 {
		return result.InvalidArgument
	}
	p.buf.AdvanceRead(n)
	return result.OK
}

func (p *Pipe) CloseConsumer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.consumerOpen {
		return
	}
	p.consumerOpen = false
	p.consumerTwoPhase = false
	p.recompute()
}

func (p *Pipe) SetReadThreshold(bytes int) result.Code {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes < 0 || bytes%p.elementSize != 0 {
		return result.InvalidArgument
	}
	p.readThreshold = bytes
	p.recompute()
	return result.OK
}

// --- shared accessors used by both dispatcher sides ---

func (p *Pipe) producerSnapshot() signal.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.producerState
}

func (p *Pipe) consumerSnapshot() signal.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumerState
}

func (p *Pipe) addProducerAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producerState.Satisfies(mask) && !persistent {
		return p.producerState, result.AlreadyExists
	}
	if !p.producerState.CanSatisfy(mask) {
		return p.producerState, result.FailedPrecondition
	}
	p.producerAwakables.Add(a, mask, ctx, persistent)
	return p.producerState, result.OK
}

func (p *Pipe) removeProducerAwakable(a awakable.Awakable) signal.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producerAwakables.Remove(false, a, 0)
	return p.producerState
}

func (p *Pipe) addConsumerAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumerState.Satisfies(mask) && !persistent {
		return p.consumerState, result.AlreadyExists
	}
	if !p.consumerState.CanSatisfy(mask) {
		return p.consumerState, result.FailedPrecondition
	}
	p.consumerAwakables.Add(a, mask, ctx, persistent)
	return p.consumerState, result.OK
}

func (p *Pipe) removeConsumerAwakable(a awakable.Awakable) signal.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumerAwakables.Remove(false, a, 0)
	return p.consumerState
}

func (p *Pipe) cancelProducerAwakables() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producerAwakables.CancelAndRemoveAll()
}

func (p *Pipe) cancelConsumerAwakables() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumerAwakables.CancelAndRemoveAll()
}

func (p *Pipe) inProducerTwoPhase() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.producerTwoPhase
}

func (p *Pipe) inConsumerTwoPhase() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumerTwoPhase
}
