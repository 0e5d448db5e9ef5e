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

// Package msgpipe implements the message pipe (C7): a pair of
// bidirectional, FIFO, unbounded-queue ports, each independently either
// Local (its messages live in this process's memory) or Proxy (its
// messages are forwarded across a wire.Channel to wherever the peer
// endpoint was transferred). Grounded on smux.Session/smux.Stream
// (xtaci/kcptun's vendored dependency): a message pipe's two ports are
// architecturally the two ends of one smux stream — each side has its own
// read queue fed by the peer's writes, a FIN-style close the peer observes
// as PEER_CLOSED, and a wakeup-channel path (smux's chReadEvent)
// generalized here to the shared awakable.List machinery so it composes
// with Core's WaitMany (§4.4) instead of a bespoke select loop.
package msgpipe

import (
	"sync"

	"github.com/xtaci/corepipe/awakable"
	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// Deserializer reconstructs a Dispatcher from its wire-serialized form.
// Supplied by core — the only package that imports every dispatcher family
// (msgpipe, datapipe, sharedbuf) — so this package never needs to import
// its siblings to close the loop on an attached-handle receive.
type Deserializer func(typ dsp.Type, data []byte, handles []platform.Handle) (dsp.Dispatcher, result.Code)

// queuedMessage is one entry in a port's inbound queue.
type queuedMessage struct {
	bytes    []byte
	attached []dsp.Dispatcher
}

// port is one endpoint of the pipe. A Local port (proxyCh == nil) queues
// messages directly; a Proxy port forwards writes addressed to it across
// proxyCh instead, per §3's Local/Proxy port states.
type port struct {
	open      bool
	queue     []queuedMessage
	awakables awakable.List
	state     signal.State

	proxyCh   wire.Channel
	proxyStop chan struct{}
}

// Pipe is the secondary object shared by a message pipe's two dispatchers,
// guarded by a single L3 mutex the way smux.Session.streamLock guards both
// ends' bookkeeping in one place rather than per-stream locks that would
// need ordering between peers.
type Pipe struct {
	mu          sync.Mutex
	ports       [2]port
	deserialize Deserializer
}

// other returns the index of the peer port.
func other(i int) int { return i ^ 1 }

// New returns a fresh Pipe with both ports open and Local.
func New(deserialize Deserializer) *Pipe {
	p := &Pipe{deserialize: deserialize}
	for i := range p.ports {
		p.ports[i].open = true
		p.ports[i].state = signal.New(signal.Writable, signal.Readable|signal.Writable|signal.PeerClosed)
	}
	return p
}

// recomputeLocked derives port i's signal state from its queue/open/peer
// fields and notifies its awakables. Caller holds mu.
func (p *Pipe) recomputeLocked(i int) {
	port := &p.ports[i]
	if !port.open {
		return
	}
	peerOpen := p.ports[other(i)].open
	satisfiable := signal.Mask(0)
	satisfied := signal.Mask(0)
	if !peerOpen {
		// PEER_CLOSED is permanent once raised (§4.7: a port whose peer has
		// closed can never become un-PEER_CLOSED). WRITABLE is gone along
		// with it (§4.6: "WRITABLE satisfied <=> peer open").
		satisfied |= signal.PeerClosed
		satisfiable |= signal.PeerClosed
		if len(port.queue) > 0 {
			satisfiable |= signal.Readable
			satisfied |= signal.Readable
		}
	} else {
		satisfiable = signal.Readable | signal.Writable | signal.PeerClosed
		satisfied |= signal.Writable
		if len(port.queue) > 0 {
			satisfied |= signal.Readable
		}
	}
	next := signal.New(satisfied, satisfiable)
	old := port.state
	port.state = next
	port.awakables.OnStateChange(old, next)
}

// WriteMessage enqueues msg on the peer port (or forwards it over the
// peer's proxy channel, if the peer has been transferred away). Attached
// local dispatchers are converted to their transferred equivalents here,
// under the Pipe's lock, mirroring §4.5 step 4: "the destination port's
// secondary object receives the message with the already-transformed
// dispatchers attached."
func (p *Pipe) WriteMessage(portIdx int, msg dsp.Message) result.Code {
	p.mu.Lock()
	if !p.ports[portIdx].open {
		p.mu.Unlock()
		return result.InvalidArgument
	}
	peer := other(portIdx)
	if !p.ports[peer].open {
		p.mu.Unlock()
		return result.FailedPrecondition
	}

	if ch := p.ports[peer].proxyCh; ch != nil {
		p.mu.Unlock()
		return sendFrame(ch, msg)
	}

	var transferred []dsp.Dispatcher
	if len(msg.Attached) > 0 {
		transferred = make([]dsp.Dispatcher, len(msg.Attached))
		for i, d := range msg.Attached {
			equiv, code := d.CreateEquivalentDispatcherAndClose()
			if !code.IsOK() {
				p.mu.Unlock()
				return code
			}
			transferred[i] = equiv
		}
	}

	body := append([]byte(nil), msg.Bytes...)
	p.ports[peer].queue = append(p.ports[peer].queue, queuedMessage{bytes: body, attached: transferred})
	p.recomputeLocked(peer)
	p.mu.Unlock()
	return result.OK
}

// ReadMessage pops the head message of portIdx's own queue, subject to
// maxBytes/maxHandles and flags (§4.6/§7). dsp.ReadDiscard is reused here
// as the message-pipe MAY_DISCARD flag, since both mean "it is fine to
// drop data that does not fit."
func (p *Pipe) ReadMessage(portIdx int, maxBytes, maxHandles int, flags dsp.ReadFlags) ([]byte, []dsp.Dispatcher, int, int, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port := &p.ports[portIdx]
	if !port.open {
		return nil, nil, 0, 0, result.InvalidArgument
	}
	if len(port.queue) == 0 {
		if !p.ports[other(portIdx)].open {
			return nil, nil, 0, 0, result.FailedPrecondition
		}
		return nil, nil, 0, 0, result.ShouldWait
	}

	head := port.queue[0]
	needBytes, needHandles := len(head.bytes), len(head.attached)
	if needBytes > maxBytes || needHandles > maxHandles {
		if flags&dsp.ReadDiscard != 0 {
			port.queue = port.queue[1:]
			p.recomputeLocked(portIdx)
		}
		return nil, nil, needBytes, needHandles, result.ResourceExhausted
	}

	port.queue = port.queue[1:]
	p.recomputeLocked(portIdx)
	return head.bytes, head.attached, needBytes, needHandles, result.OK
}

// Close marks portIdx closed, cancels its own waiters, tears down any
// forwarding goroutine on the peer side and notifies the peer's
// PEER_CLOSED transition.
func (p *Pipe) Close(portIdx int) {
	p.mu.Lock()
	if !p.ports[portIdx].open {
		p.mu.Unlock()
		return
	}
	p.ports[portIdx].open = false
	p.ports[portIdx].awakables.CancelAndRemoveAll()
	peer := other(portIdx)
	var peerCh wire.Channel
	var peerStop chan struct{}
	if p.ports[peer].proxyCh != nil {
		peerCh = p.ports[peer].proxyCh
		peerStop = p.ports[peer].proxyStop
	}
	p.recomputeLocked(peer)
	p.mu.Unlock()

	if peerCh != nil {
		close(peerStop)
		peerCh.Close()
	}
}

// ConvertToProxy transitions portIdx from Local to Proxy: writes addressed
// to it are forwarded over ch instead of queued locally, and a background
// goroutine decodes inbound wire frames into the peer port's queue. Used
// by Dispatcher.EndSerializeAndClose when its endpoint is itself being
// transferred across a Channel (§4.5/§3), and by NewReceivedEndpoint.
func (p *Pipe) ConvertToProxy(portIdx int, ch wire.Channel) result.Code {
	p.mu.Lock()
	if !p.ports[portIdx].open {
		p.mu.Unlock()
		return result.InvalidArgument
	}
	stop := make(chan struct{})
	p.ports[portIdx].proxyCh = ch
	p.ports[portIdx].proxyStop = stop
	p.mu.Unlock()

	go p.recvLoop(portIdx, ch, stop)
	return result.OK
}

// recvLoop delivers frames arriving on a proxy port's channel into the
// peer (locally-held) port's queue, until the channel errors or stop
// fires.
func (p *Pipe) recvLoop(portIdx int, ch wire.Channel, stop chan struct{}) {
	peer := other(portIdx)
	for {
		payload, handles, err := ch.Recv()
		if err != nil {
			return
		}
		msg, code := decodeFrame(payload, handles, p.deserialize)
		if !code.IsOK() {
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
		p.mu.Lock()
		if !p.ports[peer].open {
			p.mu.Unlock()
			return
		}
		p.ports[peer].queue = append(p.ports[peer].queue, msg)
		p.recomputeLocked(peer)
		p.mu.Unlock()
	}
}

func (p *Pipe) snapshot(portIdx int) signal.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports[portIdx].state
}

func (p *Pipe) addAwakable(portIdx int, a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := &p.ports[portIdx]
	if !port.open {
		return port.state, result.InvalidArgument
	}
	if port.state.Satisfies(mask) && !persistent {
		return port.state, result.AlreadyExists
	}
	if !port.state.CanSatisfy(mask) {
		return port.state, result.FailedPrecondition
	}
	port.awakables.Add(a, mask, ctx, persistent)
	return port.state, result.OK
}

func (p *Pipe) removeAwakable(portIdx int, a awakable.Awakable) signal.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := &p.ports[portIdx]
	port.awakables.Remove(false, a, 0)
	return port.state
}

func (p *Pipe) cancelAwakables(portIdx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports[portIdx].awakables.CancelAndRemoveAll()
}
