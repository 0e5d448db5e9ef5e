package msgpipe

import (
	"testing"
	"time"

	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWriteReadRoundTrip(t *testing.T) {
	a, b := NewPair(nil)
	if code := a.WriteMessage(dsp.Message{Bytes: []byte("ping")}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	data, attached, needBytes, needHandles, code := b.ReadMessage(64, 8, 0)
	if !code.IsOK() || string(data) != "ping" || len(attached) != 0 {
		t.Fatalf("ReadMessage: data=%q attached=%v needBytes=%d needHandles=%d code=%v", data, attached, needBytes, needHandles, code)
	}
}

func TestReadShouldWaitWhenEmpty(t *testing.T) {
	_, b := NewPair(nil)
	_, _, _, _, code := b.ReadMessage(64, 8, 0)
	if code != result.ShouldWait {
		t.Fatalf("want ShouldWait, got %v", code)
	}
}

func TestCloseYieldsPeerClosed(t *testing.T) {
	a, b := NewPair(nil)
	if code := a.Close(); !code.IsOK() {
		t.Fatalf("Close: %v", code)
	}
	state := b.GetHandleSignalsState()
	if !state.Satisfies(signal.PeerClosed) {
		t.Fatalf("want PEER_CLOSED satisfied, got %+v", state)
	}
	_, _, _, _, code := b.ReadMessage(64, 8, 0)
	if code != result.FailedPrecondition {
		t.Fatalf("want FailedPrecondition on empty queue after peer close, got %v", code)
	}
}

func TestResourceExhaustedLeavesMessageUnlessDiscard(t *testing.T) {
	a, b := NewPair(nil)
	if code := a.WriteMessage(dsp.Message{Bytes: make([]byte, 32)}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	_, _, needBytes, _, code := b.ReadMessage(4, 8, 0)
	if code != result.ResourceExhausted || needBytes != 32 {
		t.Fatalf("want ResourceExhausted/32, got needBytes=%d code=%v", needBytes, code)
	}
	// Message must still be at the head: a big-enough read now succeeds.
	data, _, _, _, code := b.ReadMessage(64, 8, 0)
	if !code.IsOK() || len(data) != 32 {
		t.Fatalf("message was dropped despite no MAY_DISCARD flag: code=%v len=%d", code, len(data))
	}
}

func TestResourceExhaustedWithDiscardDropsMessage(t *testing.T) {
	a, b := NewPair(nil)
	if code := a.WriteMessage(dsp.Message{Bytes: make([]byte, 32)}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	_, _, _, _, code := b.ReadMessage(4, 8, dsp.ReadDiscard)
	if code != result.ResourceExhausted {
		t.Fatalf("want ResourceExhausted, got %v", code)
	}
	_, _, _, _, code = b.ReadMessage(64, 8, 0)
	if code != result.ShouldWait {
		t.Fatalf("want ShouldWait after discard, got %v", code)
	}
}

func TestAwaitReadableWakesOnWrite(t *testing.T) {
	a, b := NewPair(nil)
	done := make(chan result.Code, 1)
	go func() {
		for {
			state := b.GetHandleSignalsState()
			if state.Satisfies(signal.Readable) {
				done <- result.OK
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	time.Sleep(5 * time.Millisecond)
	if code := a.WriteMessage(dsp.Message{Bytes: []byte("x")}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	select {
	case code := <-done:
		if !code.IsOK() {
			t.Fatalf("unexpected code: %v", code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for readable signal")
	}
}

func TestAttachedHandleTransferredOnLocalWrite(t *testing.T) {
	a, b := NewPair(nil)
	c, d := NewPair(nil)

	if code := a.WriteMessage(dsp.Message{Bytes: []byte("carrier"), Attached: []dsp.Dispatcher{c}}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	_, attached, _, _, code := b.ReadMessage(64, 8, 0)
	if !code.IsOK() || len(attached) != 1 {
		t.Fatalf("ReadMessage: attached=%v code=%v", attached, code)
	}
	received := attached[0]
	if code := received.WriteMessage(dsp.Message{Bytes: []byte("via-transferred")}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage via transferred endpoint: %v", code)
	}
	data, _, _, _, code := d.ReadMessage(64, 8, 0)
	if !code.IsOK() || string(data) != "via-transferred" {
		t.Fatalf("peer of transferred endpoint did not see the message: data=%q code=%v", data, code)
	}

	// The original c is now closed; using it must fail.
	if code := c.WriteMessage(dsp.Message{Bytes: []byte("stale")}, 0); code != result.InvalidArgument {
		t.Fatalf("want InvalidArgument on the transferred-away original, got %v", code)
	}
}

func TestProxyRoundTripOverLoopChannel(t *testing.T) {
	chA, chB := wire.NewLoopChannelPair()

	local, remote := NewPair(nil)
	// Send remote's port (port 1) away over chA/chB: simulate that by
	// converting port 1 to a proxy on chA directly, with recv (a second
	// pipe built by NewReceivedEndpoint on chB) as its far end, since the
	// dispatcher-level transfer path is exercised by core's handle table.
	_ = remote

	recv, code := NewReceivedEndpoint(chB, nil)
	if !code.IsOK() {
		t.Fatalf("NewReceivedEndpoint: %v", code)
	}
	if code := local.pipe.ConvertToProxy(1, chA); !code.IsOK() {
		t.Fatalf("ConvertToProxy: %v", code)
	}

	if code := local.WriteMessage(dsp.Message{Bytes: []byte("over-the-wire")}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}

	deadline := time.Now().Add(time.Second)
	for {
		data, _, _, _, code := recv.ReadMessage(64, 8, 0)
		if code.IsOK() {
			if string(data) != "over-the-wire" {
				t.Fatalf("got %q", data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for proxied message, last code %v", code)
		}
		time.Sleep(time.Millisecond)
	}

	local.Close()
	recv.Close()
}
