package core

import (
	"testing"
	"time"

	"github.com/xtaci/corepipe/datapipe"
	"github.com/xtaci/corepipe/handle"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMessagePipeRoundTrip(t *testing.T) {
	c := New()
	h0, h1, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe: %v", code)
	}
	if code := c.WriteMessage(h0, []byte("hi"), nil, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	data, attached, _, _, code := c.ReadMessage(h1, 64, 8, 0)
	if !code.IsOK() || string(data) != "hi" || len(attached) != 0 {
		t.Fatalf("ReadMessage: data=%q attached=%v code=%v", data, attached, code)
	}
}

func TestWaitSatisfiesOnWrite(t *testing.T) {
	c := New()
	h0, h1, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe: %v", code)
	}
	done := make(chan result.Code, 1)
	go func() {
		_, code := c.Wait(h1, signal.Readable, time.Now().Add(time.Second))
		done <- code
	}()
	time.Sleep(5 * time.Millisecond)
	if code := c.WriteMessage(h0, []byte("x"), nil, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	select {
	case code := <-done:
		if !code.IsOK() {
			t.Fatalf("Wait: %v", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait to return")
	}
}

func TestWaitManyReturnsIndexOfFirstReady(t *testing.T) {
	c := New()
	_, a1, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe a: %v", code)
	}
	b0, b1, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe b: %v", code)
	}
	if code := c.WriteMessage(b0, []byte("ready"), nil, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}

	idx, state, code := c.WaitMany(
		[]handle.Value{a1, b1},
		[]signal.Mask{signal.Readable, signal.Readable},
		time.Time{},
	)
	if !code.IsOK() || idx != 1 {
		t.Fatalf("want idx=1 OK, got idx=%d code=%v", idx, code)
	}
	if !state.Satisfies(signal.Readable) {
		t.Fatalf("want Readable satisfied, got %+v", state)
	}
}

func TestHandleTransferViaMessagePipe(t *testing.T) {
	c := New()
	carrierA, carrierB, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe carrier: %v", code)
	}
	payloadA, payloadB, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe payload: %v", code)
	}

	if code := c.WriteMessage(carrierA, []byte("take this"), []handle.Value{payloadA}, 0); !code.IsOK() {
		t.Fatalf("WriteMessage with attached handle: %v", code)
	}

	// The original payloadA value is now dead.
	if code := c.WriteMessage(payloadA, []byte("stale"), nil, 0); code != result.InvalidArgument {
		t.Fatalf("want InvalidArgument on transferred-away handle, got %v", code)
	}

	_, attached, _, _, code := c.ReadMessage(carrierB, 64, 8, 0)
	if !code.IsOK() || len(attached) != 1 {
		t.Fatalf("ReadMessage: attached=%v code=%v", attached, code)
	}
	newPayload := attached[0]

	if code := c.WriteMessage(newPayload, []byte("hello via transferred"), nil, 0); !code.IsOK() {
		t.Fatalf("WriteMessage via transferred handle: %v", code)
	}
	data, _, _, _, code := c.ReadMessage(payloadB, 64, 8, 0)
	if !code.IsOK() || string(data) != "hello via transferred" {
		t.Fatalf("peer did not see message via the transferred handle: data=%q code=%v", data, code)
	}
}

func TestSendMessagePipeEndpointOverWire(t *testing.T) {
	processA := New()
	processB := New()
	chA, chB := wire.NewLoopChannelPair()

	local, remote, code := processA.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe: %v", code)
	}
	defer processA.Close(local)
	if code := processA.SendMessagePipeEndpoint(remote, chA); !code.IsOK() {
		t.Fatalf("SendMessagePipeEndpoint: %v", code)
	}
	// remote's value is now dead in processA.
	if code := processA.WriteMessage(remote, nil, nil, 0); code != result.InvalidArgument {
		t.Fatalf("want InvalidArgument on the sent-away handle, got %v", code)
	}

	received, code := processB.OpenReceivedMessagePipeEndpoint(chB)
	if !code.IsOK() {
		t.Fatalf("OpenReceivedMessagePipeEndpoint: %v", code)
	}
	defer processB.Close(received)

	if code := processA.WriteMessage(local, []byte("over the wire"), nil, 0); !code.IsOK() {
		t.Fatalf("WriteMessage: %v", code)
	}
	if _, code := processB.Wait(received, signal.Readable, time.Now().Add(time.Second)); !code.IsOK() {
		t.Fatalf("Wait: %v", code)
	}
	data, _, _, _, code := processB.ReadMessage(received, 64, 0, 0)
	if !code.IsOK() || string(data) != "over the wire" {
		t.Fatalf("ReadMessage: data=%q code=%v", data, code)
	}
}

func TestDataPipeThroughCore(t *testing.T) {
	c := New()
	p, cons, code := c.CreateDataPipe(wire.EncodeOptions(&datapipe.WireOptions{ElementBytes: 1, CapacityBytes: 64}, 16))
	if !code.IsOK() {
		t.Fatalf("CreateDataPipe: %v", code)
	}
	n, code := c.WriteData(p, []byte("stream"), 0)
	if !code.IsOK() || n != 6 {
		t.Fatalf("WriteData: n=%d code=%v", n, code)
	}
	buf := make([]byte, 6)
	n, code = c.ReadData(cons, buf, 0)
	if !code.IsOK() || string(buf) != "stream" {
		t.Fatalf("ReadData: n=%d code=%v buf=%q", n, code, buf)
	}
}

func TestSharedBufferThroughCore(t *testing.T) {
	c := New()
	h, code := c.CreateSharedBuffer(16, nil)
	if !code.IsOK() {
		t.Fatalf("CreateSharedBuffer: %v", code)
	}
	m, code := c.MapBuffer(h, 0, 16, nil)
	if !code.IsOK() {
		t.Fatalf("MapBuffer: %v", code)
	}
	copy(m.Bytes(), "0123456789012345")
	m.Unmap()

	dup, code := c.DuplicateBufferHandle(h, nil)
	if !code.IsOK() {
		t.Fatalf("DuplicateBufferHandle: %v", code)
	}
	m2, code := c.MapBuffer(dup, 0, 16, nil)
	if !code.IsOK() || string(m2.Bytes()) != "0123456789012345" {
		t.Fatalf("duplicate handle does not see the same memory: %v %q", code, m2.Bytes())
	}
	m2.Unmap()
}

func TestCloseInvalidHandle(t *testing.T) {
	c := New()
	if code := c.Close(999); code != result.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", code)
	}
}

func TestWriteMessageSelfAttachIsBusy(t *testing.T) {
	c := New()
	h0, h1, code := c.CreateMessagePipe(nil)
	if !code.IsOK() {
		t.Fatalf("CreateMessagePipe: %v", code)
	}
	defer c.Close(h1)
	if code := c.WriteMessage(h0, []byte("x"), []handle.Value{h0}, 0); code != result.Busy {
		t.Fatalf("want Busy attaching a handle to itself, got %v", code)
	}
}

func TestCreateSharedBufferRejectsUnknownFlag(t *testing.T) {
	c := New()
	rawOptions := wire.EncodeOptions(&wire.FlagsOnly{Flags: 1}, 8)
	if _, code := c.CreateSharedBuffer(16, rawOptions); code != result.Unimplemented {
		t.Fatalf("want Unimplemented for an unrecognized flag bit, got %v", code)
	}
}

func TestCreateDataPipeRejectsShortOptions(t *testing.T) {
	c := New()
	if _, _, code := c.CreateDataPipe([]byte{1, 2, 3}); code != result.InvalidArgument {
		t.Fatalf("want InvalidArgument for a struct_size-less blob, got %v", code)
	}
}
