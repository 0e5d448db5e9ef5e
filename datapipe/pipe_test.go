package datapipe

import (
	"testing"
	"time"

	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWriteReadRoundTrip(t *testing.T) {
	prod, cons, code := NewPair(Options{ElementSize: 1, CapacityBytes: 16})
	if !code.IsOK() {
		t.Fatalf("NewPair: %v", code)
	}
	n, code := prod.WriteData([]byte("hello"), 0)
	if !code.IsOK() || n != 5 {
		t.Fatalf("WriteData: n=%d code=%v", n, code)
	}
	buf := make([]byte, 5)
	n, code = cons.ReadData(buf, 0)
	if !code.IsOK() || n != 5 || string(buf) != "hello" {
		t.Fatalf("ReadData: n=%d code=%v buf=%q", n, code, buf)
	}
}

func TestReadShouldWaitWhenEmpty(t *testing.T) {
	_, cons, code := NewPair(Options{ElementSize: 1, CapacityBytes: 16})
	if !code.IsOK() {
		t.Fatalf("NewPair: %v", code)
	}
	n, code := cons.ReadData(make([]byte, 4), 0)
	if code != result.ShouldWait || n != 0 {
		t.Fatalf("want ShouldWait/0, got n=%d code=%v", n, code)
	}
}

func TestProducerCloseYieldsPeerClosedAndFailedPrecondition(t *testing.T) {
	prod, cons, code := NewPair(Options{ElementSize: 1, CapacityBytes: 16})
	if !code.IsOK() {
		t.Fatalf("NewPair: %v", code)
	}
	if code := prod.Close(); !code.IsOK() {
		t.Fatalf("Close: %v", code)
	}
	n, code := cons.ReadData(make([]byte, 4), 0)
	if code != result.FailedPrecondition || n != 0 {
		t.Fatalf("want FailedPrecondition/0 after producer close, got n=%d code=%v", n, code)
	}
	state := cons.GetHandleSignalsState()
	if !state.Satisfies(signal.PeerClosed) {
		t.Fatalf("want PEER_CLOSED satisfied, got %+v", state)
	}
}

func TestAllOrNoneReadDoesNotMutateOnViolation(t *testing.T) {
	prod, cons, code := NewPair(Options{ElementSize: 1, CapacityBytes: 16})
	if !code.IsOK() {
		t.Fatalf("NewPair: %v", code)
	}
	if _, code := prod.WriteData([]byte("ab"), 0); !code.IsOK() {
		t.Fatalf("WriteData: %v", code)
	}
	n, code := cons.ReadData(make([]byte, 4), dsp.ReadAllOrNone)
	if code != result.OutOfRange || n != 0 {
		t.Fatalf("want OutOfRange/0, got n=%d code=%v", n, code)
	}
	// Buffer must remain untouched: a plain read still yields the original 2 bytes.
	buf := make([]byte, 2)
	n, code = cons.ReadData(buf, 0)
	if !code.IsOK() || n != 2 || string(buf) != "ab" {
		t.Fatalf("bytes were consumed by the rejected all-or-none read: n=%d code=%v buf=%q", n, code, buf)
	}
}

func TestTwoPhaseWrite(t *testing.T) {
	prod, cons, code := NewPair(Options{ElementSize: 1, CapacityBytes: 16})
	if !code.IsOK() {
		t.Fatalf("NewPair: %v", code)
	}
	buf, code := prod.BeginWriteData(4)
	if !code.IsOK() || len(buf) < 4 {
		t.Fatalf("BeginWriteData: buf=%v code=%v", buf, code)
	}
	copy(buf, "data")
	if code := prod.EndWriteData(4); !code.IsOK() {
		t.Fatalf("EndWriteData: %v", code)
	}
	out := make([]byte, 4)
	n, code := cons.ReadData(out, 0)
	if !code.IsOK() || n != 4 || string(out) != "data" {
		t.Fatalf("ReadData after two-phase write: n=%d code=%v out=%q", n, code, out)
	}
}

func TestAwaitReadableWakesOnWrite(t *testing.T) {
	prod, cons, code := NewPair(Options{ElementSize: 1, CapacityBytes: 16})
	if !code.IsOK() {
		t.Fatalf("NewPair: %v", code)
	}
	done := make(chan result.Code, 1)
	go func() {
		for {
			state := cons.GetHandleSignalsState()
			if state.Satisfies(signal.Readable) {
				done <- result.OK
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	time.Sleep(5 * time.Millisecond)
	if _, code := prod.WriteData([]byte("x"), 0); !code.IsOK() {
		t.Fatalf("WriteData: %v", code)
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
