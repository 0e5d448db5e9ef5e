package handle

import (
	"testing"

	"github.com/xtaci/corepipe/awakable"
	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubDispatcher is a minimal dsp.Dispatcher double used only to exercise
// the handle table's own bookkeeping (busy/transport/rights), independent
// of any real dispatcher family — the same role
// original_source/mock_simple_dispatcher.cc plays for handle_table_unittest.cc.
type stubDispatcher struct {
	dsp.Base
	twoPhase bool
	equiv    *stubDispatcher
}

func (s *stubDispatcher) Type() dsp.Type { return dsp.PlatformHandle }
func (s *stubDispatcher) Close() result.Code {
	if !s.MarkClosed() {
		return result.InvalidArgument
	}
	return result.OK
}
func (s *stubDispatcher) WriteMessage(dsp.Message, dsp.WriteFlags) result.Code {
	return result.InvalidArgument
}
func (s *stubDispatcher) ReadMessage(int, int, dsp.ReadFlags) ([]byte, []dsp.Dispatcher, int, int, result.Code) {
	return nil, nil, 0, 0, result.InvalidArgument
}
func (s *stubDispatcher) WriteData([]byte, dsp.WriteFlags) (int, result.Code) {
	return 0, result.InvalidArgument
}
func (s *stubDispatcher) BeginWriteData(int) ([]byte, result.Code) { return nil, result.InvalidArgument }
func (s *stubDispatcher) EndWriteData(int) result.Code             { return result.InvalidArgument }
func (s *stubDispatcher) ReadData([]byte, dsp.ReadFlags) (int, result.Code) {
	return 0, result.InvalidArgument
}
func (s *stubDispatcher) BeginReadData(int) ([]byte, result.Code) { return nil, result.InvalidArgument }
func (s *stubDispatcher) EndReadData(int) result.Code             { return result.InvalidArgument }
func (s *stubDispatcher) SetThreshold(int) result.Code             { return result.InvalidArgument }
func (s *stubDispatcher) DuplicateBufferHandle() (dsp.Dispatcher, result.Code) {
	return nil, result.InvalidArgument
}
func (s *stubDispatcher) MapBuffer(int, int) (platform.Mapping, result.Code) {
	return nil, result.InvalidArgument
}
func (s *stubDispatcher) GetHandleSignalsState() signal.State { return s.State }
func (s *stubDispatcher) AddAwakable(a awakable.Awakable, mask signal.Mask, ctx uint64, persistent bool) (signal.State, result.Code) {
	return s.Base.AddAwakable(a, mask, ctx, persistent)
}
func (s *stubDispatcher) RemoveAwakable(a awakable.Awakable) signal.State {
	return s.Base.RemoveAwakable(a)
}
func (s *stubDispatcher) InTwoPhase() bool { return s.twoPhase }
func (s *stubDispatcher) CreateEquivalentDispatcherAndClose() (dsp.Dispatcher, result.Code) {
	if !s.MarkClosedOnly() {
		return nil, result.InvalidArgument
	}
	eq := &stubDispatcher{}
	s.equiv = eq
	return eq, result.OK
}
func (s *stubDispatcher) StartSerialize(wire.Channel) (int, int) { return 0, 0 }
func (s *stubDispatcher) EndSerializeAndClose(wire.Channel, []byte) ([]platform.Handle, result.Code) {
	return nil, result.Unimplemented
}

func TestAddGetRemove(t *testing.T) {
	tbl := New()
	d := &stubDispatcher{}
	v, code := tbl.Add(d, RightsAll)
	if !code.IsOK() || v == 0 {
		t.Fatalf("Add: v=%d code=%v", v, code)
	}
	got, code := tbl.Get(v, RightRead)
	if !code.IsOK() || got != dsp.Dispatcher(d) {
		t.Fatalf("Get: got=%v code=%v", got, code)
	}
	removed, code := tbl.Remove(v, RightsNone)
	if !code.IsOK() || removed != dsp.Dispatcher(d) {
		t.Fatalf("Remove: removed=%v code=%v", removed, code)
	}
	if _, code := tbl.Get(v, RightRead); code != result.InvalidArgument {
		t.Fatalf("Get after Remove: want InvalidArgument, got %v", code)
	}
}

func TestRightsEnforced(t *testing.T) {
	tbl := New()
	d := &stubDispatcher{}
	v, _ := tbl.Add(d, RightRead)
	if _, code := tbl.Get(v, RightWrite); code != result.PermissionDenied {
		t.Fatalf("want PermissionDenied, got %v", code)
	}
}

func TestTransferSuccessClosesOldOpensNew(t *testing.T) {
	tbl := New()
	d := &stubDispatcher{}
	v, _ := tbl.Add(d, RightsAll)

	transports, code := tbl.MarkBusyAndStartTransport([]Value{v}, RightTransfer)
	if !code.IsOK() || len(transports) != 1 {
		t.Fatalf("MarkBusyAndStartTransport: %v", code)
	}
	// While busy, ordinary lookups must fail with BUSY.
	if _, code := tbl.Get(v, RightRead); code != result.Busy {
		t.Fatalf("want Busy while in transport, got %v", code)
	}

	equiv, code := transports[0].Dispatcher.CreateEquivalentDispatcherAndClose()
	if !code.IsOK() {
		t.Fatalf("CreateEquivalentDispatcherAndClose: %v", code)
	}
	tbl.RemoveBusyHandles([]Value{v})

	if _, code := tbl.Get(v, RightRead); code != result.InvalidArgument {
		t.Fatalf("old handle value must be gone, got %v", code)
	}
	nv, code := tbl.Add(equiv, RightsAll)
	if !code.IsOK() {
		t.Fatalf("Add equivalent: %v", code)
	}
	if got, code := tbl.Get(nv, RightRead); !code.IsOK() || got != equiv {
		t.Fatalf("new handle does not resolve to equivalent: got=%v code=%v", got, code)
	}
}

func TestTransferFailureRestoresHandle(t *testing.T) {
	tbl := New()
	d := &stubDispatcher{twoPhase: true}
	v, _ := tbl.Add(d, RightsAll)

	_, code := tbl.MarkBusyAndStartTransport([]Value{v}, RightTransfer)
	if code != result.Busy {
		t.Fatalf("want Busy for a dispatcher mid-two-phase, got %v", code)
	}
	// Must not still be marked busy: a normal Get succeeds.
	if _, code := tbl.Get(v, RightRead); !code.IsOK() {
		t.Fatalf("Get after failed transport: want OK, got %v", code)
	}
}

func TestDuplicateHandleValueInSameBatchFailsBusy(t *testing.T) {
	tbl := New()
	d := &stubDispatcher{}
	v, _ := tbl.Add(d, RightsAll)

	_, code := tbl.MarkBusyAndStartTransport([]Value{v, v}, RightTransfer)
	if code != result.Busy {
		t.Fatalf("want Busy for a duplicate handle value in one batch, got %v", code)
	}
	if _, code := tbl.Get(v, RightRead); !code.IsOK() {
		t.Fatalf("Get after rejected duplicate-batch transport: want OK, got %v", code)
	}
}

// TestAddFindsGapAcrossCursorWrap exercises Add's bounded scan actually
// wrapping the cursor from the top of the value space back through 0 (skip)
// to 1, and still landing on the one free slot — the cursor-wrap half of
// SPEC_FULL supplement 3. Driving the scan to genuine RESOURCE_EXHAUSTED
// would require occupying all ~2^32-1 values, which isn't practical to
// exercise directly; the exhaustion branch itself is a single equality
// check against the scan's start value, covered by inspection here.
func TestAddFindsGapAcrossCursorWrap(t *testing.T) {
	tbl := New()
	tbl.nextValue = ^Value(0) - 1 // next Add starts the scan near the top
	for v := Value(1); v <= 5; v++ {
		tbl.entries[v] = &tableEntry{dispatcher: &stubDispatcher{}}
	}
	// Slots near the top of the range and 1..5 are taken; 6 is free.
	tbl.entries[^Value(0)] = &tableEntry{dispatcher: &stubDispatcher{}}

	v, code := tbl.Add(&stubDispatcher{}, RightsAll)
	if !code.IsOK() {
		t.Fatalf("Add: %v", code)
	}
	if v != 6 {
		t.Fatalf("want cursor to wrap and land on the first free slot (6), got %d", v)
	}
}
