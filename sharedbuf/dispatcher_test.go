package sharedbuf

import (
	"testing"

	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDispatcher(t *testing.T, n int) (*Dispatcher, platform.Support) {
	t.Helper()
	support := platform.NewInProcessSupport()
	buf, err := support.CreateSharedBuffer(n)
	if err != nil {
		t.Fatalf("CreateSharedBuffer: %v", err)
	}
	return New(buf, support), support
}

func TestMapBufferRoundTrip(t *testing.T) {
	d, _ := newDispatcher(t, 16)
	m, code := d.MapBuffer(0, 16)
	if !code.IsOK() {
		t.Fatalf("MapBuffer: %v", code)
	}
	copy(m.Bytes(), "hello world!!!!!")
	if err := m.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMapBufferOutOfRange(t *testing.T) {
	d, _ := newDispatcher(t, 16)
	if _, code := d.MapBuffer(8, 16); code != result.OutOfRange {
		t.Fatalf("want OutOfRange, got %v", code)
	}
}

func TestDuplicateBufferHandleSharesMemory(t *testing.T) {
	d, _ := newDispatcher(t, 8)
	dup, code := d.DuplicateBufferHandle()
	if !code.IsOK() {
		t.Fatalf("DuplicateBufferHandle: %v", code)
	}
	m1, code := d.MapBuffer(0, 8)
	if !code.IsOK() {
		t.Fatalf("MapBuffer d: %v", code)
	}
	copy(m1.Bytes(), "abcdefgh")
	m2, code := dup.(*Dispatcher).MapBuffer(0, 8)
	if !code.IsOK() {
		t.Fatalf("MapBuffer dup: %v", code)
	}
	if string(m2.Bytes()) != "abcdefgh" {
		t.Fatalf("duplicate handle does not share memory: got %q", m2.Bytes())
	}
	m1.Unmap()
	m2.Unmap()
}

func TestCloseThenOperationsFail(t *testing.T) {
	d, _ := newDispatcher(t, 8)
	if code := d.Close(); !code.IsOK() {
		t.Fatalf("Close: %v", code)
	}
	if code := d.Close(); code != result.InvalidArgument {
		t.Fatalf("double Close: want InvalidArgument, got %v", code)
	}
	if _, code := d.MapBuffer(0, 8); code != result.InvalidArgument {
		t.Fatalf("MapBuffer after Close: want InvalidArgument, got %v", code)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	d, support := newDispatcher(t, 32)
	m, code := d.MapBuffer(0, 32)
	if !code.IsOK() {
		t.Fatalf("MapBuffer: %v", code)
	}
	copy(m.Bytes(), "serialized-shared-buffer-payload")
	m.Unmap()

	maxBytes, maxHandles := d.StartSerialize(nil)
	if maxHandles != 1 {
		t.Fatalf("want 1 platform handle, got %d", maxHandles)
	}
	dst := make([]byte, maxBytes)
	handles, code := d.EndSerializeAndClose(nil, dst)
	if !code.IsOK() || len(handles) != 1 {
		t.Fatalf("EndSerializeAndClose: handles=%v code=%v", handles, code)
	}

	restored, code := Deserialize(support, dst, handles)
	if !code.IsOK() {
		t.Fatalf("Deserialize: %v", code)
	}
	m2, code := restored.(*Dispatcher).MapBuffer(0, 32)
	if !code.IsOK() {
		t.Fatalf("MapBuffer restored: %v", code)
	}
	if string(m2.Bytes()[:9]) != "serialize" {
		t.Fatalf("restored buffer has wrong contents: %q", m2.Bytes())
	}
	m2.Unmap()
}
