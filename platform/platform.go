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

// Package platform defines the external collaborators the spec (§6) places
// out of scope: PlatformSupport, TimeSource, PlatformSharedBuffer and its
// Mapping. The spec is explicit that real shared memory and a platform
// handle type are not this core's concern, so the implementations here are
// the minimal in-process stand-ins needed to exercise sharedbuf/core in
// tests and in the cmd/corepiped demo — not a real mmap/shm backend.
package platform

import (
	"sync"
	"time"

	"github.com/xtaci/corepipe/result"
)

// TimeSource is the monotonic clock collaborator (§6).
type TimeSource interface {
	Now() time.Time
}

// SystemClock is the real-time TimeSource used outside of tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SharedBuffer is the PlatformSharedBuffer collaborator (§6): a reference-
// counted block of bytes plus a handle-passing contract. Dispatchers hold a
// shared reference to one of these; duplicating a shared-buffer handle
// shares the same SharedBuffer rather than copying memory.
type SharedBuffer interface {
	NumBytes() int
	// MapNoCheck returns a fresh Mapping over [offset, offset+n). Callers
	// must have already validated the range with IsValidMap.
	MapNoCheck(offset, n int) (Mapping, error)
	IsValidMap(offset, n int) bool
	// PassHandle hands over the last live platform-handle reference; only
	// valid when the caller holds the sole reference (checked by sharedbuf).
	PassHandle() (Handle, error)
	// DuplicateHandle returns a new reference to the same backing memory
	// without consuming the caller's own reference.
	DuplicateHandle() (Handle, error)
	// Release drops the caller's own reference (distinct from a Mapping's
	// Unmap, which drops a mapping-held reference). Called once by a
	// sharedbuf.Dispatcher's Close, never by PassHandle's hand-off path
	// since that moves ownership rather than dropping it.
	Release() error
}

// Mapping is the PlatformSharedBufferMapping collaborator: a live
// memory-mapped view. Per §4.8, a Mapping outlives the dispatcher/SharedBuffer
// that produced it.
type Mapping interface {
	Bytes() []byte
	Unmap() error
}

// Handle stands in for the platform handle type the spec places out of
// scope (§1): an opaque transferable reference to a SharedBuffer's backing
// memory, as would cross a Channel's platform-handle side channel (§9).
type Handle struct {
	buf *memBuffer
}

// Support is the PlatformSupport collaborator (§6).
type Support interface {
	CreateSharedBuffer(numBytes int) (SharedBuffer, error)
	CreateSharedBufferFromHandle(numBytes int, h Handle) (SharedBuffer, error)
}

// InProcessSupport is the default Support: a plain mutex-guarded byte slice
// standing in for real shared memory, exactly the kind of stand-in the spec
// expects this core to consume rather than implement (§1).
type InProcessSupport struct{}

func NewInProcessSupport() *InProcessSupport { return &InProcessSupport{} }

func (InProcessSupport) CreateSharedBuffer(numBytes int) (SharedBuffer, error) {
	if numBytes <= 0 {
		return nil, result.InvalidArgument
	}
	mb := &memBuffer{data: make([]byte, numBytes), refs: 1}
	return mb, nil
}

func (InProcessSupport) CreateSharedBufferFromHandle(numBytes int, h Handle) (SharedBuffer, error) {
	if h.buf == nil {
		return nil, result.InvalidArgument
	}
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	if len(h.buf.data) != numBytes {
		return nil, result.InvalidArgument
	}
	// h already carries a reference (from DuplicateHandle or PassHandle);
	// the returned SharedBuffer takes that reference over.
	return h.buf, nil
}

type memBuffer struct {
	mu   sync.Mutex
	data []byte
	refs int
}

func (b *memBuffer) NumBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *memBuffer) IsValidMap(offset, n int) bool {
	if offset < 0 || n < 0 {
		return false
	}
	end := offset + n
	if end < offset { // overflow
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return end <= len(b.data)
}

func (b *memBuffer) MapNoCheck(offset, n int) (Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return &memMapping{buf: b, view: b.data[offset : offset+n]}, nil
}

func (b *memBuffer) PassHandle() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs != 1 {
		return Handle{}, result.FailedPrecondition
	}
	return Handle{buf: b}, nil
}

func (b *memBuffer) DuplicateHandle() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return Handle{buf: b}, nil
}

func (b *memBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs <= 0 {
		return result.FailedPrecondition
	}
	b.refs--
	return nil
}

type memMapping struct {
	mu     sync.Mutex
	buf    *memBuffer
	view   []byte
	closed bool
}

func (m *memMapping) Bytes() []byte { return m.view }

func (m *memMapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return result.InvalidArgument
	}
	m.closed = true
	m.buf.mu.Lock()
	m.buf.refs--
	m.buf.mu.Unlock()
	return nil
}
