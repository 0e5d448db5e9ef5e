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

// circularBuffer is a fixed-capacity byte ring. Grounded on
// kcp-go/v5/ringbuffer.go's head/tail/Len() arithmetic, adapted from a
// generic growable RingBuffer[T] to a fixed-capacity []byte ring: §3 fixes
// capacity_bytes at creation, so the ringbuffer's grow() policy is dropped
// here rather than ported (the one deliberate divergence from the teacher
// shape — growth would violate the invariant 0 <= count <= capacity_bytes
// the spec pins to a creation-time constant).
type circularBuffer struct {
	data  []byte
	head  int // read offset
	count int // bytes currently stored
}

func newCircularBuffer(capacity int) circularBuffer {
	return circularBuffer{data: make([]byte, capacity)}
}

func (r *circularBuffer) Cap() int   { return len(r.data) }
func (r *circularBuffer) Count() int { return r.count }
func (r *circularBuffer) Free() int  { return len(r.data) - r.count }
func (r *circularBuffer) tail() int  { return (r.head + r.count) % len(r.data) }

// Write copies min(len(p), Free()) bytes in, wrapping at most once, and
// returns the number of bytes written.
func (r *circularBuffer) Write(p []byte) int {
	n := len(p)
	if n > r.Free() {
		n = r.Free()
	}
	if n == 0 {
		return 0
	}
	t := r.tail()
	first := len(r.data) - t
	if first > n {
		first = n
	}
	copy(r.data[t:], p[:first])
	if n > first {
		copy(r.data[0:], p[first:n])
	}
	r.count += n
	return n
}

// ContiguousWriteSlice returns a contiguous window, sized at most n and at
// most Free(), starting at the current tail, for a two-phase write. The
// window may be shorter than Free() if the tail is near the end of the
// backing array (wrap boundary) — mirrors §4.7 "available size (possibly
// less than free space due to wrap)".
func (r *circularBuffer) ContiguousWriteSlice(n int) []byte {
	free := r.Free()
	if n > free {
		n = free
	}
	t := r.tail()
	if room := len(r.data) - t; n > room {
		n = room
	}
	return r.data[t : t+n]
}

// AdvanceWrite commits n bytes previously handed out by
// ContiguousWriteSlice.
func (r *circularBuffer) AdvanceWrite(n int) { r.count += n }

// Read copies min(len(p), Count()) bytes out, advancing head, and returns
// the number of bytes read.
func (r *circularBuffer) Read(p []byte) int {
	n := r.Peek(p)
	r.head = (r.head + n) % len(r.data)
	r.count -= n
	return n
}

// Peek copies min(len(p), Count()) bytes out without advancing head.
func (r *circularBuffer) Peek(p []byte) int {
	n := len(p)
	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return 0
	}
	first := len(r.data) - r.head
	if first > n {
		first = n
	}
	copy(p[:first], r.data[r.head:])
	if n > first {
		copy(p[first:n], r.data[0:])
	}
	return n
}

// ContiguousReadSlice returns a contiguous window, sized at most n and at
// most Count(), starting at head, for a two-phase read.
func (r *circularBuffer) ContiguousReadSlice(n int) []byte {
	if n > r.count {
		n = r.count
	}
	if room := len(r.data) - r.head; n > room {
		n = room
	}
	return r.data[r.head : r.head+n]
}

// AdvanceRead commits n bytes previously handed out by
// ContiguousReadSlice/Peek as consumed.
func (r *circularBuffer) AdvanceRead(n int) {
	r.head = (r.head + n) % len(r.data)
	r.count -= n
}

// Discard drops n bytes from the head without copying (the DISCARD read
// flag, §4.7).
func (r *circularBuffer) Discard(n int) {
	if n > r.count {
		n = r.count
	}
	r.head = (r.head + n) % len(r.data)
	r.count -= n
}
