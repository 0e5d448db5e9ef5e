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

// Package signal models a resource's edge-triggered signal state (C1):
// a pair of bitmasks, satisfied and satisfiable, over a fixed alphabet.
package signal

// Mask is a bitmask over the signal alphabet.
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
	PeerClosed
	ReadThreshold
	WriteThreshold

	None Mask = 0
	All  Mask = Readable | Writable | PeerClosed | ReadThreshold | WriteThreshold
)

func (m Mask) Has(bit Mask) bool { return m&bit != 0 }

// State is the {satisfied, satisfiable} pair described in §3. The invariant
// satisfied ⊆ satisfiable is enforced by every constructor/mutator below;
// apart from Raise, which is for initial setup only, nothing in this
// package lets satisfiable regain a bit once cleared.
type State struct {
	Satisfied   Mask
	Satisfiable Mask
}

// New builds a state with satisfied/satisfiable set directly. Bits of
// satisfied that are not in satisfiable are dropped, so the result always
// keeps satisfied ⊆ satisfiable.
func New(satisfied, satisfiable Mask) State {
	return State{Satisfied: satisfied & satisfiable, Satisfiable: satisfiable}
}

// Satisfies reports whether every bit in want is currently satisfied.
func (s State) Satisfies(want Mask) bool {
	return want != 0 && s.Satisfied&want == want
}

// CanSatisfy reports whether every bit in want is still satisfiable. Once
// false for a given want, it stays false (satisfiable only shrinks).
func (s State) CanSatisfy(want Mask) bool {
	return s.Satisfiable&want == want
}

// Lower permanently clears bits from satisfiable (and, as a consequence,
// from satisfied). Returns the new state.
func (s State) Lower(bits Mask) State {
	s.Satisfiable &^= bits
	s.Satisfied &^= bits
	return s
}

// Set raises or clears bits within the current satisfiable set; it never
// adds bits to satisfiable (use Raise for initial setup only).
func (s State) Set(bits Mask, on bool) State {
	bits &= s.Satisfiable
	if on {
		s.Satisfied |= bits
	} else {
		s.Satisfied &^= bits
	}
	return s
}

// Raise adds bits to satisfiable. Only valid during initial construction of
// a resource's state, per §3 ("addition to satisfiable never occurs after
// creation for any bit except during initial setup").
func (s State) Raise(bits Mask) State {
	s.Satisfiable |= bits
	return s
}
