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

package msgpipe

import (
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/wire"
)

// Options is the wire form of message-pipe creation options (§6):
// struct_size plus a flags bitfield, the FlagsOnly shape — the original
// Mojo MojoCreateMessagePipeOptions defines no other known field.
// knownCreateFlags is empty, so any flag bit at all is UNIMPLEMENTED,
// per §6's "bits in flags not recognized -> UNIMPLEMENTED" rule.
type Options struct {
	Flags uint32
}

const knownCreateFlags = 0

func (o *Options) MarshalKnown(dst []byte) []byte {
	return (&wire.FlagsOnly{Flags: o.Flags}).MarshalKnown(dst)
}

func (o *Options) UnmarshalKnown(src []byte) result.Code {
	var f wire.FlagsOnly
	if code := f.UnmarshalKnown(src); !code.IsOK() {
		return code
	}
	if code := wire.KnownFlag(f.Flags, knownCreateFlags); !code.IsOK() {
		return code
	}
	o.Flags = f.Flags
	return result.OK
}
