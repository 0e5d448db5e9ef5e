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

import (
	"encoding/binary"

	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/wire"
)

// WireOptions is the wire form of data-pipe creation options (§6):
// flags, element_num_bytes, capacity_num_bytes, mirroring the original
// Mojo MojoCreateDataPipeOptions layout. Fields absent from a short wire
// blob keep whatever the receiver was pre-populated with (Core seeds
// defaults before decoding), matching §6's "missing trailing known
// fields" convention.
type WireOptions struct {
	Flags         uint32
	ElementBytes  uint32
	CapacityBytes uint32
}

const knownCreateFlags = 0

func (o *WireOptions) MarshalKnown(dst []byte) []byte {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], o.Flags)
	binary.LittleEndian.PutUint32(b[4:8], o.ElementBytes)
	binary.LittleEndian.PutUint32(b[8:12], o.CapacityBytes)
	return append(dst, b[:]...)
}

func (o *WireOptions) UnmarshalKnown(src []byte) result.Code {
	flags := o.Flags
	if len(src) >= 4 {
		flags = binary.LittleEndian.Uint32(src[0:4])
	}
	if code := wire.KnownFlag(flags, knownCreateFlags); !code.IsOK() {
		return code
	}
	o.Flags = flags
	if len(src) >= 8 {
		o.ElementBytes = binary.LittleEndian.Uint32(src[4:8])
	}
	if len(src) >= 12 {
		o.CapacityBytes = binary.LittleEndian.Uint32(src[8:12])
	}
	return result.OK
}

// ThresholdOptions is the wire form of DataPipeProducerOptions'
// write_threshold_num_bytes / DataPipeConsumerOptions'
// read_threshold_num_bytes (§4.7 SetOptions), both flags + one threshold
// field in the original Mojo layout.
type ThresholdOptions struct {
	Flags          uint32
	ThresholdBytes uint32
}

const knownThresholdFlags = 0

func (o *ThresholdOptions) MarshalKnown(dst []byte) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], o.Flags)
	binary.LittleEndian.PutUint32(b[4:8], o.ThresholdBytes)
	return append(dst, b[:]...)
}

func (o *ThresholdOptions) UnmarshalKnown(src []byte) result.Code {
	flags := o.Flags
	if len(src) >= 4 {
		flags = binary.LittleEndian.Uint32(src[0:4])
	}
	if code := wire.KnownFlag(flags, knownThresholdFlags); !code.IsOK() {
		return code
	}
	o.Flags = flags
	if len(src) >= 8 {
		o.ThresholdBytes = binary.LittleEndian.Uint32(src[4:8])
	}
	return result.OK
}
