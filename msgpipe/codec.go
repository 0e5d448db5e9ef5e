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
	"encoding/binary"

	dsp "github.com/xtaci/corepipe/dispatcher"
	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/wire"
)

// sendFrame serializes msg onto ch: each attached dispatcher is serialized
// via the generic StartSerialize/EndSerializeAndClose pair (§4.2, "called
// only when the dispatcher has a single reference"), and the flattened
// platform-handle side channel travels alongside the framed payload via
// ch.Send's handles parameter (§9).
func sendFrame(ch wire.Channel, msg dsp.Message) result.Code {
	var payload []byte
	var allHandles []platform.Handle

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg.Attached)))
	payload = append(payload, hdr[:]...)

	for _, d := range msg.Attached {
		maxBytes, _ := d.StartSerialize(ch)
		buf := make([]byte, maxBytes)
		handles, code := d.EndSerializeAndClose(ch, buf)
		if !code.IsOK() {
			return code
		}
		var typeLen [4]byte
		payload = append(payload, byte(d.Type()))
		binary.LittleEndian.PutUint32(typeLen[:], uint32(len(buf)))
		payload = append(payload, typeLen[:]...)
		payload = append(payload, buf...)
		var hc [4]byte
		binary.LittleEndian.PutUint32(hc[:], uint32(len(handles)))
		payload = append(payload, hc[:]...)
		allHandles = append(allHandles, handles...)
	}

	var bodyLen [4]byte
	binary.LittleEndian.PutUint32(bodyLen[:], uint32(len(msg.Bytes)))
	payload = append(payload, bodyLen[:]...)
	payload = append(payload, msg.Bytes...)

	if err := ch.Send(payload, allHandles); err != nil {
		return result.Internal
	}
	return result.OK
}

// decodeFrame is sendFrame's inverse: it reconstructs attached dispatchers
// via deserialize and returns a queuedMessage ready to enqueue.
func decodeFrame(payload []byte, handles []platform.Handle, deserialize Deserializer) (queuedMessage, result.Code) {
	if len(payload) < 4 {
		return queuedMessage{}, result.InvalidArgument
	}
	n := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]

	attached := make([]dsp.Dispatcher, 0, n)
	handleOff := 0
	for i := uint32(0); i < n; i++ {
		if len(rest) < 1+4 {
			return queuedMessage{}, result.InvalidArgument
		}
		typ := dsp.Type(rest[0])
		dataLen := binary.LittleEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint32(len(rest)) < dataLen+4 {
			return queuedMessage{}, result.InvalidArgument
		}
		data := rest[:dataLen]
		rest = rest[dataLen:]
		handleCount := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if handleOff+int(handleCount) > len(handles) {
			return queuedMessage{}, result.InvalidArgument
		}
		hs := handles[handleOff : handleOff+int(handleCount)]
		handleOff += int(handleCount)
		if deserialize == nil {
			return queuedMessage{}, result.Unimplemented
		}
		d, code := deserialize(typ, data, hs)
		if !code.IsOK() {
			return queuedMessage{}, code
		}
		attached = append(attached, d)
	}

	if len(rest) < 4 {
		return queuedMessage{}, result.InvalidArgument
	}
	bodyLen := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < bodyLen {
		return queuedMessage{}, result.InvalidArgument
	}
	body := append([]byte(nil), rest[:bodyLen]...)
	return queuedMessage{bytes: body, attached: attached}, result.OK
}
