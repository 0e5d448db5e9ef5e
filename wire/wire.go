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

// Package wire implements the Channel contract (§6, C10's transport path)
// together with the options-struct codec named in §6 and implemented per
// the original_source/options_validation.h mechanism (SPEC_FULL supplement
// 1). It is the one package that knows how a handle payload is framed for
// the cross-process path; dispatcher-specific (de)serialization still lives
// next to each dispatcher type (msgpipe, datapipe, sharedbuf), which only
// need the Channel interface from here.
package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/xtaci/corepipe/platform"
	"github.com/xtaci/corepipe/result"
)

// Channel is the §6 transport collaborator: framing for cross-process send,
// used by proxy message-pipe endpoints and by dispatcher serialization. It
// is explicitly out of this core's scope to implement the *wire framing*
// (§1); what lives here is the contract plus small reference
// implementations used by cmd/corepiped and by tests.
type Channel interface {
	// Send transmits one opaque payload plus its platform-handle side
	// channel (§9: "the serialized stream carries indices into that side
	// channel").
	Send(payload []byte, handles []platform.Handle) error
	// Recv blocks until the next payload arrives, or returns an error once
	// the peer side is gone.
	Recv() (payload []byte, handles []platform.Handle, err error)
	Close() error
}

// ---- LoopChannel: an in-process Channel pair, for tests and the demo ----

type loopMsg struct {
	payload []byte
	handles []platform.Handle
}

// LoopChannel connects two in-process endpoints with Go channels. It plays
// the role smux gives a real net.Conn, except the "wire" here never leaves
// the process — useful for exercising the proxy message-pipe path without a
// real transport.
type LoopChannel struct {
	out    chan loopMsg
	in     chan loopMsg
	once   *sync.Once // shared with the peer: either side may Close first
	closed chan struct{}
}

// NewLoopChannelPair returns two Channels, each other's peer. Both sides
// share one closed channel and one Once so that either end (or both, in
// either order) can Close without double-closing the shared channel.
func NewLoopChannelPair() (a, b *LoopChannel) {
	c1 := make(chan loopMsg, 16)
	c2 := make(chan loopMsg, 16)
	closed := make(chan struct{})
	once := &sync.Once{}
	a = &LoopChannel{out: c1, in: c2, closed: closed, once: once}
	b = &LoopChannel{out: c2, in: c1, closed: closed, once: once}
	return a, b
}

func (l *LoopChannel) Send(payload []byte, handles []platform.Handle) error {
	cp := append([]byte(nil), payload...)
	select {
	case l.out <- loopMsg{payload: cp, handles: handles}:
		return nil
	case <-l.closed:
		return errors.New("wire: channel closed")
	}
}

func (l *LoopChannel) Recv() ([]byte, []platform.Handle, error) {
	select {
	case m := <-l.in:
		return m.payload, m.handles, nil
	case <-l.closed:
		return nil, nil, io.EOF
	}
}

func (l *LoopChannel) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// ---- SnappyChannel: compress payloads above a threshold ----

// compressThreshold mirrors kcptun's "only compress when it's worth it"
// posture (std/comp.go wraps every frame; here we additionally gate on
// size since a tiny handshake message rarely benefits).
const compressThreshold = 256

// SnappyChannel wraps a Channel, compressing outbound payloads larger than
// compressThreshold with github.com/golang/snappy, the same codec kcptun
// uses on its KCP transport (std/comp.go), relocated to the one transport
// surface this module owns.
type SnappyChannel struct {
	inner Channel
}

func NewSnappyChannel(inner Channel) *SnappyChannel {
	return &SnappyChannel{inner: inner}
}

const (
	flagPlain     byte = 0
	flagCompessed byte = 1
)

func (c *SnappyChannel) Send(payload []byte, handles []platform.Handle) error {
	if len(payload) <= compressThreshold {
		return c.inner.Send(append([]byte{flagPlain}, payload...), handles)
	}
	compressed := snappy.Encode(nil, payload)
	return c.inner.Send(append([]byte{flagCompessed}, compressed...), handles)
}

func (c *SnappyChannel) Recv() ([]byte, []platform.Handle, error) {
	raw, handles, err := c.inner.Recv()
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, errors.New("wire: empty frame")
	}
	flag, body := raw[0], raw[1:]
	if flag == flagPlain {
		return body, handles, nil
	}
	payload, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wire: snappy decode")
	}
	return payload, handles, nil
}

func (c *SnappyChannel) Close() error { return c.inner.Close() }

// ---- SecureChannel: AES-GCM over a pbkdf2-stretched passphrase ----

// secureSalt mirrors kcptun's fixed SALT constant for its pbkdf2 key
// stretching (client/main.go); the salt does not need to be secret, only
// fixed, since the passphrase itself supplies the entropy.
const secureSalt = "corepipe"

// SecureChannel wraps a Channel, deriving an AES-GCM key from a passphrase
// with pbkdf2/sha1 exactly as kcptun derives its KCP block-cipher key, and
// authenticates-and-encrypts every payload before it reaches the transport.
type SecureChannel struct {
	inner Channel
	aead  cipher.AEAD
}

func NewSecureChannel(inner Channel, passphrase string) (*SecureChannel, error) {
	key := pbkdf2.Key([]byte(passphrase), []byte(secureSalt), 4096, 32, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "wire: derive cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "wire: init aead")
	}
	return &SecureChannel{inner: inner, aead: aead}, nil
}

func (c *SecureChannel) Send(payload []byte, handles []platform.Handle) error {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Wrap(err, "wire: nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, payload, nil)
	return c.inner.Send(sealed, handles)
}

func (c *SecureChannel) Recv() ([]byte, []platform.Handle, error) {
	raw, handles, err := c.inner.Recv()
	if err != nil {
		return nil, nil, err
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return nil, nil, errors.New("wire: short frame")
	}
	nonce, ciphertext := raw[:n], raw[n:]
	payload, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wire: open")
	}
	return payload, handles, nil
}

func (c *SecureChannel) Close() error { return c.inner.Close() }

// ---- options-struct codec (SPEC_FULL supplement 1) ----

// Options is implemented by every *Options type the C-ABI-shaped entry
// points (§6) accept: a struct whose wire form begins with a 4-byte
// struct_size, mirroring original_source/options_validation.h's
// OptionsValidation<T>.
type Options interface {
	// MarshalKnown appends this options value's known-field bytes (after
	// the struct_size prefix) to dst and returns the result.
	MarshalKnown(dst []byte) []byte
	// UnmarshalKnown copies as much of src's known-prefix as fits into the
	// receiver, leaving any trailing unknown bytes ignored (ignored on
	// set). A known field missing from a short src is handled by the
	// implementation: FlagsOnly sets it to zero, while datapipe's option
	// types keep whatever value the receiver already held.
	UnmarshalKnown(src []byte) result.Code
}

// EncodeOptions writes the struct_size-prefixed wire form of opt.
func EncodeOptions(opt Options, structSize uint32) []byte {
	buf := make([]byte, 4, 4+structSize)
	binary.LittleEndian.PutUint32(buf, structSize)
	return opt.MarshalKnown(buf)
}

// DecodeOptions validates the struct_size prefix and applies the known
// fields to opt, per §6: "the first 4 bytes of every options record must
// be struct_size (uint32); if struct_size < 4 -> INVALID_ARGUMENT".
func DecodeOptions(data []byte, opt Options) result.Code {
	if len(data) < 4 {
		return result.InvalidArgument
	}
	structSize := binary.LittleEndian.Uint32(data[:4])
	if structSize < 4 {
		return result.InvalidArgument
	}
	body := data[4:]
	if uint32(len(body))+4 > structSize {
		body = body[:structSize-4]
	}
	return opt.UnmarshalKnown(body)
}

// FlagsOnly is the common shape for an options struct that is nothing more
// than struct_size + a flags bitfield (MessagePipeOptions,
// DuplicateBufferHandleOptions, MapBufferOptions, SharedBufferOptions all
// take this shape in the original Mojo EDK).
type FlagsOnly struct {
	Flags uint32
}

func (f *FlagsOnly) MarshalKnown(dst []byte) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], f.Flags)
	return append(dst, b[:]...)
}

func (f *FlagsOnly) UnmarshalKnown(src []byte) result.Code {
	var flags uint32
	if len(src) >= 4 {
		flags = binary.LittleEndian.Uint32(src[:4])
	}
	f.Flags = flags
	return result.OK
}

// KnownFlag validates that flags contains only bits within known, per §6:
// "bits in flags not recognized -> UNIMPLEMENTED".
func KnownFlag(flags, known uint32) result.Code {
	if flags&^known != 0 {
		return result.Unimplemented
	}
	return result.OK
}
