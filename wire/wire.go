// Package wire implements the boxed binary encoding shared by every message
// of the protocol: a 4-byte little-endian type tag (the magic) followed by
// the body. The encoding is canonical - the same value always produces the
// same bytes - because block and broadcast signatures cover it.
package wire

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Magics of the boxed types exchanged between participants. A message stored
// or relayed by the server carries the local magic plus one, so that the two
// directions can be told apart from the first four bytes alone.
const (
	MagicBlock           int32 = 0x0bc2412e
	MagicNonceCommit     int32 = 0x23a510f4
	MagicNonceReveal     int32 = 0x37f41b52
	MagicCallPacket      int32 = 0x41d5e9cc
	MagicCallPacketMsgID int32 = 0x50c34d78
)

// Box prefixes body with the magic.
func Box(magic int32, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(magic))
	copy(out[4:], body)
	return out
}

// Unbox checks the magic and returns the body.
func Unbox(magic int32, data []byte) ([]byte, error) {
	m, err := ReadMagic(data)
	if err != nil {
		return nil, err
	}
	if m != magic {
		return nil, xerrors.Errorf("expected magic %#x, but received %#x", magic, m)
	}
	return data[4:], nil
}

// ReadMagic returns the leading 4-byte tag of a boxed message.
func ReadMagic(data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, xerrors.New("message is too short")
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// WriteMagic overwrites the leading tag in place.
func WriteMagic(data []byte, magic int32) {
	binary.LittleEndian.PutUint32(data, uint32(magic))
}

// Writer serialises values into the canonical layout: little-endian integers,
// byte strings prefixed by a uint32 length and zero-padded to a 4-byte
// boundary.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns the written buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteInt32 appends v in little-endian order.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteUint32 appends v in little-endian order.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteInt64 appends v in little-endian order.
func (w *Writer) WriteInt64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

// WriteHash appends the 32 bytes of h.
func (w *Writer) WriteHash(h [32]byte) {
	w.buf = append(w.buf, h[:]...)
}

// WriteRaw appends b without any framing.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBytes appends a length-prefixed byte string, zero-padded so that the
// next write starts on a 4-byte boundary.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	w.pad()
}

func (w *Writer) pad() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Parser is the mirror of Writer. Errors are sticky: after the first failure
// every accessor returns zero values and Err reports the original cause, so
// parsing code can stay linear and check once at the end.
type Parser struct {
	data []byte
	off  int
	err  error
}

// NewParser parses data from the start.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Err returns the first parse error, if any.
func (p *Parser) Err() error {
	return p.err
}

// Left returns the number of unread bytes.
func (p *Parser) Left() int {
	return len(p.data) - p.off
}

// Finish fails unless the input was fully consumed without errors.
func (p *Parser) Finish() error {
	if p.err != nil {
		return p.err
	}
	if p.off != len(p.data) {
		return xerrors.Errorf("%d trailing bytes", len(p.data)-p.off)
	}
	return nil
}

func (p *Parser) fail(msg string) {
	if p.err == nil {
		p.err = xerrors.New(msg)
	}
}

// Fail records a parse error on behalf of the caller, keeping the sticky
// error semantics: only the first failure is reported.
func (p *Parser) Fail(msg string) {
	p.fail(msg)
}

func (p *Parser) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if p.Left() < n {
		p.fail("unexpected end of message")
		return nil
	}
	b := p.data[p.off : p.off+n]
	p.off += n
	return b
}

// Int32 reads a little-endian int32.
func (p *Parser) Int32() int32 {
	return int32(p.Uint32())
}

// Uint32 reads a little-endian uint32.
func (p *Parser) Uint32() uint32 {
	b := p.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int64 reads a little-endian int64.
func (p *Parser) Int64() int64 {
	b := p.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// Hash reads 32 raw bytes.
func (p *Parser) Hash() (h [32]byte) {
	b := p.take(32)
	if b != nil {
		copy(h[:], b)
	}
	return h
}

// Raw reads exactly n bytes without framing.
func (p *Parser) Raw(n int) []byte {
	if n < 0 {
		p.fail("negative length")
		return nil
	}
	return p.take(n)
}

// Rest reads all remaining bytes.
func (p *Parser) Rest() []byte {
	return p.take(p.Left())
}

// Bytes reads a length-prefixed byte string written by WriteBytes.
func (p *Parser) Bytes() []byte {
	n := p.Uint32()
	if p.err != nil {
		return nil
	}
	if uint32(p.Left()) < n {
		p.fail("byte string length exceeds message")
		return nil
	}
	b := p.take(int(n))
	if pad := (4 - int(n)%4) % 4; pad > 0 {
		p.take(pad)
	}
	return b
}
