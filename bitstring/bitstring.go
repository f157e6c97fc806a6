// Package bitstring provides immutable views over shared bit buffers. A
// BitString is the key and prefix type of the Merkle-Patricia trie: taking a
// substring is O(1) and shares the backing array, so splitting a 256-bit key
// along a trie path allocates nothing.
package bitstring

import (
	"go.dedis.ch/e2ecall/wire"
	"golang.org/x/xerrors"
)

// BitString is an immutable view of size bits starting at bit offset begin of
// a shared backing buffer. Bits are numbered big-endian inside every byte,
// matching the byte order of trie keys.
type BitString struct {
	data  []byte
	begin int
	size  int
}

// FromBytes returns a view over a private copy of b.
func FromBytes(b []byte) BitString {
	data := make([]byte, len(b))
	copy(data, b)
	return BitString{data: data, size: len(b) * 8}
}

// Len returns the number of bits in the view.
func (bs BitString) Len() int {
	return bs.size
}

// Bit returns bit i of the view, 0 or 1.
func (bs BitString) Bit(i int) byte {
	if i < 0 || i >= bs.size {
		panic("bitstring: index out of range")
	}
	pos := bs.begin + i
	return (bs.data[pos/8] >> uint(7-pos%8)) & 1
}

// Substr returns the view of n bits starting at bit pos. The backing buffer
// is shared, never copied.
func (bs BitString) Substr(pos, n int) BitString {
	if pos < 0 || pos > bs.size {
		panic("bitstring: substr out of range")
	}
	if n > bs.size-pos {
		n = bs.size - pos
	}
	return BitString{data: bs.data, begin: bs.begin + pos, size: n}
}

// Suffix returns the view of all bits from pos to the end.
func (bs BitString) Suffix(pos int) BitString {
	return bs.Substr(pos, bs.size-pos)
}

// Equal reports whether both views contain the same bits.
func (bs BitString) Equal(other BitString) bool {
	if bs.size != other.size {
		return false
	}
	return bs.CommonPrefixLen(other) == bs.size
}

// CommonPrefixLen returns the length of the longest common prefix of the two
// views.
func (bs BitString) CommonPrefixLen(other BitString) int {
	n := bs.size
	if other.size < n {
		n = other.size
	}
	i := 0
	// Compare a byte at a time while both views are byte-aligned.
	for i+8 <= n && (bs.begin+i)%8 == 0 && (other.begin+i)%8 == 0 &&
		bs.data[(bs.begin+i)/8] == other.data[(other.begin+i)/8] {
		i += 8
	}
	for i < n && bs.Bit(i) == other.Bit(i) {
		i++
	}
	return i
}

// Bytes returns a fresh byte slice holding the bits of the view, left-aligned
// and zero-padded in the last byte.
func (bs BitString) Bytes() []byte {
	out := make([]byte, (bs.size+7)/8)
	for i := 0; i < bs.size; i++ {
		if bs.Bit(i) != 0 {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// String renders the bits, for debugging.
func (bs BitString) String() string {
	out := make([]byte, bs.size)
	for i := 0; i < bs.size; i++ {
		out[i] = '0' + bs.Bit(i)
	}
	return string(out)
}

// Store writes the view in its canonical wire form: a uint32 bit length
// followed by the bits left-aligned into bytes, zero-padded to a 4-byte
// boundary. The form does not depend on the alignment of the view inside its
// backing buffer, so equal bit contents always serialise - and hash - the
// same way.
func (bs BitString) Store(w *wire.Writer) {
	w.WriteUint32(uint32(bs.size))
	buf := bs.Bytes()
	w.WriteRaw(buf)
	for n := len(buf); n%4 != 0; n++ {
		w.WriteRaw([]byte{0})
	}
}

// Fetch reads a view written by Store.
func Fetch(p *wire.Parser) (BitString, error) {
	size := p.Uint32()
	if p.Err() != nil {
		return BitString{}, p.Err()
	}
	if size > 1<<15 {
		return BitString{}, xerrors.New("bit string too long")
	}
	n := (int(size) + 7) / 8
	raw := p.Raw((n + 3) / 4 * 4)
	if p.Err() != nil {
		return BitString{}, p.Err()
	}
	data := make([]byte, n)
	copy(data, raw[:n])
	bs := BitString{data: data, size: int(size)}
	// Mask out anything the sender left beyond the last bit.
	if rem := bs.size % 8; rem != 0 && n > 0 {
		data[n-1] &= 0xff << uint(8-rem)
	}
	return bs, nil
}
