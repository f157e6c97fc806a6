package wire

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestBoxUnbox(t *testing.T) {
	body := []byte("payload")
	boxed := Box(MagicBlock, body)
	require.Len(t, boxed, 4+len(body))

	out, err := Unbox(MagicBlock, boxed)
	require.NoError(t, err)
	require.Equal(t, body, out)

	_, err = Unbox(MagicNonceCommit, boxed)
	require.Error(t, err)
	_, err = Unbox(MagicBlock, []byte{1, 2})
	require.Error(t, err)
}

func TestMagicRewrite(t *testing.T) {
	boxed := Box(MagicBlock, []byte("x"))
	WriteMagic(boxed, MagicBlock+1)
	magic, err := ReadMagic(boxed)
	require.NoError(t, err)
	require.Equal(t, MagicBlock+1, magic)
}

func TestWriterParserRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteInt32(-7)
	w.WriteUint32(42)
	w.WriteInt64(-1 << 40)
	w.WriteHash([32]byte{1, 2, 3})
	w.WriteBytes([]byte("hello"))
	w.WriteRaw([]byte{0xff, 0xee})

	p := NewParser(w.Bytes())
	require.Equal(t, int32(-7), p.Int32())
	require.Equal(t, uint32(42), p.Uint32())
	require.Equal(t, int64(-1<<40), p.Int64())
	require.Equal(t, [32]byte{1, 2, 3}, p.Hash())
	require.Equal(t, []byte("hello"), p.Bytes())
	require.Equal(t, []byte{0xff, 0xee}, p.Rest())
	require.NoError(t, p.Finish())
}

func TestWriteBytesPadding(t *testing.T) {
	// Every byte string ends on a 4-byte boundary so the layout stays
	// aligned no matter the content length.
	f := func(b []byte) bool {
		w := NewWriter()
		w.WriteBytes(b)
		if w.Len()%4 != 0 {
			return false
		}
		p := NewParser(w.Bytes())
		out := p.Bytes()
		if p.Finish() != nil {
			return false
		}
		if len(b) == 0 {
			return len(out) == 0
		}
		return string(out) == string(b)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestParserStickyError(t *testing.T) {
	p := NewParser([]byte{1, 2})
	_ = p.Uint32()
	require.Error(t, p.Err())

	// Everything after the first failure is a zero value, the cause is
	// kept.
	first := p.Err()
	require.Equal(t, uint32(0), p.Uint32())
	require.Equal(t, [32]byte{}, p.Hash())
	require.Equal(t, first, p.Err())
}

func TestParserBytesTruncated(t *testing.T) {
	w := NewWriter()
	w.WriteBytes([]byte("abcdef"))
	data := w.Bytes()

	p := NewParser(data[:6])
	p.Bytes()
	require.Error(t, p.Err())
}

func TestParserFinishTrailing(t *testing.T) {
	p := NewParser([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	p.Uint32()
	require.Error(t, p.Finish())
}
