package trie

import (
	"encoding/binary"

	"go.dedis.ch/e2ecall/bitstring"
	"go.dedis.ch/e2ecall/wire"
	"golang.org/x/xerrors"
)

// A snapshot stores the whole trie in one buffer for persistence: an 8-byte
// little-endian offset of the root node, followed by the nodes in post-order.
// Inner nodes point at their children by absolute offset into the buffer,
// next to the child's hash. A snapshot is loaded lazily: fetching it yields a
// single pruned root that materialises subtrees on demand through tryLoad,
// verifying each loaded node against the hash its parent committed to.

const snapshotHeaderSize = 8

// SerializeForSnapshot writes the full trie into a self-contained snapshot
// buffer. Pruned subtrees must be loadable from the previous snapshot, or the
// serialization fails: a snapshot never contains placeholders.
func SerializeForSnapshot(n *Node, prev []byte) ([]byte, error) {
	w := wire.NewWriter()
	rootOffset, err := serializeForSnapshot(n, w, prev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, snapshotHeaderSize, snapshotHeaderSize+w.Len())
	binary.LittleEndian.PutUint64(out, uint64(rootOffset))
	return append(out, w.Bytes()...), nil
}

func serializeForSnapshot(n *Node, w *wire.Writer, prev []byte) (int64, error) {
	n, err := n.load(prev)
	if err != nil {
		return 0, err
	}
	switch n.typ {
	case TypeEmpty:
		offset := int64(snapshotHeaderSize + w.Len())
		w.WriteInt32(int32(TypeEmpty))
		return offset, nil
	case TypeLeaf:
		offset := int64(snapshotHeaderSize + w.Len())
		w.WriteInt32(int32(TypeLeaf))
		n.keySuffix.Store(w)
		w.WriteBytes(n.value)
		return offset, nil
	case TypeInner:
		leftOffset, err := serializeForSnapshot(n.left, w, prev)
		if err != nil {
			return 0, err
		}
		rightOffset, err := serializeForSnapshot(n.right, w, prev)
		if err != nil {
			return 0, err
		}
		offset := int64(snapshotHeaderSize + w.Len())
		w.WriteInt32(int32(TypeInner))
		n.prefix.Store(w)
		w.WriteInt64(leftOffset)
		w.WriteHash(n.left.Hash)
		w.WriteInt64(rightOffset)
		w.WriteHash(n.right.Hash)
		return offset, nil
	default:
		return 0, xerrors.New("unexpected node type")
	}
}

// FetchFromSnapshot reads the root node of a snapshot. Children stay lazy:
// they are pruned placeholders that materialise on first access, each
// verified against the hash its parent committed to. The root's own hash is
// recomputed from its content, so the caller can compare it to a trusted
// value.
func FetchFromSnapshot(snapshot []byte) (*Node, error) {
	if len(snapshot) < snapshotHeaderSize {
		return nil, xerrors.New("snapshot too short")
	}
	rootOffset := int64(binary.LittleEndian.Uint64(snapshot))
	if rootOffset < snapshotHeaderSize || rootOffset > int64(len(snapshot)) {
		return nil, xerrors.New("invalid snapshot root offset")
	}
	return fetchNodeFromSnapshot(snapshot, rootOffset)
}

// fetchNodeFromSnapshot reads the single node stored at the given offset.
// Children of an inner node come back as pruned placeholders carrying their
// own offsets, so walking the trie only ever touches the nodes it needs.
func fetchNodeFromSnapshot(snapshot []byte, offset int64) (*Node, error) {
	p := wire.NewParser(snapshot[offset:])
	var n *Node
	switch typ := NodeType(p.Int32()); typ {
	case TypeEmpty:
		n = Empty()
	case TypeLeaf:
		suffix, err := bitstring.Fetch(p)
		if err != nil {
			return nil, err
		}
		n = NewLeaf(suffix, p.Bytes())
	case TypeInner:
		prefix, err := bitstring.Fetch(p)
		if err != nil {
			return nil, err
		}
		leftOffset := p.Int64()
		leftHash := p.Hash()
		rightOffset := p.Int64()
		rightHash := p.Hash()
		if p.Err() != nil {
			return nil, p.Err()
		}
		if leftOffset < snapshotHeaderSize || leftOffset > int64(len(snapshot)) ||
			rightOffset < snapshotHeaderSize || rightOffset > int64(len(snapshot)) {
			return nil, xerrors.New("invalid child offset")
		}
		n = NewInner(prefix,
			newPrunedAt(leftHash, leftOffset),
			newPrunedAt(rightHash, rightOffset))
	default:
		return nil, xerrors.New("unexpected node type")
	}
	if p.Err() != nil {
		return nil, p.Err()
	}
	return n, nil
}
