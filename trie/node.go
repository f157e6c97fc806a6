package trie

import (
	"crypto/sha256"

	"go.dedis.ch/e2ecall/bitstring"
	"go.dedis.ch/e2ecall/wire"
	"golang.org/x/xerrors"
)

// NodeType tags the four node variants.
type NodeType int32

const (
	// TypeEmpty is a node with no value below it.
	TypeEmpty NodeType = iota
	// TypeLeaf holds a value under the remaining key suffix.
	TypeLeaf
	// TypeInner has two children below a shared prefix.
	TypeInner
	// TypePruned stands in for a subtree that only its hash is known of.
	TypePruned
)

// ErrPruned is returned when a lookup or update needs a subtree that has been
// pruned away and no snapshot is available to reload it from. The caller must
// obtain a proof covering the key first.
var ErrPruned = xerrors.New("cannot load pruned node")

// Node is one node of the Merkle-Patricia trie. Every node eagerly computes
// its content hash on construction; the hash is the node's identity and the
// basis of all proofs. Nodes are shared and never mutated - updates build new
// nodes along the changed path, so old roots stay valid - with the single
// exception of a pruned node being materialised from a snapshot, which
// replaces the placeholder by the subtree it already committed to.
type Node struct {
	Hash [32]byte

	typ       NodeType
	keySuffix bitstring.BitString // leaf
	value     []byte              // leaf
	prefix    bitstring.BitString // inner
	left      *Node               // inner
	right     *Node               // inner
	offset    int64               // pruned: absolute snapshot offset, -1 if unknown
}

var emptyNode = func() *Node {
	n := &Node{typ: TypeEmpty}
	n.Hash = n.computeHash()
	return n
}()

// Empty returns the shared empty node.
func Empty() *Node {
	return emptyNode
}

// NewLeaf returns a leaf node holding value under the given key suffix.
func NewLeaf(keySuffix bitstring.BitString, value []byte) *Node {
	n := &Node{typ: TypeLeaf, keySuffix: keySuffix, value: value}
	n.Hash = n.computeHash()
	return n
}

// NewInner returns an inner node with the given prefix and children.
func NewInner(prefix bitstring.BitString, left, right *Node) *Node {
	n := &Node{typ: TypeInner, prefix: prefix, left: left, right: right}
	n.Hash = n.computeHash()
	return n
}

// NewPruned returns a placeholder for the subtree with the given hash.
func NewPruned(hash [32]byte) *Node {
	return &Node{Hash: hash, typ: TypePruned, offset: -1}
}

func newPrunedAt(hash [32]byte, offset int64) *Node {
	return &Node{Hash: hash, typ: TypePruned, offset: offset}
}

// Type returns the variant of the node.
func (n *Node) Type() NodeType {
	return n.typ
}

// Value returns the value of a leaf node.
func (n *Node) Value() []byte {
	return n.value
}

func (n *Node) computeHash() [32]byte {
	w := wire.NewWriter()
	w.WriteInt32(int32(n.typ))
	switch n.typ {
	case TypeLeaf:
		n.keySuffix.Store(w)
		w.WriteBytes(n.value)
	case TypeInner:
		n.prefix.Store(w)
		w.WriteHash(n.left.Hash)
		w.WriteHash(n.right.Hash)
	case TypeEmpty:
	default:
		panic("trie: hashing a pruned node")
	}
	return sha256.Sum256(w.Bytes())
}

// tryLoad replaces a pruned node by the subtree stored at its snapshot
// offset. The loaded subtree's hash must match the hash the placeholder
// committed to; a mismatch means the snapshot was tampered with.
func (n *Node) tryLoad(snapshot []byte) error {
	if n.typ != TypePruned {
		return nil
	}
	if n.offset < 0 || len(snapshot) == 0 {
		return ErrPruned
	}
	if n.offset > int64(len(snapshot)) {
		return xerrors.New("cannot load pruned node: invalid offset")
	}
	loaded, err := fetchNodeFromSnapshot(snapshot, n.offset)
	if err != nil {
		return xerrors.Errorf("cannot load pruned node: %v", err)
	}
	if loaded.Hash != n.Hash {
		return xerrors.New("cannot load pruned node: hash mismatch")
	}
	*n = *loaded
	return nil
}

// load returns the node itself, materialising it first when pruned.
func (n *Node) load(snapshot []byte) (*Node, error) {
	if n.typ == TypePruned {
		if err := n.tryLoad(snapshot); err != nil {
			return nil, err
		}
	}
	return n, nil
}
