// Package trie implements the binary Merkle-Patricia trie that holds the
// key-value state of a call ledger. Keys are 256-bit strings, values are
// opaque byte slices. Every node carries a sha256 hash of its canonical
// serialization, so a root hash commits to the whole state, and any subtree
// can be replaced by a pruned placeholder carrying only that hash. Pruned
// tries double as membership proofs: a verifier walks from a trusted root
// hash down to the leaf, recomputing hashes along the way.
//
// Updates are persistent. Set returns a new root and leaves the old one
// intact, which lets the ledger validate a block against a copy of the state
// and only swap roots once the whole block is accepted.
package trie

import (
	"go.dedis.ch/e2ecall/bitstring"
	"golang.org/x/xerrors"
)

// KeyBits is the fixed bit length of every trie key.
const KeyBits = 256

// ToKey converts a raw key to the fixed 256-bit form used inside the trie.
// Short keys are zero-padded on the right, long keys are truncated.
func ToKey(key []byte) bitstring.BitString {
	fixed := make([]byte, KeyBits/8)
	copy(fixed, key)
	return bitstring.FromBytes(fixed)
}

// Get returns the value stored under key, or nil if the key is absent. It
// fails with ErrPruned when the lookup path crosses a pruned subtree and no
// snapshot is given to reload it from.
func Get(n *Node, key bitstring.BitString, snapshot []byte) ([]byte, error) {
	n, err := n.load(snapshot)
	if err != nil {
		return nil, err
	}
	switch n.typ {
	case TypeEmpty:
		return nil, nil
	case TypeLeaf:
		if key.Equal(n.keySuffix) {
			return n.value, nil
		}
		return nil, nil
	case TypeInner:
		l := key.CommonPrefixLen(n.prefix)
		if l < n.prefix.Len() {
			return nil, nil
		}
		child := n.left
		if key.Bit(l) != 0 {
			child = n.right
		}
		return Get(child, key.Suffix(l+1), snapshot)
	default:
		return nil, xerrors.New("unexpected node type")
	}
}

// Set stores value under key and returns the new root. The old root stays
// valid. It fails with ErrPruned when the update path crosses a pruned
// subtree that cannot be reloaded.
func Set(n *Node, key bitstring.BitString, value []byte, snapshot []byte) (*Node, error) {
	n, err := n.load(snapshot)
	if err != nil {
		return nil, err
	}
	switch n.typ {
	case TypeEmpty:
		return NewLeaf(key, value), nil
	case TypeLeaf:
		if key.Equal(n.keySuffix) {
			return NewLeaf(key, value), nil
		}
		// Split at the first differing bit.
		l := key.CommonPrefixLen(n.keySuffix)
		prefix := key.Substr(0, l)
		oldLeaf := NewLeaf(n.keySuffix.Suffix(l+1), n.value)
		newLeaf := NewLeaf(key.Suffix(l+1), value)
		if key.Bit(l) != 0 {
			return NewInner(prefix, oldLeaf, newLeaf), nil
		}
		return NewInner(prefix, newLeaf, oldLeaf), nil
	case TypeInner:
		l := key.CommonPrefixLen(n.prefix)
		if l == n.prefix.Len() {
			left, right := n.left, n.right
			if key.Bit(l) != 0 {
				child, err := Set(right, key.Suffix(l+1), value, snapshot)
				if err != nil {
					return nil, err
				}
				right = child
			} else {
				child, err := Set(left, key.Suffix(l+1), value, snapshot)
				if err != nil {
					return nil, err
				}
				left = child
			}
			return NewInner(n.prefix, left, right), nil
		}
		// The key diverges inside the prefix: split the inner node.
		prefix := key.Substr(0, l)
		oldInner := NewInner(n.prefix.Suffix(l+1), n.left, n.right)
		newLeaf := NewLeaf(key.Suffix(l+1), value)
		if key.Bit(l) != 0 {
			return NewInner(prefix, oldInner, newLeaf), nil
		}
		return NewInner(prefix, newLeaf, oldInner), nil
	default:
		return nil, xerrors.New("unexpected node type")
	}
}

// GeneratePrunedTree returns a copy of the trie where every subtree not on
// the path to one of the given keys is replaced by its hash. The result is a
// membership (or absence) proof for exactly those keys: it has the same root
// hash as the full trie, and Get works on it for every listed key.
func GeneratePrunedTree(n *Node, keys []bitstring.BitString, snapshot []byte) (*Node, error) {
	if n.typ == TypePruned {
		if len(keys) == 0 {
			// An unloadable subtree is fine as long as no key needs it.
			return n, nil
		}
		if err := n.tryLoad(snapshot); err != nil {
			return nil, err
		}
	}
	if len(keys) == 0 && n.typ != TypeEmpty {
		return NewPruned(n.Hash), nil
	}
	switch n.typ {
	case TypeEmpty, TypeLeaf:
		return n, nil
	case TypeInner:
		var leftKeys, rightKeys []bitstring.BitString
		for _, key := range keys {
			l := key.CommonPrefixLen(n.prefix)
			if l < n.prefix.Len() {
				// The key leaves the trie inside the prefix; the
				// node itself already proves its absence.
				continue
			}
			if key.Bit(l) != 0 {
				rightKeys = append(rightKeys, key.Suffix(l+1))
			} else {
				leftKeys = append(leftKeys, key.Suffix(l+1))
			}
		}
		left, err := GeneratePrunedTree(n.left, leftKeys, snapshot)
		if err != nil {
			return nil, err
		}
		right, err := GeneratePrunedTree(n.right, rightKeys, snapshot)
		if err != nil {
			return nil, err
		}
		return NewInner(n.prefix, left, right), nil
	default:
		return nil, xerrors.New("unexpected node type")
	}
}

// Merge combines two tries with the same root hash, preferring loaded
// subtrees over pruned placeholders. It is used by clients to extend their
// partial state with freshly received proofs.
func Merge(a, b *Node) (*Node, error) {
	if a.Hash != b.Hash {
		return nil, xerrors.New("cannot merge tries with different root hashes")
	}
	if a.typ == TypePruned {
		return b, nil
	}
	if b.typ == TypePruned || a.typ != TypeInner {
		return a, nil
	}
	left, err := Merge(a.left, b.left)
	if err != nil {
		return nil, err
	}
	right, err := Merge(a.right, b.right)
	if err != nil {
		return nil, err
	}
	if left == a.left && right == a.right {
		return a, nil
	}
	return NewInner(a.prefix, left, right), nil
}
