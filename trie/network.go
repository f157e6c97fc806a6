package trie

import (
	"go.dedis.ch/e2ecall/bitstring"
	"go.dedis.ch/e2ecall/wire"
	"golang.org/x/xerrors"
)

// SerializeForNetwork encodes the trie depth-first for transport. Pruned
// subtrees are encoded as their hash only, so a pruned proof stays small no
// matter how big the full state is. Pruned nodes backed by a snapshot must be
// loaded by the caller first; here they are sent as-is.
func SerializeForNetwork(n *Node) ([]byte, error) {
	w := wire.NewWriter()
	if err := serializeForNetwork(n, w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func serializeForNetwork(n *Node, w *wire.Writer) error {
	w.WriteInt32(int32(n.typ))
	switch n.typ {
	case TypeEmpty:
	case TypeLeaf:
		n.keySuffix.Store(w)
		w.WriteBytes(n.value)
	case TypeInner:
		n.prefix.Store(w)
		if err := serializeForNetwork(n.left, w); err != nil {
			return err
		}
		return serializeForNetwork(n.right, w)
	case TypePruned:
		w.WriteHash(n.Hash)
	default:
		return xerrors.New("unexpected node type")
	}
	return nil
}

// FetchFromNetwork decodes a trie produced by SerializeForNetwork. All hashes
// are recomputed from the decoded content, so the returned root hash can be
// compared against a trusted one to authenticate the whole tree.
func FetchFromNetwork(data []byte) (*Node, error) {
	p := wire.NewParser(data)
	n := fetchNodeFromNetwork(p)
	if err := p.Finish(); err != nil {
		return nil, err
	}
	return n, nil
}

func fetchNodeFromNetwork(p *wire.Parser) *Node {
	switch typ := NodeType(p.Int32()); typ {
	case TypeEmpty:
		return Empty()
	case TypeLeaf:
		suffix, err := bitstring.Fetch(p)
		if err != nil {
			p.Fail(err.Error())
			return Empty()
		}
		return NewLeaf(suffix, p.Bytes())
	case TypeInner:
		prefix, err := bitstring.Fetch(p)
		if err != nil {
			p.Fail(err.Error())
			return Empty()
		}
		left := fetchNodeFromNetwork(p)
		right := fetchNodeFromNetwork(p)
		return NewInner(prefix, left, right)
	case TypePruned:
		return NewPruned(p.Hash())
	default:
		p.Fail("unexpected node type")
		return Empty()
	}
}
