package chain

import (
	"encoding/binary"

	"go.dedis.ch/e2ecall/keys"
	"go.dedis.ch/e2ecall/wire"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Blocks and verification broadcasts travel in two forms: the local form a
// client produces and consumes, and the server form the relay hands out. The
// two differ only in the 4-byte magic, with the server magic being the local
// magic plus one, so conversion is a header rewrite and a client can tell a
// relayed block from one of its own.

// The structs below are the protobuf shape of the domain types: fixed-size
// arrays become plain byte slices and the change variants become a struct of
// optional pointers, exactly one of which is set. All conversions validate
// lengths, so a decoded block is structurally sound before any chain
// validation runs.

type participantWire struct {
	UserID    int64
	PublicKey []byte
	Flags     int32
	Version   int32
}

type groupStateWire struct {
	Participants        []participantWire
	ExternalPermissions int32
}

type sharedKeyWire struct {
	EK                 []byte
	EncryptedSharedKey []byte
	DestUserIDs        []int64
	DestHeaders        [][]byte
}

type noopWire struct {
	Nonce []byte
}

type setValueWire struct {
	Key   []byte
	Value []byte
}

type changeWire struct {
	Noop          *noopWire       `protobuf:"opt"`
	SetValue      *setValueWire   `protobuf:"opt"`
	SetGroupState *groupStateWire `protobuf:"opt"`
	SetSharedKey  *sharedKeyWire  `protobuf:"opt"`
}

type stateProofWire struct {
	KVHash     []byte
	GroupState *groupStateWire `protobuf:"opt"`
	SharedKey  *sharedKeyWire  `protobuf:"opt"`
}

type blockWire struct {
	Signature       []byte
	PrevBlockHash   []byte
	Height          int32
	Changes         []changeWire
	StateProof      stateProofWire
	SignerPublicKey []byte `protobuf:"opt"`
}

func groupStateToWire(gs *GroupState) *groupStateWire {
	out := &groupStateWire{ExternalPermissions: int32(gs.ExternalPermissions)}
	for _, p := range gs.Participants {
		out.Participants = append(out.Participants, participantWire{
			UserID:    p.UserID,
			PublicKey: append([]byte(nil), p.PublicKey[:]...),
			Flags:     int32(p.Flags),
			Version:   p.Version,
		})
	}
	return out
}

func groupStateFromWire(w *groupStateWire) (*GroupState, error) {
	out := &GroupState{ExternalPermissions: Flags(w.ExternalPermissions)}
	for _, p := range w.Participants {
		pub, err := keys.PublicKeyFromBytes(p.PublicKey)
		if err != nil {
			return nil, err
		}
		out.Participants = append(out.Participants, GroupParticipant{
			UserID:    p.UserID,
			PublicKey: pub,
			Flags:     Flags(p.Flags),
			Version:   p.Version,
		})
	}
	return out, nil
}

func sharedKeyToWire(k *GroupSharedKey) *sharedKeyWire {
	return &sharedKeyWire{
		EK:                 append([]byte(nil), k.EK[:]...),
		EncryptedSharedKey: k.EncryptedSharedKey,
		DestUserIDs:        k.DestUserIDs,
		DestHeaders:        k.DestHeaders,
	}
}

func sharedKeyFromWire(w *sharedKeyWire) (*GroupSharedKey, error) {
	ek, err := keys.PublicKeyFromBytes(w.EK)
	if err != nil {
		return nil, err
	}
	return &GroupSharedKey{
		EK:                 ek,
		EncryptedSharedKey: w.EncryptedSharedKey,
		DestUserIDs:        w.DestUserIDs,
		DestHeaders:        w.DestHeaders,
	}, nil
}

func changeToWire(c Change) (changeWire, error) {
	switch c := c.(type) {
	case ChangeNoop:
		return changeWire{Noop: &noopWire{Nonce: append([]byte(nil), c.Nonce[:]...)}}, nil
	case ChangeSetValue:
		return changeWire{SetValue: &setValueWire{Key: c.Key, Value: c.Value}}, nil
	case ChangeSetGroupState:
		return changeWire{SetGroupState: groupStateToWire(c.GroupState)}, nil
	case ChangeSetSharedKey:
		return changeWire{SetSharedKey: sharedKeyToWire(c.SharedKey)}, nil
	default:
		return changeWire{}, xerrors.Errorf("unknown change type %T", c)
	}
}

func changeFromWire(w changeWire) (Change, error) {
	set := 0
	for _, present := range []bool{w.Noop != nil, w.SetValue != nil,
		w.SetGroupState != nil, w.SetSharedKey != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, xerrors.New("change must have exactly one variant")
	}
	switch {
	case w.Noop != nil:
		var c ChangeNoop
		if len(w.Noop.Nonce) != len(c.Nonce) {
			return nil, xerrors.New("invalid noop nonce length")
		}
		copy(c.Nonce[:], w.Noop.Nonce)
		return c, nil
	case w.SetValue != nil:
		return ChangeSetValue{Key: w.SetValue.Key, Value: w.SetValue.Value}, nil
	case w.SetGroupState != nil:
		gs, err := groupStateFromWire(w.SetGroupState)
		if err != nil {
			return nil, err
		}
		return ChangeSetGroupState{GroupState: gs}, nil
	default:
		k, err := sharedKeyFromWire(w.SetSharedKey)
		if err != nil {
			return nil, err
		}
		return ChangeSetSharedKey{SharedKey: k}, nil
	}
}

func (b *Block) toWire() (*blockWire, error) {
	out := &blockWire{
		Signature:     append([]byte(nil), b.Signature[:]...),
		PrevBlockHash: append([]byte(nil), b.PrevBlockHash[:]...),
		Height:        b.Height,
		StateProof: stateProofWire{
			KVHash: append([]byte(nil), b.StateProof.KVHash[:]...),
		},
	}
	if b.StateProof.GroupState != nil {
		out.StateProof.GroupState = groupStateToWire(b.StateProof.GroupState)
	}
	if b.StateProof.SharedKey != nil {
		out.StateProof.SharedKey = sharedKeyToWire(b.StateProof.SharedKey)
	}
	if b.SignerPublicKey != nil {
		out.SignerPublicKey = append([]byte(nil), b.SignerPublicKey[:]...)
	}
	for _, c := range b.Changes {
		cw, err := changeToWire(c)
		if err != nil {
			return nil, err
		}
		out.Changes = append(out.Changes, cw)
	}
	return out, nil
}

func blockFromWire(w *blockWire) (*Block, error) {
	b := &Block{Height: w.Height}
	sig, err := keys.SignatureFromBytes(w.Signature)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	if len(w.PrevBlockHash) != len(b.PrevBlockHash) {
		return nil, xerrors.New("invalid previous block hash length")
	}
	copy(b.PrevBlockHash[:], w.PrevBlockHash)
	if len(w.StateProof.KVHash) != len(b.StateProof.KVHash) {
		return nil, xerrors.New("invalid state hash length")
	}
	copy(b.StateProof.KVHash[:], w.StateProof.KVHash)
	if w.StateProof.GroupState != nil {
		gs, err := groupStateFromWire(w.StateProof.GroupState)
		if err != nil {
			return nil, err
		}
		b.StateProof.GroupState = gs
	}
	if w.StateProof.SharedKey != nil {
		k, err := sharedKeyFromWire(w.StateProof.SharedKey)
		if err != nil {
			return nil, err
		}
		b.StateProof.SharedKey = k
	}
	if w.SignerPublicKey != nil {
		pub, err := keys.PublicKeyFromBytes(w.SignerPublicKey)
		if err != nil {
			return nil, err
		}
		b.SignerPublicKey = &pub
	}
	for _, cw := range w.Changes {
		c, err := changeFromWire(cw)
		if err != nil {
			return nil, err
		}
		b.Changes = append(b.Changes, c)
	}
	return b, nil
}

// Serialize encodes the block into its boxed local form.
func (b *Block) Serialize() ([]byte, error) {
	w, err := b.toWire()
	if err != nil {
		return nil, err
	}
	body, err := protobuf.Encode(w)
	if err != nil {
		return nil, xerrors.Errorf("encoding block: %v", err)
	}
	return wire.Box(wire.MagicBlock, body), nil
}

// ParseBlock decodes a block from its boxed local form.
func ParseBlock(data []byte) (*Block, error) {
	body, err := wire.Unbox(wire.MagicBlock, data)
	if err != nil {
		return nil, err
	}
	var w blockWire
	if err := protobuf.Decode(body, &w); err != nil {
		return nil, xerrors.Errorf("decoding block: %v", err)
	}
	return blockFromWire(&w)
}

func isGoodMagic(magic int32) bool {
	return magic == wire.MagicBlock ||
		magic == wire.MagicNonceCommit ||
		magic == wire.MagicNonceReveal
}

// IsFromServer reports whether the message carries a server-form magic.
func IsFromServer(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := int32(binary.LittleEndian.Uint32(data))
	return isGoodMagic(magic-1) && !isGoodMagic(magic)
}

// FromLocalToServer rewrites a local message into its server form.
func FromLocalToServer(data []byte) ([]byte, error) {
	magic, err := wire.ReadMagic(data)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), data...)
	wire.WriteMagic(out, magic+1)
	return out, nil
}

// FromServerToLocal rewrites a server message into its local form. It fails
// on a message that is already in local form.
func FromServerToLocal(data []byte) ([]byte, error) {
	magic, err := wire.ReadMagic(data)
	if err != nil {
		return nil, err
	}
	if isGoodMagic(magic) {
		return nil, xerrors.New("message is already in local form")
	}
	if !isGoodMagic(magic - 1) {
		return nil, xerrors.Errorf("unknown magic %#x", magic)
	}
	out := append([]byte(nil), data...)
	wire.WriteMagic(out, magic-1)
	return out, nil
}

// FromAnyToLocal accepts a message in either form and returns the local one.
func FromAnyToLocal(data []byte) ([]byte, error) {
	if IsFromServer(data) {
		return FromServerToLocal(data)
	}
	return data, nil
}
