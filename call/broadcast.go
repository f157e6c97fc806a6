package call

import (
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"go.dedis.ch/e2ecall/keys"
	"go.dedis.ch/e2ecall/wire"
)

// Verification broadcasts use the same boxed encoding and the same
// local/server magic convention as blocks, and are signed the same way: over
// the serialized message with the signature zeroed.

type broadcast interface {
	chainHeight() int32
	chainHash() [32]byte
	signature() keys.Signature
	signedPayload() ([]byte, error)
	serialize() ([]byte, error)
}

type nonceCommit struct {
	Signature   []byte
	UserID      int64
	ChainHeight int32
	ChainHash   [32]byte
	NonceHash   [32]byte
}

type nonceReveal struct {
	Signature   []byte
	UserID      int64
	ChainHeight int32
	ChainHash   [32]byte
	Nonce       [32]byte
}

func (b *nonceCommit) chainHeight() int32 { return b.ChainHeight }
func (b *nonceReveal) chainHeight() int32 { return b.ChainHeight }

func (b *nonceCommit) chainHash() [32]byte { return b.ChainHash }
func (b *nonceReveal) chainHash() [32]byte { return b.ChainHash }

func (b *nonceCommit) signature() keys.Signature {
	sig, _ := keys.SignatureFromBytes(b.Signature)
	return sig
}

func (b *nonceReveal) signature() keys.Signature {
	sig, _ := keys.SignatureFromBytes(b.Signature)
	return sig
}

func (b *nonceCommit) serialize() ([]byte, error) {
	body, err := protobuf.Encode(b)
	if err != nil {
		return nil, xerrors.Errorf("encoding commit: %v", err)
	}
	return wire.Box(wire.MagicNonceCommit, body), nil
}

func (b *nonceReveal) serialize() ([]byte, error) {
	body, err := protobuf.Encode(b)
	if err != nil {
		return nil, xerrors.Errorf("encoding reveal: %v", err)
	}
	return wire.Box(wire.MagicNonceReveal, body), nil
}

func (b *nonceCommit) signedPayload() ([]byte, error) {
	unsigned := *b
	unsigned.Signature = make([]byte, 64)
	return unsigned.serialize()
}

func (b *nonceReveal) signedPayload() ([]byte, error) {
	unsigned := *b
	unsigned.Signature = make([]byte, 64)
	return unsigned.serialize()
}

func signBroadcast(b broadcast, priv *keys.PrivateKey) error {
	payload, err := b.signedPayload()
	if err != nil {
		return err
	}
	sig, err := priv.Sign(payload)
	if err != nil {
		return err
	}
	switch b := b.(type) {
	case *nonceCommit:
		b.Signature = sig[:]
	case *nonceReveal:
		b.Signature = sig[:]
	}
	return nil
}

func parseBroadcast(message []byte) (broadcast, error) {
	magic, err := wire.ReadMagic(message)
	if err != nil {
		return nil, err
	}
	switch magic {
	case wire.MagicNonceCommit:
		var b nonceCommit
		if err := protobuf.Decode(message[4:], &b); err != nil {
			return nil, xerrors.Errorf("decoding commit: %v", err)
		}
		if len(b.Signature) != 64 {
			return nil, xerrors.New("invalid broadcast signature length")
		}
		return &b, nil
	case wire.MagicNonceReveal:
		var b nonceReveal
		if err := protobuf.Decode(message[4:], &b); err != nil {
			return nil, xerrors.Errorf("decoding reveal: %v", err)
		}
		if len(b.Signature) != 64 {
			return nil, xerrors.New("invalid broadcast signature length")
		}
		return &b, nil
	default:
		return nil, xerrors.Errorf("unexpected broadcast magic %#x", magic)
	}
}
