// Package keys wraps the Ed25519 primitives the call subsystem relies on:
// long-term identity keys, Schnorr signatures over arbitrary payloads, and
// Diffie-Hellman shared secrets between two identities. The symmetric side
// (authenticated data encryption and one-time header encryption) lives in
// encryption.go.
package keys

import (
	"crypto/sha256"
	"io"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"

	"go.dedis.ch/e2ecall"
)

// PublicKey is the 32-byte marshalled form of an Ed25519 point. It is used
// directly as a map key and as an ordering key for participants, so it stays
// a value type.
type PublicKey [32]byte

// PublicKeyFromPoint marshals a point into its wire form.
func PublicKeyFromPoint(p kyber.Point) (PublicKey, error) {
	var pub PublicKey
	buf, err := p.MarshalBinary()
	if err != nil {
		return pub, xerrors.Errorf("marshalling public key: %v", err)
	}
	if len(buf) != len(pub) {
		return pub, xerrors.Errorf("unexpected public key length %d", len(buf))
	}
	copy(pub[:], buf)
	return pub, nil
}

// PublicKeyFromBytes converts a 32-byte slice into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pub PublicKey
	if len(b) != len(pub) {
		return pub, xerrors.Errorf("unexpected public key length %d", len(b))
	}
	copy(pub[:], b)
	return pub, nil
}

// Point unmarshals the public key back into a group point.
func (pub PublicKey) Point() (kyber.Point, error) {
	p := e2ecall.Suite.Point()
	if err := p.UnmarshalBinary(pub[:]); err != nil {
		return nil, xerrors.Errorf("unmarshalling public key: %v", err)
	}
	return p, nil
}

// Verify checks a Schnorr signature over msg.
func (pub PublicKey) Verify(msg []byte, sig Signature) error {
	p, err := pub.Point()
	if err != nil {
		return err
	}
	if err := schnorr.Verify(e2ecall.Suite, p, msg, sig[:]); err != nil {
		return e2ecall.WrapError(e2ecall.ErrInvalidBlockInvalidSignature, err)
	}
	return nil
}

// IsZero reports whether the key is the all-zero placeholder.
func (pub PublicKey) IsZero() bool {
	return pub == PublicKey{}
}

// Signature is a 64-byte Schnorr signature.
type Signature [64]byte

// SignatureFromBytes converts a 64-byte slice into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != len(sig) {
		return sig, xerrors.Errorf("unexpected signature length %d", len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

// PrivateKey is an Ed25519 scalar together with its public point.
type PrivateKey struct {
	scalar kyber.Scalar
	public PublicKey
}

// GenerateKey creates a fresh random key pair.
func GenerateKey() (*PrivateKey, error) {
	pair := key.NewKeyPair(e2ecall.Suite)
	pub, err := PublicKeyFromPoint(pair.Public)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{scalar: pair.Private, public: pub}, nil
}

// PrivateKeyFromScalar rebuilds a key pair from a stored scalar.
func PrivateKeyFromScalar(s kyber.Scalar) (*PrivateKey, error) {
	pub, err := PublicKeyFromPoint(e2ecall.Suite.Point().Mul(s, nil))
	if err != nil {
		return nil, err
	}
	return &PrivateKey{scalar: s, public: pub}, nil
}

// Public returns the public half of the key.
func (priv *PrivateKey) Public() PublicKey {
	return priv.public
}

// Scalar returns the private scalar, for persistence.
func (priv *PrivateKey) Scalar() kyber.Scalar {
	return priv.scalar
}

// Sign produces a Schnorr signature over msg.
func (priv *PrivateKey) Sign(msg []byte) (Signature, error) {
	var sig Signature
	buf, err := schnorr.Sign(e2ecall.Suite, priv.scalar, msg)
	if err != nil {
		return sig, xerrors.Errorf("signing: %v", err)
	}
	if len(buf) != len(sig) {
		return sig, xerrors.Errorf("unexpected signature length %d", len(buf))
	}
	copy(sig[:], buf)
	return sig, nil
}

// SharedSecret derives the symmetric secret shared between this key and the
// peer: the Diffie-Hellman point of the two keys, run through HKDF so the
// result is a uniform 32-byte key. Both sides compute the same value.
func (priv *PrivateKey) SharedSecret(peer PublicKey) ([32]byte, error) {
	var secret [32]byte
	p, err := peer.Point()
	if err != nil {
		return secret, err
	}
	dh, err := e2ecall.Suite.Point().Mul(priv.scalar, p).MarshalBinary()
	if err != nil {
		return secret, xerrors.Errorf("marshalling shared point: %v", err)
	}
	r := hkdf.New(sha256.New, dh, nil, []byte("e2ecall shared secret"))
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		return secret, xerrors.Errorf("deriving shared secret: %v", err)
	}
	return secret, nil
}
