package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

// MsgIDSize is the length of the message identifier prepended to every
// encrypted payload.
const MsgIDSize = 32

// HeaderSize is the length of an encrypted epoch header.
const HeaderSize = 32

// HmacSHA512 computes HMAC-SHA512 of msg under key.
func HmacSHA512(key, msg []byte) [64]byte {
	var out [64]byte
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	copy(out[:], mac.Sum(nil))
	return out
}

// msgID deterministically identifies a plaintext under a secret. Reusing it
// as the KDF salt makes the whole encryption deterministic: the same secret,
// associated data and plaintext always produce the same ciphertext, which the
// rest of the system relies on when several parties must derive identical
// broadcasts.
func msgID(secret, associatedData, plain []byte) [MsgIDSize]byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(associatedData)
	mac.Write(plain)
	var id [MsgIDSize]byte
	copy(id[:], mac.Sum(nil))
	return id
}

func dataCipher(secret []byte, id [MsgIDSize]byte) (cipher.AEAD, []byte, error) {
	r := hkdf.New(sha256.New, secret, id[:], []byte("e2ecall data"))
	keyAndNonce := make([]byte, 32+12)
	if _, err := io.ReadFull(r, keyAndNonce); err != nil {
		return nil, nil, xerrors.Errorf("deriving data key: %v", err)
	}
	block, err := aes.NewCipher(keyAndNonce[:32])
	if err != nil {
		return nil, nil, xerrors.Errorf("creating cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, xerrors.Errorf("creating GCM: %v", err)
	}
	return aead, keyAndNonce[32:], nil
}

// EncryptData encrypts plain under secret, binding associatedData without
// transmitting it. The output is the 32-byte message id followed by the
// AES-256-GCM ciphertext; key and nonce are derived from the secret and the
// id, so the nonce is never reused under a key.
func EncryptData(secret, plain, associatedData []byte) ([]byte, error) {
	id := msgID(secret, associatedData, plain)
	aead, nonce, err := dataCipher(secret, id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, MsgIDSize, MsgIDSize+len(plain)+aead.Overhead())
	copy(out, id[:])
	return aead.Seal(out, nonce, plain, associatedData), nil
}

// DecryptData reverses EncryptData. Decryption fails if the data was
// encrypted under a different secret or associated data, or was modified.
func DecryptData(secret, data, associatedData []byte) ([]byte, error) {
	if len(data) < MsgIDSize {
		return nil, xerrors.New("encrypted data too short")
	}
	var id [MsgIDSize]byte
	copy(id[:], data)
	aead, nonce, err := dataCipher(secret, id)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, data[MsgIDSize:], associatedData)
	if err != nil {
		return nil, xerrors.Errorf("decrypting data: %v", err)
	}
	return plain, nil
}

// EncryptHeader hides a 32-byte one-time secret under an epoch secret. The
// mask is derived from the epoch secret and a per-packet salt, so the same
// one-time secret encrypts differently in every packet. XOR keeps the header
// a fixed 32 bytes; integrity comes from the payload encrypted under the
// one-time secret, which fails to open if the header was tampered with.
func EncryptHeader(epochSecret []byte, oneTimeSecret, salt [32]byte) ([HeaderSize]byte, error) {
	mask, err := headerMask(epochSecret, salt)
	if err != nil {
		return [HeaderSize]byte{}, err
	}
	var out [HeaderSize]byte
	for i := range out {
		out[i] = oneTimeSecret[i] ^ mask[i]
	}
	return out, nil
}

// DecryptHeader reverses EncryptHeader.
func DecryptHeader(epochSecret []byte, header, salt [32]byte) ([32]byte, error) {
	return EncryptHeader(epochSecret, header, salt)
}

func headerMask(epochSecret []byte, salt [32]byte) ([HeaderSize]byte, error) {
	var mask [HeaderSize]byte
	r := hkdf.New(sha256.New, epochSecret, salt[:], []byte("e2ecall header"))
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return mask, xerrors.Errorf("deriving header mask: %v", err)
	}
	return mask, nil
}
