// Package chain implements the authenticated log a call group agrees on: a
// sequence of signed blocks, each carrying changes to a key-value state, the
// group membership and the encrypted group key, together with a proof of the
// resulting state. Three roles consume it: Blockchain validates and applies
// blocks against full or hash-only state, ClientBlockchain tracks the log
// with pruned state and server proofs, and ServerBlockchain keeps the full
// state persistently and serves proofs and snapshots.
package chain

import (
	"bytes"
	"crypto/sha256"

	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/keys"
)

// Flags describes what a group participant may do.
type Flags int32

const (
	// PermissionAddUsers allows adding participants.
	PermissionAddUsers Flags = 1 << 0
	// PermissionRemoveUsers allows removing participants.
	PermissionRemoveUsers Flags = 1 << 1
	// PermissionSetValue allows writing to the key-value state.
	PermissionSetValue Flags = 1 << 2
	// AllPermissions is every grantable permission.
	AllPermissions = PermissionAddUsers | PermissionRemoveUsers | PermissionSetValue

	// FlagIsParticipant marks effective permissions of a group member. It
	// is never stored in a group state, only computed.
	FlagIsParticipant Flags = 1 << 30
)

// Permissions is the effective permission set of a signer, as resolved
// against a concrete group state.
type Permissions struct {
	Flags Flags
}

// MayAddUsers reports whether the signer can add participants.
func (p Permissions) MayAddUsers() bool {
	return p.Flags&PermissionAddUsers != 0
}

// MayRemoveUsers reports whether the signer can remove participants.
func (p Permissions) MayRemoveUsers() bool {
	return p.Flags&PermissionRemoveUsers != 0
}

// MaySetValue reports whether the signer can write key-value entries.
func (p Permissions) MaySetValue() bool {
	return p.Flags&PermissionSetValue != 0
}

// IsParticipant reports whether the signer is a member of the group.
func (p Permissions) IsParticipant() bool {
	return p.Flags&FlagIsParticipant != 0
}

// MayChangeSharedKey reports whether the signer can set or clear the group
// shared key. Only members who can change the membership may rotate the key.
func (p Permissions) MayChangeSharedKey() bool {
	return p.IsParticipant() && (p.MayAddUsers() || p.MayRemoveUsers())
}

// GroupParticipant is one member of the group. Version tracks the member's
// protocol version; it carries no permission meaning.
type GroupParticipant struct {
	UserID    int64
	PublicKey keys.PublicKey
	Flags     Flags
	Version   int32
}

// GroupState is the membership of the group plus the permissions granted to
// non-members.
type GroupState struct {
	Participants        []GroupParticipant
	ExternalPermissions Flags
}

// Empty reports whether the state grants nothing to anyone.
func (gs *GroupState) Empty() bool {
	return len(gs.Participants) == 0 && gs.ExternalPermissions == 0
}

// GetParticipant returns the participant with the given user id.
func (gs *GroupState) GetParticipant(userID int64) (GroupParticipant, bool) {
	for _, p := range gs.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return GroupParticipant{}, false
}

// GetParticipantByPublicKey returns the participant with the given key.
func (gs *GroupState) GetParticipantByPublicKey(pub keys.PublicKey) (GroupParticipant, bool) {
	for _, p := range gs.Participants {
		if p.PublicKey == pub {
			return p, true
		}
	}
	return GroupParticipant{}, false
}

// GetPermissions resolves the effective permissions of a signer. Members get
// their own flags plus the participant marker, everyone else the external
// permissions. The limit mask caps what either can get.
func (gs *GroupState) GetPermissions(pub keys.PublicKey, limit Flags) Permissions {
	limit &= AllPermissions
	if p, ok := gs.GetParticipantByPublicKey(pub); ok {
		return Permissions{Flags: p.Flags&limit | FlagIsParticipant}
	}
	return Permissions{Flags: gs.ExternalPermissions & limit}
}

// Version returns the protocol version the whole group supports: the lowest
// participant version, clamped to 0..255. An empty group is version 0.
func (gs *GroupState) Version() int32 {
	if len(gs.Participants) == 0 {
		return 0
	}
	version := gs.Participants[0].Version
	for _, p := range gs.Participants {
		if p.Version < version {
			version = p.Version
		}
	}
	if version < 0 {
		return 0
	}
	if version > 255 {
		return 255
	}
	return version
}

// Equal reports deep equality, participant order included.
func (gs *GroupState) Equal(other *GroupState) bool {
	if gs.ExternalPermissions != other.ExternalPermissions ||
		len(gs.Participants) != len(other.Participants) {
		return false
	}
	for i, p := range gs.Participants {
		if p != other.Participants[i] {
			return false
		}
	}
	return true
}

func (gs *GroupState) clone() *GroupState {
	out := &GroupState{ExternalPermissions: gs.ExternalPermissions}
	out.Participants = append([]GroupParticipant(nil), gs.Participants...)
	return out
}

// GroupSharedKey is the group call key, encrypted once per participant. The
// ephemeral key EK and the per-recipient headers let every listed member and
// nobody else recover the key.
type GroupSharedKey struct {
	EK                 keys.PublicKey
	EncryptedSharedKey []byte
	DestUserIDs        []int64
	DestHeaders        [][]byte
}

// EmptySharedKey is the cleared shared key.
func EmptySharedKey() *GroupSharedKey {
	return &GroupSharedKey{}
}

// Empty reports whether the key is cleared.
func (k *GroupSharedKey) Empty() bool {
	return k.EK.IsZero() && len(k.EncryptedSharedKey) == 0 &&
		len(k.DestUserIDs) == 0 && len(k.DestHeaders) == 0
}

// Equal reports deep equality.
func (k *GroupSharedKey) Equal(other *GroupSharedKey) bool {
	if k.EK != other.EK ||
		!bytes.Equal(k.EncryptedSharedKey, other.EncryptedSharedKey) ||
		len(k.DestUserIDs) != len(other.DestUserIDs) ||
		len(k.DestHeaders) != len(other.DestHeaders) {
		return false
	}
	for i, id := range k.DestUserIDs {
		if id != other.DestUserIDs[i] {
			return false
		}
	}
	for i, h := range k.DestHeaders {
		if !bytes.Equal(h, other.DestHeaders[i]) {
			return false
		}
	}
	return true
}

// Change is one modification a block applies to the state.
type Change interface {
	isChange()
}

// ChangeNoop does nothing; its random nonce makes otherwise identical blocks
// distinct.
type ChangeNoop struct {
	Nonce [32]byte
}

// ChangeSetValue writes a key-value entry. The key must be 32 bytes and not
// all zero.
type ChangeSetValue struct {
	Key   []byte
	Value []byte
}

// ChangeSetGroupState replaces the group membership. Applying it always
// clears the shared key, since the old key must not reach new members nor
// stay usable by removed ones.
type ChangeSetGroupState struct {
	GroupState *GroupState
}

// ChangeSetSharedKey sets the group shared key. It is only valid while the
// key is cleared.
type ChangeSetSharedKey struct {
	SharedKey *GroupSharedKey
}

func (ChangeNoop) isChange()          {}
func (ChangeSetValue) isChange()      {}
func (ChangeSetGroupState) isChange() {}
func (ChangeSetSharedKey) isChange()  {}

// StateProof commits to the state after the block is applied: always the
// key-value root hash, plus the group state and shared key when the block
// leaves them untouched. Values the block itself changes are omitted.
type StateProof struct {
	KVHash     [32]byte
	GroupState *GroupState
	SharedKey  *GroupSharedKey
}

// Block is one entry of the log.
type Block struct {
	Signature     keys.Signature
	PrevBlockHash [32]byte
	Height        int32
	Changes       []Change
	StateProof    StateProof

	// SignerPublicKey identifies the signer; when nil, the first
	// participant of the resulting group state signed.
	SignerPublicKey *keys.PublicKey
}

// CalcHash returns the block hash linking the log: sha256 over the full
// serialized block, signature included.
func (b *Block) CalcHash() ([32]byte, error) {
	data, err := b.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func (b *Block) signedPayload() ([]byte, error) {
	unsigned := *b
	unsigned.Signature = keys.Signature{}
	return unsigned.Serialize()
}

// Sign signs the block in place. The signature covers the serialized block
// with the signature field zeroed.
func (b *Block) Sign(priv *keys.PrivateKey) error {
	payload, err := b.signedPayload()
	if err != nil {
		return err
	}
	sig, err := priv.Sign(payload)
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// VerifySignature checks the block signature against the given key.
func (b *Block) VerifySignature(pub keys.PublicKey) error {
	payload, err := b.signedPayload()
	if err != nil {
		return err
	}
	return pub.Verify(payload, b.Signature)
}

// AsKey validates a key-value key: exactly 32 bytes, not all zero.
func AsKey(key []byte) ([32]byte, error) {
	var out [32]byte
	if len(key) != 32 {
		return out, e2ecall.NewError(e2ecall.ErrInvalidBlock, "invalid key size")
	}
	copy(out[:], key)
	if out == [32]byte{} {
		return out, e2ecall.NewError(e2ecall.ErrInvalidBlock, "invalid zero key")
	}
	return out, nil
}
