package chain

import (
	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/bitstring"
	"go.dedis.ch/e2ecall/keys"
	"go.dedis.ch/e2ecall/trie"
)

// KeyValueState is the trie-backed key-value half of the chain state. The
// root may be a bare hash (client role), a full in-memory trie, or a lazy
// trie over a snapshot buffer.
type KeyValueState struct {
	root     *trie.Node
	snapshot []byte
}

// NewKeyValueState returns an empty state.
func NewKeyValueState() KeyValueState {
	return KeyValueState{root: trie.Empty()}
}

// KeyValueStateFromHash returns a hash-only state. Lookups outside merged
// proofs fail until proofs are added.
func KeyValueStateFromHash(hash [32]byte) KeyValueState {
	return KeyValueState{root: trie.NewPruned(hash)}
}

// KeyValueStateFromSnapshot returns a state lazily backed by a snapshot
// buffer produced by BuildSnapshot.
func KeyValueStateFromSnapshot(snapshot []byte) (KeyValueState, error) {
	root, err := trie.FetchFromSnapshot(snapshot)
	if err != nil {
		return KeyValueState{}, err
	}
	return KeyValueState{root: root, snapshot: snapshot}, nil
}

// Hash returns the root hash of the state.
func (kv *KeyValueState) Hash() [32]byte {
	return kv.root.Hash
}

// Get returns the value under a 32-byte key, or nil when absent.
func (kv *KeyValueState) Get(key []byte) ([]byte, error) {
	bits, err := keyToBits(key)
	if err != nil {
		return nil, err
	}
	return trie.Get(kv.root, bits, kv.snapshot)
}

// Set writes a value under a 32-byte key.
func (kv *KeyValueState) Set(key, value []byte) error {
	bits, err := keyToBits(key)
	if err != nil {
		return err
	}
	root, err := trie.Set(kv.root, bits, value, kv.snapshot)
	if err != nil {
		return err
	}
	kv.root = root
	return nil
}

// GenerateProof returns a network-serialized pruned trie covering the given
// keys.
func (kv *KeyValueState) GenerateProof(proofKeys [][]byte) ([]byte, error) {
	bits := make([]bitstring.BitString, 0, len(proofKeys))
	for _, key := range proofKeys {
		b, err := keyToBits(key)
		if err != nil {
			return nil, err
		}
		bits = append(bits, b)
	}
	pruned, err := trie.GeneratePrunedTree(kv.root, bits, kv.snapshot)
	if err != nil {
		return nil, err
	}
	return trie.SerializeForNetwork(pruned)
}

// AddProof merges a pruned trie received from the server into the state. The
// proof root must hash to the current state hash.
func (kv *KeyValueState) AddProof(proof []byte) error {
	node, err := trie.FetchFromNetwork(proof)
	if err != nil {
		return err
	}
	if node.Hash != kv.root.Hash {
		return e2ecall.NewError(e2ecall.ErrInvalidBlock, "invalid proof")
	}
	merged, err := trie.Merge(kv.root, node)
	if err != nil {
		return err
	}
	kv.root = merged
	return nil
}

// BuildSnapshot serializes the full state into a snapshot buffer.
func (kv *KeyValueState) BuildSnapshot() ([]byte, error) {
	return trie.SerializeForSnapshot(kv.root, kv.snapshot)
}

func keyToBits(key []byte) (bitstring.BitString, error) {
	if len(key) != 32 {
		return bitstring.BitString{}, e2ecall.NewError(e2ecall.ErrInvalidBlock, "invalid key size")
	}
	return bitstring.FromBytes(key), nil
}

// ValidateOptions selects how strictly a block is checked when applied.
type ValidateOptions struct {
	// ValidateStateHash makes the apply replay SetValue changes against a
	// real trie and compare the resulting hash with the proof. Without
	// it, the proof hash is adopted as-is (client role).
	ValidateStateHash bool
	// ValidateSignature checks the block signature.
	ValidateSignature bool
	// Permissions caps the permissions granted to the signer.
	Permissions Flags
}

// DefaultValidateOptions is the strict server-side default.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{
		ValidateStateHash: true,
		ValidateSignature: true,
		Permissions:       AllPermissions,
	}
}

// State is the full chain state a block applies to.
type State struct {
	KV         KeyValueState
	GroupState *GroupState
	SharedKey  *GroupSharedKey

	hasSetValue         bool
	hasGroupStateChange bool
	hasSharedKeyChange  bool
}

// NewState returns the state before any block.
func NewState() State {
	return State{
		KV:         NewKeyValueState(),
		GroupState: &GroupState{},
		SharedKey:  EmptySharedKey(),
	}
}

func validateGroupState(gs *GroupState) error {
	seenIDs := make(map[int64]bool, len(gs.Participants))
	seenKeys := make(map[[32]byte]bool, len(gs.Participants))
	for _, p := range gs.Participants {
		if p.Flags&^AllPermissions != 0 {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidGroupState, "invalid permissions")
		}
		if seenIDs[p.UserID] {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidGroupState, "duplicate user id")
		}
		if seenKeys[p.PublicKey] {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidGroupState, "duplicate public key")
		}
		seenIDs[p.UserID] = true
		seenKeys[p.PublicKey] = true
	}
	if gs.ExternalPermissions&^AllPermissions != 0 {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidGroupState, "invalid external permissions")
	}
	return nil
}

func validateSharedKey(key *GroupSharedKey, gs *GroupState) error {
	if key.Empty() {
		return nil
	}
	if len(key.DestUserIDs) != len(key.DestHeaders) {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidSharedSecret, "different number of users and headers")
	}
	if len(key.DestUserIDs) != len(gs.Participants) {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidSharedSecret, "wrong number of users")
	}
	recipients := make(map[int64]bool, len(key.DestUserIDs))
	for _, id := range key.DestUserIDs {
		recipients[id] = true
	}
	if len(recipients) != len(key.DestUserIDs) {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidSharedSecret, "duplicate users")
	}
	for _, p := range gs.Participants {
		if !recipients[p.UserID] {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidSharedSecret, "unknown user id")
		}
	}
	return nil
}

func (s *State) setValue(key, value []byte, perms Permissions) error {
	if !perms.MaySetValue() {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't set value")
	}
	return s.KV.Set(key, value)
}

// setGroupState replaces the membership. The signer may only give flags they
// hold themselves, removals need RemoveUsers, additions AddUsers, and a flag
// change of an existing member counts as both. External permissions may only
// shrink.
func (s *State) setGroupState(gs *GroupState, perms Permissions) error {
	if err := validateGroupState(gs); err != nil {
		return err
	}
	if gs.ExternalPermissions&^s.GroupState.ExternalPermissions != 0 {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't increase external permissions")
	}

	type memberKey struct {
		userID int64
		pub    [32]byte
	}
	oldMembers := make(map[memberKey]Flags, len(s.GroupState.Participants))
	newMembers := make(map[memberKey]Flags, len(gs.Participants))
	for _, p := range s.GroupState.Participants {
		oldMembers[memberKey{p.UserID, p.PublicKey}] = p.Flags
	}
	for _, p := range gs.Participants {
		newMembers[memberKey{p.UserID, p.PublicKey}] = p.Flags
	}

	for m := range oldMembers {
		if _, ok := newMembers[m]; !ok && !perms.MayRemoveUsers() {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't remove users")
		}
	}
	var neededFlags Flags
	for m, flags := range newMembers {
		oldFlags, ok := oldMembers[m]
		if !ok {
			if !perms.MayAddUsers() {
				return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't add users")
			}
			neededFlags |= flags
		} else if flags != oldFlags {
			if !perms.MayAddUsers() || !perms.MayRemoveUsers() {
				return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't change user permissions")
			}
			neededFlags |= flags &^ oldFlags
		}
	}
	if neededFlags&^(perms.Flags&AllPermissions) != 0 {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't give more permissions than we have")
	}

	s.GroupState = gs
	return nil
}

func (s *State) clearSharedKey(perms Permissions) error {
	if !perms.MayChangeSharedKey() {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't clear shared key")
	}
	s.SharedKey = EmptySharedKey()
	return nil
}

func (s *State) setSharedKey(key *GroupSharedKey, perms Permissions) error {
	if !s.SharedKey.Empty() {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidSharedSecret, "shared key is already set")
	}
	if !perms.MayChangeSharedKey() {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockNoPermissions, "can't set shared key")
	}
	if err := validateSharedKey(key, s.GroupState); err != nil {
		return err
	}
	s.SharedKey = key
	return nil
}

func (s *State) applyChange(c Change, signer keys.PublicKey, opts ValidateOptions) error {
	switch c := c.(type) {
	case ChangeNoop:
		return nil
	case ChangeSetValue:
		s.hasSetValue = true
		if _, err := AsKey(c.Key); err != nil {
			return err
		}
		if opts.ValidateStateHash {
			return s.setValue(c.Key, c.Value, s.GroupState.GetPermissions(signer, opts.Permissions))
		}
		return nil
	case ChangeSetGroupState:
		s.hasGroupStateChange = true
		if err := s.setGroupState(c.GroupState, s.GroupState.GetPermissions(signer, opts.Permissions)); err != nil {
			return err
		}
		// The permissions for clearing the key come from the new state:
		// whoever just rewrote the membership keeps control of the key.
		return s.clearSharedKey(s.GroupState.GetPermissions(signer, opts.Permissions))
	case ChangeSetSharedKey:
		s.hasSharedKeyChange = true
		return s.setSharedKey(c.SharedKey, s.GroupState.GetPermissions(signer, opts.Permissions))
	default:
		return e2ecall.NewErrorf(e2ecall.ErrInvalidBlock, "unknown change type %T", c)
	}
}

// ValidateState checks the state against a block's proof, after the block's
// changes have been applied. The proof must carry the resulting key-value
// hash, and must carry the group state and shared key exactly when the block
// left them untouched.
func (s *State) ValidateState(proof StateProof) error {
	if proof.KVHash != s.KV.Hash() {
		return e2ecall.NewError(e2ecall.ErrInvalidBlock, "state hash mismatch")
	}

	if !s.hasGroupStateChange && !s.hasSetValue {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockNoChanges,
			"there must be at least one SetValue or SetGroupState change")
	}
	if s.hasGroupStateChange && proof.GroupState != nil {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofGroup,
			"group state must be omitted when there is a group state change")
	}
	if !s.hasGroupStateChange {
		if proof.GroupState == nil {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofGroup,
				"group state must be provided when there is no group state change")
		}
		if !proof.GroupState.Equal(s.GroupState) {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofGroup, "group state differs")
		}
	}

	sharedKeyOmitted := s.hasGroupStateChange || s.hasSharedKeyChange
	if sharedKeyOmitted && proof.SharedKey != nil {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofSecret,
			"shared key must be omitted")
	}
	if !sharedKeyOmitted {
		if proof.SharedKey == nil {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofSecret,
				"shared key must be provided")
		}
		if !proof.SharedKey.Equal(s.SharedKey) {
			return e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofSecret, "shared key differs")
		}
	}

	if err := validateGroupState(s.GroupState); err != nil {
		return err
	}
	return validateSharedKey(s.SharedKey, s.GroupState)
}

// Apply applies a block to the state. The first block is validated against
// an ephemeral group that grants everyone all permissions, so anyone can
// start a log; every later block is validated against the group state the
// log itself established.
func (s *State) Apply(block *Block, opts ValidateOptions) error {
	if block.Height == 0 {
		s.GroupState = &GroupState{ExternalPermissions: AllPermissions}
	}

	signer, err := blockSigner(block, s.GroupState)
	if err != nil {
		return err
	}
	if opts.ValidateSignature {
		if err := block.VerifySignature(signer); err != nil {
			return err
		}
	}

	s.hasSetValue = false
	s.hasGroupStateChange = false
	s.hasSharedKeyChange = false
	for _, c := range block.Changes {
		if err := s.applyChange(c, signer, opts); err != nil {
			return err
		}
	}
	if !opts.ValidateStateHash {
		s.KV = KeyValueStateFromHash(block.StateProof.KVHash)
	}

	return s.ValidateState(block.StateProof)
}

func blockSigner(block *Block, gs *GroupState) (keys.PublicKey, error) {
	if block.SignerPublicKey != nil {
		return *block.SignerPublicKey, nil
	}
	if len(gs.Participants) > 0 {
		return gs.Participants[0].PublicKey, nil
	}
	return keys.PublicKey{}, e2ecall.NewError(e2ecall.ErrInvalidBlock, "unknown signer public key")
}

// CreateStateFromBlock reconstructs the state a block commits to, without
// replaying the log before it. With a snapshot the key-value state is fully
// loaded; otherwise it is hash-only.
func CreateStateFromBlock(block *Block, snapshot []byte) (State, error) {
	var s State
	if snapshot != nil {
		kv, err := KeyValueStateFromSnapshot(snapshot)
		if err != nil {
			return State{}, err
		}
		s.KV = kv
	} else {
		s.KV = KeyValueStateFromHash(block.StateProof.KVHash)
	}

	if block.Height == 0 {
		s.GroupState = &GroupState{ExternalPermissions: AllPermissions}
	}
	for _, c := range block.Changes {
		switch c := c.(type) {
		case ChangeSetValue:
			s.hasSetValue = true
		case ChangeSetGroupState:
			s.GroupState = c.GroupState
			s.SharedKey = EmptySharedKey()
			s.hasGroupStateChange = true
		case ChangeSetSharedKey:
			s.SharedKey = c.SharedKey
			s.hasSharedKeyChange = true
		}
	}
	if block.StateProof.GroupState != nil {
		s.GroupState = block.StateProof.GroupState
	}
	if block.StateProof.SharedKey != nil {
		s.SharedKey = block.StateProof.SharedKey
	}
	if s.GroupState == nil {
		return State{}, e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofGroup, "no group state proof")
	}
	if s.SharedKey == nil {
		return State{}, e2ecall.NewError(e2ecall.ErrInvalidBlockInvalidStateProofSecret, "no shared key proof")
	}
	if err := s.ValidateState(block.StateProof); err != nil {
		return State{}, err
	}
	return s, nil
}
