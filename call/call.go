package call

import (
	"crypto/rand"
	"sync"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/chain"
	"go.dedis.ch/e2ecall/keys"
)

// Registry guards against two live calls sharing a private key: the replay
// protection and the commit-reveal exchange both assume one instance per
// key. Acquire a key when the call starts, release it when the call ends.
type Registry struct {
	mu    sync.Mutex
	inUse map[keys.PublicKey]bool
}

// NewRegistry returns an empty registry. Use one registry per process.
func NewRegistry() *Registry {
	return &Registry{inUse: make(map[keys.PublicKey]bool)}
}

// Acquire reserves the key. It fails when the key already backs a live call.
func (r *Registry) Acquire(pub keys.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[pub] {
		return e2ecall.NewError(e2ecall.ErrCallKeyAlreadyUsed, "key already backs a live call")
	}
	r.inUse[pub] = true
	return nil
}

// Release frees the key for a future call.
func (r *Registry) Release(pub keys.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inUse, pub)
}

// Call is one participant's handle on a group call: it tracks the log,
// derives the group key of each epoch, runs the verification exchange and
// encrypts the media. A Call that failed to apply a block stays failed;
// every later operation reports the original cause.
type Call struct {
	userID int64
	priv   *keys.PrivateKey

	bc           *chain.ClientBlockchain
	verification *Verification
	encryption   *Encryption

	registry *Registry
	err      error
}

// CreateZeroBlock builds the serialized first block for a fresh call with
// the given membership, signed by priv.
func CreateZeroBlock(priv *keys.PrivateKey, gs *chain.GroupState) ([]byte, error) {
	bc := chain.CreateEmptyClientBlockchain()
	changes, err := makeChangesForNewState(gs)
	if err != nil {
		return nil, err
	}
	return bc.BuildBlock(changes, priv)
}

// CreateSelfAddBlock builds the serialized block that adds self to the call
// whose current head is previousBlockServer (in server form). An existing
// entry with the same user id is replaced.
func CreateSelfAddBlock(priv *keys.PrivateKey, previousBlockServer []byte, self chain.GroupParticipant) ([]byte, error) {
	local, err := chain.FromServerToLocal(previousBlockServer)
	if err != nil {
		return nil, err
	}
	bc, err := chain.CreateClientBlockchainFromBlock(local)
	if err != nil {
		return nil, err
	}
	gs := &chain.GroupState{ExternalPermissions: bc.State().GroupState.ExternalPermissions}
	for _, p := range bc.State().GroupState.Participants {
		if p.UserID != self.UserID {
			gs.Participants = append(gs.Participants, p)
		}
	}
	gs.Participants = append(gs.Participants, self)
	changes, err := makeChangesForNewState(gs)
	if err != nil {
		return nil, err
	}
	return bc.BuildBlock(changes, priv)
}

// makeChangesForNewState pairs a membership change with a fresh group key
// for exactly the new members: a random key, sealed once, with one header
// per participant derived from an ephemeral Diffie-Hellman exchange.
func makeChangesForNewState(gs *chain.GroupState) ([]chain.Change, error) {
	ephemeral, err := keys.GenerateKey()
	if err != nil {
		return nil, err
	}
	groupKey := make([]byte, 32)
	if _, err := rand.Read(groupKey); err != nil {
		return nil, xerrors.Errorf("generating group key: %v", err)
	}
	var oneTimeSecret [32]byte
	if _, err := rand.Read(oneTimeSecret[:]); err != nil {
		return nil, xerrors.Errorf("generating key secret: %v", err)
	}

	encryptedKey, err := keys.EncryptData(oneTimeSecret[:], groupKey, nil)
	if err != nil {
		return nil, err
	}
	var salt [32]byte
	copy(salt[:], encryptedKey)

	sharedKey := &chain.GroupSharedKey{
		EK:                 ephemeral.Public(),
		EncryptedSharedKey: encryptedKey,
	}
	for _, p := range gs.Participants {
		secret, err := ephemeral.SharedSecret(p.PublicKey)
		if err != nil {
			return nil, err
		}
		header, err := keys.EncryptHeader(secret[:], oneTimeSecret, salt)
		if err != nil {
			return nil, err
		}
		sharedKey.DestUserIDs = append(sharedKey.DestUserIDs, p.UserID)
		sharedKey.DestHeaders = append(sharedKey.DestHeaders, header[:])
	}

	return []chain.Change{
		chain.ChangeSetGroupState{GroupState: gs},
		chain.ChangeSetSharedKey{SharedKey: sharedKey},
	}, nil
}

// NewCall joins the call whose head is lastBlockServer (in server form). The
// key is reserved in the registry until Close.
func NewCall(registry *Registry, userID int64, priv *keys.PrivateKey, lastBlockServer []byte) (*Call, error) {
	if err := registry.Acquire(priv.Public()); err != nil {
		return nil, err
	}
	c, err := newCall(userID, priv, lastBlockServer)
	if err != nil {
		registry.Release(priv.Public())
		return nil, err
	}
	c.registry = registry
	return c, nil
}

func newCall(userID int64, priv *keys.PrivateKey, lastBlockServer []byte) (*Call, error) {
	local, err := chain.FromServerToLocal(lastBlockServer)
	if err != nil {
		return nil, err
	}
	bc, err := chain.CreateClientBlockchainFromBlock(local)
	if err != nil {
		return nil, err
	}
	c := &Call{
		userID:     userID,
		priv:       priv,
		bc:         bc,
		encryption: NewEncryption(userID, priv),
	}
	c.verification, err = NewVerification(userID, priv, bc.Height(), bc.LastBlockHash(), bc.State().GroupState)
	if err != nil {
		return nil, err
	}
	if err := c.updateGroupSharedKey(); err != nil {
		return nil, err
	}
	log.Lvl2("created call for user", userID, "at height", bc.Height())
	return c, nil
}

// Close releases the call's key.
func (c *Call) Close() {
	if c.registry != nil {
		c.registry.Release(c.priv.Public())
		c.registry = nil
	}
}

// Err returns the sticky failure of the call, if any.
func (c *Call) Err() error {
	return c.err
}

func (c *Call) fail(err error) error {
	log.Error("call failed:", err)
	c.err = e2ecall.WrapError(e2ecall.ErrCallFailed, err)
	return c.err
}

// Height returns the current height of the call's log.
func (c *Call) Height() (int32, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.bc.Height(), nil
}

// GroupState returns the current membership.
func (c *Call) GroupState() (*chain.GroupState, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.bc.State().GroupState, nil
}

// BuildChangeState builds a serialized block that moves the call to the
// given membership, with a fresh group key.
func (c *Call) BuildChangeState(gs *chain.GroupState) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	changes, err := makeChangesForNewState(gs)
	if err != nil {
		return nil, err
	}
	return c.bc.BuildBlock(changes, c.priv)
}

// ApplyBlock applies a block broadcast by the server. On success the
// verification exchange restarts for the new height and the epoch keys roll
// over; on failure the call transitions to its permanent failed state.
func (c *Call) ApplyBlock(serverBlock []byte) error {
	if c.err != nil {
		return c.err
	}
	local, err := chain.FromServerToLocal(serverBlock)
	if err != nil {
		return c.fail(err)
	}
	if _, err := c.bc.TryApplyBlock(local); err != nil {
		return c.fail(err)
	}
	if err := c.verification.OnNewMainBlock(c.bc.Height(), c.bc.LastBlockHash(), c.bc.State().GroupState); err != nil {
		return c.fail(err)
	}
	if err := c.updateGroupSharedKey(); err != nil {
		return c.fail(err)
	}
	log.Lvl2("applied block at height", c.bc.Height())
	return nil
}

// decryptSharedKey unseals the group key addressed to this participant from
// the current block's shared key entry.
func (c *Call) decryptSharedKey() ([]byte, error) {
	sharedKey := c.bc.State().SharedKey
	for i, id := range sharedKey.DestUserIDs {
		if id != c.userID {
			continue
		}
		secret, err := c.priv.SharedSecret(sharedKey.EK)
		if err != nil {
			return nil, err
		}
		var header, salt [32]byte
		if len(sharedKey.DestHeaders[i]) != len(header) {
			return nil, xerrors.New("invalid shared key header length")
		}
		copy(header[:], sharedKey.DestHeaders[i])
		copy(salt[:], sharedKey.EncryptedSharedKey)
		oneTimeSecret, err := keys.DecryptHeader(secret[:], header, salt)
		if err != nil {
			return nil, err
		}
		groupKey, err := keys.DecryptData(oneTimeSecret[:], sharedKey.EncryptedSharedKey, nil)
		if err != nil {
			return nil, err
		}
		if len(groupKey) != 32 {
			return nil, xerrors.New("invalid shared key size")
		}
		return groupKey, nil
	}
	return nil, xerrors.Errorf("user %d is not a shared key recipient", c.userID)
}

// updateGroupSharedKey rolls the epoch keys over after a block was applied:
// the previous epoch enters its grace period and the key of the new epoch is
// unsealed and activated.
func (c *Call) updateGroupSharedKey() error {
	c.encryption.ForgetSharedKey(c.bc.Height()-1, c.bc.PreviousBlockHash())

	gs := c.bc.State().GroupState
	self, ok := gs.GetParticipantByPublicKey(c.priv.Public())
	if !ok {
		return e2ecall.NewError(e2ecall.ErrCallNotParticipant, "not a participant of the call")
	}
	if self.UserID != c.userID {
		return e2ecall.NewError(e2ecall.ErrCallWrongUserID, "wrong user identifier")
	}

	groupKey, err := c.decryptSharedKey()
	if err != nil {
		return err
	}
	return c.encryption.AddSharedKey(c.bc.Height(), c.bc.LastBlockHash(), groupKey, gs)
}

// Encrypt seals a media packet for the given channel.
func (c *Call) Encrypt(channelID int32, data []byte, unencryptedPrefixLen int) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.encryption.Encrypt(channelID, data, unencryptedPrefixLen)
}

// Decrypt opens a media packet from the given user.
func (c *Call) Decrypt(userID int64, channelID int32, packet []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.encryption.Decrypt(userID, channelID, packet)
}

// PullOutboundMessages drains the pending verification broadcasts.
func (c *Call) PullOutboundMessages() ([][]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.verification.PullOutboundMessages(), nil
}

// ReceiveInboundMessage applies a verification broadcast from the group.
func (c *Call) ReceiveInboundMessage(message []byte) error {
	if c.err != nil {
		return c.err
	}
	local, err := chain.FromAnyToLocal(message)
	if err != nil {
		return err
	}
	return c.verification.ReceiveInboundMessage(local)
}

// VerificationState returns the fingerprint state for the current height.
func (c *Call) VerificationState() (VerificationState, error) {
	if c.err != nil {
		return VerificationState{}, c.err
	}
	return c.verification.State(), nil
}

// VerificationWords returns the word rendition for the current height.
func (c *Call) VerificationWords() (VerificationWords, error) {
	if c.err != nil {
		return VerificationWords{}, c.err
	}
	return c.verification.Words(), nil
}
