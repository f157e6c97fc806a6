package chain

import (
	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/keys"
)

// ClientBlockchain tracks the log on a participant's side. It holds the
// key-value state as a bare hash plus whatever pruned proofs the server
// supplied, verifies signatures but trusts the proven hashes, and keeps a
// fast-path map of the values it has seen applied.
type ClientBlockchain struct {
	bc Blockchain

	// values caches every SetValue this client applied, keyed by the
	// 32-byte key, so lookups of known values never need a proof.
	values map[[32]byte]clientEntry
}

type clientEntry struct {
	height int32
	value  []byte
}

// CreateEmptyClientBlockchain returns a client chain waiting for the zero
// block.
func CreateEmptyClientBlockchain() *ClientBlockchain {
	return &ClientBlockchain{
		bc:     CreateEmptyBlockchain(),
		values: make(map[[32]byte]clientEntry),
	}
}

// CreateClientBlockchainFromBlock boots a client chain from a serialized
// block, in local or server form.
func CreateClientBlockchainFromBlock(data []byte) (*ClientBlockchain, error) {
	local, err := FromAnyToLocal(data)
	if err != nil {
		return nil, err
	}
	block, err := ParseBlock(local)
	if err != nil {
		return nil, err
	}
	bc, err := CreateBlockchainFromBlock(block, nil)
	if err != nil {
		return nil, err
	}
	return &ClientBlockchain{
		bc:     bc,
		values: make(map[[32]byte]clientEntry),
	}, nil
}

// Height returns the height of the last applied block, -1 when empty.
func (c *ClientBlockchain) Height() int32 {
	return c.bc.Height()
}

// LastBlockHash returns the hash of the last applied block.
func (c *ClientBlockchain) LastBlockHash() [32]byte {
	return c.bc.LastBlockHash()
}

// PreviousBlockHash returns the hash the last applied block links to.
func (c *ClientBlockchain) PreviousBlockHash() [32]byte {
	if c.bc.lastBlock == nil {
		return [32]byte{}
	}
	return c.bc.lastBlock.PrevBlockHash
}

// State gives read access to the current state.
func (c *ClientBlockchain) State() *State {
	return &c.bc.state
}

// TryApplyBlock applies a serialized block, in local or server form, and
// returns its changes. Signatures and permissions are fully checked; the
// key-value hash is adopted from the proof.
func (c *ClientBlockchain) TryApplyBlock(data []byte) ([]Change, error) {
	local, err := FromAnyToLocal(data)
	if err != nil {
		return nil, err
	}
	block, err := ParseBlock(local)
	if err != nil {
		return nil, err
	}
	opts := ValidateOptions{
		ValidateStateHash: false,
		ValidateSignature: true,
		Permissions:       AllPermissions,
	}
	if err := c.bc.TryApplyBlock(block, opts); err != nil {
		return nil, err
	}
	for _, change := range block.Changes {
		if sv, ok := change.(ChangeSetValue); ok {
			// Key validity was checked during the apply.
			key, _ := AsKey(sv.Key)
			c.values[key] = clientEntry{height: block.Height, value: sv.Value}
		}
	}
	return block.Changes, nil
}

// BuildBlock assembles and signs a block on top of the client's view.
// SetValue changes need their keys covered by previously added proofs.
func (c *ClientBlockchain) BuildBlock(changes []Change, priv *keys.PrivateKey) ([]byte, error) {
	block, err := c.bc.BuildBlock(changes, priv)
	if err != nil {
		return nil, err
	}
	return block.Serialize()
}

// GetValue returns the value under key, consulting applied changes first and
// the proven trie second. Keys outside both need a proof from the server.
func (c *ClientBlockchain) GetValue(key []byte) ([]byte, error) {
	k, err := AsKey(key)
	if err != nil {
		return nil, err
	}
	if entry, ok := c.values[k]; ok {
		return entry.value, nil
	}
	return c.bc.state.KV.Get(key)
}

// AddProof merges a pruned state proof received from the server. The proof
// must match the current state hash exactly.
func (c *ClientBlockchain) AddProof(proof []byte) error {
	return c.bc.state.KV.AddProof(proof)
}

// GetBlock re-serializes the last applied block.
func (c *ClientBlockchain) GetBlock() ([]byte, error) {
	if c.bc.lastBlock == nil {
		return nil, e2ecall.NewError(e2ecall.ErrInvalidBlock, "blockchain is empty")
	}
	return c.bc.lastBlock.Serialize()
}
