package chain

import (
	"crypto/rand"
	"math"

	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/keys"
	"golang.org/x/xerrors"
)

// Blockchain validates and applies blocks on top of a state. It never keeps
// a rejected block's effects: every apply runs on a copy of the state and the
// copy replaces the current state only when the whole block went through.
type Blockchain struct {
	state         State
	lastBlock     *Block
	lastBlockHash [32]byte
	height        int32
}

// CreateEmptyBlockchain returns a chain waiting for its first block. The
// predecessor of the first block is an implied block of height -1 with an
// all-zero hash.
func CreateEmptyBlockchain() Blockchain {
	return Blockchain{
		state:  NewState(),
		height: -1,
	}
}

// CreateBlockchainFromBlock trusts a block and boots a chain directly from
// its state proof, optionally loading the key-value state from a snapshot.
func CreateBlockchainFromBlock(block *Block, snapshot []byte) (Blockchain, error) {
	if block.Height < 0 {
		return Blockchain{}, e2ecall.NewError(e2ecall.ErrInvalidBlock, "negative height")
	}
	hash, err := block.CalcHash()
	if err != nil {
		return Blockchain{}, err
	}
	state, err := CreateStateFromBlock(block, snapshot)
	if err != nil {
		return Blockchain{}, err
	}
	return Blockchain{
		state:         state,
		lastBlock:     block,
		lastBlockHash: hash,
		height:        block.Height,
	}, nil
}

// Height returns the height of the last applied block, -1 when empty.
func (bc *Blockchain) Height() int32 {
	return bc.height
}

// LastBlockHash returns the hash of the last applied block, all zero when
// empty.
func (bc *Blockchain) LastBlockHash() [32]byte {
	return bc.lastBlockHash
}

// LastBlock returns the last applied block, nil when empty.
func (bc *Blockchain) LastBlock() *Block {
	return bc.lastBlock
}

// State gives read access to the current state.
func (bc *Blockchain) State() *State {
	return &bc.state
}

// TryApplyBlock applies a block on top of the chain. The block must extend
// the last block by exactly one height and link to its hash.
func (bc *Blockchain) TryApplyBlock(block *Block, opts ValidateOptions) error {
	if block.Height != bc.height+1 || bc.height == math.MaxInt32 {
		return e2ecall.NewErrorf(e2ecall.ErrInvalidBlockHeightMismatch,
			"new block height %d != 1 + last block height %d", block.Height, bc.height)
	}
	if block.PrevBlockHash != bc.lastBlockHash {
		return e2ecall.NewError(e2ecall.ErrInvalidBlockHashMismatch, "previous block hash mismatch")
	}

	state := bc.state
	if err := state.Apply(block, opts); err != nil {
		return err
	}

	hash, err := block.CalcHash()
	if err != nil {
		return err
	}
	bc.state = state
	bc.lastBlock = block
	bc.lastBlockHash = hash
	bc.height = block.Height
	return nil
}

// BuildBlock assembles, proves and signs a block with the given changes on
// top of the current chain. The proof carries only what the changes leave
// untouched. The block is not applied.
func (bc *Blockchain) BuildBlock(changes []Change, priv *keys.PrivateKey) (*Block, error) {
	if bc.height == math.MaxInt32 {
		return nil, xerrors.New("last block height is too high")
	}
	pub := priv.Public()
	height := bc.height + 1

	state := bc.state
	if height == 0 {
		state.GroupState = &GroupState{ExternalPermissions: AllPermissions}
	}
	opts := ValidateOptions{
		ValidateStateHash: true,
		ValidateSignature: false,
		Permissions:       AllPermissions,
	}
	state.hasSetValue = false
	state.hasGroupStateChange = false
	state.hasSharedKeyChange = false
	for _, c := range changes {
		if err := state.applyChange(c, pub, opts); err != nil {
			return nil, err
		}
	}

	proof := StateProof{
		KVHash:     state.KV.Hash(),
		GroupState: state.GroupState,
		SharedKey:  state.SharedKey,
	}
	if state.hasGroupStateChange {
		proof.GroupState = nil
		proof.SharedKey = nil
	}
	if state.hasSharedKeyChange {
		proof.SharedKey = nil
	}
	if err := state.ValidateState(proof); err != nil {
		return nil, err
	}

	block := &Block{
		PrevBlockHash:   bc.lastBlockHash,
		Height:          height,
		Changes:         changes,
		StateProof:      proof,
		SignerPublicKey: &pub,
	}
	if err := block.Sign(priv); err != nil {
		return nil, err
	}
	return block, nil
}

// NewNoop returns a noop change with a fresh random nonce.
func NewNoop() (ChangeNoop, error) {
	var c ChangeNoop
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return c, xerrors.Errorf("generating nonce: %v", err)
	}
	return c, nil
}
