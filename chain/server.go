package chain

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"go.dedis.ch/e2ecall"
)

var (
	bucketBlocks = []byte("blocks")
	bucketMeta   = []byte("meta")

	keyLastHeight = []byte("lastHeight")
	keySnapshot   = []byte("snapshot")
)

// ServerBlockchain is the relay's side of the log. It owns the full
// key-value state, fully validates every block a client submits, serves
// pruned proofs for arbitrary keys, and persists blocks and the latest state
// snapshot so it can reopen where it stopped.
type ServerBlockchain struct {
	bc Blockchain
	db *bolt.DB
}

// NewServerBlockchain opens a fresh server chain on the given database. The
// database must not already hold a chain.
func NewServerBlockchain(db *bolt.DB) (*ServerBlockchain, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta) != nil && tx.Bucket(bucketMeta).Get(keyLastHeight) != nil {
			return xerrors.New("database already holds a chain")
		}
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return xerrors.Errorf("creating blocks bucket: %v", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return xerrors.Errorf("creating meta bucket: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ServerBlockchain{
		bc: CreateEmptyBlockchain(),
		db: db,
	}, nil
}

// LoadServerBlockchain reopens a server chain from its database, restoring
// the key-value state from the stored snapshot and the rest from the last
// stored block.
func LoadServerBlockchain(db *bolt.DB) (*ServerBlockchain, error) {
	var blockData, snapshot []byte
	err := db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		blocks := tx.Bucket(bucketBlocks)
		if meta == nil || blocks == nil {
			return xerrors.New("database holds no chain")
		}
		heightData := meta.Get(keyLastHeight)
		if heightData == nil {
			return xerrors.New("database holds no blocks")
		}
		blockData = copyBytes(blocks.Get(heightData))
		if blockData == nil {
			return xerrors.New("last block missing")
		}
		snapshot = copyBytes(meta.Get(keySnapshot))
		if snapshot == nil {
			return xerrors.New("snapshot missing")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	block, err := ParseBlock(blockData)
	if err != nil {
		return nil, err
	}
	bc, err := CreateBlockchainFromBlock(block, snapshot)
	if err != nil {
		return nil, err
	}
	return &ServerBlockchain{bc: bc, db: db}, nil
}

// Height returns the height of the last applied block, -1 when empty.
func (s *ServerBlockchain) Height() int32 {
	return s.bc.Height()
}

// LastBlockHash returns the hash of the last applied block.
func (s *ServerBlockchain) LastBlockHash() [32]byte {
	return s.bc.LastBlockHash()
}

// State gives read access to the current state.
func (s *ServerBlockchain) State() *State {
	return &s.bc.state
}

// TryApplyBlock fully validates and applies a serialized block submitted by
// a client, persists it together with a snapshot of the resulting state, and
// returns the block in the server form to broadcast to the group.
func (s *ServerBlockchain) TryApplyBlock(data []byte) ([]byte, error) {
	local, err := FromAnyToLocal(data)
	if err != nil {
		return nil, err
	}
	block, err := ParseBlock(local)
	if err != nil {
		return nil, err
	}
	if err := s.bc.TryApplyBlock(block, DefaultValidateOptions()); err != nil {
		return nil, err
	}

	snapshot, err := s.bc.state.KV.BuildSnapshot()
	if err != nil {
		return nil, err
	}
	heightKey := blockKey(block.Height)
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(heightKey, local); err != nil {
			return xerrors.Errorf("storing block: %v", err)
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyLastHeight, heightKey); err != nil {
			return xerrors.Errorf("storing height: %v", err)
		}
		if err := meta.Put(keySnapshot, snapshot); err != nil {
			return xerrors.Errorf("storing snapshot: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reload lazily from the fresh snapshot so memory stays bounded by the
	// snapshot size instead of the full node tree.
	kv, err := KeyValueStateFromSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	s.bc.state.KV = kv

	return FromLocalToServer(local)
}

// GetBlock returns the stored block at the given height, in server form.
func (s *ServerBlockchain) GetBlock(height int32) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data = copyBytes(tx.Bucket(bucketBlocks).Get(blockKey(height)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, e2ecall.NewErrorf(e2ecall.ErrInvalidBlock, "no block at height %d", height)
	}
	return FromLocalToServer(data)
}

// GetProof returns a pruned proof covering the given 32-byte keys, suitable
// for ClientBlockchain.AddProof.
func (s *ServerBlockchain) GetProof(proofKeys [][]byte) ([]byte, error) {
	return s.bc.state.KV.GenerateProof(proofKeys)
}

// BuildSnapshot serializes the current key-value state. A client can boot
// from the last block plus this snapshot without replaying the log.
func (s *ServerBlockchain) BuildSnapshot() ([]byte, error) {
	return s.bc.state.KV.BuildSnapshot()
}

func blockKey(height int32) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(height))
	return key
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
