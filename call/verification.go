// Package call ties the authenticated log to a running group call: it tracks
// the log on behalf of one participant, runs the commit-reveal exchange that
// produces a human-comparable fingerprint of the call, and encrypts and
// decrypts the actual media packets under the epoch keys the log established.
package call

import (
	"crypto/rand"
	"crypto/sha256"
	"sort"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/chain"
	"go.dedis.ch/e2ecall/keys"
)

// VerificationState is what a UI shows for the current block height: once
// every participant committed and revealed a nonce, EmojiHash holds the
// fingerprint all devices must display identically.
type VerificationState struct {
	Height    int32
	EmojiHash []byte
}

// VerificationWords is the word rendition of the fingerprint for reading
// aloud.
type VerificationWords struct {
	Height int32
	Words  []string
}

type chainState int

const (
	stateCommit chainState = iota
	stateReveal
	stateEnd
)

// verificationChain validates the nonce commit and reveal broadcasts of one
// block height. A new main block resets it: every participant first commits
// to a nonce by its hash, and only when all commits arrived may nonces be
// revealed, so nobody can pick a nonce after seeing the others. The
// fingerprint mixes all nonces with the block hash.
type verificationChain struct {
	state           chainState
	height          int32
	lastBlockHash   [32]byte
	participantKeys map[int64]keys.PublicKey

	committed map[int64][32]byte
	revealed  map[int64][32]byte

	verificationState VerificationState
	words             VerificationWords

	// delayAllowed queues broadcasts for future heights instead of
	// rejecting them: a peer may apply a block and broadcast its commit
	// before we saw the block.
	delayAllowed      bool
	delayedBroadcasts map[int32][][]byte

	skipSignatures bool
}

func newVerificationChain() *verificationChain {
	return &verificationChain{
		height:            -1,
		delayedBroadcasts: make(map[int32][][]byte),
	}
}

// onNewMainBlock resets the chain for the new height and replays any
// broadcasts that were queued for it.
func (vc *verificationChain) onNewMainBlock(height int32, blockHash [32]byte, gs *chain.GroupState) {
	vc.state = stateCommit
	vc.height = height
	vc.lastBlockHash = blockHash
	vc.verificationState = VerificationState{Height: height}
	vc.words = VerificationWords{Height: height, Words: verificationWords(blockHash[:])}
	vc.committed = make(map[int64][32]byte)
	vc.revealed = make(map[int64][32]byte)
	vc.participantKeys = make(map[int64]keys.PublicKey, len(gs.Participants))
	for _, p := range gs.Participants {
		vc.participantKeys[p.UserID] = p.PublicKey
	}

	if delayed, ok := vc.delayedBroadcasts[height]; ok {
		delete(vc.delayedBroadcasts, height)
		for _, msg := range delayed {
			if err := vc.processBroadcast(msg); err != nil {
				log.Error("failed to process delayed broadcast:", err)
			}
		}
	}
}

// tryApplyBroadcast routes an incoming broadcast. Broadcasts for past heights
// are stale and silently dropped, broadcasts for future heights are queued
// when allowed.
func (vc *verificationChain) tryApplyBroadcast(message []byte) error {
	b, err := parseBroadcast(message)
	if err != nil {
		return err
	}
	if b.chainHeight() < vc.height {
		log.Lvl3("skipping old broadcast for height", b.chainHeight())
		return nil
	}
	if b.chainHeight() > vc.height {
		if !vc.delayAllowed {
			return e2ecall.NewErrorf(e2ecall.ErrInvalidBroadcastInFuture,
				"broadcast height %d > height %d", b.chainHeight(), vc.height)
		}
		log.Lvl3("delaying broadcast for height", b.chainHeight())
		height := b.chainHeight()
		vc.delayedBroadcasts[height] = append(vc.delayedBroadcasts[height],
			append([]byte(nil), message...))
		return nil
	}
	return vc.processBroadcast(message)
}

func (vc *verificationChain) processBroadcast(message []byte) error {
	b, err := parseBroadcast(message)
	if err != nil {
		return err
	}
	if b.chainHash() != vc.lastBlockHash {
		return e2ecall.NewError(e2ecall.ErrInvalidBroadcastInvalidBlockHash, "wrong chain hash")
	}
	switch b := b.(type) {
	case *nonceCommit:
		return vc.processCommit(b)
	case *nonceReveal:
		return vc.processReveal(b)
	default:
		return xerrors.Errorf("unknown broadcast type %T", b)
	}
}

func (vc *verificationChain) verifyBroadcast(userID int64, b broadcast) (keys.PublicKey, error) {
	pub, ok := vc.participantKeys[userID]
	if !ok {
		return pub, e2ecall.NewErrorf(e2ecall.ErrInvalidBroadcastUnknownUserID, "unknown user %d", userID)
	}
	if vc.skipSignatures {
		return pub, nil
	}
	payload, err := b.signedPayload()
	if err != nil {
		return pub, err
	}
	if err := pub.Verify(payload, b.signature()); err != nil {
		return pub, err
	}
	return pub, nil
}

func (vc *verificationChain) processCommit(b *nonceCommit) error {
	if vc.state != stateCommit {
		return e2ecall.NewError(e2ecall.ErrInvalidBroadcastNotInCommit, "not in commit state")
	}
	if _, err := vc.verifyBroadcast(b.UserID, b); err != nil {
		return err
	}
	if _, ok := vc.committed[b.UserID]; ok {
		return e2ecall.NewError(e2ecall.ErrInvalidBroadcastAlreadyApplied, "commit already applied")
	}
	vc.committed[b.UserID] = b.NonceHash

	if len(vc.committed) == len(vc.participantKeys) {
		vc.state = stateReveal
	}
	return nil
}

func (vc *verificationChain) processReveal(b *nonceReveal) error {
	if vc.state != stateReveal {
		return e2ecall.NewError(e2ecall.ErrInvalidBroadcastNotInReveal, "not in reveal state")
	}
	if _, err := vc.verifyBroadcast(b.UserID, b); err != nil {
		return err
	}
	if _, ok := vc.revealed[b.UserID]; ok {
		return e2ecall.NewError(e2ecall.ErrInvalidBroadcastAlreadyApplied, "reveal already applied")
	}
	expected, ok := vc.committed[b.UserID]
	if !ok || sha256.Sum256(b.Nonce[:]) != expected {
		return e2ecall.NewError(e2ecall.ErrInvalidBroadcastInvalidReveal, "nonce does not match commit")
	}
	vc.revealed[b.UserID] = b.Nonce

	if len(vc.revealed) == len(vc.participantKeys) {
		nonces := make([][32]byte, 0, len(vc.revealed))
		for _, nonce := range vc.revealed {
			nonces = append(nonces, nonce)
		}
		sort.Slice(nonces, func(i, j int) bool {
			return string(nonces[i][:]) < string(nonces[j][:])
		})
		var full []byte
		for _, nonce := range nonces {
			full = append(full, nonce[:]...)
		}
		hash := keys.HmacSHA512(full, vc.lastBlockHash[:])
		vc.verificationState.EmojiHash = hash[:]
		vc.state = stateEnd
	}
	return nil
}

// Verification runs one participant's side of the exchange: for every new
// main block it picks a fresh nonce, queues a signed commit, and reveals the
// nonce once everyone committed.
type Verification struct {
	userID int64
	priv   *keys.PrivateKey
	chain  *verificationChain

	height        int32
	lastBlockHash [32]byte
	nonce         [32]byte
	sentReveal    bool

	outbound [][]byte
}

// NewVerification starts the exchange for the current head of the log.
func NewVerification(userID int64, priv *keys.PrivateKey, height int32, blockHash [32]byte, gs *chain.GroupState) (*Verification, error) {
	v := &Verification{
		userID: userID,
		priv:   priv,
		chain:  newVerificationChain(),
	}
	v.chain.delayAllowed = true
	if err := v.OnNewMainBlock(height, blockHash, gs); err != nil {
		return nil, err
	}
	return v, nil
}

// OnNewMainBlock restarts the exchange on a new head and queues the signed
// commit broadcast.
func (v *Verification) OnNewMainBlock(height int32, blockHash [32]byte, gs *chain.GroupState) error {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return xerrors.Errorf("generating nonce: %v", err)
	}

	commit := &nonceCommit{
		UserID:      v.userID,
		ChainHeight: height,
		ChainHash:   blockHash,
		NonceHash:   sha256.Sum256(nonce[:]),
	}
	if err := signBroadcast(commit, v.priv); err != nil {
		return err
	}
	msg, err := commit.serialize()
	if err != nil {
		return err
	}

	v.height = height
	v.lastBlockHash = blockHash
	v.nonce = nonce
	v.sentReveal = false
	v.outbound = [][]byte{msg}
	v.chain.onNewMainBlock(height, blockHash, gs)
	return nil
}

// PullOutboundMessages drains the broadcasts to send to the group.
func (v *Verification) PullOutboundMessages() [][]byte {
	out := v.outbound
	v.outbound = nil
	return out
}

// ReceiveInboundMessage applies a broadcast from another participant. When
// the exchange enters the reveal phase, the own signed reveal is queued.
func (v *Verification) ReceiveInboundMessage(message []byte) error {
	if err := v.chain.tryApplyBroadcast(message); err != nil {
		return err
	}
	if v.chain.state == stateReveal && !v.sentReveal {
		v.sentReveal = true
		reveal := &nonceReveal{
			UserID:      v.userID,
			ChainHeight: v.height,
			ChainHash:   v.lastBlockHash,
			Nonce:       v.nonce,
		}
		if err := signBroadcast(reveal, v.priv); err != nil {
			return err
		}
		msg, err := reveal.serialize()
		if err != nil {
			return err
		}
		v.outbound = append(v.outbound, msg)
	}
	return nil
}

// State returns the verification state for the current height.
func (v *Verification) State() VerificationState {
	return v.chain.verificationState
}

// Words returns the word rendition for the current height.
func (v *Verification) Words() VerificationWords {
	return v.chain.words
}
