package call

import (
	"crypto/sha256"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"go.dedis.ch/e2ecall"
	"go.dedis.ch/e2ecall/chain"
	"go.dedis.ch/e2ecall/keys"
)

func newTestKey(t *testing.T) *keys.PrivateKey {
	priv, err := keys.GenerateKey()
	require.NoError(t, err)
	return priv
}

func member(id int64, priv *keys.PrivateKey, flags chain.Flags) chain.GroupParticipant {
	return chain.GroupParticipant{UserID: id, PublicKey: priv.Public(), Flags: flags}
}

func openTestDB(t *testing.T) (*bolt.DB, func()) {
	tmpDB, err := ioutil.TempFile("", "tmpDB")
	require.NoError(t, err)
	require.NoError(t, tmpDB.Close())
	db, err := bolt.Open(tmpDB.Name(), 0600, nil)
	require.NoError(t, err)
	return db, func() {
		require.NoError(t, db.Close())
		require.NoError(t, os.Remove(tmpDB.Name()))
	}
}

// startCall stands up a server with a genesis block establishing the given
// group and joins every participant to the call.
func startCall(t *testing.T, server *chain.ServerBlockchain, registry *Registry,
	ids []int64, privs []*keys.PrivateKey) ([]byte, []*Call) {

	participants := make([]chain.GroupParticipant, len(ids))
	for i := range ids {
		participants[i] = member(ids[i], privs[i], chain.AllPermissions)
	}
	gs := &chain.GroupState{
		Participants:        participants,
		ExternalPermissions: chain.AllPermissions,
	}

	zero, err := CreateZeroBlock(privs[0], gs)
	require.NoError(t, err)
	serverBlock, err := server.TryApplyBlock(zero)
	require.NoError(t, err)

	calls := make([]*Call, len(ids))
	for i := range ids {
		calls[i], err = NewCall(registry, ids[i], privs[i], serverBlock)
		require.NoError(t, err)
	}
	return serverBlock, calls
}

// echoAll relays every pending broadcast to every call, the sender included,
// until nothing is left in flight.
func echoAll(t *testing.T, calls []*Call) {
	for {
		var pending [][]byte
		for _, c := range calls {
			msgs, err := c.PullOutboundMessages()
			require.NoError(t, err)
			pending = append(pending, msgs...)
		}
		if len(pending) == 0 {
			return
		}
		for _, msg := range pending {
			for _, c := range calls {
				require.NoError(t, c.ReceiveInboundMessage(msg))
			}
		}
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	priv := newTestKey(t)

	require.NoError(t, registry.Acquire(priv.Public()))
	err := registry.Acquire(priv.Public())
	require.Error(t, err)
	require.Equal(t, e2ecall.ErrCallKeyAlreadyUsed, e2ecall.Code(err))

	registry.Release(priv.Public())
	require.NoError(t, registry.Acquire(priv.Public()))
}

func TestCallKeyReleasedOnClose(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice := newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	serverBlock, calls := startCall(t, server, registry,
		[]int64{1}, []*keys.PrivateKey{alice})

	_, err = NewCall(registry, 1, alice, serverBlock)
	require.Equal(t, e2ecall.ErrCallKeyAlreadyUsed, e2ecall.Code(err))

	calls[0].Close()
	again, err := NewCall(registry, 1, alice, serverBlock)
	require.NoError(t, err)
	again.Close()
}

func TestCallMediaExchange(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice, bob := newTestKey(t), newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	_, calls := startCall(t, server, registry,
		[]int64{1, 2}, []*keys.PrivateKey{alice, bob})
	callA, callB := calls[0], calls[1]

	data := []byte("rtpvoice payload")
	packet, err := callA.Encrypt(7, data, 3)
	require.NoError(t, err)
	require.Equal(t, data[:3], packet[:3])
	require.NotContains(t, string(packet), string(data[3:]))

	out, err := callB.Decrypt(1, 7, packet)
	require.NoError(t, err)
	require.Equal(t, data, out)

	// A packet is consumed exactly once.
	_, err = callB.Decrypt(1, 7, packet)
	require.Error(t, err)

	// The channel inside the packet must match the one the caller expects.
	packet2, err := callA.Encrypt(7, data, 0)
	require.NoError(t, err)
	_, err = callB.Decrypt(1, 8, packet2)
	require.Equal(t, e2ecall.ErrInvalidCallChannelID, e2ecall.Code(err))

	// Own packets echoed back by the relay are rejected.
	packet3, err := callA.Encrypt(7, data, 0)
	require.NoError(t, err)
	_, err = callA.Decrypt(1, 7, packet3)
	require.Error(t, err)

	// Tampering with the sealed part is detected.
	packet4, err := callA.Encrypt(7, data, 3)
	require.NoError(t, err)
	packet4[10] ^= 0x01
	_, err = callB.Decrypt(1, 7, packet4)
	require.Error(t, err)
}

func TestCallChannelValidation(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice := newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	_, calls := startCall(t, server, registry,
		[]int64{1}, []*keys.PrivateKey{alice})

	_, err = calls[0].Encrypt(maxChannelID+1, []byte("x"), 0)
	require.Equal(t, e2ecall.ErrInvalidCallChannelID, e2ecall.Code(err))
	_, err = calls[0].Encrypt(-1, []byte("x"), 0)
	require.Equal(t, e2ecall.ErrInvalidCallChannelID, e2ecall.Code(err))
}

func TestCallVerification(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice, bob, carol := newTestKey(t), newTestKey(t), newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	_, calls := startCall(t, server, registry,
		[]int64{1, 2, 3}, []*keys.PrivateKey{alice, bob, carol})

	for _, c := range calls {
		state, err := c.VerificationState()
		require.NoError(t, err)
		require.Nil(t, state.EmojiHash)
	}

	echoAll(t, calls)

	first, err := calls[0].VerificationState()
	require.NoError(t, err)
	require.NotEmpty(t, first.EmojiHash)
	require.Equal(t, int32(0), first.Height)
	firstWords, err := calls[0].VerificationWords()
	require.NoError(t, err)
	require.Len(t, firstWords.Words, 4)

	for _, c := range calls[1:] {
		state, err := c.VerificationState()
		require.NoError(t, err)
		require.Equal(t, first, state)
		words, err := c.VerificationWords()
		require.NoError(t, err)
		require.Equal(t, firstWords, words)
	}
}

func TestCallSelfAddAndEpochRollover(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice, bob, carol := newTestKey(t), newTestKey(t), newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	serverBlock, calls := startCall(t, server, registry,
		[]int64{1, 2}, []*keys.PrivateKey{alice, bob})
	callA, callB := calls[0], calls[1]

	// Bob seals two packets under the genesis epoch before anyone rolls
	// over.
	oldPacket1, err := callB.Encrypt(1, []byte("before"), 0)
	require.NoError(t, err)
	oldPacket2, err := callB.Encrypt(1, []byte("before too"), 0)
	require.NoError(t, err)

	selfAdd, err := CreateSelfAddBlock(carol, serverBlock,
		member(3, carol, chain.AllPermissions))
	require.NoError(t, err)
	serverBlock, err = server.TryApplyBlock(selfAdd)
	require.NoError(t, err)

	require.NoError(t, callA.ApplyBlock(serverBlock))
	require.NoError(t, callB.ApplyBlock(serverBlock))
	callC, err := NewCall(registry, 3, carol, serverBlock)
	require.NoError(t, err)

	heightA, err := callA.Height()
	require.NoError(t, err)
	require.Equal(t, int32(1), heightA)
	gs, err := callA.GroupState()
	require.NoError(t, err)
	require.Len(t, gs.Participants, 3)

	// Everyone agrees on the new epoch key.
	packet, err := callC.Encrypt(5, []byte("hello from carol"), 0)
	require.NoError(t, err)
	out, err := callA.Decrypt(3, 5, packet)
	require.NoError(t, err)
	require.Equal(t, []byte("hello from carol"), out)
	out, err = callB.Decrypt(3, 5, packet)
	require.NoError(t, err)
	require.Equal(t, []byte("hello from carol"), out)

	back, err := callA.Encrypt(5, []byte("hello carol"), 0)
	require.NoError(t, err)
	out, err = callC.Decrypt(1, 5, back)
	require.NoError(t, err)
	require.Equal(t, []byte("hello carol"), out)

	// The superseded epoch stays usable during the grace period.
	out, err = callA.Decrypt(2, 1, oldPacket1)
	require.NoError(t, err)
	require.Equal(t, []byte("before"), out)

	// Once the grace period elapses, the old key is gone.
	callA.encryption.now = func() time.Time {
		return time.Now().Add(forgetEpochDelay + time.Second)
	}
	_, err = callA.Decrypt(2, 1, oldPacket2)
	require.Equal(t, e2ecall.ErrDecryptUnknownEpoch, e2ecall.Code(err))

	// Carol never had the genesis key at all.
	_, err = callC.Decrypt(2, 1, oldPacket2)
	require.Equal(t, e2ecall.ErrDecryptUnknownEpoch, e2ecall.Code(err))
}

func TestCallVerificationAcrossBlocks(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice, bob := newTestKey(t), newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	_, calls := startCall(t, server, registry,
		[]int64{1, 2}, []*keys.PrivateKey{alice, bob})
	callA, callB := calls[0], calls[1]

	echoAll(t, calls)
	stateA, err := callA.VerificationState()
	require.NoError(t, err)
	require.NotEmpty(t, stateA.EmojiHash)

	// A new block restarts the exchange from scratch.
	gs, err := callA.GroupState()
	require.NoError(t, err)
	next, err := callA.BuildChangeState(gs)
	require.NoError(t, err)
	serverBlock, err := server.TryApplyBlock(next)
	require.NoError(t, err)

	// Alice applies first and her commit for height 1 reaches Bob before
	// the block does. It is queued and replayed once Bob catches up.
	require.NoError(t, callA.ApplyBlock(serverBlock))
	early, err := callA.PullOutboundMessages()
	require.NoError(t, err)
	require.Len(t, early, 1)
	require.NoError(t, callB.ReceiveInboundMessage(early[0]))
	require.NoError(t, callA.ReceiveInboundMessage(early[0]))

	require.NoError(t, callB.ApplyBlock(serverBlock))
	echoAll(t, calls)

	newA, err := callA.VerificationState()
	require.NoError(t, err)
	newB, err := callB.VerificationState()
	require.NoError(t, err)
	require.Equal(t, int32(1), newA.Height)
	require.Equal(t, newA, newB)
	require.NotEmpty(t, newA.EmojiHash)
	require.NotEqual(t, stateA.EmojiHash, newA.EmojiHash)
}

func TestCallStickyError(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	registry := NewRegistry()
	alice := newTestKey(t)
	server, err := chain.NewServerBlockchain(db)
	require.NoError(t, err)
	_, calls := startCall(t, server, registry,
		[]int64{1}, []*keys.PrivateKey{alice})
	call := calls[0]

	err = call.ApplyBlock([]byte("not a block"))
	require.Equal(t, e2ecall.ErrCallFailed, e2ecall.Code(err))

	// The failure is permanent.
	_, err = call.Encrypt(1, []byte("x"), 0)
	require.Equal(t, e2ecall.ErrCallFailed, e2ecall.Code(err))
	_, err = call.Height()
	require.Equal(t, e2ecall.ErrCallFailed, e2ecall.Code(err))
	require.Error(t, call.Err())
}

func TestEncryptionNoEpoch(t *testing.T) {
	priv := newTestKey(t)
	enc := NewEncryption(1, priv)

	_, err := enc.Encrypt(1, []byte("x"), 0)
	require.Equal(t, e2ecall.ErrEncryptUnknownEpoch, e2ecall.Code(err))
}

func TestEncryptionMembershipChecks(t *testing.T) {
	alice, bob := newTestKey(t), newTestKey(t)
	gs := &chain.GroupState{Participants: []chain.GroupParticipant{
		member(1, alice, chain.AllPermissions),
	}}

	enc := NewEncryption(2, bob)
	err := enc.AddSharedKey(0, [32]byte{1}, make([]byte, 32), gs)
	require.Equal(t, e2ecall.ErrCallNotParticipant, e2ecall.Code(err))

	enc = NewEncryption(2, alice)
	err = enc.AddSharedKey(0, [32]byte{1}, make([]byte, 32), gs)
	require.Equal(t, e2ecall.ErrCallWrongUserID, e2ecall.Code(err))
}

func TestVerificationWrongChainHash(t *testing.T) {
	alice, bob := newTestKey(t), newTestKey(t)
	gs := &chain.GroupState{Participants: []chain.GroupParticipant{
		member(1, alice, chain.AllPermissions),
		member(2, bob, chain.AllPermissions),
	}}

	v1, err := NewVerification(1, alice, 0, [32]byte{1}, gs)
	require.NoError(t, err)
	v2, err := NewVerification(2, bob, 0, [32]byte{2}, gs)
	require.NoError(t, err)

	msgs := v1.PullOutboundMessages()
	require.Len(t, msgs, 1)
	err = v2.ReceiveInboundMessage(msgs[0])
	require.Equal(t, e2ecall.ErrInvalidBroadcastInvalidBlockHash, e2ecall.Code(err))
}

func TestVerificationDelayedBroadcast(t *testing.T) {
	alice, bob := newTestKey(t), newTestKey(t)
	gs := &chain.GroupState{Participants: []chain.GroupParticipant{
		member(1, alice, chain.AllPermissions),
		member(2, bob, chain.AllPermissions),
	}}
	hash := [32]byte{7}

	v1, err := NewVerification(1, alice, 1, hash, gs)
	require.NoError(t, err)
	v2, err := NewVerification(2, bob, 0, [32]byte{6}, gs)
	require.NoError(t, err)

	// Alice is a block ahead; her commit is queued, not rejected.
	early := v1.PullOutboundMessages()
	require.Len(t, early, 1)
	require.NoError(t, v2.ReceiveInboundMessage(early[0]))
	require.Equal(t, stateCommit, v2.chain.state)
	require.Empty(t, v2.chain.committed)

	// Catching up replays the queued commit; together with the own one
	// the exchange reaches the reveal phase.
	require.NoError(t, v2.OnNewMainBlock(1, hash, gs))
	require.Len(t, v2.chain.committed, 1)
	own := v2.PullOutboundMessages()
	require.Len(t, own, 1)
	require.NoError(t, v2.ReceiveInboundMessage(own[0]))
	require.Equal(t, stateReveal, v2.chain.state)
}

func TestVerificationStaleBroadcastDropped(t *testing.T) {
	alice, bob := newTestKey(t), newTestKey(t)
	gs := &chain.GroupState{Participants: []chain.GroupParticipant{
		member(1, alice, chain.AllPermissions),
		member(2, bob, chain.AllPermissions),
	}}

	v1, err := NewVerification(1, alice, 0, [32]byte{1}, gs)
	require.NoError(t, err)
	v2, err := NewVerification(2, bob, 3, [32]byte{2}, gs)
	require.NoError(t, err)

	stale := v1.PullOutboundMessages()
	require.Len(t, stale, 1)
	require.NoError(t, v2.ReceiveInboundMessage(stale[0]))
	require.Empty(t, v2.chain.committed)
}

func TestVerificationChainRejections(t *testing.T) {
	alice, bob := newTestKey(t), newTestKey(t)
	gs := &chain.GroupState{Participants: []chain.GroupParticipant{
		member(1, alice, chain.AllPermissions),
		member(2, bob, chain.AllPermissions),
	}}
	hash := [32]byte{9}

	vc := newVerificationChain()
	vc.skipSignatures = true
	vc.onNewMainBlock(0, hash, gs)

	nonce := [32]byte{42}
	commit := &nonceCommit{
		Signature:   make([]byte, 64),
		UserID:      1,
		ChainHeight: 0,
		ChainHash:   hash,
		NonceHash:   sha256.Sum256(nonce[:]),
	}
	msg, err := commit.serialize()
	require.NoError(t, err)

	// A reveal cannot arrive before all commits did.
	reveal := &nonceReveal{
		Signature:   make([]byte, 64),
		UserID:      1,
		ChainHeight: 0,
		ChainHash:   hash,
		Nonce:       nonce,
	}
	revealMsg, err := reveal.serialize()
	require.NoError(t, err)
	err = vc.tryApplyBroadcast(revealMsg)
	require.Equal(t, e2ecall.ErrInvalidBroadcastNotInReveal, e2ecall.Code(err))

	require.NoError(t, vc.tryApplyBroadcast(msg))

	// Commits are applied once.
	err = vc.tryApplyBroadcast(msg)
	require.Equal(t, e2ecall.ErrInvalidBroadcastAlreadyApplied, e2ecall.Code(err))

	// Non-members have no say.
	stranger := &nonceCommit{
		Signature:   make([]byte, 64),
		UserID:      99,
		ChainHeight: 0,
		ChainHash:   hash,
		NonceHash:   sha256.Sum256(nonce[:]),
	}
	strangerMsg, err := stranger.serialize()
	require.NoError(t, err)
	err = vc.tryApplyBroadcast(strangerMsg)
	require.Equal(t, e2ecall.ErrInvalidBroadcastUnknownUserID, e2ecall.Code(err))

	commit2 := &nonceCommit{
		Signature:   make([]byte, 64),
		UserID:      2,
		ChainHeight: 0,
		ChainHash:   hash,
		NonceHash:   sha256.Sum256(nonce[:]),
	}
	msg2, err := commit2.serialize()
	require.NoError(t, err)
	require.NoError(t, vc.tryApplyBroadcast(msg2))
	require.Equal(t, stateReveal, vc.state)

	// A reveal must hash to the committed value.
	badReveal := &nonceReveal{
		Signature:   make([]byte, 64),
		UserID:      1,
		ChainHeight: 0,
		ChainHash:   hash,
		Nonce:       [32]byte{43},
	}
	badMsg, err := badReveal.serialize()
	require.NoError(t, err)
	err = vc.tryApplyBroadcast(badMsg)
	require.Equal(t, e2ecall.ErrInvalidBroadcastInvalidReveal, e2ecall.Code(err))

	require.NoError(t, vc.tryApplyBroadcast(revealMsg))
	require.NoError(t, vc.tryApplyBroadcast(func() []byte {
		reveal2 := &nonceReveal{
			Signature:   make([]byte, 64),
			UserID:      2,
			ChainHeight: 0,
			ChainHash:   hash,
			Nonce:       nonce,
		}
		m, err := reveal2.serialize()
		require.NoError(t, err)
		return m
	}()))
	require.Equal(t, stateEnd, vc.state)
	require.NotEmpty(t, vc.verificationState.EmojiHash)
}

func TestVerificationWordsDeterministic(t *testing.T) {
	hash := make([]byte, 64)
	for i := range hash {
		hash[i] = byte(i)
	}
	first := verificationWords(hash)
	second := verificationWords(hash)
	require.Equal(t, first, second)
	require.Len(t, first, 4)

	hash[0]++
	require.NotEqual(t, first, verificationWords(hash))
}
