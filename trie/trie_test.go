package trie

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/e2ecall/bitstring"
)

func testKey(i int) bitstring.BitString {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	h := sha256.Sum256(buf[:])
	return ToKey(h[:])
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("value-%d", i))
}

func buildTrie(t *testing.T, n int) *Node {
	root := Empty()
	var err error
	for i := 0; i < n; i++ {
		root, err = Set(root, testKey(i), testValue(i), nil)
		require.NoError(t, err)
	}
	return root
}

func TestSetGet(t *testing.T) {
	const n = 100
	root := buildTrie(t, n)
	for i := 0; i < n; i++ {
		v, err := Get(root, testKey(i), nil)
		require.NoError(t, err)
		require.Equal(t, testValue(i), v)
	}
	v, err := Get(root, testKey(n+1), nil)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestOverwrite(t *testing.T) {
	root := buildTrie(t, 10)
	root, err := Set(root, testKey(3), []byte("other"), nil)
	require.NoError(t, err)
	v, err := Get(root, testKey(3), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("other"), v)
}

func TestPersistence(t *testing.T) {
	oldRoot := buildTrie(t, 10)
	oldHash := oldRoot.Hash

	newRoot, err := Set(oldRoot, testKey(3), []byte("other"), nil)
	require.NoError(t, err)
	require.NotEqual(t, oldHash, newRoot.Hash)

	// The old root still sees the old value.
	require.Equal(t, oldHash, oldRoot.Hash)
	v, err := Get(oldRoot, testKey(3), nil)
	require.NoError(t, err)
	require.Equal(t, testValue(3), v)
}

// The root hash depends only on the key-value contents, not on the order the
// keys were inserted in.
func TestHashOrderIndependence(t *testing.T) {
	f := func(seed int64) bool {
		rng := rand.New(rand.NewSource(seed))
		perm := rng.Perm(20)

		a := Empty()
		b := Empty()
		var err error
		for i := 0; i < len(perm); i++ {
			a, err = Set(a, testKey(i), testValue(i), nil)
			require.NoError(t, err)
			b, err = Set(b, testKey(perm[i]), testValue(perm[i]), nil)
			require.NoError(t, err)
		}
		return a.Hash == b.Hash
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestGeneratePrunedTree(t *testing.T) {
	const n = 50
	root := buildTrie(t, n)

	proven := []bitstring.BitString{testKey(1), testKey(7), testKey(42)}
	pruned, err := GeneratePrunedTree(root, proven, nil)
	require.NoError(t, err)
	require.Equal(t, root.Hash, pruned.Hash)

	for _, i := range []int{1, 7, 42} {
		v, err := Get(pruned, testKey(i), nil)
		require.NoError(t, err)
		require.Equal(t, testValue(i), v)
	}

	// Keys outside the proof hit a pruned subtree.
	_, err = Get(pruned, testKey(2), nil)
	require.Error(t, err)
}

func TestPrunedTreeAbsenceProof(t *testing.T) {
	root := buildTrie(t, 20)
	absent := testKey(1000)
	pruned, err := GeneratePrunedTree(root, []bitstring.BitString{absent}, nil)
	require.NoError(t, err)
	require.Equal(t, root.Hash, pruned.Hash)

	v, err := Get(pruned, absent, nil)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestNetworkRoundTrip(t *testing.T) {
	root := buildTrie(t, 30)
	pruned, err := GeneratePrunedTree(root, []bitstring.BitString{testKey(5)}, nil)
	require.NoError(t, err)

	data, err := SerializeForNetwork(pruned)
	require.NoError(t, err)
	back, err := FetchFromNetwork(data)
	require.NoError(t, err)
	require.Equal(t, root.Hash, back.Hash)

	v, err := Get(back, testKey(5), nil)
	require.NoError(t, err)
	require.Equal(t, testValue(5), v)
}

func TestNetworkTamperDetection(t *testing.T) {
	root := buildTrie(t, 10)
	pruned, err := GeneratePrunedTree(root, []bitstring.BitString{testKey(5)}, nil)
	require.NoError(t, err)
	data, err := SerializeForNetwork(pruned)
	require.NoError(t, err)

	// Flip one bit somewhere in the middle of the proof.
	data[len(data)/2] ^= 0x01
	back, err := FetchFromNetwork(data)
	if err == nil {
		require.NotEqual(t, root.Hash, back.Hash)
	}
}

func TestMergeProofs(t *testing.T) {
	root := buildTrie(t, 30)

	a, err := GeneratePrunedTree(root, []bitstring.BitString{testKey(3)}, nil)
	require.NoError(t, err)
	b, err := GeneratePrunedTree(root, []bitstring.BitString{testKey(17)}, nil)
	require.NoError(t, err)

	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Equal(t, root.Hash, merged.Hash)

	for _, i := range []int{3, 17} {
		v, err := Get(merged, testKey(i), nil)
		require.NoError(t, err)
		require.Equal(t, testValue(i), v)
	}
}

func TestMergeDifferentRoots(t *testing.T) {
	a := buildTrie(t, 5)
	b := buildTrie(t, 6)
	_, err := Merge(a, b)
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	const n = 40
	root := buildTrie(t, n)

	snapshot, err := SerializeForSnapshot(root, nil)
	require.NoError(t, err)

	lazy, err := FetchFromSnapshot(snapshot)
	require.NoError(t, err)
	require.Equal(t, root.Hash, lazy.Hash)

	for i := 0; i < n; i++ {
		v, err := Get(lazy, testKey(i), snapshot)
		require.NoError(t, err)
		require.Equal(t, testValue(i), v)
	}
}

func TestSnapshotUpdateAndResnapshot(t *testing.T) {
	root := buildTrie(t, 20)
	snapshot, err := SerializeForSnapshot(root, nil)
	require.NoError(t, err)
	lazy, err := FetchFromSnapshot(snapshot)
	require.NoError(t, err)

	// Update a lazily loaded trie, then snapshot it again.
	updated, err := Set(lazy, testKey(3), []byte("other"), snapshot)
	require.NoError(t, err)
	snapshot2, err := SerializeForSnapshot(updated, snapshot)
	require.NoError(t, err)

	lazy2, err := FetchFromSnapshot(snapshot2)
	require.NoError(t, err)
	require.Equal(t, updated.Hash, lazy2.Hash)
	v, err := Get(lazy2, testKey(3), snapshot2)
	require.NoError(t, err)
	require.Equal(t, []byte("other"), v)
	v, err = Get(lazy2, testKey(7), snapshot2)
	require.NoError(t, err)
	require.Equal(t, testValue(7), v)
}

func TestSnapshotTamperDetection(t *testing.T) {
	root := buildTrie(t, 20)
	snapshot, err := SerializeForSnapshot(root, nil)
	require.NoError(t, err)
	lazy, err := FetchFromSnapshot(snapshot)
	require.NoError(t, err)

	// Corrupt a byte past the header and walk every key. At least one
	// lookup must either fail or the root content itself must change.
	tampered := make([]byte, len(snapshot))
	copy(tampered, snapshot)
	tampered[snapshotHeaderSize+10] ^= 0x01

	broken := false
	fresh, err := FetchFromSnapshot(tampered)
	if err != nil || fresh.Hash != root.Hash {
		broken = true
	}
	for i := 0; i < 20 && !broken; i++ {
		v, err := Get(lazy, testKey(i), tampered)
		if err != nil || string(v) != string(testValue(i)) {
			broken = true
		}
	}
	require.True(t, broken)
}

func TestGetOnPrunedWithoutSnapshot(t *testing.T) {
	root := buildTrie(t, 5)
	pruned := NewPruned(root.Hash)
	_, err := Get(pruned, testKey(0), nil)
	require.Error(t, err)
}

func TestEmptyTrie(t *testing.T) {
	v, err := Get(Empty(), testKey(0), nil)
	require.NoError(t, err)
	require.Nil(t, v)

	// An empty trie snapshots and loads back.
	snapshot, err := SerializeForSnapshot(Empty(), nil)
	require.NoError(t, err)
	lazy, err := FetchFromSnapshot(snapshot)
	require.NoError(t, err)
	require.Equal(t, Empty().Hash, lazy.Hash)
}
