package merkle

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSingleLeafRootIsItsHash(t *testing.T) {
	tr, err := Build([][]byte{[]byte("a")})
	require.NoError(t, err)
	want := sha256.Sum256([]byte("a"))
	assert.Equal(t, want[:], tr.Root())
}

func TestProveAndVerifyDirectional(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	tr, err := Build(leaves)
	require.NoError(t, err)

	proof, root, err := Prove(tr, 2) // leaf "c"
	require.NoError(t, err)
	assert.True(t, VerifyDirectional(root, []byte("c"), proof))

	// flip one byte of the proof -> verification must fail
	tampered := make([]Step, len(proof))
	copy(tampered, proof)
	tampered[0].Sibling = append([]byte(nil), tampered[0].Sibling...)
	tampered[0].Sibling[0] ^= 0xFF
	assert.False(t, VerifyDirectional(root, []byte("c"), tampered))
}

func TestOddLeafSetDuplicatesLastAtEveryLevel(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	tr, err := Build(leaves)
	require.NoError(t, err)
	// 3 leaves -> padded to 4 -> 2 -> 1; three levels including the leaf level
	require.Len(t, tr.levels, 3)

	for i := range leaves {
		proof, root, err := Prove(tr, i)
		require.NoError(t, err)
		assert.True(t, VerifyDirectional(root, leaves[i], proof), "leaf %d", i)
	}
}

func TestVerifyUndirectedCompatibility(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	tr, err := Build(leaves)
	require.NoError(t, err)
	proof, root, err := Prove(tr, 1)
	require.NoError(t, err)
	assert.True(t, VerifyUndirected(root, []byte("b"), proof, 1))
}

func TestStepStringRoundTrip(t *testing.T) {
	s := Step{Left: true, Sibling: []byte{0xde, 0xad, 0xbe, 0xef}}
	parsed, err := ParseStep(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestVersionChainVerification(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v1 := NewVersionEntry(1, "cid1", now, "d1", nil)
	v2 := NewVersionEntry(2, "cid2", now.Add(time.Minute), "d1", &v1)
	assert.True(t, VerifyChain([]VersionEntry{v1, v2}))

	v2.PreviousHash = "corrupted"
	assert.False(t, VerifyChain([]VersionEntry{v1, v2}))
}

func TestRecordMerkleRootMatchesBuildFromVersions(t *testing.T) {
	now := time.Now()
	v1 := NewVersionEntry(1, "cid1", now, "d1", nil)
	root, err := BuildFromVersions([]VersionEntry{v1})
	require.NoError(t, err)
	want := sha256.Sum256([]byte(v1.Hash))
	assert.Equal(t, want[:], root)
}
