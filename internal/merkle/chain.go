package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// VersionEntry is the canonical shape hashed into a record's version chain.
// Field order here is the canonical serialization order — it must never
// change, or every previously computed Hash becomes unverifiable.
type VersionEntry struct {
	Version      int
	CID          string
	Timestamp    time.Time
	CreatorID    string
	PreviousHash string
	Hash         string
}

// canonicalSerialize renders the hashed fields in a fixed order with
// ISO-8601-millisecond timestamps, byte-identical across writers. A
// hand-built string, not encoding/json, guarantees field order survives
// independent of struct-tag or map-iteration behavior.
func canonicalSerialize(version int, cid string, ts time.Time, creatorID, previousHash string) []byte {
	s := fmt.Sprintf("%d|%s|%s|%s|%s",
		version, cid, ts.UTC().Format("2006-01-02T15:04:05.000Z"), creatorID, previousHash)
	return []byte(s)
}

// ComputeHash derives the entry's Hash field from its other fields.
func ComputeHash(version int, cid string, ts time.Time, creatorID, previousHash string) string {
	h := sha256.Sum256(canonicalSerialize(version, cid, ts, creatorID, previousHash))
	return hex.EncodeToString(h[:])
}

// NewVersionEntry builds the next entry in a chain given the previous
// entry (nil for version 1, whose PreviousHash is empty).
func NewVersionEntry(version int, cid string, ts time.Time, creatorID string, previous *VersionEntry) VersionEntry {
	prevHash := ""
	if previous != nil {
		prevHash = previous.Hash
	}
	e := VersionEntry{
		Version:      version,
		CID:          cid,
		Timestamp:    ts,
		CreatorID:    creatorID,
		PreviousHash: prevHash,
	}
	e.Hash = ComputeHash(e.Version, e.CID, e.Timestamp, e.CreatorID, e.PreviousHash)
	return e
}

// VerifyChain checks chain integrity: for every i, recomputing the hash
// with previous_hash set to versions[i-1].Hash (empty for i=0) must equal
// versions[i].Hash.
func VerifyChain(versions []VersionEntry) bool {
	prevHash := ""
	for _, v := range versions {
		want := ComputeHash(v.Version, v.CID, v.Timestamp, v.CreatorID, prevHash)
		if want != v.Hash || v.PreviousHash != prevHash {
			return false
		}
		prevHash = v.Hash
	}
	return true
}

// BuildFromVersions computes the Merkle root over an ordered version
// chain's hashes, i.e. a record's merkle_root: it must always equal
// Build(versions_of(record)).Root().
func BuildFromVersions(versions []VersionEntry) ([]byte, error) {
	items := make([][]byte, len(versions))
	for i, v := range versions {
		items[i] = []byte(v.Hash)
	}
	t, err := Build(items)
	if err != nil {
		return nil, err
	}
	return t.Root(), nil
}
