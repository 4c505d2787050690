// Package objectstore implements the content-addressed object store
// client: chunked, AES-256-GCM encrypted payload storage behind a pool of
// gateway endpoints, with a local on-disk cache and pin/unpin/stat
// operations.
//
// Built on the same CID-computed-locally-then-gateway-pinned shape this
// codebase has used before (content hashed via multihash, wrapped as a
// CIDv1), its on-disk LRU cache, and its pooled-dialer-with-health-map
// endpoint management, generalized from a single IPFS gateway URL to a
// failover pool of endpoints.
package objectstore

import (
	"errors"
	"time"
)

// ChunkSize is the fixed size encrypted payloads are split into before
// upload. Chunk ordering always matches chunk_index.
const ChunkSize = 256 * 1024

const (
	defaultUploadConcurrency   = 4
	defaultDownloadConcurrency = 6
	defaultMaxRetries          = 3
	defaultReplicationMin      = 3
	defaultReplicationMax      = 3
	defaultHealthProbeInterval = 30 * time.Second
	defaultChunkTimeout        = 30 * time.Second
)

// Metadata is the object manifest persisted as its own content-addressed
// object alongside the chunk set it describes.
type Metadata struct {
	FileName   string   `json:"file_name"`
	ContentHash string  `json:"content_hash"`
	FileSize   int64    `json:"file_size"`
	ChunkCount int      `json:"chunk_count"`
	ChunkCIDs  []string `json:"chunk_cids"`
	IV         []byte   `json:"iv"`
	AuthTag    []byte   `json:"auth_tag"`
	MIME       string   `json:"mime"`
	Timestamp  time.Time `json:"timestamp"`
	KeyID      string   `json:"key_id,omitempty"`
}

// PutResult is returned from a successful Put.
type PutResult struct {
	PrimaryCID  string
	ContentHash string
	Size        int64
	KeyID       string
}

// StatResult describes a stored object without fetching its payload.
type StatResult struct {
	Size   int64
	Blocks int
}

// KeyProvider is the minimal data-key surface the object store needs from
// key custody: issue a fresh symmetric key when the caller doesn't supply
// one, and unwrap a key by ID to encrypt/decrypt chunk payloads.
type KeyProvider interface {
	IssueDataKey(owner, purpose string) (keyID string, err error)
	UnwrapDataKey(keyID string) (plaintext []byte, err error)
}

var (
	ErrCIDNotFound      = errors.New("objectstore: CID_NOT_FOUND")
	ErrChunkMissing     = errors.New("objectstore: CHUNK_MISSING")
	ErrAuthTagMismatch  = errors.New("objectstore: AUTH_TAG_MISMATCH")
	ErrHashMismatch     = errors.New("objectstore: HASH_MISMATCH")
	ErrNoHealthyNode    = errors.New("objectstore: no healthy endpoint available")
)
