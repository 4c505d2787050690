// Package keycustody issues and wraps per-record data keys under an
// envelope scheme, and manages the separate asymmetric signing keys used
// for digital signatures.
//
// Built on the same AES-256-GCM encrypt/decrypt shape and process-scoped
// key-material lifecycle (key material logged only by reference, never by
// value) this codebase has used for wallet-style secrets elsewhere, but as
// an injectable struct rather than a package-level singleton.
package keycustody

import "time"

// Algorithm names the symmetric cipher a DataKey's plaintext is used with
// once unwrapped (always AES-256-GCM for object payloads, regardless of
// which algorithm wrapped the key at rest).
type Algorithm string

const (
	AlgorithmAES256GCM Algorithm = "AES-256-GCM"
)

// KeyType distinguishes symmetric data-encryption keys from asymmetric
// signing keys. Symmetric keys never sign.
type KeyType string

const (
	KeyTypeSymmetric  KeyType = "SYMMETRIC"
	KeyTypeAsymmetric KeyType = "ASYMMETRIC"
)

// WrapAlgorithm records which envelope scheme wrapped a key's material at
// rest. Both are supported per the Open Question decision in DESIGN.md:
// GCM for new deployments, CBC for ciphertext already wrapped that way.
type WrapAlgorithm string

const (
	WrapAES256GCM WrapAlgorithm = "AES-256-GCM"
	WrapAES256CBC WrapAlgorithm = "AES-256-CBC"
)

// DataKey is the public, non-sensitive view of a managed key. Key
// material is never embedded in this struct; Unwrap must be called
// explicitly to obtain plaintext, and only for active, unexpired keys.
type DataKey struct {
	KeyID         string
	Owner         string
	Purpose       string
	Algorithm     Algorithm
	KeyType       KeyType
	WrapAlgorithm WrapAlgorithm
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	IsActive      bool

	// wrapped is the envelope ciphertext: iv||tag||ciphertext for GCM,
	// iv||ciphertext for CBC. Never exported outside the package.
	wrapped []byte

	// signingPriv/signingPub hold asymmetric key material for
	// KeyTypeAsymmetric keys only; symmetric keys leave these nil.
	signingPriv []byte
	signingPub  []byte
}

// Expired reports whether the key has passed its expiry time as of now.
func (k *DataKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Usable reports whether the key may currently produce plaintext to
// callers.
func (k *DataKey) Usable(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}
