package keycustody

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/internal/custodyerr"
)

// Clock abstracts time.Now so expiry logic can be exercised deterministically
// in tests, preferring injected collaborators over package-level
// singletons.
type Clock func() time.Time

// KeyCustody issues, wraps, unwraps, rotates and revokes DataKeys, and signs
// or verifies data under separate asymmetric signing keys. It is the
// concrete implementation of the custody component: an envelope-encryption
// service sitting in front of a process-scoped master key.
type KeyCustody struct {
	mu     sync.RWMutex
	keys   map[string]*DataKey
	master *MasterKey
	kek    []byte
	clock  Clock
	log    *logrus.Logger
}

// New constructs a KeyCustody bound to the given master key. The KEK is
// derived once at construction and held in memory for the process lifetime.
func New(master *MasterKey, logger *logrus.Logger) (*KeyCustody, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	kek, err := deriveKEK(master)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "derive KEK", err)
	}
	return &KeyCustody{
		keys:   make(map[string]*DataKey),
		master: master,
		kek:    kek,
		clock:  time.Now,
		log:    logger,
	}, nil
}

// Issue creates and wraps a new symmetric data key for owner/purpose, valid
// until expiresAt (zero value means no expiry).
func (kc *KeyCustody) Issue(owner, purpose string, expiresAt *time.Time) (*DataKey, error) {
	plaintext, err := randomDataKey()
	if err != nil {
		return nil, err
	}
	return kc.issueWrapped(owner, purpose, plaintext, KeyTypeSymmetric, expiresAt)
}

// IssueSigningKey creates a new asymmetric secp256k1 signing key. Its
// private half is wrapped under the KEK just like a symmetric key's
// material; it is never returned or used for AEAD payload encryption.
func (kc *KeyCustody) IssueSigningKey(owner, purpose string, expiresAt *time.Time) (*DataKey, error) {
	priv, pub, err := generateSigningKeypair()
	if err != nil {
		return nil, err
	}
	dk, err := kc.issueWrapped(owner, purpose, priv, KeyTypeAsymmetric, expiresAt)
	if err != nil {
		return nil, err
	}
	kc.mu.Lock()
	dk.signingPub = pub
	kc.mu.Unlock()
	return dk, nil
}

func (kc *KeyCustody) issueWrapped(owner, purpose string, material []byte, kt KeyType, expiresAt *time.Time) (*DataKey, error) {
	wrapped, err := wrapGCM(kc.kek, material)
	if err != nil {
		return nil, err
	}
	dk := &DataKey{
		KeyID:         uuid.NewString(),
		Owner:         owner,
		Purpose:       purpose,
		Algorithm:     AlgorithmAES256GCM,
		KeyType:       kt,
		WrapAlgorithm: WrapAES256GCM,
		CreatedAt:     kc.clock(),
		ExpiresAt:     expiresAt,
		IsActive:      true,
		wrapped:       wrapped,
	}
	kc.mu.Lock()
	kc.keys[dk.KeyID] = dk
	kc.mu.Unlock()
	kc.log.WithFields(logrus.Fields{"key_id": dk.KeyID, "owner": owner, "purpose": purpose}).Info("keycustody: key issued")
	return dk, nil
}

// lookup returns the key and validates it is usable, without unwrapping.
func (kc *KeyCustody) lookup(keyID string) (*DataKey, error) {
	kc.mu.RLock()
	dk, ok := kc.keys[keyID]
	kc.mu.RUnlock()
	if !ok {
		return nil, custodyerr.New(custodyerr.NotFound, "KEY_NOT_FOUND", "key not found: "+keyID)
	}
	now := kc.clock()
	if dk.Expired(now) {
		return nil, custodyerr.New(custodyerr.Forbidden, "KEY_EXPIRED", "key expired: "+keyID)
	}
	if !dk.IsActive {
		return nil, custodyerr.New(custodyerr.Forbidden, "KEY_INACTIVE", "key inactive: "+keyID)
	}
	return dk, nil
}

// unwrap returns the plaintext material for a usable key, dispatching on
// its recorded WrapAlgorithm so legacy CBC-wrapped keys remain readable
// alongside GCM-wrapped ones.
func (kc *KeyCustody) unwrap(dk *DataKey) ([]byte, error) {
	kc.mu.RLock()
	wrapped := dk.wrapped
	algo := dk.WrapAlgorithm
	kc.mu.RUnlock()

	switch algo {
	case WrapAES256GCM:
		return unwrapGCM(kc.kek, wrapped)
	case WrapAES256CBC:
		return unwrapCBC(kc.kek, wrapped)
	default:
		return nil, custodyerr.New(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "unknown wrap algorithm: "+string(algo))
	}
}

// Unwrap returns the plaintext symmetric key material for keyID. It fails
// for signing (asymmetric) keys, unknown keys, and inactive/expired keys.
func (kc *KeyCustody) Unwrap(keyID string) ([]byte, error) {
	dk, err := kc.lookup(keyID)
	if err != nil {
		return nil, err
	}
	if dk.KeyType != KeyTypeSymmetric {
		return nil, custodyerr.New(custodyerr.InvalidInput, "KEY_NOT_SYMMETRIC", "key is not a symmetric data key: "+keyID)
	}
	return kc.unwrap(dk)
}

// Rotate issues a fresh key with the same owner/purpose as oldKeyID and
// marks oldKeyID inactive. Old key material is retained (not wiped), but
// Unwrap refuses oldKeyID once it is inactive, so it no longer yields
// plaintext.
func (kc *KeyCustody) Rotate(oldKeyID string) (*DataKey, error) {
	kc.mu.RLock()
	old, ok := kc.keys[oldKeyID]
	kc.mu.RUnlock()
	if !ok {
		return nil, custodyerr.New(custodyerr.NotFound, "KEY_NOT_FOUND", "key not found: "+oldKeyID)
	}

	var fresh *DataKey
	var err error
	if old.KeyType == KeyTypeAsymmetric {
		fresh, err = kc.IssueSigningKey(old.Owner, old.Purpose, old.ExpiresAt)
	} else {
		fresh, err = kc.Issue(old.Owner, old.Purpose, old.ExpiresAt)
	}
	if err != nil {
		return nil, err
	}

	kc.mu.Lock()
	old.IsActive = false
	kc.mu.Unlock()
	kc.log.WithFields(logrus.Fields{"old_key_id": oldKeyID, "new_key_id": fresh.KeyID}).Info("keycustody: key rotated")
	return fresh, nil
}

// Revoke marks a key inactive immediately, independent of expiry.
func (kc *KeyCustody) Revoke(keyID string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	dk, ok := kc.keys[keyID]
	if !ok {
		return custodyerr.New(custodyerr.NotFound, "KEY_NOT_FOUND", "key not found: "+keyID)
	}
	dk.IsActive = false
	kc.log.WithField("key_id", keyID).Info("keycustody: key revoked")
	return nil
}

// Sign produces a signature over data using keyID's asymmetric private key.
func (kc *KeyCustody) Sign(keyID string, data []byte) ([]byte, error) {
	dk, err := kc.lookup(keyID)
	if err != nil {
		return nil, err
	}
	if dk.KeyType != KeyTypeAsymmetric {
		return nil, custodyerr.New(custodyerr.InvalidInput, "KEY_NOT_ASYMMETRIC", "key is not a signing key: "+keyID)
	}
	priv, err := kc.unwrap(dk)
	if err != nil {
		return nil, err
	}
	return signWith(priv, data)
}

// Verify checks a signature produced by Sign against keyID's public half.
// Unlike Sign, Verify works even if the key has since been marked inactive
// (a revoked key's past signatures should still be verifiable for audit),
// but still rejects unknown or expired key IDs.
func (kc *KeyCustody) Verify(keyID string, data, sig []byte) (bool, error) {
	kc.mu.RLock()
	dk, ok := kc.keys[keyID]
	kc.mu.RUnlock()
	if !ok {
		return false, custodyerr.New(custodyerr.NotFound, "KEY_NOT_FOUND", "key not found: "+keyID)
	}
	if dk.Expired(kc.clock()) {
		return false, custodyerr.New(custodyerr.Forbidden, "KEY_EXPIRED", "key expired: "+keyID)
	}
	if dk.KeyType != KeyTypeAsymmetric {
		return false, custodyerr.New(custodyerr.InvalidInput, "KEY_NOT_ASYMMETRIC", "key is not a signing key: "+keyID)
	}
	return verifyWith(dk.signingPub, data, sig)
}

// Describe returns the public view of a key without unwrapping it.
func (kc *KeyCustody) Describe(keyID string) (DataKey, error) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	dk, ok := kc.keys[keyID]
	if !ok {
		return DataKey{}, custodyerr.New(custodyerr.NotFound, "KEY_NOT_FOUND", "key not found: "+keyID)
	}
	cp := *dk
	cp.wrapped = nil
	cp.signingPriv = nil
	return cp, nil
}

// SweepExpired marks every currently-expired active key inactive. It runs
// on demand rather than on a background timer: callers invoke it from a
// scheduled job or before any audit report that depends on an accurate
// active-key count.
func (kc *KeyCustody) SweepExpired() int {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	now := kc.clock()
	swept := 0
	for _, dk := range kc.keys {
		if dk.IsActive && dk.Expired(now) {
			dk.IsActive = false
			swept++
		}
	}
	if swept > 0 {
		kc.log.WithField("count", swept).Info("keycustody: swept expired keys")
	}
	return swept
}
