package keycustody

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/medvault/custody/internal/custodyerr"
)

// generateSigningKeypair produces a secp256k1 keypair for a signing-only
// DataKey: signing keys are separate asymmetric pairs, and symmetric data
// keys never sign. secp256k1 is chosen over RSA-2048 because it is the
// asymmetric primitive already present in this module's dependency graph
// as an indirect dependency (github.com/decred/dcrd/dcrec/secp256k1/v4) —
// promoted here to a direct, exercised dependency rather than adding RSA
// support nothing else in the stack uses.
func generateSigningKeypair() (priv, pub []byte, err error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "generate signing key", err)
	}
	return sk.Serialize(), sk.PubKey().SerializeCompressed(), nil
}

// signWith produces a deterministic ECDSA signature over SHA-256(data)
// using the packed secp256k1 private key.
func signWith(privBytes, data []byte) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(privBytes)
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize(), nil
}

// verifyWith checks a signature produced by signWith against a compressed
// public key.
func verifyWith(pubBytes, data, sig []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "parse public key", err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "parse signature", err)
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], pub), nil
}

// randomDataKey generates 32 bytes of key material for a new symmetric
// DataKey.
func randomDataKey() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "generate data key", err)
	}
	return b, nil
}
