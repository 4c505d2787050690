package objectstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/medvault/custody/internal/custodyerr"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// encryptPayload AES-256-GCM-encrypts the whole plaintext under key with a
// fresh 12-byte IV, returning the ciphertext (without the tag), the IV, and
// the authentication tag separately, matching the metadata record's
// iv/auth_tag fields.
func encryptPayload(key, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "new cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, nil, nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "new gcm", err)
	}
	iv = make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "read iv", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcm.Overhead()
	return sealed[:split], iv, sealed[split:], nil
}

// decryptPayload reverses encryptPayload, verifying the authentication tag
// before returning plaintext.
func decryptPayload(key, ciphertext, iv, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "new cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "CRYPTO_ERROR", "new gcm", err)
	}
	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, custodyerr.New(custodyerr.IntegrityViolation, "AUTH_TAG_MISMATCH", "gcm authentication failed")
	}
	return plaintext, nil
}

// splitChunks divides data into ChunkSize-byte chunks, in order.
func splitChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	n := (len(data) + ChunkSize - 1) / ChunkSize
	chunks := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks[i] = data[start:end]
	}
	return chunks
}
