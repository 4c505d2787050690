package keycustody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/medvault/custody/internal/custodyerr"
)

// wrapGCM encrypts plaintext key material under kek using AES-256-GCM,
// storing iv||tag||ciphertext — GCM's Seal appends the tag to the
// ciphertext, so the tag is moved in front of the ciphertext here. Grounded
// directly on this codebase's existing AES-256-GCM encrypt/decrypt
// helpers.
func wrapGCM(kek, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "new gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "read nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - gcm.Overhead()
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[ctLen:]...)
	return append(out, sealed[:ctLen]...), nil
}

func unwrapGCM(kek, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "new gcm", err)
	}
	ns, tagLen := gcm.NonceSize(), gcm.Overhead()
	if len(blob) < ns+tagLen {
		return nil, custodyerr.New(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "ciphertext too short")
	}
	nonce, tag, ct := blob[:ns], blob[ns:ns+tagLen], blob[ns+tagLen:]
	sealed := append(append(make([]byte, 0, len(ct)+tagLen), ct...), tag...)
	pt, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "gcm open", err)
	}
	return pt, nil
}

// wrapCBC encrypts plaintext key material under kek using AES-256-CBC,
// storing iv||ciphertext with no wrap-layer integrity tag. This is the
// legacy path some deployments already wrote their key material with;
// implementers are steered to wrapGCM for new deployments, but existing
// CBC-wrapped material must still unwrap. Plaintext is PKCS#7 padded to
// the block size since CBC requires whole blocks.
func wrapCBC(kek, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "new cipher", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "read iv", err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return append(iv, ct...), nil
}

func unwrapCBC(kek, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "new cipher", err)
	}
	bs := block.BlockSize()
	if len(blob) < bs || (len(blob)-bs)%bs != 0 {
		return nil, custodyerr.New(custodyerr.CryptoError, "WRAP_FORMAT_INVALID", "malformed CBC envelope")
	}
	iv, ct := blob[:bs], blob[bs:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt, bs)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("keycustody: invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("keycustody: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("keycustody: invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
