package keycustody

import (
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// saltVersion identifies the current KEK derivation salt. The salt is
// process-wide, not per-key, and a DataKey does not record a salt version.
// deriveKEK uses only this version's salt, so material wrapped before a
// bump does not unwrap after it; no earlier salt version is consulted.
const saltVersion = 1

// scryptSalt returns the versioned, stable salt string used to derive the
// KEK from the master key. It must never change meaning for a given
// version number once deployed.
func scryptSalt(version int) []byte {
	return []byte(fmt.Sprintf("medvault-custody-kek-salt-v%d", version))
}

const (
	scryptN      = 1 << 15 // 32768, scrypt CPU/memory cost
	scryptR      = 8
	scryptP      = 1
	kekKeyLength = 32
)

// deriveKEK stretches the master key into a 32-byte key-encrypting key via
// scrypt over the versioned salt.
func deriveKEK(master *MasterKey) ([]byte, error) {
	return scrypt.Key(master.bytes, scryptSalt(saltVersion), scryptN, scryptR, scryptP, kekKeyLength)
}
