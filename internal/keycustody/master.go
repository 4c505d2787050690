package keycustody

import (
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/pkg/utils"
)

// MasterKey is process-scoped state loaded once at startup. It never
// itself encrypts payloads; it is the seed for scrypt-derived KEKs (see
// kek.go).
type MasterKey struct {
	bytes []byte
}

const masterKeySize = 32

// LoadOrGenerateMasterKey loads MASTER_KEY from the environment. If absent,
// a fresh key is generated and the operator is warned via logger that it
// must be captured out-of-band — generated keys are process-local and do
// not survive a restart, so the gap requires operator action to close.
func LoadOrGenerateMasterKey(envValue string, logger *logrus.Logger) (*MasterKey, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if envValue != "" {
		b := []byte(envValue)
		if len(b) < 16 {
			return nil, fmt.Errorf("keycustody: MASTER_KEY too short (%d bytes)", len(b))
		}
		logger.Info("keycustody: master key loaded from environment")
		return &MasterKey{bytes: normalizeToSize(b, masterKeySize)}, nil
	}

	b := make([]byte, masterKeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, utils.Wrap(err, "generate master key")
	}
	logger.Warn("keycustody: MASTER_KEY not set — generated an ephemeral master key; " +
		"objects encrypted this run will be unrecoverable after restart unless the " +
		"operator captures and sets MASTER_KEY")
	return &MasterKey{bytes: b}, nil
}

// normalizeToSize stretches or truncates arbitrary input deterministically
// to exactly n bytes via repetition, so short operator-supplied secrets
// still yield a fixed-size master key rather than failing closed.
func normalizeToSize(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = b[i%len(b)]
	}
	return out
}

// Wipe zeroes the master key's bytes. Call on shutdown: master key state
// is init-on-first-use with teardown on shutdown.
func (m *MasterKey) Wipe() {
	for i := range m.bytes {
		m.bytes[i] = 0
	}
}
