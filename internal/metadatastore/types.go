package metadatastore

import (
	"errors"

	"github.com/medvault/custody/internal/domain"
)

// VersionRecord is the shared version-chain row shape the record
// pipeline writes and this store persists.
type VersionRecord = domain.VersionRecord

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("metadatastore: NOT_FOUND")
