// Package recordpipeline orchestrates the write and read paths for a
// medical record across key custody, object storage, version/Merkle
// commitment, the ledger gateway, and the metadata store.
//
// Built on the registration/authorization/upload shape this codebase has
// used before for patient records and provider access grants, generalized
// from a single CID pointer per patient into a full versioned record with
// an encrypted chunked payload, a hash-linked version chain committed into
// a Merkle root, and a ledger-authoritative header.
package recordpipeline

import (
	"errors"

	"github.com/medvault/custody/internal/domain"
)

// UploadRequest is the input to CreateRecord/AddVersion.
type UploadRequest struct {
	PatientID   string
	CreatorID   string
	Title       string
	Description string
	FileType    domain.FileType
	MIME        string
	Filename    string
	Plaintext   []byte
}

// RecordView is the assembled read-path result: the ledger-authoritative
// header plus its full version chain.
type RecordView struct {
	Record   domain.Record
	Versions []VersionRecord
}

// VersionRecord pairs a chain entry with the data key used to encrypt it,
// so a caller can re-derive the plaintext via Get.
type VersionRecord = domain.VersionRecord

var (
	ErrRecordLocked   = errors.New("recordpipeline: record is locked by a concurrent write")
	ErrAccessDenied   = errors.New("recordpipeline: access denied")
	ErrRecordNotFound = errors.New("recordpipeline: record not found")
)
