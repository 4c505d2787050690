package recordpipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/internal/custodyerr"
	"github.com/medvault/custody/internal/domain"
	"github.com/medvault/custody/internal/merkle"
	"github.com/medvault/custody/internal/objectstore"
	"github.com/medvault/custody/internal/policy"
)

func decodeRecord(raw []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Record{}, custodyerr.Wrap(custodyerr.Internal, "RECORD_DECODE_FAILED", "decode ledger record", err)
	}
	return rec, nil
}

// Service orchestrates the full write and read paths across key custody,
// object storage, version/Merkle commitment, the ledger gateway, and the
// metadata store, the same authorize-then-persist-then-pay-out shape this
// codebase used for a single CID-per-patient pointer, generalized to a
// multi-step pipeline with per-record serialization.
type Service struct {
	keys    KeyCustodian
	objects ObjectStore
	ledger  Ledger
	policy  PolicyDecider
	meta    MetadataStore
	log     *logrus.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	registryMu sync.Mutex
	registry   map[string]struct{}
}

// New constructs a Service. objects must have been built with a
// KeyProvider adapting the same keys argument (see NewObjectStoreKeyAdapter).
func New(keys KeyCustodian, objects ObjectStore, ledger Ledger, pol PolicyDecider, meta MetadataStore, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{keys: keys, objects: objects, ledger: ledger, policy: pol, meta: meta, log: log, locks: make(map[string]*sync.Mutex), registry: make(map[string]struct{})}
}

// RegisterPatient admits a patient ID so that records may be created for
// them. CreateRecord rejects any patient ID not previously registered here.
func (s *Service) RegisterPatient(patientID string) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.registry[patientID] = struct{}{}
}

func (s *Service) isPatientRegistered(patientID string) bool {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	_, ok := s.registry[patientID]
	return ok
}

// submitWithFallback submits primary and, on any error, retries once against
// alt. Ledger chaincode deployments vary in which of the two compatible
// function names they expose, so a failure on the primary name is treated as
// "try the alternate" rather than a hard failure.
func (s *Service) submitWithFallback(ctx context.Context, primary, alt string, args ...string) (string, error) {
	txID, err := s.ledger.Submit(ctx, primary, args...)
	if err == nil {
		return txID, nil
	}
	altTxID, altErr := s.ledger.Submit(ctx, alt, args...)
	if altErr != nil {
		return "", err
	}
	return altTxID, nil
}

// evaluateWithFallback mirrors submitWithFallback for read-only chaincode
// queries.
func (s *Service) evaluateWithFallback(ctx context.Context, primary, alt string, args ...string) ([]byte, error) {
	raw, err := s.ledger.Evaluate(ctx, primary, args...)
	if err == nil {
		return raw, nil
	}
	altRaw, altErr := s.ledger.Evaluate(ctx, alt, args...)
	if altErr != nil {
		return nil, err
	}
	return altRaw, nil
}

// NewObjectStoreKeyAdapter wraps a KeyCustodian as an objectstore.KeyProvider,
// for callers constructing the objectstore.Store this Service will use.
func NewObjectStoreKeyAdapter(kc KeyCustodian) objectstore.KeyProvider {
	return newKeyCustodyAdapter(kc)
}

func (s *Service) lockFor(recordID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[recordID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[recordID] = m
	}
	return m
}

// CreateRecord runs the full write path for a brand-new record: issue a
// data key, encrypt and chunk-upload the payload, commit version 1 into a
// single-entry Merkle root, submit the ledger-authoritative header, then
// mirror both into the metadata store.
func (s *Service) CreateRecord(ctx context.Context, req UploadRequest) (domain.Record, error) {
	if !s.isPatientRegistered(req.PatientID) {
		return domain.Record{}, custodyerr.New(custodyerr.InvalidInput, "PATIENT_NOT_REGISTERED", "patient is not registered: "+req.PatientID)
	}

	recordID := uuid.NewString()
	lock := s.lockFor(recordID)
	lock.Lock()
	defer lock.Unlock()

	return s.writeVersion(ctx, recordID, req, nil)
}

// AddVersion appends a new version to an existing record, chaining its
// hash off the prior version and recomputing the Merkle root over the
// whole chain.
func (s *Service) AddVersion(ctx context.Context, recordID string, req UploadRequest) (domain.Record, error) {
	lock := s.lockFor(recordID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.meta.GetRecord(ctx, recordID)
	if err != nil {
		return domain.Record{}, custodyerr.New(custodyerr.NotFound, "RECORD_NOT_FOUND", "record not found: "+recordID)
	}
	if existing.Status == domain.RecordArchived {
		return domain.Record{}, custodyerr.New(custodyerr.Conflict, "RECORD_ARCHIVED", "record is archived and rejects writes: "+recordID)
	}

	versions, err := s.meta.ListVersions(ctx, recordID)
	if err != nil {
		return domain.Record{}, err
	}
	if len(versions) == 0 {
		return domain.Record{}, custodyerr.New(custodyerr.NotFound, "RECORD_NOT_FOUND", "record not found: "+recordID)
	}
	last := versions[len(versions)-1]
	prev := &merkle.VersionEntry{Version: last.Version, CID: last.CID, Hash: last.Hash, Timestamp: last.CreatedAt}
	return s.writeVersion(ctx, recordID, req, prev)
}

func (s *Service) writeVersion(ctx context.Context, recordID string, req UploadRequest, prev *merkle.VersionEntry) (domain.Record, error) {
	dk, err := s.keys.Issue(req.PatientID, "record-payload", nil)
	if err != nil {
		return domain.Record{}, custodyerr.Wrap(custodyerr.CryptoError, "KEY_ISSUE_FAILED", "issue data key", err)
	}
	keyID := dk.KeyID

	put, err := s.objects.Put(ctx, req.Plaintext, req.Filename, req.MIME, keyID)
	if err != nil {
		return domain.Record{}, custodyerr.Wrap(custodyerr.StorageError, "OBJECT_PUT_FAILED", "store payload", err)
	}

	version := 1
	if prev != nil {
		version = prev.Version + 1
	}
	now := time.Now().UTC()
	entry := merkle.NewVersionEntry(version, put.PrimaryCID, now, req.CreatorID, prev)

	allVersions, err := s.appendAndCollectHashes(ctx, recordID, prev, entry)
	if err != nil {
		return domain.Record{}, err
	}
	root, err := merkle.BuildFromVersions(allVersions)
	if err != nil {
		return domain.Record{}, custodyerr.Wrap(custodyerr.IntegrityViolation, "MERKLE_BUILD_FAILED", "build version chain root", err)
	}
	rootHex := hex.EncodeToString(root)

	payload := domain.CreateRecordPayload{
		RecordID:    recordID,
		PatientID:   req.PatientID,
		CreatorID:   req.CreatorID,
		IPFSCID:     put.PrimaryCID,
		ContentHash: put.ContentHash,
		Timestamp:   now,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.Record{}, custodyerr.Wrap(custodyerr.Internal, "PAYLOAD_ENCODE_FAILED", "encode ledger submit payload", err)
	}

	txID, err := s.submitWithFallback(ctx, "CreateMedicalRecord", "CreateRecord", string(payloadJSON))
	if err != nil {
		return domain.Record{}, custodyerr.Wrap(custodyerr.LedgerError, "LEDGER_SUBMIT_FAILED", "submit record header", err)
	}

	fileType := sniffFileType(req.Plaintext, req.FileType)

	rec := domain.Record{
		RecordID: recordID, PatientID: req.PatientID, CreatorID: req.CreatorID,
		Title: req.Title, Description: req.Description, FileType: fileType,
		ContentHash: put.ContentHash, PrimaryCID: put.PrimaryCID, VersionNumber: version,
		MerkleRoot: rootHex, Status: domain.RecordActive, LedgerTxID: txID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.meta.UpsertRecord(ctx, rec); err != nil {
		s.log.WithError(err).WithField("record_id", recordID).Warn("recordpipeline: metadata store upsert failed after ledger commit")
	}
	if err := s.meta.UpsertVersion(ctx, recordID, VersionRecord{Version: version, CID: put.PrimaryCID, Hash: entry.Hash, KeyID: keyID, CreatedAt: now}); err != nil {
		s.log.WithError(err).WithField("record_id", recordID).Warn("recordpipeline: version upsert failed after ledger commit")
	}
	return rec, nil
}

func (s *Service) appendAndCollectHashes(ctx context.Context, recordID string, prev *merkle.VersionEntry, entry merkle.VersionEntry) ([]merkle.VersionEntry, error) {
	existing, err := s.meta.ListVersions(ctx, recordID)
	if err != nil {
		return nil, err
	}
	out := make([]merkle.VersionEntry, 0, len(existing)+1)
	for _, v := range existing {
		out = append(out, merkle.VersionEntry{Version: v.Version, CID: v.CID, Hash: v.Hash, Timestamp: v.CreatedAt})
	}
	out = append(out, entry)
	return out, nil
}

// GetRecord runs the full read path: policy decision (with its ledger
// overlay for the "record" resource class), then metadata lookup, then
// key-unwrap-and-decrypt of the current version's payload.
func (s *Service) GetRecord(ctx context.Context, recordID, requesterID string) (domain.Record, []byte, error) {
	decision := s.policy.Decide(ctx, recordID, requesterID, string(domain.ActionRead), "record", policy.Attrs{Now: time.Now().UTC()})
	if decision.Effect != domain.EffectAllow {
		return domain.Record{}, nil, ErrAccessDenied
	}

	rec, err := s.meta.GetRecord(ctx, recordID)
	if err != nil {
		raw, evalErr := s.evaluateWithFallback(ctx, "ReadRecord", "GetRecord", recordID)
		if evalErr != nil {
			return domain.Record{}, nil, custodyerr.Wrap(custodyerr.NotFound, "RECORD_NOT_FOUND", "record not found: "+recordID, evalErr)
		}
		rec, err = decodeRecord(raw)
		if err != nil {
			return domain.Record{}, nil, err
		}
	}

	versions, err := s.meta.ListVersions(ctx, recordID)
	if err != nil || len(versions) == 0 {
		return rec, nil, custodyerr.New(custodyerr.NotFound, "VERSION_NOT_FOUND", "no stored versions for "+recordID)
	}
	current := versions[len(versions)-1]

	plaintext, err := s.objects.Get(ctx, current.CID, current.KeyID)
	if err != nil {
		return rec, nil, custodyerr.Wrap(custodyerr.StorageError, "OBJECT_GET_FAILED", "fetch payload", err)
	}
	return rec, plaintext, nil
}

// GrantAccess submits an access grant and mirrors it into the metadata
// store.
func (s *Service) GrantAccess(ctx context.Context, recordID, granteeID, grantedBy string) error {
	_, err := s.ledger.Submit(ctx, "GrantAccess", recordID, granteeID, grantedBy)
	if err != nil {
		return custodyerr.Wrap(custodyerr.LedgerError, "GRANT_FAILED", "submit GrantAccess", err)
	}
	perm := domain.Permission{RecordID: recordID, GranteeID: granteeID, Action: domain.ActionRead, GrantedBy: grantedBy, GrantedAt: time.Now().UTC(), IsActive: true}
	if err := s.meta.UpsertPermission(ctx, perm); err != nil {
		s.log.WithError(err).WithField("record_id", recordID).Warn("recordpipeline: permission upsert failed after ledger commit")
	}
	return nil
}

// RevokeAccess submits an access revocation and mirrors it into the
// metadata store.
func (s *Service) RevokeAccess(ctx context.Context, recordID, granteeID string) error {
	_, err := s.ledger.Submit(ctx, "RevokeAccess", recordID, granteeID)
	if err != nil {
		return custodyerr.Wrap(custodyerr.LedgerError, "REVOKE_FAILED", "submit RevokeAccess", err)
	}
	perm := domain.Permission{RecordID: recordID, GranteeID: granteeID, Action: domain.ActionRead, IsActive: false}
	if err := s.meta.UpsertPermission(ctx, perm); err != nil {
		s.log.WithError(err).WithField("record_id", recordID).Warn("recordpipeline: permission upsert failed after ledger commit")
	}
	return nil
}
