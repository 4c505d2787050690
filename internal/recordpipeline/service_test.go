package recordpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/custody/internal/custodyerr"
	"github.com/medvault/custody/internal/domain"
	"github.com/medvault/custody/internal/keycustody"
	"github.com/medvault/custody/internal/metadatastore"
	"github.com/medvault/custody/internal/objectstore"
	"github.com/medvault/custody/internal/policy"
)

// fakeKeyCustodian issues a fresh random key ID per call and stores the
// associated plaintext key material in memory, standing in for
// *keycustody.KeyCustody's envelope-unwrap round trip.
type fakeKeyCustodian struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newFakeKeyCustodian() *fakeKeyCustodian {
	return &fakeKeyCustodian{keys: make(map[string][]byte)}
}

func (f *fakeKeyCustodian) Issue(owner, purpose string, expiresAt *time.Time) (*keycustody.DataKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.keys[id] = []byte("material-" + id)
	return &keycustody.DataKey{KeyID: id, Owner: owner, Purpose: purpose}, nil
}

func (f *fakeKeyCustodian) Unwrap(keyID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[keyID], nil
}

// fakeObjectStore stores plaintext payloads keyed by a content-derived
// CID, skipping the real chunking/encryption/gateway-failover machinery.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(ctx context.Context, plaintext []byte, filename, mime, dataKeyID string) (objectstore.PutResult, error) {
	sum := sha256.Sum256(plaintext)
	cid := hex.EncodeToString(sum[:])
	f.mu.Lock()
	f.objects[cid] = append([]byte(nil), plaintext...)
	f.mu.Unlock()
	return objectstore.PutResult{PrimaryCID: cid, ContentHash: cid, Size: int64(len(plaintext)), KeyID: dataKeyID}, nil
}

func (f *fakeObjectStore) Get(ctx context.Context, primaryCID, dataKeyID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[primaryCID]
	if !ok {
		return nil, objectstore.ErrCIDNotFound
	}
	return data, nil
}

// fakeLedger backs CreateMedicalRecord/ReadRecord/GrantAccess/RevokeAccess
// with an in-memory map, mirroring walBackend's dispatch shape closely
// enough to exercise the pipeline without spinning up a real Gateway.
type fakeLedger struct {
	mu      sync.Mutex
	records map[string]domain.Record
}

func newFakeLedger() *fakeLedger { return &fakeLedger{records: make(map[string]domain.Record)} }

func (l *fakeLedger) Submit(ctx context.Context, function string, args ...string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch function {
	case "CreateMedicalRecord", "CreateRecord":
		var payload domain.CreateRecordPayload
		if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
			return "", err
		}
		rec := domain.Record{
			RecordID: payload.RecordID, PatientID: payload.PatientID, CreatorID: payload.CreatorID,
			PrimaryCID: payload.IPFSCID, ContentHash: payload.ContentHash, Status: domain.RecordActive,
			CreatedAt: payload.Timestamp, UpdatedAt: payload.Timestamp,
		}
		l.records[payload.RecordID] = rec
	}
	return uuid.NewString(), nil
}

func (l *fakeLedger) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch function {
	case "ReadRecord", "GetRecord":
		rec, ok := l.records[args[0]]
		if !ok {
			return nil, objectstore.ErrCIDNotFound
		}
		return marshalRecord(rec), nil
	}
	return nil, nil
}

func marshalRecord(rec domain.Record) []byte {
	b, _ := json.Marshal(rec)
	return b
}

// fakeMetadataStore mirrors the ledger's per-record version history in
// memory, the same role internal/metadatastore plays against Postgres.
type fakeMetadataStore struct {
	mu       sync.Mutex
	records  map[string]domain.Record
	versions map[string][]VersionRecord
	perms    []domain.Permission
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{records: make(map[string]domain.Record), versions: make(map[string][]VersionRecord)}
}

func (m *fakeMetadataStore) UpsertRecord(ctx context.Context, rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RecordID] = rec
	return nil
}

func (m *fakeMetadataStore) GetRecord(ctx context.Context, recordID string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return domain.Record{}, metadatastore.ErrNotFound
	}
	return rec, nil
}

func (m *fakeMetadataStore) UpsertVersion(ctx context.Context, recordID string, v VersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[recordID] = append(m.versions[recordID], v)
	return nil
}

func (m *fakeMetadataStore) ListVersions(ctx context.Context, recordID string) ([]VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VersionRecord(nil), m.versions[recordID]...), nil
}

func (m *fakeMetadataStore) UpsertPermission(ctx context.Context, perm domain.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms = append(m.perms, perm)
	return nil
}

// allowAllPolicy always allows, standing in for internal/policy.Engine
// when a test doesn't care about access-control branching.
type allowAllPolicy struct{}

func (allowAllPolicy) Decide(ctx context.Context, recordID, subject, action, resource string, attrs policy.Attrs) policy.Decision {
	return policy.Decision{Effect: domain.EffectAllow}
}

type denyAllPolicy struct{}

func (denyAllPolicy) Decide(ctx context.Context, recordID, subject, action, resource string, attrs policy.Attrs) policy.Decision {
	return policy.Decision{Effect: domain.EffectDeny}
}

func testService(t *testing.T, pol PolicyDecider) (*Service, *fakeMetadataStore) {
	t.Helper()
	meta := newFakeMetadataStore()
	svc := New(newFakeKeyCustodian(), newFakeObjectStore(), newFakeLedger(), pol, meta, nil)
	return svc, meta
}

func TestCreateRecordThenGetRecord(t *testing.T) {
	svc, _ := testService(t, allowAllPolicy{})
	ctx := context.Background()
	svc.RegisterPatient("pat-1")

	rec, err := svc.CreateRecord(ctx, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", Title: "CBC panel",
		FileType: domain.FileTypePDF, MIME: "application/pdf", Filename: "cbc.pdf",
		Plaintext: []byte("lab results"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.VersionNumber)
	assert.NotEmpty(t, rec.MerkleRoot)

	got, plaintext, err := svc.GetRecord(ctx, rec.RecordID, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, got.RecordID)
	assert.Equal(t, "lab results", string(plaintext))
}

func TestGetRecordDeniedByPolicy(t *testing.T) {
	svc, _ := testService(t, denyAllPolicy{})
	ctx := context.Background()
	svc.RegisterPatient("pat-1")

	rec, err := svc.CreateRecord(ctx, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("data"),
	})
	require.NoError(t, err)

	_, _, err = svc.GetRecord(ctx, rec.RecordID, "intruder")
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestAddVersionChainsOffPrevious(t *testing.T) {
	svc, meta := testService(t, allowAllPolicy{})
	ctx := context.Background()
	svc.RegisterPatient("pat-1")

	rec1, err := svc.CreateRecord(ctx, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("version one"),
	})
	require.NoError(t, err)

	rec2, err := svc.AddVersion(ctx, rec1.RecordID, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("version two"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec2.VersionNumber)
	assert.NotEqual(t, rec1.MerkleRoot, rec2.MerkleRoot)

	versions, err := meta.ListVersions(ctx, rec1.RecordID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)
}

func TestGrantThenRevokeAccessMirrorsMetadata(t *testing.T) {
	svc, meta := testService(t, allowAllPolicy{})
	ctx := context.Background()

	require.NoError(t, svc.GrantAccess(ctx, "rec-1", "user-2", "creator-1"))
	require.NoError(t, svc.RevokeAccess(ctx, "rec-1", "user-2"))

	require.Len(t, meta.perms, 2)
	assert.True(t, meta.perms[0].IsActive)
	assert.False(t, meta.perms[1].IsActive)
}

func TestAddVersionUnknownRecordFails(t *testing.T) {
	svc, _ := testService(t, allowAllPolicy{})
	_, err := svc.AddVersion(context.Background(), "does-not-exist", UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("x"),
	})
	require.Error(t, err)
}

func TestCreateRecordRejectsUnregisteredPatient(t *testing.T) {
	svc, _ := testService(t, allowAllPolicy{})
	_, err := svc.CreateRecord(context.Background(), UploadRequest{
		PatientID: "pat-unknown", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("x"),
	})
	require.Error(t, err)
	assert.True(t, custodyerr.Is(err, custodyerr.InvalidInput))
}

func TestAddVersionRejectsArchivedRecord(t *testing.T) {
	svc, meta := testService(t, allowAllPolicy{})
	ctx := context.Background()
	svc.RegisterPatient("pat-1")

	rec, err := svc.CreateRecord(ctx, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("version one"),
	})
	require.NoError(t, err)

	archived := rec
	archived.Status = domain.RecordArchived
	require.NoError(t, meta.UpsertRecord(ctx, archived))

	_, err = svc.AddVersion(ctx, rec.RecordID, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypePDF,
		MIME: "application/pdf", Filename: "f.pdf", Plaintext: []byte("version two"),
	})
	require.Error(t, err)
	assert.True(t, custodyerr.Is(err, custodyerr.Conflict))
}

func TestCreateRecordSniffsContentTypeWhenDeclaredOther(t *testing.T) {
	svc, _ := testService(t, allowAllPolicy{})
	ctx := context.Background()
	svc.RegisterPatient("pat-1")

	rec, err := svc.CreateRecord(ctx, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypeOther,
		MIME: "application/octet-stream", Filename: "f.bin", Plaintext: []byte("%PDF-1.4 rest of file"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FileTypePDF, rec.FileType)
}

func TestCreateRecordDoesNotOverrideDeclaredFileType(t *testing.T) {
	svc, _ := testService(t, allowAllPolicy{})
	ctx := context.Background()
	svc.RegisterPatient("pat-1")

	rec, err := svc.CreateRecord(ctx, UploadRequest{
		PatientID: "pat-1", CreatorID: "creator-1", FileType: domain.FileTypeImage,
		MIME: "image/png", Filename: "f.png", Plaintext: []byte("%PDF-1.4 rest of file"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FileTypeImage, rec.FileType)
}
