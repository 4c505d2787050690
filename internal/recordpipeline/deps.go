package recordpipeline

import (
	"context"
	"time"

	"github.com/medvault/custody/internal/domain"
	"github.com/medvault/custody/internal/keycustody"
	"github.com/medvault/custody/internal/objectstore"
	"github.com/medvault/custody/internal/policy"
)

// KeyCustodian is the minimal key-custody surface the pipeline needs to
// issue and unwrap data keys for each version's payload encryption. It
// matches *keycustody.KeyCustody's own method signatures directly.
type KeyCustodian interface {
	Issue(owner, purpose string, expiresAt *time.Time) (*keycustody.DataKey, error)
	Unwrap(keyID string) ([]byte, error)
}

// ObjectStore is the minimal object-store surface the pipeline needs.
type ObjectStore interface {
	Put(ctx context.Context, plaintext []byte, filename, mime, dataKeyID string) (objectstore.PutResult, error)
	Get(ctx context.Context, primaryCID, dataKeyID string) ([]byte, error)
}

// PolicyDecider is the minimal policy surface the pipeline's read path
// consults before serving a record.
type PolicyDecider interface {
	Decide(ctx context.Context, recordID, subject, action, resource string, attrs policy.Attrs) policy.Decision
}

// Ledger is the minimal ledger-gateway surface the pipeline needs to
// submit chaincode mutations and evaluate reads.
type Ledger interface {
	Submit(ctx context.Context, function string, args ...string) (txID string, err error)
	Evaluate(ctx context.Context, function string, args ...string) ([]byte, error)
}

// MetadataStore is the minimal denormalized-store surface the pipeline
// keeps in sync with every ledger-authoritative mutation.
type MetadataStore interface {
	UpsertRecord(ctx context.Context, rec domain.Record) error
	GetRecord(ctx context.Context, recordID string) (domain.Record, error)
	UpsertVersion(ctx context.Context, recordID string, v VersionRecord) error
	ListVersions(ctx context.Context, recordID string) ([]VersionRecord, error)
	UpsertPermission(ctx context.Context, perm domain.Permission) error
}

// keyCustodyAdapter exposes a KeyCustodian as an objectstore.KeyProvider,
// translating Issue's *DataKey result and Unwrap's no-expiry signature
// into the narrower shape the object store needs.
type keyCustodyAdapter struct {
	kc KeyCustodian
}

func newKeyCustodyAdapter(kc KeyCustodian) *keyCustodyAdapter { return &keyCustodyAdapter{kc: kc} }

func (a *keyCustodyAdapter) IssueDataKey(owner, purpose string) (string, error) {
	dk, err := a.kc.Issue(owner, purpose, nil)
	if err != nil {
		return "", err
	}
	return dk.KeyID, nil
}

func (a *keyCustodyAdapter) UnwrapDataKey(keyID string) ([]byte, error) {
	return a.kc.Unwrap(keyID)
}
