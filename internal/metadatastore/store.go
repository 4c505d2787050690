// Package metadatastore is the denormalized, eventually-consistent
// Postgres mirror of the ledger-authoritative record/version/permission
// state: fast reads for listings and dashboards without a ledger round
// trip, kept current by the record pipeline and the event fan-out's
// permission-mirror handler.
//
// Built on the database/sql-plus-lib/pq-driver, write/replica-split
// connection shape this codebase's pooled-dialer-with-health-map idiom
// generalizes to, with slow-query logging the way this codebase logs
// other request-path latencies.
package metadatastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/medvault/custody/internal/domain"
)

const defaultSlowQueryThreshold = 200 * time.Millisecond

// Config configures a Store's primary and optional read-replica
// connections.
type Config struct {
	PrimaryDSN        string
	ReplicaDSNs       []string
	SlowQueryThreshold time.Duration
	MaxOpenConns      int
	MaxIdleConns      int
}

// Store is the metadata store's write handle to the primary and a
// round-robin reader over any configured replicas, falling back to the
// primary when no replica is configured.
type Store struct {
	primary  *sql.DB
	replicas []*sql.DB
	nextRead int
	slowAt   time.Duration
	log      *logrus.Logger
}

// Open connects to the primary and every configured replica DSN via the
// lib/pq driver.
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = defaultSlowQueryThreshold
	}

	primary, err := sql.Open("postgres", cfg.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open primary: %w", err)
	}
	configurePool(primary, cfg)

	replicas := make([]*sql.DB, 0, len(cfg.ReplicaDSNs))
	for _, dsn := range cfg.ReplicaDSNs {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("metadatastore: open replica: %w", err)
		}
		configurePool(db, cfg)
		replicas = append(replicas, db)
	}

	return &Store{primary: primary, replicas: replicas, slowAt: cfg.SlowQueryThreshold, log: log}, nil
}

func configurePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
}

// reader returns the next replica in round-robin order, or the primary
// if no replica is configured.
func (s *Store) reader() *sql.DB {
	if len(s.replicas) == 0 {
		return s.primary
	}
	db := s.replicas[s.nextRead%len(s.replicas)]
	s.nextRead++
	return db
}

func (s *Store) logSlow(query string, start time.Time, args ...interface{}) {
	elapsed := time.Since(start)
	if elapsed < s.slowAt {
		return
	}
	fields := logrus.Fields{"elapsed_ms": elapsed.Milliseconds(), "query": truncate(query, 200)}
	for i, a := range args {
		if i >= 5 {
			break
		}
		fields[fmt.Sprintf("arg%d", i)] = truncate(fmt.Sprintf("%v", a), 64)
	}
	s.log.WithFields(fields).Warn("metadatastore: slow query")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// UpsertRecord inserts or updates a record's denormalized header row.
func (s *Store) UpsertRecord(ctx context.Context, rec domain.Record) error {
	start := time.Now()
	const q = `
		INSERT INTO records (record_id, patient_id, creator_id, title, description, file_type,
			content_hash, primary_cid, version_number, merkle_root, status, ledger_tx_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (record_id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash, primary_cid = EXCLUDED.primary_cid,
			version_number = EXCLUDED.version_number, merkle_root = EXCLUDED.merkle_root,
			status = EXCLUDED.status, ledger_tx_id = EXCLUDED.ledger_tx_id, updated_at = EXCLUDED.updated_at
	`
	_, err := s.primary.ExecContext(ctx, q, rec.RecordID, rec.PatientID, rec.CreatorID, rec.Title, rec.Description,
		rec.FileType, rec.ContentHash, rec.PrimaryCID, rec.VersionNumber, rec.MerkleRoot, rec.Status, rec.LedgerTxID,
		rec.CreatedAt, rec.UpdatedAt)
	s.logSlow(q, start, rec.RecordID)
	if err != nil {
		return fmt.Errorf("metadatastore: upsert record: %w", err)
	}
	return nil
}

// GetRecord fetches a record's denormalized header row.
func (s *Store) GetRecord(ctx context.Context, recordID string) (domain.Record, error) {
	start := time.Now()
	const q = `
		SELECT record_id, patient_id, creator_id, title, description, file_type, content_hash,
			primary_cid, version_number, merkle_root, status, ledger_tx_id, created_at, updated_at
		FROM records WHERE record_id = $1
	`
	var rec domain.Record
	err := s.reader().QueryRowContext(ctx, q, recordID).Scan(
		&rec.RecordID, &rec.PatientID, &rec.CreatorID, &rec.Title, &rec.Description, &rec.FileType,
		&rec.ContentHash, &rec.PrimaryCID, &rec.VersionNumber, &rec.MerkleRoot, &rec.Status, &rec.LedgerTxID,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	s.logSlow(q, start, recordID)
	if err == sql.ErrNoRows {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("metadatastore: get record: %w", err)
	}
	return rec, nil
}

// ListRecordsByPatient lists every record header for a patient, most
// recently updated first.
func (s *Store) ListRecordsByPatient(ctx context.Context, patientID string) ([]domain.Record, error) {
	start := time.Now()
	const q = `
		SELECT record_id, patient_id, creator_id, title, description, file_type, content_hash,
			primary_cid, version_number, merkle_root, status, ledger_tx_id, created_at, updated_at
		FROM records WHERE patient_id = $1 ORDER BY updated_at DESC
	`
	rows, err := s.reader().QueryContext(ctx, q, patientID)
	s.logSlow(q, start, patientID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list records: %w", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var rec domain.Record
		if err := rows.Scan(&rec.RecordID, &rec.PatientID, &rec.CreatorID, &rec.Title, &rec.Description, &rec.FileType,
			&rec.ContentHash, &rec.PrimaryCID, &rec.VersionNumber, &rec.MerkleRoot, &rec.Status, &rec.LedgerTxID,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("metadatastore: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertVersion inserts or updates one version-chain row.
func (s *Store) UpsertVersion(ctx context.Context, recordID string, v VersionRecord) error {
	start := time.Now()
	const q = `
		INSERT INTO record_versions (record_id, version, cid, hash, key_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (record_id, version) DO UPDATE SET cid = EXCLUDED.cid, hash = EXCLUDED.hash, key_id = EXCLUDED.key_id
	`
	_, err := s.primary.ExecContext(ctx, q, recordID, v.Version, v.CID, v.Hash, v.KeyID, v.CreatedAt)
	s.logSlow(q, start, recordID, v.Version)
	if err != nil {
		return fmt.Errorf("metadatastore: upsert version: %w", err)
	}
	return nil
}

// ListVersions returns a record's version chain in ascending version
// order.
func (s *Store) ListVersions(ctx context.Context, recordID string) ([]VersionRecord, error) {
	start := time.Now()
	const q = `SELECT version, cid, hash, key_id, created_at FROM record_versions WHERE record_id = $1 ORDER BY version ASC`
	rows, err := s.reader().QueryContext(ctx, q, recordID)
	s.logSlow(q, start, recordID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var v VersionRecord
		if err := rows.Scan(&v.Version, &v.CID, &v.Hash, &v.KeyID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("metadatastore: scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertPermission inserts or updates a denormalized permission row.
func (s *Store) UpsertPermission(ctx context.Context, perm domain.Permission) error {
	start := time.Now()
	const q = `
		INSERT INTO permissions (record_id, grantee_id, action, granted_by, granted_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (record_id, grantee_id) DO UPDATE SET
			action = EXCLUDED.action, granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at, is_active = EXCLUDED.is_active
	`
	_, err := s.primary.ExecContext(ctx, q, perm.RecordID, perm.GranteeID, perm.Action, perm.GrantedBy,
		perm.GrantedAt, perm.ExpiresAt, perm.IsActive)
	s.logSlow(q, start, perm.RecordID, perm.GranteeID)
	if err != nil {
		return fmt.Errorf("metadatastore: upsert permission: %w", err)
	}
	return nil
}

// ListPermissions returns every permission row for a record.
func (s *Store) ListPermissions(ctx context.Context, recordID string) ([]domain.Permission, error) {
	start := time.Now()
	const q = `SELECT record_id, grantee_id, action, granted_by, granted_at, expires_at, is_active FROM permissions WHERE record_id = $1`
	rows, err := s.reader().QueryContext(ctx, q, recordID)
	s.logSlow(q, start, recordID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list permissions: %w", err)
	}
	defer rows.Close()

	var out []domain.Permission
	for rows.Next() {
		var p domain.Permission
		if err := rows.Scan(&p.RecordID, &p.GranteeID, &p.Action, &p.GrantedBy, &p.GrantedAt, &p.ExpiresAt, &p.IsActive); err != nil {
			return nil, fmt.Errorf("metadatastore: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertAuditEntry appends an audit log row. detail is stored as JSONB.
func (s *Store) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	start := time.Now()
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal audit detail: %w", err)
	}
	const q = `
		INSERT INTO audit_log (log_id, user_id, action, resource, timestamp, ip, user_agent, detail, ledger_tx_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err = s.primary.ExecContext(ctx, q, e.LogID, e.UserID, e.Action, e.Resource, e.Timestamp, e.IP, e.UserAgent, detail, e.LedgerTxID)
	s.logSlow(q, start, e.LogID)
	if err != nil {
		return fmt.Errorf("metadatastore: insert audit entry: %w", err)
	}
	return nil
}

// Close releases the primary and every replica connection.
func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil {
		firstErr = err
	}
	for _, r := range s.replicas {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
