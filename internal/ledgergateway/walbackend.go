package ledgergateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/custody/internal/custodyerr"
	"github.com/medvault/custody/internal/domain"
)

// walEntry is one durable log line: a function invocation (name and
// arguments), re-applied in order to rebuild state on open.
type walEntry struct {
	TxID     string            `json:"tx_id"`
	Function string            `json:"function"`
	Args     []string          `json:"args"`
	At       time.Time         `json:"at"`
}

// walBackend is an in-process state machine backing the chaincode
// functions this service's contract table requires. State is held in
// memory and persisted as an append-only WAL file that is fully replayed
// on open, the same durability shape as a write-ahead log over a key/value
// state store, scoped down from full block/consensus machinery to exactly
// the state surface this service's chaincode table needs.
type walBackend struct {
	mu      sync.RWMutex
	state   map[string][]byte
	walFile *os.File
	events  chan LedgerEvent
}

// newWALBackend opens (creating if absent) the WAL at path and replays it
// to rebuild in-memory state. An empty path runs purely in memory with no
// durability, useful for tests.
func newWALBackend(path string) (*walBackend, error) {
	b := &walBackend{
		state:  make(map[string][]byte),
		events: make(chan LedgerEvent, 256),
	}
	if path == "" {
		return b, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.LedgerError, "WAL_OPEN_FAILED", "open WAL", err)
	}
	if err := b.replay(f); err != nil {
		f.Close()
		return nil, err
	}
	b.walFile = f
	return b, nil
}

func (b *walBackend) replay(f *os.File) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e walEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // tolerate a torn trailing write from a prior crash
		}
		if _, err := b.apply(e.Function, e.Args, e.TxID, false); err != nil {
			continue // a replayed mutation that now fails is not fatal to recovery
		}
	}
	return scanner.Err()
}

func (b *walBackend) appendWAL(e walEntry) error {
	if b.walFile == nil {
		return nil
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return err
	}
	blob = append(blob, '\n')
	if _, err := b.walFile.Write(blob); err != nil {
		return err
	}
	return b.walFile.Sync()
}

// Submit invokes a state-mutating chaincode function and returns its
// transaction ID.
func (b *walBackend) Submit(function string, args ...string) (string, error) {
	txID := uuid.NewString()
	result, err := b.apply(function, args, txID, true)
	if err != nil {
		return "", err
	}
	_ = result
	return txID, nil
}

// Evaluate invokes a read-only chaincode function and returns its raw
// JSON result.
func (b *walBackend) Evaluate(function string, args ...string) ([]byte, error) {
	switch function {
	case "ReadRecord", "GetRecord":
		return b.readRecord(args)
	case "ListRecords":
		return b.listRecords(args)
	case "CheckAccess":
		return b.checkAccess(args)
	case "ValidateRecordIntegrity":
		return b.validateIntegrity(args)
	case "GetContractInfo":
		return json.Marshal(map[string]string{"name": "medical-record-custody", "version": "1.0"})
	default:
		return nil, fmt.Errorf("%w: unknown evaluate function %q", ErrChaincodeError, function)
	}
}

func (b *walBackend) apply(function string, args []string, txID string, emit bool) ([]byte, error) {
	switch function {
	case "CreateMedicalRecord", "CreateRecord":
		return b.createRecord(args, txID, emit)
	case "GrantAccess":
		return b.grantAccess(args, txID, emit)
	case "RevokeAccess":
		return b.revokeAccess(args, txID, emit)
	default:
		return nil, fmt.Errorf("%w: unknown submit function %q", ErrChaincodeError, function)
	}
}

func recordKey(id string) string { return "record:" + id }
func accessKey(recordID, userID string) string { return "access:" + recordID + ":" + userID }

func (b *walBackend) createRecord(args []string, txID string, emit bool) ([]byte, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: CreateMedicalRecord requires a JSON payload argument", ErrChaincodeError)
	}
	var payload domain.CreateRecordPayload
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return nil, fmt.Errorf("%w: CreateMedicalRecord payload is not valid JSON: %v", ErrChaincodeError, err)
	}
	rec := domain.Record{
		RecordID:      payload.RecordID,
		PatientID:     payload.PatientID,
		CreatorID:     payload.CreatorID,
		PrimaryCID:    payload.IPFSCID,
		ContentHash:   payload.ContentHash,
		VersionNumber: 1,
		Status:        domain.RecordActive,
		LedgerTxID:    txID,
		CreatedAt:     payload.Timestamp,
		UpdatedAt:     payload.Timestamp,
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.state[recordKey(rec.RecordID)] = blob
	b.mu.Unlock()
	if err := b.appendWAL(walEntry{TxID: txID, Function: "CreateMedicalRecord", Args: args, At: time.Now().UTC()}); err != nil {
		return nil, custodyerr.Wrap(custodyerr.LedgerError, "WAL_WRITE_FAILED", "append WAL", err)
	}
	if emit {
		b.publish(LedgerEvent{RecordID: rec.RecordID, PatientID: rec.PatientID, CreatorID: rec.CreatorID, IPFSCID: rec.PrimaryCID, Action: "CREATE"})
	}
	return blob, nil
}

func (b *walBackend) readRecord(args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: ReadRecord requires record_id", ErrChaincodeError)
	}
	b.mu.RLock()
	blob, ok := b.state[recordKey(args[0])]
	b.mu.RUnlock()
	if !ok {
		return nil, custodyerr.New(custodyerr.NotFound, "RECORD_NOT_FOUND", "record not found: "+args[0])
	}
	return blob, nil
}

func (b *walBackend) listRecords(args []string) ([]byte, error) {
	patientFilter := ""
	if len(args) > 0 {
		patientFilter = args[0]
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.state {
		if strings.HasPrefix(k, "record:") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out []domain.Record
	for _, k := range keys {
		var rec domain.Record
		if err := json.Unmarshal(b.state[k], &rec); err != nil {
			continue
		}
		if patientFilter != "" && rec.PatientID != patientFilter {
			continue
		}
		out = append(out, rec)
	}
	return json.Marshal(out)
}

func (b *walBackend) grantAccess(args []string, txID string, emit bool) ([]byte, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("%w: GrantAccess requires record_id,grantee_id,granted_by", ErrChaincodeError)
	}
	perm := domain.Permission{
		RecordID:  args[0],
		GranteeID: args[1],
		Action:    domain.ActionRead,
		GrantedBy: args[2],
		GrantedAt: time.Now().UTC(),
		IsActive:  true,
	}
	blob, err := json.Marshal(perm)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.state[accessKey(perm.RecordID, perm.GranteeID)] = blob
	b.mu.Unlock()
	if err := b.appendWAL(walEntry{TxID: txID, Function: "GrantAccess", Args: args, At: time.Now().UTC()}); err != nil {
		return nil, custodyerr.Wrap(custodyerr.LedgerError, "WAL_WRITE_FAILED", "append WAL", err)
	}
	if emit {
		b.publish(LedgerEvent{RecordID: perm.RecordID, GranteeID: perm.GranteeID, CreatorID: perm.GrantedBy, Action: "GRANT"})
	}
	return blob, nil
}

func (b *walBackend) revokeAccess(args []string, txID string, emit bool) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: RevokeAccess requires record_id,grantee_id", ErrChaincodeError)
	}
	b.mu.Lock()
	blob, ok := b.state[accessKey(args[0], args[1])]
	if ok {
		var perm domain.Permission
		if json.Unmarshal(blob, &perm) == nil {
			perm.IsActive = false
			if updated, err := json.Marshal(perm); err == nil {
				b.state[accessKey(args[0], args[1])] = updated
			}
		}
	}
	b.mu.Unlock()
	if err := b.appendWAL(walEntry{TxID: txID, Function: "RevokeAccess", Args: args, At: time.Now().UTC()}); err != nil {
		return nil, custodyerr.Wrap(custodyerr.LedgerError, "WAL_WRITE_FAILED", "append WAL", err)
	}
	if emit {
		b.publish(LedgerEvent{RecordID: args[0], GranteeID: args[1], Action: "REVOKE"})
	}
	return nil, nil
}

func (b *walBackend) checkAccess(args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: CheckAccess requires record_id,user_id", ErrChaincodeError)
	}
	b.mu.RLock()
	blob, ok := b.state[accessKey(args[0], args[1])]
	b.mu.RUnlock()
	if !ok {
		return json.Marshal(map[string]bool{"allowed": false})
	}
	var perm domain.Permission
	if err := json.Unmarshal(blob, &perm); err != nil {
		return json.Marshal(map[string]bool{"allowed": false})
	}
	return json.Marshal(map[string]bool{"allowed": perm.Effective(time.Now().UTC())})
}

func (b *walBackend) validateIntegrity(args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: ValidateRecordIntegrity requires record_id,merkle_root", ErrChaincodeError)
	}
	b.mu.RLock()
	blob, ok := b.state[recordKey(args[0])]
	b.mu.RUnlock()
	if !ok {
		return nil, custodyerr.New(custodyerr.NotFound, "RECORD_NOT_FOUND", "record not found: "+args[0])
	}
	var rec domain.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"valid": rec.MerkleRoot == args[1]})
}

func (b *walBackend) publish(ev LedgerEvent) {
	select {
	case b.events <- ev:
	default:
		// a full buffer drops this new event rather than blocking the
		// submitting call; events already buffered are kept.
	}
}

func (b *walBackend) Subscribe() <-chan LedgerEvent { return b.events }

func (b *walBackend) Close() error {
	if b.walFile == nil {
		return nil
	}
	return b.walFile.Close()
}
