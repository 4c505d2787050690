package ledgergateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/custody/internal/domain"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(Config{CacheTTL: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	return g
}

// createRecordPayload encodes the canonical CreateMedicalRecord submit
// argument: a single JSON object, not positional args.
func createRecordPayload(t *testing.T, recordID, patientID, creatorID, cid, contentHash string) string {
	t.Helper()
	blob, err := json.Marshal(domain.CreateRecordPayload{
		RecordID: recordID, PatientID: patientID, CreatorID: creatorID,
		IPFSCID: cid, ContentHash: contentHash, Timestamp: time.Unix(0, 0).UTC(),
	})
	require.NoError(t, err)
	return string(blob)
}

func TestCreateRecordThenReadRecord(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	ctx := context.Background()

	txID, err := g.Submit(ctx, "CreateMedicalRecord", createRecordPayload(t, "rec-1", "pat-1", "creator-1", "cid-1", "hash-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	raw, err := g.Evaluate(ctx, "ReadRecord", "rec-1")
	require.NoError(t, err)
	var rec domain.Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "pat-1", rec.PatientID)
	assert.Equal(t, "cid-1", rec.PrimaryCID)
	assert.Equal(t, "hash-1", rec.ContentHash)
}

func TestCreateRecordViaAlternateName(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	ctx := context.Background()

	_, err := g.Submit(ctx, "CreateRecord", createRecordPayload(t, "rec-1b", "pat-1b", "creator-1b", "cid-1b", "hash-1b"))
	require.NoError(t, err)

	raw, err := g.Evaluate(ctx, "GetRecord", "rec-1b")
	require.NoError(t, err)
	var rec domain.Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "pat-1b", rec.PatientID)
}

func TestGrantThenCheckAccess(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	ctx := context.Background()

	_, err := g.Submit(ctx, "GrantAccess", "rec-1", "user-2", "creator-1")
	require.NoError(t, err)

	raw, err := g.Evaluate(ctx, "CheckAccess", "rec-1", "user-2")
	require.NoError(t, err)
	var result map[string]bool
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result["allowed"])

	_, err = g.Submit(ctx, "RevokeAccess", "rec-1", "user-2")
	require.NoError(t, err)

	raw, err = g.Evaluate(ctx, "CheckAccess", "rec-1", "user-2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result["allowed"])
}

func TestEvaluateCacheServesWithinTTL(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	ctx := context.Background()

	_, err := g.Submit(ctx, "CreateMedicalRecord", createRecordPayload(t, "rec-2", "pat-2", "creator-2", "cid-2", "hash-2"))
	require.NoError(t, err)

	raw1, err := g.Evaluate(ctx, "ReadRecord", "rec-2")
	require.NoError(t, err)
	raw2, err := g.Evaluate(ctx, "ReadRecord", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)

	time.Sleep(60 * time.Millisecond)
	raw3, err := g.Evaluate(ctx, "ReadRecord", "rec-2")
	require.NoError(t, err)
	assert.Equal(t, raw1, raw3)
}

func TestReadUnknownRecordFails(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	_, err := g.Evaluate(context.Background(), "ReadRecord", "does-not-exist")
	require.Error(t, err)
}

func TestValidateRecordIntegrity(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	ctx := context.Background()

	// CreateMedicalRecord's canonical payload carries no merkle_root (the
	// authoritative root lives in the metadata store, populated by the
	// record pipeline); the ledger's own copy of the record is therefore
	// only ever integrity-valid against the empty root it was created with.
	_, err := g.Submit(ctx, "CreateMedicalRecord", createRecordPayload(t, "rec-3", "pat-3", "creator-3", "cid-3", "hash-3"))
	require.NoError(t, err)

	raw, err := g.Evaluate(ctx, "ValidateRecordIntegrity", "rec-3", "")
	require.NoError(t, err)
	var result map[string]bool
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result["valid"])

	raw, err = g.Evaluate(ctx, "ValidateRecordIntegrity", "rec-3", "wrong-root")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result["valid"])
}

func TestSubscribeDeliversNormalizedEvent(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan LedgerEvent, 1)
	g.Subscribe(ctx, func(_ context.Context, ev LedgerEvent) error {
		received <- ev
		return nil
	})

	_, err := g.Submit(ctx, "CreateMedicalRecord", createRecordPayload(t, "rec-4", "pat-4", "creator-4", "cid-4", "hash-4"))
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "rec-4", ev.RecordID)
		assert.Equal(t, "CREATE", ev.Action)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStatusReportsConnected(t *testing.T) {
	g := testGateway(t)
	defer g.Close()
	st := g.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.Retries)
}
