package policy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/custody/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestDecideDefaultDenyWithNoPolicies(t *testing.T) {
	e := New(nil, time.Second)
	d := e.Decide(context.Background(), "", "user-1", "READ", "record", Attrs{})
	assert.Equal(t, domain.EffectDeny, d.Effect)
}

func TestDecideAllowsOnMatchingPolicy(t *testing.T) {
	e := New(nil, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "p1", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "READ", ResourcePattern: "document", IsActive: true},
	})
	d := e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{})
	assert.Equal(t, domain.EffectAllow, d.Effect)
	assert.Equal(t, "p1", d.MatchedPolicyID)
}

func TestDecideIgnoresInactivePolicy(t *testing.T) {
	e := New(nil, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "p1", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "READ", ResourcePattern: "document", IsActive: false},
	})
	d := e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{})
	assert.Equal(t, domain.EffectDeny, d.Effect)
}

func TestDecideDenyShortCircuitsLowerPriorityAllow(t *testing.T) {
	e := New(nil, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "allow-all", Priority: 1, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "*", IsActive: true},
		{ID: "deny-user", Priority: 100, Effect: domain.EffectDeny, SubjectPattern: "user-2", ActionPattern: "*", ResourcePattern: "*", IsActive: true},
	})
	d := e.Decide(context.Background(), "", "user-2", "READ", "document", Attrs{})
	assert.Equal(t, domain.EffectDeny, d.Effect)
	assert.Equal(t, "deny-user", d.MatchedPolicyID)
}

func TestDecideHigherPriorityEvaluatedFirst(t *testing.T) {
	e := New(nil, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "low", Priority: 1, Effect: domain.EffectDeny, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "*", IsActive: true},
		{ID: "high", Priority: 50, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "*", IsActive: true},
	})
	d := e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{})
	assert.Equal(t, domain.EffectAllow, d.Effect)
	assert.Equal(t, "high", d.MatchedPolicyID)
}

func TestDecideTimeWindowCondition(t *testing.T) {
	e := New(nil, time.Second)
	e.SetPolicies([]domain.Policy{
		{
			ID: "business-hours", Priority: 10, Effect: domain.EffectAllow,
			SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "document", IsActive: true,
			Condition: &domain.Condition{TimeWindowStart: strPtr("09:00"), TimeWindowEnd: strPtr("17:00")},
		},
	})
	inWindow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	outOfWindow := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)

	d := e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{Now: inWindow})
	assert.Equal(t, domain.EffectAllow, d.Effect)

	d = e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{Now: outOfWindow})
	assert.Equal(t, domain.EffectDeny, d.Effect)
}

func TestDecideCIDRCondition(t *testing.T) {
	e := New(nil, time.Second)
	e.SetPolicies([]domain.Policy{
		{
			ID: "office-only", Priority: 10, Effect: domain.EffectAllow,
			SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "document", IsActive: true,
			Condition: &domain.Condition{AllowedCIDRs: []string{"10.0.0.0/8"}},
		},
	})
	d := e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{SourceIP: net.ParseIP("10.1.2.3")})
	assert.Equal(t, domain.EffectAllow, d.Effect)

	d = e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{SourceIP: net.ParseIP("8.8.8.8")})
	assert.Equal(t, domain.EffectDeny, d.Effect)
}

type fakeLedgerChecker struct {
	allowed map[string]bool
	calls   int
	err     error
}

func (f *fakeLedgerChecker) CheckAccess(ctx context.Context, recordID, userID string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[recordID+"|"+userID], nil
}

func TestDecideLedgerOverlayOverridesLocalAllow(t *testing.T) {
	ledger := &fakeLedgerChecker{allowed: map[string]bool{}}
	e := New(ledger, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "allow-all", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "record", IsActive: true},
	})
	d := e.Decide(context.Background(), "rec-1", "user-1", "READ", "record", Attrs{})
	assert.Equal(t, domain.EffectDeny, d.Effect)
	assert.Equal(t, 1, ledger.calls)
}

func TestDecideLedgerOverlayAllowsWhenGranted(t *testing.T) {
	ledger := &fakeLedgerChecker{allowed: map[string]bool{"rec-1|user-1": true}}
	e := New(ledger, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "allow-all", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "record", IsActive: true},
	})
	d := e.Decide(context.Background(), "rec-1", "user-1", "READ", "record", Attrs{})
	assert.Equal(t, domain.EffectAllow, d.Effect)
}

func TestDecideLedgerOverlayCachedWithinTTL(t *testing.T) {
	ledger := &fakeLedgerChecker{allowed: map[string]bool{"rec-1|user-1": true}}
	e := New(ledger, 50*time.Millisecond)
	e.SetPolicies([]domain.Policy{
		{ID: "allow-all", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "record", IsActive: true},
	})
	ctx := context.Background()
	e.Decide(ctx, "rec-1", "user-1", "READ", "record", Attrs{})
	e.Decide(ctx, "rec-1", "user-1", "READ", "record", Attrs{})
	assert.Equal(t, 1, ledger.calls)

	time.Sleep(60 * time.Millisecond)
	e.Decide(ctx, "rec-1", "user-1", "READ", "record", Attrs{})
	assert.Equal(t, 2, ledger.calls)
}

func TestDecideLedgerErrorTreatedAsDenied(t *testing.T) {
	ledger := &fakeLedgerChecker{err: errors.New("peer unreachable")}
	e := New(ledger, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "allow-all", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "record", IsActive: true},
	})
	d := e.Decide(context.Background(), "rec-1", "user-1", "READ", "record", Attrs{})
	assert.Equal(t, domain.EffectDeny, d.Effect)
}

func TestDecideNonRecordResourceSkipsLedgerOverlay(t *testing.T) {
	ledger := &fakeLedgerChecker{allowed: map[string]bool{}}
	e := New(ledger, time.Second)
	e.SetPolicies([]domain.Policy{
		{ID: "allow-all", Priority: 10, Effect: domain.EffectAllow, SubjectPattern: "*", ActionPattern: "*", ResourcePattern: "document", IsActive: true},
	})
	d := e.Decide(context.Background(), "", "user-1", "READ", "document", Attrs{})
	assert.Equal(t, domain.EffectAllow, d.Effect)
	assert.Equal(t, 0, ledger.calls)
}

func TestStorePutGetListDelete(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(domain.Policy{ID: "p1", Priority: 1, IsActive: true}))
	require.NoError(t, s.Put(domain.Policy{ID: "p2", Priority: 2, IsActive: true}))

	p, ok, err := s.Get("p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", p.ID)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	s.Delete("p1")
	all, err = s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
