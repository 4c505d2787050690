// Package policy evaluates prioritized, effect-based access policies over
// (subject, action, resource, attrs) tuples, with a ledger overlay for the
// "record" resource class.
//
// Built on the same mutex-guarded-cache-over-a-prefix-keyed-store shape
// this codebase has used for role-keyed access control before, generalized
// from a single role-membership check into full policy matching with
// priority ordering, effect precedence, and conditions.
package policy

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/medvault/custody/internal/domain"
)

// Decision is the outcome of evaluating a (subject, action, resource,
// attrs) tuple against the active policy set.
type Decision struct {
	Effect          domain.Effect
	Reason          string
	MatchedPolicyID string
	ExpiresAt       *time.Time
}

// Attrs carries request-scoped attributes condition predicates evaluate
// against.
type Attrs struct {
	Now      time.Time
	SourceIP net.IP
}

// LedgerChecker is the minimal surface the policy engine needs from the
// ledger gateway to overlay an on-ledger access decision for records.
type LedgerChecker interface {
	CheckAccess(ctx context.Context, recordID, userID string) (allowed bool, err error)
}

// Engine holds the active policy set and evaluates decisions against it.
type Engine struct {
	mu       sync.RWMutex
	policies []domain.Policy
	ledger   LedgerChecker

	cacheMu  sync.Mutex
	cache    map[string]cachedDecision
	cacheTTL time.Duration
}

type cachedDecision struct {
	decision Decision
	at       time.Time
}

// New constructs an Engine. ledger may be nil if no ledger overlay is
// configured (e.g. for resource classes other than "record").
func New(ledger LedgerChecker, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = time.Second
	}
	return &Engine{ledger: ledger, cache: make(map[string]cachedDecision), cacheTTL: cacheTTL}
}

// SetPolicies replaces the active policy set.
func (e *Engine) SetPolicies(policies []domain.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append([]domain.Policy(nil), policies...)
}

// Decide evaluates subject/action/resource/attrs against the active
// policy set: filtered by is_active, sorted by priority descending, first
// match wins, so a matching DENY short-circuits any lower-priority ALLOW
// and a matching ALLOW is not overridden by a lower-priority DENY.
// No match is a closed-world DENY.
func (e *Engine) Decide(ctx context.Context, recordID, subject, action, resource string, attrs Attrs) Decision {
	e.mu.RLock()
	active := make([]domain.Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.IsActive {
			active = append(active, p)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority > active[j].Priority })

	decision := Decision{Effect: domain.EffectDeny, Reason: "no matching policy"}
	for _, p := range active {
		if !matches(p, subject, action, resource, attrs) {
			continue
		}
		if p.Effect == domain.EffectDeny {
			return Decision{Effect: domain.EffectDeny, Reason: "policy " + p.ID + " denies", MatchedPolicyID: p.ID}
		}
		decision = Decision{Effect: domain.EffectAllow, Reason: "policy " + p.ID + " allows", MatchedPolicyID: p.ID}
		break
	}

	if resource == "record" && e.ledger != nil && decision.Effect == domain.EffectAllow {
		if allowed := e.ledgerOverlay(ctx, recordID, subject); !allowed {
			return Decision{Effect: domain.EffectDeny, Reason: "ledger-denied overlay overrides local ALLOW", MatchedPolicyID: decision.MatchedPolicyID}
		}
	}
	return decision
}

func matches(p domain.Policy, subject, action, resource string, attrs Attrs) bool {
	if p.SubjectPattern != "*" && p.SubjectPattern != subject {
		return false
	}
	if p.ActionPattern != "*" && p.ActionPattern != action {
		return false
	}
	if p.ResourcePattern != "*" && p.ResourcePattern != resource {
		return false
	}
	if p.Condition == nil {
		return true
	}
	return evalCondition(*p.Condition, attrs)
}

func evalCondition(c domain.Condition, attrs Attrs) bool {
	if c.TimeWindowStart != nil && c.TimeWindowEnd != nil {
		now := attrs.Now
		if now.IsZero() {
			now = time.Now()
		}
		if !withinTimeWindow(now, *c.TimeWindowStart, *c.TimeWindowEnd) {
			return false
		}
	}
	if len(c.AllowedCIDRs) > 0 {
		if attrs.SourceIP == nil {
			return false
		}
		if !ipInAnyCIDR(attrs.SourceIP, c.AllowedCIDRs) {
			return false
		}
	}
	return true
}

func withinTimeWindow(now time.Time, start, end string) bool {
	loc := now.Format("15:04")
	if start <= end {
		return loc >= start && loc < end
	}
	// a window that wraps midnight (e.g. 22:00-06:00)
	return loc >= start || loc < end
}

func ipInAnyCIDR(ip net.IP, cidrs []string) bool {
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// InvalidateLedgerCache drops any cached ledger-overlay decision for a
// specific record/user pair, forcing the next Decide for that pair to
// consult the ledger gateway directly. Callers invoke this when an
// access-grant event arrives so a stale cached DENY doesn't outlive a
// fresh GRANT for the cache's TTL window.
func (e *Engine) InvalidateLedgerCache(recordID, userID string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.cache, recordID+"|"+userID)
}

// ledgerOverlay consults a short-TTL cache before invoking the ledger
// gateway's CheckAccess, so repeated decisions for the same record/user
// pair inside the cache window don't each incur a ledger round trip.
func (e *Engine) ledgerOverlay(ctx context.Context, recordID, userID string) bool {
	key := recordID + "|" + userID
	e.cacheMu.Lock()
	if cd, ok := e.cache[key]; ok && time.Since(cd.at) < e.cacheTTL {
		e.cacheMu.Unlock()
		return cd.decision.Effect == domain.EffectAllow
	}
	e.cacheMu.Unlock()

	allowed, err := e.ledger.CheckAccess(ctx, recordID, userID)
	if err != nil {
		allowed = false
	}
	effect := domain.EffectDeny
	if allowed {
		effect = domain.EffectAllow
	}
	e.cacheMu.Lock()
	e.cache[key] = cachedDecision{decision: Decision{Effect: effect}, at: time.Now()}
	e.cacheMu.Unlock()
	return allowed
}
