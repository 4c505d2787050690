package eventfanout

import (
	"context"
	"time"

	"github.com/medvault/custody/internal/domain"
	"github.com/medvault/custody/internal/ledgergateway"
)

// PolicyCache is the minimal policy-engine surface a ledger event
// invalidates: a stale cached ALLOW/DENY for a (record, user) pair must
// not outlive the grant/revoke that just changed it.
type PolicyCache interface {
	InvalidateLedgerCache(recordID, userID string)
}

// PolicyCacheInvalidationHandler drops the policy engine's ledger-overlay
// cache entry for the event's (record, grantee) pair on GRANT/REVOKE
// events, so the next access decision observes the change immediately
// instead of waiting out the cache TTL.
func PolicyCacheInvalidationHandler(cache PolicyCache) Handler {
	return func(ctx context.Context, ev ledgergateway.LedgerEvent) error {
		switch ev.Action {
		case "GRANT", "REVOKE":
			cache.InvalidateLedgerCache(ev.RecordID, ev.GranteeID)
		}
		return nil
	}
}

// PermissionMirror is the minimal metadata-store surface a GRANT/REVOKE
// event needs to keep the denormalized permission table current.
type PermissionMirror interface {
	UpsertPermission(ctx context.Context, perm domain.Permission) error
}

// PermissionMirrorHandler upserts a denormalized domain.Permission row
// whenever a GRANT or REVOKE event arrives, covering deliveries to a
// subscriber that wasn't the one which originally called GrantAccess/
// RevokeAccess (e.g. a read replica or a second service instance).
func PermissionMirrorHandler(store PermissionMirror) Handler {
	return func(ctx context.Context, ev ledgergateway.LedgerEvent) error {
		switch ev.Action {
		case "GRANT":
			return store.UpsertPermission(ctx, domain.Permission{
				RecordID: ev.RecordID, GranteeID: ev.GranteeID, Action: domain.ActionRead,
				GrantedBy: ev.CreatorID, GrantedAt: time.Now().UTC(), IsActive: true,
			})
		case "REVOKE":
			return store.UpsertPermission(ctx, domain.Permission{
				RecordID: ev.RecordID, GranteeID: ev.GranteeID, Action: domain.ActionRead, IsActive: false,
			})
		}
		return nil
	}
}

// Notifier delivers an external notification for a ledger event (e.g. a
// push to a patient-facing mobile client, a webhook to an EHR
// integration). Implementations live outside this package; eventfanout
// only defines the boundary.
type Notifier interface {
	Notify(ctx context.Context, ev ledgergateway.LedgerEvent) error
}

// NotificationHandler adapts a Notifier to a Handler.
func NotificationHandler(n Notifier) Handler {
	return func(ctx context.Context, ev ledgergateway.LedgerEvent) error {
		return n.Notify(ctx, ev)
	}
}
