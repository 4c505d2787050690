package ledgergateway

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/medvault/custody/internal/custodyerr"
)

// Profile is the connection-profile and identity material the gateway
// validates during initialization.
type Profile struct {
	ChannelName           string
	ConnectionProfilePath string
	WalletPath            string
	UserID                string
	MSPID                 string
	PeerEndpoints         []string
	FallbackProfilePath   string
}

// EventHandler processes one normalized ledger event. It runs under a
// bounded timeout; an error is logged but never stops delivery to other
// handlers.
type EventHandler func(ctx context.Context, ev LedgerEvent) error

// Gateway is the client the rest of the service uses to submit/evaluate
// chaincode calls and subscribe to ledger events, layered over a Backend
// with session diagnostics, reconnect-with-backoff, and a short-TTL
// single-flight read cache.
type Gateway struct {
	profile    Profile
	backend    Backend
	backendFn  func() (Backend, error)
	maxRetries int
	cacheTTL   time.Duration
	dialTimeout time.Duration

	mu        sync.RWMutex
	connected bool
	retries   int

	sf    singleflight.Group
	cache sync.Map // key -> cacheEntry

	log *logrus.Logger
}

type cacheEntry struct {
	value   []byte
	storedAt time.Time
}

// Config configures a Gateway.
type Config struct {
	Profile    Profile
	WALPath    string
	MaxRetries int
	CacheTTL   time.Duration
	DialTimeout time.Duration
}

// New constructs a Gateway bound to an in-process WAL-backed backend and
// runs initialization diagnostics.
func New(cfg Config, log *logrus.Logger) (*Gateway, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	g := &Gateway{
		profile:    cfg.Profile,
		maxRetries: cfg.MaxRetries,
		cacheTTL:   cfg.CacheTTL,
		dialTimeout: cfg.DialTimeout,
		backendFn: func() (Backend, error) {
			return newWALBackend(cfg.WALPath)
		},
		log: log,
	}
	if err := g.initialize(); err != nil {
		return nil, err
	}
	return g, nil
}

// initialize runs pre-connection diagnostics, attempts self-repair if the
// connection profile is missing, then opens the backend session.
func (g *Gateway) initialize() error {
	if err := g.diagnose(); err != nil {
		if repaired := g.selfRepair(); !repaired {
			return err
		}
	}
	return g.connect()
}

// diagnose validates the connection profile, identity material, and peer
// reachability. Identity/profile problems are fatal; reachability probe
// failure alone is logged but does not block initialize (a configured
// in-process backend has no network peer to reach).
func (g *Gateway) diagnose() error {
	if g.profile.ConnectionProfilePath != "" {
		if _, err := os.Stat(g.profile.ConnectionProfilePath); err != nil {
			return custodyerr.Wrap(custodyerr.LedgerError, "PROFILE_INVALID", "connection profile", err)
		}
	}
	if g.profile.WalletPath != "" {
		if _, err := os.Stat(g.profile.WalletPath); err != nil {
			return custodyerr.Wrap(custodyerr.LedgerError, "IDENTITY_MISSING", "wallet path", err)
		}
	}
	for _, ep := range g.profile.PeerEndpoints {
		conn, err := net.DialTimeout("tcp", ep, g.dialTimeout)
		if err != nil {
			g.log.WithField("endpoint", ep).Warn("ledgergateway: peer unreachable during diagnostics")
			continue
		}
		conn.Close()
	}
	return nil
}

// selfRepair copies a known-good profile from FallbackProfilePath over
// ConnectionProfilePath if configured and present.
func (g *Gateway) selfRepair() bool {
	if g.profile.FallbackProfilePath == "" || g.profile.ConnectionProfilePath == "" {
		return false
	}
	data, err := os.ReadFile(g.profile.FallbackProfilePath)
	if err != nil {
		return false
	}
	if err := os.WriteFile(g.profile.ConnectionProfilePath, data, 0o644); err != nil {
		return false
	}
	g.log.Warn("ledgergateway: recovered connection profile from fallback path")
	return true
}

func (g *Gateway) connect() error {
	backend, err := g.backendFn()
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.backend = backend
	g.connected = true
	g.retries = 0
	g.mu.Unlock()
	return nil
}

// reconnect attempts to re-establish the backend session with exponential
// backoff, up to maxRetries.
func (g *Gateway) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if err := g.connect(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		g.mu.Lock()
		g.retries = attempt + 1
		g.mu.Unlock()
		d := backoffDuration(attempt)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return custodyerr.Wrap(custodyerr.LedgerError, "NOT_CONNECTED", "exhausted reconnect attempts", lastErr)
}

func backoffDuration(attempt int) time.Duration {
	d := defaultBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > defaultBackoffCap {
			return defaultBackoffCap
		}
	}
	return d
}

// Submit invokes a state-mutating chaincode function.
func (g *Gateway) Submit(ctx context.Context, function string, args ...string) (string, error) {
	g.mu.RLock()
	backend := g.backend
	connected := g.connected
	g.mu.RUnlock()
	if !connected || backend == nil {
		if err := g.reconnect(ctx); err != nil {
			return "", err
		}
		g.mu.RLock()
		backend = g.backend
		g.mu.RUnlock()
	}
	return backend.Submit(function, args...)
}

// Evaluate invokes a read-only chaincode function, serving a cached
// result within the TTL window and coalescing concurrent identical calls.
func (g *Gateway) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	key := function + "|" + strings.Join(args, "|")

	if v, ok := g.cache.Load(key); ok {
		entry := v.(cacheEntry)
		if time.Since(entry.storedAt) < g.cacheTTL {
			return entry.value, nil
		}
	}

	v, err, _ := g.sf.Do(key, func() (interface{}, error) {
		g.mu.RLock()
		backend := g.backend
		connected := g.connected
		g.mu.RUnlock()
		if !connected || backend == nil {
			if err := g.reconnect(ctx); err != nil {
				return nil, err
			}
			g.mu.RLock()
			backend = g.backend
			g.mu.RUnlock()
		}
		result, err := backend.Evaluate(function, args...)
		if err != nil {
			return nil, err
		}
		g.cache.Store(key, cacheEntry{value: result, storedAt: time.Now()})
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Subscribe registers handler to process every normalized ledger event.
// Each invocation runs under a bounded timeout; handler errors are logged
// and do not stop delivery.
func (g *Gateway) Subscribe(ctx context.Context, handler EventHandler) {
	g.mu.RLock()
	backend := g.backend
	g.mu.RUnlock()
	if backend == nil {
		return
	}
	go func() {
		events := backend.Subscribe()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				hctx, cancel := context.WithTimeout(ctx, defaultHandlerTimeout)
				if err := handler(hctx, ev); err != nil {
					g.log.WithError(err).WithField("record_id", ev.RecordID).Warn("ledgergateway: event handler failed")
				}
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Events exposes the backend's raw normalized event channel, for a
// dispatcher (e.g. internal/eventfanout) that fans a single stream out to
// many independently registered handlers. Callers that only need one
// handler should prefer Subscribe.
func (g *Gateway) Events() <-chan LedgerEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.backend == nil {
		return nil
	}
	return g.backend.Subscribe()
}

// CheckAccess evaluates the CheckAccess chaincode function and reports
// whether the ledger currently grants userID access to recordID. This is
// the surface the policy engine's ledger overlay calls.
func (g *Gateway) CheckAccess(ctx context.Context, recordID, userID string) (bool, error) {
	raw, err := g.Evaluate(ctx, "CheckAccess", recordID, userID)
	if err != nil {
		return false, err
	}
	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, err
	}
	return result["allowed"], nil
}

// Status reports the gateway's current connection health.
func (g *Gateway) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{Connected: g.connected, Retries: g.retries, MaxRetries: g.maxRetries, Channel: g.profile.ChannelName}
}

// Close releases the backend session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	if g.backend == nil {
		return nil
	}
	return g.backend.Close()
}

// normalizeEventPayload maps arbitrary case-variant field names into the
// canonical LedgerEvent shape, used when a chaincode event's payload
// arrives as opaque JSON rather than one emitted by walBackend directly.
func normalizeEventPayload(raw []byte) (LedgerEvent, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return LedgerEvent{}, err
	}
	ev := LedgerEvent{Raw: m}
	ev.RecordID = firstString(m, "record_id", "RecordID", "recordId")
	ev.PatientID = firstString(m, "patient_id", "PatientID", "patientId")
	ev.CreatorID = firstString(m, "creator_id", "CreatorID", "creatorId")
	ev.GranteeID = firstString(m, "grantee_id", "GranteeID", "granteeId")
	ev.IPFSCID = firstString(m, "ipfs_cid", "IPFSCID", "ipfsCid")
	ev.Action = firstString(m, "action", "ACTION", "Action")
	return ev, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
