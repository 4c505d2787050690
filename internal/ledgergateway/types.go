// Package ledgergateway is the client the rest of the custody service uses
// to submit and evaluate chaincode transactions against the permissioned
// ledger, and to subscribe to its events. The ledger's own consensus,
// block production, and chaincode execution internals are outside this
// module; ledgergateway is a client over a Backend interface, with an
// in-process implementation standing in for the network call to an actual
// peer/orderer.
package ledgergateway

import (
	"errors"
	"time"
)

// Backend is the minimal surface a ledger connection must expose. The
// shipped implementation (walBackend) is an in-process, WAL-backed state
// machine; a production deployment would instead implement this over a
// real peer/orderer client.
type Backend interface {
	Submit(function string, args ...string) (txID string, err error)
	Evaluate(function string, args ...string) ([]byte, error)
	Subscribe() <-chan LedgerEvent
	Close() error
}

// LedgerEvent is the canonical, normalized shape every chaincode event is
// mapped into regardless of the field-name casing the emitting function
// used ("action", "ACTION", "Action", ...).
type LedgerEvent struct {
	RecordID  string
	PatientID string
	CreatorID string
	GranteeID string
	IPFSCID   string
	Action    string
	Raw       map[string]interface{}
}

// Status reports the gateway's current connection health.
type Status struct {
	Connected  bool
	Retries    int
	MaxRetries int
	Channel    string
}

const (
	defaultMaxRetries     = 6
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffCap     = 60 * time.Second
	defaultCacheTTL       = time.Second
	defaultHandlerTimeout = 5 * time.Second
	defaultDialTimeout    = 3 * time.Second
)

var (
	ErrNotConnected      = errors.New("ledgergateway: NOT_CONNECTED")
	ErrIdentityMissing   = errors.New("ledgergateway: IDENTITY_MISSING")
	ErrProfileInvalid    = errors.New("ledgergateway: PROFILE_INVALID")
	ErrChannelUnavailable = errors.New("ledgergateway: CHANNEL_UNAVAILABLE")
	ErrChaincodeError    = errors.New("ledgergateway: CHAINCODE_ERROR")
	ErrEvaluateTimeout   = errors.New("ledgergateway: EVALUATE_TIMEOUT")
)
