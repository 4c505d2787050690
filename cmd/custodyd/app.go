package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/medvault/custody/internal/config"
	"github.com/medvault/custody/internal/custodyerr"
	"github.com/medvault/custody/internal/domain"
	"github.com/medvault/custody/internal/eventfanout"
	"github.com/medvault/custody/internal/keycustody"
	"github.com/medvault/custody/internal/ledgergateway"
	"github.com/medvault/custody/internal/metadatastore"
	"github.com/medvault/custody/internal/objectstore"
	"github.com/medvault/custody/internal/policy"
	"github.com/medvault/custody/internal/recordpipeline"
)

// app holds every wired component the CLI commands operate against.
type app struct {
	pipeline *recordpipeline.Service
	gateway  *ledgergateway.Gateway
	policy   *policy.Engine
	meta     *metadatastore.Store
	objects  *objectstore.Store
	dispatch *eventfanout.Dispatcher
	cancel   context.CancelFunc
}

// buildApp loads configuration for env and wires every component
// together: key custody, object store, ledger gateway, policy engine,
// metadata store, record pipeline, and event fan-out, mirroring the
// single-entrypoint wiring this codebase's own cobra commands use to
// initialize their engine before running a command.
func buildApp(env string) (*app, error) {
	log := logrus.StandardLogger()
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	master, err := keycustody.LoadOrGenerateMasterKey(cfg.KeyCustody.MasterKey, log)
	if err != nil {
		return nil, err
	}
	kc, err := keycustody.New(master, log)
	if err != nil {
		return nil, err
	}

	keyAdapter := recordpipeline.NewObjectStoreKeyAdapter(kc)
	store, err := objectstore.New(objectstore.Config{
		Endpoints:           cfg.ObjectStore.Nodes,
		CacheDir:            cfg.ObjectStore.CacheDir,
		UploadConcurrency:   cfg.ObjectStore.UploadConcurrency,
		DownloadConcurrency: cfg.ObjectStore.DownloadConcurrency,
		MaxRetries:          cfg.ObjectStore.MaxRetries,
		ReplicationMin:      cfg.ObjectStore.ReplicationMin,
		ReplicationMax:      cfg.ObjectStore.ReplicationMax,
		ChunkTimeout:        cfg.ObjectStore.ChunkTimeout,
	}, keyAdapter, log, zap.NewNop())
	if err != nil {
		return nil, err
	}

	gateway, err := ledgergateway.New(ledgergateway.Config{
		Profile: ledgergateway.Profile{
			ChannelName:           cfg.Ledger.ChannelName,
			ConnectionProfilePath: cfg.Ledger.ConnectionProfilePath,
			WalletPath:            cfg.Ledger.WalletPath,
			UserID:                cfg.Ledger.UserID,
			MSPID:                 cfg.Ledger.MSPID,
		},
		WALPath:    cfg.Ledger.WALPath,
		MaxRetries: cfg.Ledger.MaxRetries,
		CacheTTL:   cfg.Ledger.CacheTTL,
	}, log)
	if err != nil {
		return nil, err
	}

	policyEngine := policy.New(gateway, cfg.Ledger.CacheTTL)
	policyEngine.SetPolicies(defaultPolicies())

	// The metadata store is required, not optional: LightMode skips
	// optional diagnostics and warm-up work, it does not license running
	// the read/write paths without C8. A missing host fails fast here
	// instead of leaving a nil *metadatastore.Store wrapped in a non-nil
	// MetadataStore interface for writeVersion to panic on later.
	if cfg.MetadataStore.Host == "" {
		return nil, custodyerr.New(custodyerr.InvalidInput, "METADATA_STORE_NOT_CONFIGURED", "metadatastore.db_host is required")
	}
	meta, err := metadatastore.Open(metadatastore.Config{
		PrimaryDSN:         postgresDSN(cfg),
		ReplicaDSNs:        cfg.MetadataStore.ReadReplicas,
		SlowQueryThreshold: cfg.MetadataStore.SlowQueryMS,
		MaxOpenConns:       cfg.MetadataStore.PoolSize,
	}, log)
	if err != nil {
		return nil, err
	}

	pipeline := recordpipeline.New(kc, store, gateway, policyEngine, meta, log)

	ctx, cancel := context.WithCancel(context.Background())
	dispatch := eventfanout.New(5*time.Second, log)
	dispatch.Register("policy-cache-invalidation", eventfanout.PolicyCacheInvalidationHandler(policyEngine))
	dispatch.Register("permission-mirror", eventfanout.PermissionMirrorHandler(meta))
	go dispatch.Run(ctx, gateway.Events())

	return &app{pipeline: pipeline, gateway: gateway, policy: policyEngine, meta: meta, objects: store, dispatch: dispatch, cancel: cancel}, nil
}

func (a *app) Close() {
	a.cancel()
	a.gateway.Close()
	a.objects.Close()
	a.meta.Close()
}

// defaultPolicies seeds the engine with the closed-world default: nothing
// is allowed until a grant exists. Read access to the record resource
// class is delegated entirely to the ledger overlay, since every grant
// there is already individually authorized by GrantAccess.
func defaultPolicies() []domain.Policy {
	return []domain.Policy{
		{
			ID: "record-read-via-ledger-grant", Priority: 10, Effect: domain.EffectAllow,
			SubjectPattern: "*", ActionPattern: string(domain.ActionRead), ResourcePattern: "record", IsActive: true,
		},
	}
}

func postgresDSN(cfg *config.Config) string {
	return "host=" + cfg.MetadataStore.Host +
		" user=" + cfg.MetadataStore.User +
		" password=" + cfg.MetadataStore.Password +
		" dbname=" + cfg.MetadataStore.Name +
		" sslmode=disable"
}
