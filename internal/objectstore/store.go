package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medvault/custody/internal/custodyerr"
)

// Config configures a Store.
type Config struct {
	Endpoints           []string
	CacheDir            string
	CacheEntries        int
	UploadConcurrency   int
	DownloadConcurrency int
	MaxRetries          int
	ReplicationMin      int
	ReplicationMax      int
	ChunkTimeout        time.Duration
	HealthProbeInterval time.Duration
}

// Store is the object store client: chunked AES-256-GCM payload
// encryption, CID-addressed chunk/metadata upload, and pool-failover
// retrieval.
type Store struct {
	cfg    Config
	pool   *endpointPool
	cache  *diskLRU
	client *http.Client
	keys   KeyProvider
	log    *logrus.Logger
	zlog   *zap.Logger
}

// New constructs a Store. zlog may be nil (a no-op logger is used), mirroring
// the library's own use of zap for the storage subsystem specifically while
// the rest of the service logs through logrus.
func New(cfg Config, keys KeyProvider, log *logrus.Logger, zlog *zap.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = defaultUploadConcurrency
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = defaultDownloadConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ReplicationMin <= 0 {
		cfg.ReplicationMin = defaultReplicationMin
	}
	if cfg.ReplicationMax <= 0 {
		cfg.ReplicationMax = defaultReplicationMax
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaultChunkTimeout
	}
	if len(cfg.Endpoints) == 0 {
		return nil, custodyerr.New(custodyerr.InvalidInput, "NO_ENDPOINTS", "objectstore: at least one endpoint is required")
	}

	cache, err := newDiskLRU(cfg.CacheDir, cfg.CacheEntries)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.StorageError, "CACHE_INIT_FAILED", "init disk cache", err)
	}

	s := &Store{
		cfg:    cfg,
		cache:  cache,
		client: &http.Client{Timeout: cfg.ChunkTimeout},
		keys:   keys,
		log:    log,
		zlog:   zlog,
	}
	s.pool = newEndpointPool(cfg.Endpoints, cfg.HealthProbeInterval, s.probe, log)
	zlog.Info("objectstore: store initialized", zap.Strings("endpoints", cfg.Endpoints))
	return s, nil
}

func (s *Store) probe(url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Put encrypts plaintext, splits it into chunks, uploads each chunk and the
// metadata record, then pins the metadata CID.
func (s *Store) Put(ctx context.Context, plaintext []byte, filename, mime string, dataKeyID string) (PutResult, error) {
	if dataKeyID == "" {
		issued, err := s.keys.IssueDataKey("objectstore", "record-encryption")
		if err != nil {
			return PutResult{}, custodyerr.Wrap(custodyerr.CryptoError, "KEY_ISSUE_FAILED", "issue data key", err)
		}
		dataKeyID = issued
	}
	key, err := s.keys.UnwrapDataKey(dataKeyID)
	if err != nil {
		return PutResult{}, err
	}

	hash := contentHash(plaintext)
	ciphertext, iv, tag, err := encryptPayload(key, plaintext)
	if err != nil {
		return PutResult{}, err
	}

	chunks := splitChunks(ciphertext)
	cids := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UploadConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			c, err := s.uploadWithFailover(gctx, chunk)
			if err != nil {
				return err
			}
			cids[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PutResult{}, err
	}

	meta := Metadata{
		FileName:    filename,
		ContentHash: hash,
		FileSize:    int64(len(plaintext)),
		ChunkCount:  len(chunks),
		ChunkCIDs:   cids,
		IV:          iv,
		AuthTag:     tag,
		MIME:        mime,
		Timestamp:   time.Now().UTC(),
		KeyID:       dataKeyID,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return PutResult{}, custodyerr.Wrap(custodyerr.InvalidInput, "METADATA_ENCODE_FAILED", "marshal metadata", err)
	}
	metaCID, err := s.uploadWithFailover(ctx, metaBytes)
	if err != nil {
		return PutResult{}, err
	}
	if err := s.Pin(ctx, metaCID, s.cfg.ReplicationMin, s.cfg.ReplicationMax); err != nil {
		s.log.WithError(err).Warn("objectstore: pin request failed, metadata still uploaded")
	}

	return PutResult{PrimaryCID: metaCID, ContentHash: hash, Size: int64(len(plaintext)), KeyID: dataKeyID}, nil
}

// Get fetches the metadata for primaryCID, then fetches and reassembles
// chunks, decrypts, and verifies content_hash.
func (s *Store) Get(ctx context.Context, primaryCID string, dataKeyID string) ([]byte, error) {
	metaBytes, err := s.fetchWithFailover(ctx, primaryCID)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, custodyerr.Wrap(custodyerr.InvalidInput, "METADATA_DECODE_FAILED", "unmarshal metadata", err)
	}
	if dataKeyID == "" {
		dataKeyID = meta.KeyID
	}
	key, err := s.keys.UnwrapDataKey(dataKeyID)
	if err != nil {
		return nil, err
	}

	chunks := make([][]byte, meta.ChunkCount)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DownloadConcurrency)
	for i, c := range meta.ChunkCIDs {
		i, c := i, c
		g.Go(func() error {
			data, err := s.fetchWithFailover(gctx, c)
			if err != nil {
				return custodyerr.Wrap(custodyerr.StorageError, "CHUNK_MISSING", fmt.Sprintf("fetch chunk %d", i), err)
			}
			chunks[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ciphertext := bytes.Join(chunks, nil)
	plaintext, err := decryptPayload(key, ciphertext, meta.IV, meta.AuthTag)
	if err != nil {
		return nil, err
	}
	if contentHash(plaintext) != meta.ContentHash {
		return nil, custodyerr.New(custodyerr.IntegrityViolation, "HASH_MISMATCH", "decrypted payload does not match content_hash")
	}
	return plaintext, nil
}

// Pin sends one pin request for cid to a healthy gateway endpoint. The
// replication bounds are not sent to the gateway and have no effect. A
// transport failure or a non-200 status is returned as an error.
func (s *Store) Pin(ctx context.Context, cid string, replicationMin, replicationMax int) error {
	_ = replicationMax
	url, err := s.endpointFor()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/pin/"+cid, nil)
	if err != nil {
		return custodyerr.Wrap(custodyerr.StorageError, "PIN_FAILED", "build pin request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.pool.markUnhealthy(url)
		return custodyerr.Wrap(custodyerr.DependencyUnavailable, "PIN_FAILED", "pin request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return custodyerr.New(custodyerr.StorageError, "PIN_FAILED", fmt.Sprintf("gateway pin status %d", resp.StatusCode))
	}
	return nil
}

// Unpin releases a previously pinned CID.
func (s *Store) Unpin(ctx context.Context, cid string) error {
	url, err := s.endpointFor()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url+"/pin/"+cid, nil)
	if err != nil {
		return custodyerr.Wrap(custodyerr.StorageError, "UNPIN_FAILED", "build unpin request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.pool.markUnhealthy(url)
		return custodyerr.Wrap(custodyerr.DependencyUnavailable, "UNPIN_FAILED", "unpin request", err)
	}
	defer resp.Body.Close()
	return nil
}

// Stat returns size/block-count metadata for a stored CID without
// returning its payload.
func (s *Store) Stat(ctx context.Context, cid string) (StatResult, error) {
	data, err := s.fetchWithFailover(ctx, cid)
	if err != nil {
		return StatResult{}, err
	}
	return StatResult{Size: int64(len(data)), Blocks: 1}, nil
}

// uploadWithFailover uploads a single chunk, retrying across distinct
// healthy endpoints with exponential backoff up to MaxRetries.
func (s *Store) uploadWithFailover(ctx context.Context, data []byte) (string, error) {
	cidStr, err := computeCID(data)
	if err != nil {
		return "", err
	}
	excluded := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		url, ok := s.pool.pick(excluded)
		if !ok {
			return "", ErrNoHealthyNode
		}
		if err := s.uploadTo(ctx, url, cidStr, data); err != nil {
			excluded[url] = true
			s.pool.markUnhealthy(url)
			lastErr = err
			s.backoff(ctx, attempt)
			continue
		}
		_ = s.cache.put(cidStr, data)
		return cidStr, nil
	}
	return "", custodyerr.Wrap(custodyerr.DependencyUnavailable, "UPLOAD_FAILED", "exhausted retries", lastErr)
}

func (s *Store) uploadTo(ctx context.Context, url, cidStr string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url+"/blocks/"+cidStr, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("objectstore: gateway upload status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (s *Store) fetchWithFailover(ctx context.Context, cidStr string) ([]byte, error) {
	if data, ok := s.cache.get(cidStr); ok {
		return data, nil
	}
	excluded := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		url, ok := s.pool.pick(excluded)
		if !ok {
			return nil, ErrNoHealthyNode
		}
		data, err := s.fetchFrom(ctx, url, cidStr)
		if err != nil {
			excluded[url] = true
			s.pool.markUnhealthy(url)
			lastErr = err
			s.backoff(ctx, attempt)
			continue
		}
		_ = s.cache.put(cidStr, data)
		return data, nil
	}
	return nil, custodyerr.Wrap(custodyerr.StorageError, "CID_NOT_FOUND", "exhausted retries", lastErr)
}

func (s *Store) fetchFrom(ctx context.Context, url, cidStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/blocks/"+cidStr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("objectstore: gateway fetch status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func (s *Store) endpointFor() (string, error) {
	url, ok := s.pool.pick(nil)
	if !ok {
		return "", ErrNoHealthyNode
	}
	return url, nil
}

// backoff sleeps for min(base*2^attempt, 60s), honoring ctx cancellation.
func (s *Store) backoff(ctx context.Context, attempt int) {
	const base = 200 * time.Millisecond
	d := time.Duration(math.Min(float64(base)*math.Pow(2, float64(attempt)), float64(60*time.Second)))
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Close stops the background health probe loop.
func (s *Store) Close() {
	s.pool.Close()
}
