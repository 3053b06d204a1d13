package remotecache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// Config bundles the tunables every remote-backed disk shares (spec §4.4's
// constructor defaults, overridable via config.toml — see the config
// package).
type Config struct {
	ChunkSizeBytes       int64
	MaxConcurrentFetches int64
	MaxRetries           int
	RetryBaseDelayMs     int64
	ReadAheadChunks      int

	// Identity is the cache-directory identity tuple checked against a
	// reopened cache's persisted meta.json (spec §3: "URLs must not be used
	// as a cache identity"). A zero Identity matches only another zero
	// Identity, so callers that don't populate it simply fall back to the
	// validator+chunkSize check alone.
	Identity Identity
}

// Counters is the telemetry a remote-backed disk exposes via the worker's
// stats operation (spec §4.4/§4.5 "Telemetry").
type Counters struct {
	BlockRequests   atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	InflightJoins   atomic.Int64
	BytesDownloaded atomic.Int64
	InflightFetches atomic.Int64
	LastFetchMs     atomic.Int64
}

// Cache is the on-disk sparse chunk store behind rangedisk, backed by an aero-sparse image whose block size equals the
// configured chunk size.
type Cache struct {
	dir       string
	metaPath  string
	imagePath string

	lease  Lease
	client *Client
	cfg    Config

	mu         sync.Mutex
	meta       *Meta
	image      *aerosparse.Image
	generation uint64

	sem   *semaphore.Weighted
	group singleflight.Group

	Counters Counters
}

// Open opens or (re)creates the cache directory at dir for the resource
// behind lease. If an existing meta.json's validator no longer matches the
// remote resource's current validator, the cache is invalidated and rebuilt
// from scratch, per spec §4.4 cache invalidation.
func Open(ctx context.Context, dir string, lease Lease, client *Client, cfg Config) (*Cache, error) {
	c := &Cache{
		dir:       dir,
		metaPath:  filepath.Join(dir, "meta.json"),
		imagePath: filepath.Join(dir, "cache.aerosparse"),
		lease:     lease,
		client:    client,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentFetches),
	}

	remoteValidator, _, err := client.Probe(ctx, lease)
	if err != nil {
		return nil, err
	}

	existing, err := loadMeta(c.metaPath)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.ChunkSizeBytes == cfg.ChunkSizeBytes && existing.Identity == cfg.Identity && existing.Validator.Matches(remoteValidator) {
		img, err := aerosparse.Open(c.imagePath, false)
		if err == nil {
			c.meta = existing
			c.image = img
			c.generation = existing.Generation
			return c, nil
		}
		// A corrupt cache image is treated the same as a cold cache: fall
		// through and rebuild.
	}

	if err := c.rebuildLocked(remoteValidator); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) rebuildLocked(v Validator) error {
	c.generation++
	numChunks := (v.SizeBytes + c.cfg.ChunkSizeBytes - 1) / c.cfg.ChunkSizeBytes
	cacheCapacity := numChunks * c.cfg.ChunkSizeBytes
	if cacheCapacity == 0 {
		cacheCapacity = c.cfg.ChunkSizeBytes
	}
	if err := aerosparse.Create(c.imagePath, aerosparse.CreateOptions{
		DiskSizeBytes:  cacheCapacity,
		BlockSizeBytes: c.cfg.ChunkSizeBytes,
	}); err != nil {
		return err
	}
	img, err := aerosparse.Open(c.imagePath, false)
	if err != nil {
		return err
	}
	if c.image != nil {
		c.image.Close()
	}
	c.image = img
	c.meta = &Meta{
		Version:        metaVersion,
		Identity:       c.cfg.Identity,
		Validator:      v,
		ChunkSizeBytes: c.cfg.ChunkSizeBytes,
		TotalSizeBytes: v.SizeBytes,
		Generation:     c.generation,
	}
	return saveMeta(c.metaPath, c.meta)
}

// Invalidate discards the cached contents and re-probes the remote resource,
// rebuilding the cache against the new validator. Any fetches inflight under
// the previous generation are allowed to finish but their results are
// discarded (spec §4.4: "invalidation as a singleton future all readers
// await" — readers that observe the generation bump after invalidation
// simply re-fetch).
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _, err := c.client.Probe(ctx, c.lease)
	if err != nil {
		return err
	}
	return c.rebuildLocked(v)
}

// TotalSizeBytes returns the remote resource's size as of the last
// successful probe.
func (c *Cache) TotalSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.TotalSizeBytes
}

// ChunkSizeBytes returns the configured chunk granularity.
func (c *Cache) ChunkSizeBytes() int64 { return c.cfg.ChunkSizeBytes }

// NumChunks returns how many chunks the cache is partitioned into.
func (c *Cache) NumChunks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.meta.TotalSizeBytes + c.cfg.ChunkSizeBytes - 1) / c.cfg.ChunkSizeBytes
}

// CachedBytes reports how many bytes of the cache are currently populated.
func (c *Cache) CachedBytes() int64 {
	c.mu.Lock()
	img := c.image
	c.mu.Unlock()
	return img.AllocatedBytes()
}

// Close closes the underlying cache image. It does not delete cache files.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image.Close()
}

// fetchedChunk is the result type shared by singleflight callers.
type fetchedChunk struct {
	data []byte
}

// GetChunk returns chunk index's bytes, populating the cache on miss. On a
// validator mismatch it invalidates the cache once and retries the read.
func (c *Cache) GetChunk(ctx context.Context, index int64, verify func(chunkIndex int64, data []byte) error) ([]byte, error) {
	return c.getChunk(ctx, index, verify, true)
}

func (c *Cache) getChunk(ctx context.Context, index int64, verify func(chunkIndex int64, data []byte) error, mayInvalidate bool) ([]byte, error) {
	c.Counters.BlockRequests.Add(1)

	c.mu.Lock()
	img := c.image
	chunkSize := c.cfg.ChunkSizeBytes
	gen := c.generation
	c.mu.Unlock()

	if img.IsBlockAllocated(index) {
		c.Counters.CacheHits.Add(1)
		buf := make([]byte, chunkSize)
		if err := img.ReadSectors(ctx, index*chunkSize/sectordisk.SectorSize, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	c.Counters.CacheMisses.Add(1)

	key := chunkKey(gen, index)
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetchAndStoreChunk(ctx, index)
	})
	if shared {
		c.Counters.InflightJoins.Add(1)
	}
	if err != nil {
		if mayInvalidate && sectordisk.Of(err, sectordisk.KindValidatorMismatch) {
			if ierr := c.Invalidate(ctx); ierr != nil {
				return nil, ierr
			}
			return c.getChunk(ctx, index, verify, false)
		}
		return nil, err
	}
	fc := v.(fetchedChunk)
	if verify != nil {
		if err := verify(index, fc.data); err != nil {
			return nil, err
		}
	}
	return fc.data, nil
}

func (c *Cache) fetchAndStoreChunk(ctx context.Context, index int64) (any, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.Counters.InflightFetches.Add(1)
	defer func() {
		c.sem.Release(1)
		c.Counters.InflightFetches.Add(-1)
	}()

	c.mu.Lock()
	chunkSize := c.cfg.ChunkSizeBytes
	totalSize := c.meta.TotalSizeBytes
	want := c.meta.Validator
	img := c.image
	c.mu.Unlock()

	start := index * chunkSize
	length := chunkSize
	if start+length > totalSize {
		length = totalSize - start
	}

	data, _, err := c.client.FetchRange(ctx, c.lease, want, start, length)
	if err != nil {
		return nil, err
	}
	c.Counters.BytesDownloaded.Add(int64(len(data)))

	padded := data
	if int64(len(padded)) < chunkSize {
		padded = make([]byte, chunkSize)
		copy(padded, data)
	}
	if err := img.WriteSectors(ctx, index*chunkSize/sectordisk.SectorSize, padded); err != nil {
		return nil, err
	}
	if err := img.Flush(ctx); err != nil {
		return nil, err
	}
	return fetchedChunk{data: data}, nil
}

func chunkKey(generation uint64, index int64) string {
	return fmt.Sprintf("%d:%d", generation, index)
}
