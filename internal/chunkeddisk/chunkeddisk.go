// Package chunkeddisk implements the remote chunked-manifest disk (spec
// §4.5): a sectordisk.Disk backed by a manifest of independently fetchable,
// SHA-256-verified chunks, cached locally with LRU eviction.
package chunkeddisk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// Config mirrors remotecache.Config plus the eviction limit unique to
// chunked disks (rangedisk has no eviction: its cache is bounded by the
// remote resource's own size and never needs to shrink).
type Config struct {
	MaxConcurrentFetches int64
	MaxRetries           int
	RetryBaseDelayMs     int64
	CacheLimitBytes      int64
}

// Disk serves reads from a manifest-described remote resource, fetching and
// verifying chunks on demand and evicting least-recently-used chunks once
// CacheLimitBytes is exceeded.
type Disk struct {
	mu sync.Mutex

	manifest *Manifest
	client   *remotecache.Client
	cfg      Config

	image    *aerosparse.Image
	metaPath string

	populated  []bool
	lastAccess []uint64
	accessTick uint64
	cachedSize int64

	sem      *semaphore.Weighted
	closed   bool
	cacheDir string
}

// Open fetches manifestURL, validates it, and prepares (or reopens) the
// local chunk cache at cacheDir. Reopening against an unchanged image
// identity (imageId, version, chunkSizeBytes, totalSizeBytes) restores the
// LRU bookkeeping from meta.json instead of treating the cache as cold; in
// any other case (no usable meta.json, a changed identity, or a missing
// image) the cache image is recreated empty and the disk starts cold.
func Open(ctx context.Context, cacheDir, manifestURL string, httpClient *http.Client, cfg Config) (*Disk, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	m, err := FetchManifest(ctx, httpClient, manifestURL)
	if err != nil {
		return nil, err
	}

	imagePath := filepath.Join(cacheDir, "cache.aerosparse")
	metaPath := filepath.Join(cacheDir, "meta.json")

	persisted, err := loadChunkedMeta(metaPath)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(imagePath)
	imageExists := statErr == nil

	identityMatches := persisted != nil && imageExists &&
		persisted.ImageID == m.ImageID &&
		persisted.ManifestVersion == m.Version &&
		persisted.ChunkSizeBytes == m.ChunkSizeBytes &&
		persisted.TotalSizeBytes == m.TotalSizeBytes &&
		len(persisted.Populated) == len(m.Chunks)

	if !imageExists || !identityMatches {
		if err := aerosparse.Create(imagePath, aerosparse.CreateOptions{
			DiskSizeBytes:  int64(len(m.Chunks)) * m.ChunkSizeBytes,
			BlockSizeBytes: m.ChunkSizeBytes,
		}); err != nil {
			return nil, err
		}
	}
	img, err := aerosparse.Open(imagePath, false)
	if err != nil {
		return nil, err
	}

	d := &Disk{
		manifest: m,
		client:   remotecache.NewClient(httpClient, cfg.MaxRetries, time.Duration(cfg.RetryBaseDelayMs)*time.Millisecond),
		cfg:      cfg,
		image:    img,
		metaPath: metaPath,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		cacheDir: cacheDir,
	}

	if identityMatches {
		d.populated = append([]bool(nil), persisted.Populated...)
		d.lastAccess = append([]uint64(nil), persisted.LastAccess...)
		d.accessTick = persisted.AccessTick
		d.cachedSize = persisted.CachedSize
	} else {
		d.populated = make([]bool, len(m.Chunks))
		d.lastAccess = make([]uint64, len(m.Chunks))
		for i := range d.populated {
			if img.IsBlockAllocated(int64(i)) {
				d.populated[i] = true
				d.cachedSize += m.Chunks[i].SizeBytes
			}
		}
	}

	// Reopening with a smaller CacheLimitBytes than the cache was built
	// under must evict immediately, not wait for the next fetch.
	d.evictIfOverLimitLocked(ctx)
	if err := d.persistMetaLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) SectorSize() int64    { return sectordisk.SectorSize }
func (d *Disk) CapacityBytes() int64 { return d.manifest.TotalSizeBytes }
func (d *Disk) ReadOnly() bool       { return true }

func (d *Disk) ReadSectors(ctx context.Context, lba int64, dst []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return sectordisk.New(sectordisk.KindClosed, "chunked disk is closed")
	}
	if err := sectordisk.CheckBounds(lba, int64(len(dst)), d.CapacityBytes()); err != nil {
		return err
	}

	chunkSize := d.manifest.ChunkSizeBytes
	offset := lba * sectordisk.SectorSize
	remaining := dst
	for len(remaining) > 0 {
		chunkIdx := offset / chunkSize
		inChunk := offset % chunkSize
		n := chunkSize - inChunk
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		chunk, err := d.getChunk(ctx, chunkIdx)
		if err != nil {
			return err
		}
		copy(remaining[:n], chunk[inChunk:inChunk+n])
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

func (d *Disk) WriteSectors(ctx context.Context, lba int64, data []byte) error {
	return sectordisk.New(sectordisk.KindReadOnly, "remote chunked disk does not support writes")
}

func (d *Disk) Flush(ctx context.Context) error { return nil }

func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.image.Close()
}

func (d *Disk) getChunk(ctx context.Context, idx int64) ([]byte, error) {
	d.mu.Lock()
	d.accessTick++
	d.lastAccess[idx] = d.accessTick
	alreadyPopulated := d.populated[idx]
	chunkSize := d.manifest.ChunkSizeBytes
	d.mu.Unlock()

	if alreadyPopulated {
		buf := make([]byte, chunkSize)
		if err := d.image.ReadSectors(ctx, idx*chunkSize/sectordisk.SectorSize, buf); err != nil {
			return nil, err
		}
		return buf[:d.entrySize(idx)], nil
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	data, err := d.fetchAndVerifyChunk(ctx, idx)
	if err != nil {
		return nil, err
	}

	padded := data
	if int64(len(padded)) < chunkSize {
		padded = make([]byte, chunkSize)
		copy(padded, data)
	}
	if err := d.image.WriteSectors(ctx, idx*chunkSize/sectordisk.SectorSize, padded); err != nil {
		return nil, err
	}
	if err := d.image.Flush(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.populated[idx] = true
	d.cachedSize += d.manifest.Chunks[idx].SizeBytes
	d.mu.Unlock()

	d.evictIfOverLimitLocked(ctx)
	if err := d.persistMetaLocked(); err != nil {
		return nil, err
	}
	return data, nil
}

// fetchAndVerifyChunk fetches chunk idx and retries the fetch+verify cycle
// up to cfg.MaxRetries times on a checksum mismatch, per spec §4.5's "the
// downloaded chunk is hashed and compared" contract (scenario 5: a
// transient corrupt download retries, it is not a permanent failure like a
// manifest-declared bad digest would be).
func (d *Disk) fetchAndVerifyChunk(ctx context.Context, idx int64) ([]byte, error) {
	entry := d.manifest.Chunks[idx]
	chunkURL, err := d.manifest.ChunkURL(idx)
	if err != nil {
		return nil, err
	}
	lease := &chunkLease{url: chunkURL}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(d.cfg.RetryBaseDelayMs) * time.Millisecond * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, _, err := d.client.FetchRange(ctx, lease, remotecache.Validator{SizeBytes: entry.SizeBytes}, 0, entry.SizeBytes)
		if err != nil {
			return nil, err
		}
		if verr := verifyChecksum(idx, entry, data); verr != nil {
			lastErr = verr
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func (d *Disk) entrySize(idx int64) int64 {
	return d.manifest.Chunks[idx].SizeBytes
}

func verifyChecksum(idx int64, entry ChunkEntry, data []byte) error {
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != entry.SHA256 {
		return sectordisk.Newf(sectordisk.KindCorrupt, "chunk %d checksum mismatch: want %s, got %s", idx, entry.SHA256, got)
	}
	return nil
}

// persistMetaLocked writes the current identity + LRU bookkeeping to
// meta.json so a process restart can reopen this cache warm instead of
// cold.
func (d *Disk) persistMetaLocked() error {
	d.mu.Lock()
	meta := &chunkedMeta{
		Version:         chunkedMetaVersion,
		ImageID:         d.manifest.ImageID,
		ManifestVersion: d.manifest.Version,
		ChunkSizeBytes:  d.manifest.ChunkSizeBytes,
		TotalSizeBytes:  d.manifest.TotalSizeBytes,
		Populated:       append([]bool(nil), d.populated...),
		LastAccess:      append([]uint64(nil), d.lastAccess...),
		AccessTick:      d.accessTick,
		CachedSize:      d.cachedSize,
	}
	d.mu.Unlock()
	return saveChunkedMeta(d.metaPath, meta)
}

// evictIfOverLimitLocked zeroes out the least-recently-used populated chunks
// until cachedSize is within CacheLimitBytes. The aero-sparse format has no
// block-free primitive, so eviction zeroes the block's bytes in place and
// clears the populated bit rather than shrinking the file; a subsequent read
// re-fetches and re-verifies the chunk.
func (d *Disk) evictIfOverLimitLocked(ctx context.Context) {
	if d.cfg.CacheLimitBytes <= 0 {
		return
	}
	for {
		d.mu.Lock()
		if d.cachedSize <= d.cfg.CacheLimitBytes {
			d.mu.Unlock()
			return
		}
		victim := int64(-1)
		var oldest uint64
		for i, populated := range d.populated {
			if !populated {
				continue
			}
			if victim == -1 || d.lastAccess[i] < oldest {
				victim = int64(i)
				oldest = d.lastAccess[i]
			}
		}
		if victim == -1 {
			d.mu.Unlock()
			return
		}
		chunkSize := d.manifest.ChunkSizeBytes
		entry := d.manifest.Chunks[victim]
		d.populated[victim] = false
		d.cachedSize -= entry.SizeBytes
		d.mu.Unlock()

		zero := make([]byte, chunkSize)
		d.image.WriteSectors(ctx, victim*chunkSize/sectordisk.SectorSize, zero)
	}
}

// Stats exposes chunked-disk telemetry for the worker's stats operation.
type Stats struct {
	TotalSizeBytes int64 `json:"totalSizeBytes"`
	ChunkSizeBytes int64 `json:"chunkSizeBytes"`
	NumChunks      int64 `json:"numChunks"`
	CachedBytes    int64 `json:"cachedBytes"`
}

func (d *Disk) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TotalSizeBytes: d.manifest.TotalSizeBytes,
		ChunkSizeBytes: d.manifest.ChunkSizeBytes,
		NumChunks:      int64(len(d.manifest.Chunks)),
		CachedBytes:    d.cachedSize,
	}
}
