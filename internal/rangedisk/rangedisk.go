// Package rangedisk implements the remote range disk (spec §4.4): a
// sectordisk.Disk backed by an HTTP range-addressable remote resource,
// cached locally via remotecache.
package rangedisk

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// Disk reads a remote resource over HTTP Range requests, caching fetched
// chunks on local disk via remotecache.Cache. Writes are not supported.
type Disk struct {
	mu    sync.Mutex
	cache *remotecache.Cache

	readAheadChunks int
	closed          bool

	// prevEndByte is the end offset (exclusive) of the previous read, used to
	// detect a sequential access pattern (spec §4.4: prefetch only fires when
	// a read's start lines up with where the previous one ended). -1 means no
	// prior read has happened yet.
	prevEndByte int64
}

// Open opens (or creates) the cache directory and returns a ready Disk.
func Open(ctx context.Context, cacheDir string, lease remotecache.Lease, client *remotecache.Client, cfg remotecache.Config) (*Disk, error) {
	cache, err := remotecache.Open(ctx, cacheDir, lease, client, cfg)
	if err != nil {
		return nil, err
	}
	return &Disk{cache: cache, readAheadChunks: cfg.ReadAheadChunks, prevEndByte: -1}, nil
}

func (d *Disk) SectorSize() int64    { return sectordisk.SectorSize }
func (d *Disk) CapacityBytes() int64 { return d.cache.TotalSizeBytes() }
func (d *Disk) ReadOnly() bool       { return true }

func (d *Disk) ReadSectors(ctx context.Context, lba int64, dst []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return sectordisk.New(sectordisk.KindClosed, "range disk is closed")
	}
	if err := sectordisk.CheckBounds(lba, int64(len(dst)), d.CapacityBytes()); err != nil {
		return err
	}

	byteOffset := lba * sectordisk.SectorSize
	chunkSize := d.cache.ChunkSizeBytes()
	startChunk := byteOffset / chunkSize

	if err := d.readChunksInto(ctx, byteOffset, dst); err != nil {
		return err
	}

	endByte := byteOffset + int64(len(dst))
	d.mu.Lock()
	sequential := d.prevEndByte == byteOffset
	d.prevEndByte = endByte
	d.mu.Unlock()
	if sequential {
		d.prefetch(ctx, startChunk)
	}
	return nil
}

func (d *Disk) readChunksInto(ctx context.Context, byteOffset int64, dst []byte) error {
	chunkSize := d.cache.ChunkSizeBytes()
	remaining := dst
	offset := byteOffset
	for len(remaining) > 0 {
		chunkIdx := offset / chunkSize
		inChunk := offset % chunkSize
		n := chunkSize - inChunk
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		chunk, err := d.cache.GetChunk(ctx, chunkIdx, nil)
		if err != nil {
			return err
		}
		copy(remaining[:n], chunk[inChunk:inChunk+n])
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

// prefetch kicks off best-effort reads of the next readAheadChunks chunks
// past startChunk. Failures are ignored: prefetch is an optimization, not a
// correctness requirement, and its errors would otherwise have nowhere to
// surface since the triggering read has already completed.
func (d *Disk) prefetch(ctx context.Context, startChunk int64) {
	if d.readAheadChunks <= 0 {
		return
	}
	total := d.cache.NumChunks()
	for i := 1; i <= d.readAheadChunks; i++ {
		idx := startChunk + int64(i)
		if idx >= total {
			break
		}
		go func(idx int64) {
			d.cache.GetChunk(context.Background(), idx, nil)
		}(idx)
	}
}

func (d *Disk) WriteSectors(ctx context.Context, lba int64, data []byte) error {
	return sectordisk.New(sectordisk.KindReadOnly, "remote range disk does not support writes")
}

func (d *Disk) Flush(ctx context.Context) error { return nil }

func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.cache.Close()
}

// ClearCache forces a re-probe and rebuild of the underlying local cache
// (worker op clearCache).
func (d *Disk) ClearCache(ctx context.Context) error {
	return d.cache.Invalidate(ctx)
}

// Stats exposes the shared remotecache telemetry plus range-disk specific
// fields for the worker's stats operation.
type Stats struct {
	TotalSizeBytes  int64 `json:"totalSizeBytes"`
	BlockSizeBytes  int64 `json:"blockSizeBytes"`
	CachedBytes     int64 `json:"cachedBytes"`
	BlockRequests   int64 `json:"blockRequests"`
	CacheHits       int64 `json:"cacheHits"`
	CacheMisses     int64 `json:"cacheMisses"`
	InflightJoins   int64 `json:"inflightJoins"`
	BytesDownloaded int64 `json:"bytesDownloaded"`
	InflightFetches int64 `json:"inflightFetches"`
}

func (d *Disk) Stats() Stats {
	return Stats{
		TotalSizeBytes:  d.cache.TotalSizeBytes(),
		BlockSizeBytes:  d.cache.ChunkSizeBytes(),
		CachedBytes:     d.cache.CachedBytes(),
		BlockRequests:   d.cache.Counters.BlockRequests.Load(),
		CacheHits:       d.cache.Counters.CacheHits.Load(),
		CacheMisses:     d.cache.Counters.CacheMisses.Load(),
		InflightJoins:   d.cache.Counters.InflightJoins.Load(),
		BytesDownloaded: d.cache.Counters.BytesDownloaded.Load(),
		InflightFetches: d.cache.Counters.InflightFetches.Load(),
	}
}
