// Package overlay implements the copy-on-write composition of a read-only
// base disk and a writable overlay disk (spec §4.3).
package overlay

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// DefaultBlockSizeBytes is the granularity at which the overlay tracks which
// regions have been written, independent of any block size the underlying
// base/overlay disks use internally. It must be a multiple of
// sectordisk.SectorSize.
const DefaultBlockSizeBytes = 64 * 1024

// Disk composes a read-only base with a writable overlay: reads are served
// from the overlay wherever it has been written, and from the base
// everywhere else; writes always land on the overlay. The base is never
// mutated and is owned by the caller (overlay.Close does not close it).
type Disk struct {
	mu sync.Mutex

	base    sectordisk.Disk
	overlay sectordisk.Disk

	blockSize int64
	written   []bool // one entry per overlay block, true once any byte in it has been written

	closed bool
}

// Options configures New.
type Options struct {
	// BlockSizeBytes is the write-tracking granularity. Zero selects
	// DefaultBlockSizeBytes.
	BlockSizeBytes int64
}

// New composes base and overlay into a single sectordisk.Disk. Both must
// share the same SectorSize and CapacityBytes.
func New(base, overlay sectordisk.Disk, opts Options) (*Disk, error) {
	if base.SectorSize() != overlay.SectorSize() {
		return nil, sectordisk.New(sectordisk.KindInvalidConfig, "base and overlay sector sizes differ")
	}
	if base.CapacityBytes() != overlay.CapacityBytes() {
		return nil, sectordisk.New(sectordisk.KindSizeMismatch, "base and overlay capacities differ")
	}
	blockSize := opts.BlockSizeBytes
	if blockSize == 0 {
		blockSize = DefaultBlockSizeBytes
	}
	if blockSize%sectordisk.SectorSize != 0 {
		return nil, sectordisk.New(sectordisk.KindInvalidConfig, "overlay block size must be a multiple of the sector size")
	}
	capacity := base.CapacityBytes()
	numBlocks := (capacity + blockSize - 1) / blockSize

	d := &Disk{
		base:      base,
		overlay:   overlay,
		blockSize: blockSize,
		written:   make([]bool, numBlocks),
	}
	if as, ok := overlay.(allocationSource); ok {
		// Reconstruct the write-tracking bitmap from the overlay disk's own
		// on-disk allocation state rather than starting blank. This matters
		// whenever New composes a freshly reopened overlay (e.g. after
		// restoreFromSnapshot), which has no in-memory history of what was
		// previously written.
		seedFromAllocation(d, as)
	} else if wd, ok := overlay.(interface{ WrittenBlocks() []bool }); ok {
		// An overlay disk that already tracks its own write set in memory
		// can seed ours directly instead.
		if seed := wd.WrittenBlocks(); len(seed) == len(d.written) {
			copy(d.written, seed)
		}
	}
	return d, nil
}

// allocationSource is implemented by an overlay disk (e.g. *aerosparse.Image)
// that can report which of its own blocks are allocated.
type allocationSource interface {
	BlockSizeBytes() int64
	IsBlockAllocated(i int64) bool
}

// seedFromAllocation marks every overlay-tracking block in d.written that
// overlaps at least one allocated block of as, reconciling the two block
// granularities (d.blockSize need not equal as.BlockSizeBytes()).
func seedFromAllocation(d *Disk, as allocationSource) {
	srcBlockSize := as.BlockSizeBytes()
	if srcBlockSize <= 0 {
		return
	}
	capacity := d.CapacityBytes()
	for idx := range d.written {
		blockStart := int64(idx) * d.blockSize
		blockEnd := blockStart + d.blockSize
		if blockEnd > capacity {
			blockEnd = capacity
		}
		firstSrcBlock := blockStart / srcBlockSize
		lastSrcBlock := (blockEnd - 1) / srcBlockSize
		for sb := firstSrcBlock; sb <= lastSrcBlock; sb++ {
			if as.IsBlockAllocated(sb) {
				d.written[idx] = true
				break
			}
		}
	}
}

func (d *Disk) SectorSize() int64    { return d.overlay.SectorSize() }
func (d *Disk) CapacityBytes() int64 { return d.overlay.CapacityBytes() }
func (d *Disk) ReadOnly() bool       { return false }

// WrittenBlocks returns a copy of the write-tracking bitmap, keyed by
// DefaultBlockSizeBytes (or the configured BlockSizeBytes) blocks.
func (d *Disk) WrittenBlocks() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bool, len(d.written))
	copy(out, d.written)
	return out
}

func (d *Disk) ReadSectors(ctx context.Context, lba int64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sectordisk.New(sectordisk.KindClosed, "overlay disk is closed")
	}
	if err := sectordisk.CheckBounds(lba, int64(len(dst)), d.CapacityBytes()); err != nil {
		return err
	}
	byteOffset := lba * d.SectorSize()
	return d.readRangeLocked(ctx, byteOffset, dst)
}

func (d *Disk) WriteSectors(ctx context.Context, lba int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sectordisk.New(sectordisk.KindClosed, "overlay disk is closed")
	}
	if err := sectordisk.CheckBounds(lba, int64(len(data)), d.CapacityBytes()); err != nil {
		return err
	}
	byteOffset := lba * d.SectorSize()
	return d.writeRangeLocked(ctx, byteOffset, data)
}

func (d *Disk) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sectordisk.New(sectordisk.KindClosed, "overlay disk is closed")
	}
	// The base is read-only and caller-owned; only the overlay needs
	// flushing (spec §4.3: "Flush: flushes overlay only").
	return d.overlay.Flush(ctx)
}

// Close closes the overlay disk only. The base is owned by the caller and is
// never closed here.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.overlay.Close()
}

func (d *Disk) readRangeLocked(ctx context.Context, byteOffset int64, dst []byte) error {
	remaining := dst
	offset := byteOffset
	for len(remaining) > 0 {
		blockIdx := offset / d.blockSize
		inBlock := offset % d.blockSize
		n := d.blockSize - inBlock
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		span := remaining[:n]
		src := d.base
		if int(blockIdx) < len(d.written) && d.written[blockIdx] {
			src = d.overlay
		}
		spanLBA := offset / d.SectorSize()
		if err := src.ReadSectors(ctx, spanLBA, span); err != nil {
			return err
		}
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

// writeRangeLocked partitions the write into overlay-block-aligned spans. A
// span that does not cover its whole overlay block is read-modify-written:
// the block is first materialized from whichever source (base or overlay)
// currently owns it, the new bytes are applied in memory, then the full
// block is written to the overlay and marked written.
func (d *Disk) writeRangeLocked(ctx context.Context, byteOffset int64, data []byte) error {
	remaining := data
	offset := byteOffset
	for len(remaining) > 0 {
		blockIdx := offset / d.blockSize
		inBlock := offset % d.blockSize
		n := d.blockSize - inBlock
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		full := inBlock == 0 && n == d.blockSize
		if full {
			spanLBA := offset / d.SectorSize()
			if err := d.overlay.WriteSectors(ctx, spanLBA, remaining[:n]); err != nil {
				return err
			}
		} else {
			if err := d.writePartialBlockLocked(ctx, blockIdx, inBlock, remaining[:n]); err != nil {
				return err
			}
		}
		d.markWritten(blockIdx)
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

func (d *Disk) writePartialBlockLocked(ctx context.Context, blockIdx, inBlock int64, data []byte) error {
	blockStart := blockIdx * d.blockSize
	blockLen := d.blockSize
	if blockStart+blockLen > d.CapacityBytes() {
		blockLen = d.CapacityBytes() - blockStart
	}
	scratch := make([]byte, blockLen)
	src := d.base
	if int(blockIdx) < len(d.written) && d.written[blockIdx] {
		src = d.overlay
	}
	if err := src.ReadSectors(ctx, blockStart/d.SectorSize(), scratch); err != nil {
		return err
	}
	copy(scratch[inBlock:], data)
	return d.overlay.WriteSectors(ctx, blockStart/d.SectorSize(), scratch)
}

func (d *Disk) markWritten(blockIdx int64) {
	if int(blockIdx) < len(d.written) {
		d.written[blockIdx] = true
	}
}
