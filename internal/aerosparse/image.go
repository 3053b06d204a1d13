package aerosparse

import (
	"context"
	"os"
	"sync"

	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// Image is an open aero-sparse file. It satisfies sectordisk.Disk.
type Image struct {
	mu sync.Mutex

	path   string
	file   *os.File
	header Header

	// table[i] is the physical byte offset of block i, or 0 if unallocated.
	table []uint64
	// usedOffsets tracks the set of physical offsets currently in the table,
	// for O(1) duplicate detection on open and append.
	usedOffsets map[uint64]struct{}
	// currentEnd is the physical offset at which the next appended block
	// will land: dataOffset + allocatedBlocks*blockSize, but tracked
	// explicitly so block replacement (never done today, reserved for
	// future compaction) cannot silently desync it from allocatedBlocks.
	currentEnd uint64

	readOnly bool
	closed   bool
}

// CreateOptions configures Create.
type CreateOptions struct {
	DiskSizeBytes  int64
	BlockSizeBytes int64
}

// Create lays out a brand-new aero-sparse file at path: a zeroed header, a
// zeroed allocation table, then truncates to dataOffset. Per spec §4.2 the
// header fields are populated and fsynced only after the zeroed regions are
// in place.
func Create(path string, opts CreateOptions) error {
	if opts.DiskSizeBytes <= 0 {
		return sectordisk.New(sectordisk.KindInvalidConfig, "diskSizeBytes must be positive")
	}
	if err := validateBlockSize(uint32(opts.BlockSizeBytes)); err != nil {
		return err
	}
	if opts.DiskSizeBytes%opts.BlockSizeBytes != 0 {
		return sectordisk.New(sectordisk.KindInvalidConfig, "diskSizeBytes must be a multiple of blockSizeBytes")
	}

	tableEntries := uint64(opts.DiskSizeBytes) / uint64(opts.BlockSizeBytes)
	if tableEntries*entrySize > MaxTableBytes {
		return sectordisk.New(sectordisk.KindInvalidConfig, "allocation table would exceed the 64MiB cap")
	}
	dataOffset := alignUp(HeaderSize+tableEntries*entrySize, uint64(opts.BlockSizeBytes))

	h := &Header{
		Version:         CurrentVersion,
		BlockSizeBytes:  uint32(opts.BlockSizeBytes),
		DiskSizeBytes:   uint64(opts.DiskSizeBytes),
		TableEntries:    tableEntries,
		DataOffset:      dataOffset,
		AllocatedBlocks: 0,
	}
	copy(h.Magic[:], Magic)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "creating aero-sparse file", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(dataOffset)); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "truncating to data offset", err)
	}
	if _, err := f.WriteAt(h.encode(), 0); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "writing header", err)
	}
	// The allocation table region is already zero because O_TRUNC plus
	// Truncate(dataOffset) guarantees a sparse, all-zero file up to
	// dataOffset; an unallocated table entry is the all-zero encoding by
	// construction.
	if err := f.Sync(); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "fsync after create", err)
	}
	return nil
}

// Open validates and opens an existing aero-sparse file, loading its
// allocation table into memory.
func Open(path string, readOnly bool) (*Image, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindIO, "opening aero-sparse file", err)
	}

	hbuf := make([]byte, HeaderSize)
	if _, err := readFullAt(f, hbuf, 0); err != nil {
		f.Close()
		return nil, sectordisk.Wrap(sectordisk.KindCorrupt, "reading header", err)
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	tableBytes := h.TableEntries * entrySize
	tbuf := make([]byte, tableBytes)
	if tableBytes > 0 {
		if _, err := readFullAt(f, tbuf, HeaderSize); err != nil {
			f.Close()
			return nil, sectordisk.Wrap(sectordisk.KindCorrupt, "reading allocation table", err)
		}
	}

	table := make([]uint64, h.TableEntries)
	used := make(map[uint64]struct{}, h.AllocatedBlocks)
	var nonZero uint64
	var maxOffset uint64
	for i := range table {
		off := leUint64(tbuf[i*entrySize : i*entrySize+entrySize])
		table[i] = off
		if off == 0 {
			continue
		}
		nonZero++
		if off < h.DataOffset {
			f.Close()
			return nil, sectordisk.Newf(sectordisk.KindCorrupt, "block %d offset %d is before the data region (dataOffset=%d)", i, off, h.DataOffset)
		}
		if (off-h.DataOffset)%uint64(h.BlockSizeBytes) != 0 {
			f.Close()
			return nil, sectordisk.Newf(sectordisk.KindCorrupt, "block %d offset %d is misaligned to blockSizeBytes=%d", i, off, h.BlockSizeBytes)
		}
		if _, dup := used[off]; dup {
			f.Close()
			return nil, sectordisk.Newf(sectordisk.KindCorrupt, "duplicate data block offset %d", off)
		}
		used[off] = struct{}{}
		if off > maxOffset {
			maxOffset = off
		}
	}
	if nonZero != h.AllocatedBlocks {
		f.Close()
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "allocatedBlocks %d does not match allocation table (found %d)", h.AllocatedBlocks, nonZero)
	}

	minLen := h.DataOffset + h.AllocatedBlocks*uint64(h.BlockSizeBytes)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, sectordisk.Wrap(sectordisk.KindIO, "stat", err)
	}
	if uint64(fi.Size()) < minLen {
		f.Close()
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "file length %d is shorter than dataOffset+allocatedBlocks*blockSize (%d)", fi.Size(), minLen)
	}

	currentEnd := h.DataOffset
	if h.AllocatedBlocks > 0 {
		currentEnd = maxOffset + uint64(h.BlockSizeBytes)
	}

	return &Image{
		path:        path,
		file:        f,
		header:      *h,
		table:       table,
		usedOffsets: used,
		currentEnd:  currentEnd,
		readOnly:    readOnly,
	}, nil
}

func readFullAt(f *os.File, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total != len(buf) {
		return total, sectordisk.New(sectordisk.KindCorrupt, "short read")
	}
	return total, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// --- sectordisk.Disk ---

func (img *Image) SectorSize() int64    { return sectordisk.SectorSize }
func (img *Image) CapacityBytes() int64 { return int64(img.header.DiskSizeBytes) }
func (img *Image) ReadOnly() bool       { return img.readOnly }

// BlockSizeBytes returns the fixed block size this image was created with.
func (img *Image) BlockSizeBytes() int64 { return int64(img.header.BlockSizeBytes) }

// IsBlockAllocated reports whether block i has a physical offset assigned.
func (img *Image) IsBlockAllocated(i int64) bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return i >= 0 && uint64(i) < uint64(len(img.table)) && img.table[i] != 0
}

// AllocatedBytes returns allocatedBlocks * blockSizeBytes.
func (img *Image) AllocatedBytes() int64 {
	img.mu.Lock()
	defer img.mu.Unlock()
	return int64(img.header.AllocatedBlocks) * int64(img.header.BlockSizeBytes)
}

func (img *Image) ReadSectors(ctx context.Context, lba int64, dst []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return sectordisk.New(sectordisk.KindClosed, "image is closed")
	}
	if err := sectordisk.CheckBounds(lba, int64(len(dst)), img.CapacityBytes()); err != nil {
		return err
	}
	return img.readRangeLocked(lba*sectordisk.SectorSize, dst)
}

func (img *Image) WriteSectors(ctx context.Context, lba int64, data []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return sectordisk.New(sectordisk.KindClosed, "image is closed")
	}
	if img.readOnly {
		return sectordisk.New(sectordisk.KindReadOnly, "image was opened read-only")
	}
	if err := sectordisk.CheckBounds(lba, int64(len(data)), img.CapacityBytes()); err != nil {
		return err
	}
	return img.writeRangeLocked(lba*sectordisk.SectorSize, data)
}

func (img *Image) Flush(ctx context.Context) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return sectordisk.New(sectordisk.KindClosed, "image is closed")
	}
	if img.readOnly {
		return nil
	}
	if err := img.file.Sync(); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "fsync", err)
	}
	return nil
}

func (img *Image) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return nil
	}
	var flushErr error
	if !img.readOnly {
		flushErr = img.file.Sync()
	}
	closeErr := img.file.Close()
	img.closed = true
	if flushErr != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "fsync on close", flushErr)
	}
	if closeErr != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "close", closeErr)
	}
	return nil
}

// readRangeLocked partitions [byteOffset, byteOffset+len(dst)) into block
// spans and reads each, per spec §4.2.
func (img *Image) readRangeLocked(byteOffset int64, dst []byte) error {
	blockSize := int64(img.header.BlockSizeBytes)
	remaining := dst
	offset := byteOffset
	for len(remaining) > 0 {
		blockIdx := offset / blockSize
		inBlock := offset % blockSize
		n := blockSize - inBlock
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if err := img.readBlockSpanLocked(blockIdx, inBlock, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

func (img *Image) readBlockSpanLocked(blockIdx, inBlock int64, dst []byte) error {
	off := img.table[blockIdx]
	if off == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	if _, err := readFullAt(img.file, dst, int64(off)+inBlock); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "reading block", err)
	}
	return nil
}

// writeRangeLocked partitions the write into at most one leading partial
// block, zero or more full blocks, and at most one trailing partial block.
// Partial blocks go through a scratch read-modify-write; full blocks bypass
// it, per spec §4.2.
func (img *Image) writeRangeLocked(byteOffset int64, data []byte) error {
	blockSize := int64(img.header.BlockSizeBytes)
	remaining := data
	offset := byteOffset
	for len(remaining) > 0 {
		blockIdx := offset / blockSize
		inBlock := offset % blockSize
		n := blockSize - inBlock
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		full := inBlock == 0 && n == blockSize
		if full {
			if err := img.writeFullBlockLocked(blockIdx, remaining[:n]); err != nil {
				return err
			}
		} else {
			if err := img.writePartialBlockLocked(blockIdx, inBlock, remaining[:n]); err != nil {
				return err
			}
		}
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

func (img *Image) writeFullBlockLocked(blockIdx int64, data []byte) error {
	off, err := img.ensureBlockLocked(blockIdx)
	if err != nil {
		return err
	}
	if _, err := img.file.WriteAt(data, int64(off)); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "writing block", err)
	}
	return nil
}

func (img *Image) writePartialBlockLocked(blockIdx, inBlock int64, data []byte) error {
	blockSize := int64(img.header.BlockSizeBytes)
	scratch := make([]byte, blockSize)
	if err := img.readBlockSpanLocked(blockIdx, 0, scratch); err != nil {
		return err
	}
	copy(scratch[inBlock:], data)
	off, err := img.ensureBlockLocked(blockIdx)
	if err != nil {
		return err
	}
	if _, err := img.file.WriteAt(scratch, int64(off)); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "writing block", err)
	}
	return nil
}

// ensureBlockLocked returns the physical offset for blockIdx. If the block
// was previously unallocated it takes the slot at currentEnd and writes the
// new table entry and the header's allocatedBlocks counter in place before
// returning; the caller writes the block data afterwards. Nothing here is
// fsynced, so these writes are durable only after a later Flush. Allocation
// is not atomic with the data write: if the data write fails, or the
// process stops after the table entry reached the file but before the data
// did, the block stays recorded as allocated, and a reopen may read stale
// bytes for it or reject the file as corrupt.
func (img *Image) ensureBlockLocked(blockIdx int64) (uint64, error) {
	if off := img.table[blockIdx]; off != 0 {
		return off, nil
	}
	newOffset := img.currentEnd
	blockSize := uint64(img.header.BlockSizeBytes)

	var entryBuf [entrySize]byte
	putLEUint64(entryBuf[:], newOffset)
	entryOff := int64(HeaderSize) + blockIdx*entrySize
	if _, err := img.file.WriteAt(entryBuf[:], entryOff); err != nil {
		return 0, sectordisk.Wrap(sectordisk.KindIO, "writing allocation table entry", err)
	}

	img.header.AllocatedBlocks++
	var countBuf [entrySize]byte
	putLEUint64(countBuf[:], img.header.AllocatedBlocks)
	if _, err := img.file.WriteAt(countBuf[:], 56); err != nil {
		img.header.AllocatedBlocks--
		return 0, sectordisk.Wrap(sectordisk.KindIO, "persisting allocatedBlocks", err)
	}

	img.table[blockIdx] = newOffset
	img.usedOffsets[newOffset] = struct{}{}
	img.currentEnd = newOffset + blockSize
	return newOffset, nil
}

func putLEUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
