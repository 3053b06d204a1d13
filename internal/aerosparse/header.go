// Package aerosparse implements the aero-sparse file format: a self-describing,
// fixed-block sparse disk image used both as a standalone local disk and as
// the on-disk cache for remote range/chunked disks.
//
// Layout (all multi-byte integers little-endian, see spec §3):
//
//	[0:64)   header
//	[64:dataOffset)  allocation table, 8 bytes per entry
//	[dataOffset:)    block arena
package aerosparse

import (
	"encoding/binary"

	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

const (
	// HeaderSize is the fixed size of the aero-sparse header in bytes.
	HeaderSize = 64

	// Magic is the ASCII magic string identifying an aero-sparse file.
	Magic = "AEROSPAR"

	// CurrentVersion is the only version this implementation accepts.
	CurrentVersion uint32 = 1

	// MaxTableBytes bounds the allocation table size that will ever be read
	// in one shot, guarding against pathological headers triggering huge
	// reads (spec §3, §6).
	MaxTableBytes = 64 * 1024 * 1024

	// entrySize is the width in bytes of one allocation-table entry.
	entrySize = 8
)

// Header mirrors the 64-byte on-disk aero-sparse header.
type Header struct {
	Magic            [8]byte
	Version          uint32
	Flags            uint32
	BlockSizeBytes   uint32
	Reserved0        uint32
	DiskSizeBytes    uint64
	Reserved1        uint64
	TableEntries     uint64
	DataOffset       uint64
	AllocatedBlocks  uint64
}

// encode writes the header into a 64-byte little-endian buffer.
func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], h.BlockSizeBytes)
	binary.LittleEndian.PutUint32(buf[20:24], h.Reserved0)
	binary.LittleEndian.PutUint64(buf[24:32], h.DiskSizeBytes)
	binary.LittleEndian.PutUint64(buf[32:40], h.Reserved1)
	binary.LittleEndian.PutUint64(buf[40:48], h.TableEntries)
	binary.LittleEndian.PutUint64(buf[48:56], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[56:64], h.AllocatedBlocks)
	return buf
}

// decodeHeader parses exactly HeaderSize bytes into a Header and validates
// the static invariants from spec §3 (magic, version, block-size shape,
// capacity alignment, table-entry count, data offset, table-size cap).
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "header must be exactly %d bytes, got %d", HeaderSize, len(buf))
	}
	h := &Header{}
	copy(h.Magic[:], buf[0:8])
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.Flags = binary.LittleEndian.Uint32(buf[12:16])
	h.BlockSizeBytes = binary.LittleEndian.Uint32(buf[16:20])
	h.Reserved0 = binary.LittleEndian.Uint32(buf[20:24])
	h.DiskSizeBytes = binary.LittleEndian.Uint64(buf[24:32])
	h.Reserved1 = binary.LittleEndian.Uint64(buf[32:40])
	h.TableEntries = binary.LittleEndian.Uint64(buf[40:48])
	h.DataOffset = binary.LittleEndian.Uint64(buf[48:56])
	h.AllocatedBlocks = binary.LittleEndian.Uint64(buf[56:64])

	if string(h.Magic[:]) != Magic {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "bad magic %q", h.Magic[:])
	}
	if h.Version != CurrentVersion {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "unsupported version %d", h.Version)
	}
	if err := validateBlockSize(h.BlockSizeBytes); err != nil {
		return nil, err
	}
	if h.DiskSizeBytes == 0 || h.DiskSizeBytes%uint64(h.BlockSizeBytes) != 0 {
		return nil, sectordisk.New(sectordisk.KindCorrupt, "diskSizeBytes is zero or not a multiple of blockSizeBytes")
	}
	wantEntries := h.DiskSizeBytes / uint64(h.BlockSizeBytes)
	if h.TableEntries != wantEntries {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "tableEntries %d does not match diskSizeBytes/blockSizeBytes %d", h.TableEntries, wantEntries)
	}
	if h.TableEntries*entrySize > MaxTableBytes {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "allocation table (%d bytes) exceeds the %d byte cap", h.TableEntries*entrySize, MaxTableBytes)
	}
	wantDataOffset := alignUp(HeaderSize+h.TableEntries*entrySize, uint64(h.BlockSizeBytes))
	if h.DataOffset != wantDataOffset {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "dataOffset %d does not match expected %d", h.DataOffset, wantDataOffset)
	}
	return h, nil
}

// validateBlockSize enforces spec §3: blockSizeBytes >= 512, a multiple of
// 512, and a power of two.
func validateBlockSize(blockSize uint32) error {
	if blockSize < sectordisk.SectorSize {
		return sectordisk.Newf(sectordisk.KindInvalidConfig, "blockSizeBytes %d is smaller than the sector size", blockSize)
	}
	if blockSize%sectordisk.SectorSize != 0 {
		return sectordisk.Newf(sectordisk.KindInvalidConfig, "blockSizeBytes %d is not a multiple of the sector size", blockSize)
	}
	if blockSize&(blockSize-1) != 0 {
		return sectordisk.Newf(sectordisk.KindInvalidConfig, "blockSizeBytes %d is not a power of two", blockSize)
	}
	return nil
}

// alignUp rounds n up to the next multiple of align (align must be > 0).
func alignUp(n, align uint64) uint64 {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}
