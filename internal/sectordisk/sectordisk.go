// Package sectordisk defines the uniform block-device capability every disk
// backend in this module implements, plus the stable error-kind vocabulary
// used across the aero-sparse, overlay, remote-range, remote-chunked, and
// worker packages.
package sectordisk

import (
	"context"
)

// SectorSize is the fixed unit of addressable I/O for every disk in this
// module. All reads and writes must be aligned to this size in both offset
// and length.
const SectorSize = 512

// Disk is the capability set every backend (aero-sparse image, CoW overlay,
// remote range disk, remote chunked disk) satisfies. Callers hold values of
// this interface type and never know which concrete backend they're driving.
type Disk interface {
	// SectorSize returns the fixed sector size, always sectordisk.SectorSize.
	SectorSize() int64

	// CapacityBytes returns the disk's fixed byte capacity. Constant for the
	// lifetime of the disk.
	CapacityBytes() int64

	// ReadSectors fills dst with len(dst) bytes starting at lba*SectorSize.
	// len(dst) must be a multiple of SectorSize.
	ReadSectors(ctx context.Context, lba int64, dst []byte) error

	// WriteSectors writes all of data starting at lba*SectorSize. len(data)
	// must be a multiple of SectorSize. Fails with KindReadOnly if the disk
	// does not support writes.
	WriteSectors(ctx context.Context, lba int64, data []byte) error

	// Flush durably persists any buffered writes acknowledged so far.
	Flush(ctx context.Context) error

	// Close releases the disk's resources. Idempotent.
	Close() error
}

// ReadOnlyDisk is implemented by Disk values that want to reject writes
// without a runtime type assertion against WriteSectors's own error return.
// Implementing this is optional; WriteSectors returning a KindReadOnly Error
// is the authoritative signal.
type ReadOnlyDisk interface {
	Disk
	ReadOnly() bool
}

// CheckBounds validates that a read/write request is sector-aligned and
// within capacity. lba and length are both expressed as already-validated
// non-negative int64s; overflow of lba*SectorSize+length is checked here
// rather than relying on wraparound.
func CheckBounds(lba int64, length int64, capacityBytes int64) error {
	if lba < 0 || length < 0 {
		return New(KindOutOfRange, "negative lba or length")
	}
	if length%SectorSize != 0 {
		return New(KindAlignment, "length is not a multiple of the sector size")
	}
	offset := lba * SectorSize
	if offset < 0 || offset/SectorSize != lba {
		return New(KindOverflow, "lba*sectorSize overflows")
	}
	end := offset + length
	if end < offset {
		return New(KindOverflow, "offset+length overflows")
	}
	if end > capacityBytes {
		return New(KindOutOfRange, "read/write would exceed capacity")
	}
	return nil
}
