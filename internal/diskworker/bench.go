package diskworker

import (
	"context"
	"time"

	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// runBench sequentially writes then reads totalBytes of aligned chunkBytes
// spans against disk, exercising its real ReadSectors/WriteSectors path
// (spec §4.6 "bench" op: no special-cased fast path).
func runBench(ctx context.Context, disk sectordisk.Disk, chunkBytes, totalBytes int64) (benchResult, error) {
	if chunkBytes <= 0 || chunkBytes%sectordisk.SectorSize != 0 {
		return benchResult{}, sectordisk.New(sectordisk.KindInvalidConfig, "bench chunkBytes must be a positive multiple of the sector size")
	}
	if totalBytes <= 0 || totalBytes > disk.CapacityBytes() {
		return benchResult{}, sectordisk.New(sectordisk.KindInvalidConfig, "bench totalBytes must be positive and within capacity")
	}

	buf := make([]byte, chunkBytes)
	for i := range buf {
		buf[i] = byte(i)
	}

	start := time.Now()
	var written int64
	for written < totalBytes {
		n := chunkBytes
		if written+n > totalBytes {
			n = totalBytes - written
		}
		lba := written / sectordisk.SectorSize
		if err := disk.WriteSectors(ctx, lba, buf[:n]); err != nil {
			return benchResult{}, err
		}
		written += n
	}
	writeElapsed := time.Since(start)

	readBuf := make([]byte, chunkBytes)
	readStart := time.Now()
	var read int64
	for read < totalBytes {
		n := chunkBytes
		if read+n > totalBytes {
			n = totalBytes - read
		}
		lba := read / sectordisk.SectorSize
		if err := disk.ReadSectors(ctx, lba, readBuf[:n]); err != nil {
			return benchResult{}, err
		}
		read += n
	}
	readElapsed := time.Since(readStart)

	total := time.Since(start)
	result := benchResult{ElapsedMs: total.Milliseconds()}
	if writeElapsed > 0 {
		result.WriteBytesPerSec = float64(totalBytes) / writeElapsed.Seconds()
	}
	if readElapsed > 0 {
		result.ReadBytesPerSec = float64(totalBytes) / readElapsed.Seconds()
	}
	return result, nil
}
