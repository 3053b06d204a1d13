package overlay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
)

func newImage(t *testing.T, name string, size, block int64) *aerosparse.Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, aerosparse.Create(path, aerosparse.CreateOptions{DiskSizeBytes: size, BlockSizeBytes: block}))
	img, err := aerosparse.Open(path, false)
	require.NoError(t, err)
	return img
}

func TestReadsFallThroughToBaseUntilWritten(t *testing.T) {
	ctx := context.Background()
	base := newImage(t, "base.aerosparse", 1<<20, 4096)
	defer base.Close()

	baseData := make([]byte, 4096)
	for i := range baseData {
		baseData[i] = 0x42
	}
	require.NoError(t, base.WriteSectors(ctx, 0, baseData))
	require.NoError(t, base.Flush(ctx))

	ov := newImage(t, "overlay.aerosparse", 1<<20, 4096)

	d, err := New(base, ov, Options{BlockSizeBytes: 4096})
	require.NoError(t, err)
	defer d.Close()

	out := make([]byte, 4096)
	require.NoError(t, d.ReadSectors(ctx, 0, out))
	require.Equal(t, baseData, out)

	patch := make([]byte, 512)
	for i := range patch {
		patch[i] = 0x99
	}
	require.NoError(t, d.WriteSectors(ctx, 1, patch))

	out2 := make([]byte, 4096)
	require.NoError(t, d.ReadSectors(ctx, 0, out2))
	require.Equal(t, byte(0x42), out2[0])
	require.Equal(t, byte(0x99), out2[512])
	require.Equal(t, byte(0x42), out2[1024])

	baseCheck := make([]byte, 4096)
	require.NoError(t, base.ReadSectors(ctx, 0, baseCheck))
	require.Equal(t, baseData, baseCheck, "base must never be mutated by overlay writes")
}

func TestWritesNeverTouchBase(t *testing.T) {
	ctx := context.Background()
	base := newImage(t, "base.aerosparse", 1<<20, 4096)
	defer base.Close()
	ov := newImage(t, "overlay.aerosparse", 1<<20, 4096)

	d, err := New(base, ov, Options{})
	require.NoError(t, err)
	defer d.Close()

	full := make([]byte, 64*1024)
	for i := range full {
		full[i] = 0x11
	}
	require.NoError(t, d.WriteSectors(ctx, 0, full))

	baseBytes := make([]byte, 64*1024)
	require.NoError(t, base.ReadSectors(ctx, 0, baseBytes))
	for _, b := range baseBytes {
		require.Equal(t, byte(0), b)
	}
}

func TestNewSeedsWrittenBitmapFromReopenedOverlayAllocation(t *testing.T) {
	ctx := context.Background()
	basePath := filepath.Join(t.TempDir(), "base.aerosparse")
	require.NoError(t, aerosparse.Create(basePath, aerosparse.CreateOptions{DiskSizeBytes: 1 << 20, BlockSizeBytes: 4096}))
	base, err := aerosparse.Open(basePath, false)
	require.NoError(t, err)
	defer base.Close()

	baseData := make([]byte, 4096)
	for i := range baseData {
		baseData[i] = 0x42
	}
	require.NoError(t, base.WriteSectors(ctx, 0, baseData))
	require.NoError(t, base.Flush(ctx))

	overlayPath := filepath.Join(t.TempDir(), "overlay.aerosparse")
	require.NoError(t, aerosparse.Create(overlayPath, aerosparse.CreateOptions{DiskSizeBytes: 1 << 20, BlockSizeBytes: 4096}))
	ov, err := aerosparse.Open(overlayPath, false)
	require.NoError(t, err)

	d, err := New(base, ov, Options{BlockSizeBytes: 4096})
	require.NoError(t, err)

	patch := make([]byte, 4096)
	for i := range patch {
		patch[i] = 0x99
	}
	require.NoError(t, d.WriteSectors(ctx, 0, patch))
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Close())

	// Simulate restoreFromSnapshot: the overlay image is reopened fresh, with
	// no in-memory history of what New just wrote to it.
	ovReopened, err := aerosparse.Open(overlayPath, false)
	require.NoError(t, err)

	d2, err := New(base, ovReopened, Options{BlockSizeBytes: 4096})
	require.NoError(t, err)
	defer d2.Close()

	out := make([]byte, 4096)
	require.NoError(t, d2.ReadSectors(ctx, 0, out))
	require.Equal(t, patch, out, "overlay write must survive a fresh reconstruction of the overlay disk")
}

func TestCapacityMismatchRejected(t *testing.T) {
	base := newImage(t, "base.aerosparse", 1<<20, 4096)
	defer base.Close()
	ov := newImage(t, "overlay.aerosparse", 2<<20, 4096)
	defer ov.Close()

	_, err := New(base, ov, Options{})
	require.Error(t, err)
}
