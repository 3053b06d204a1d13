package aerosparse

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

func TestCreateOpenWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.aerosparse")

	require.NoError(t, Create(path, CreateOptions{DiskSizeBytes: 1 << 20, BlockSizeBytes: 4096}))

	img, err := Open(path, false)
	require.NoError(t, err)

	require.Equal(t, int64(1<<20), img.CapacityBytes())
	require.Equal(t, int64(0), img.AllocatedBytes())

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, img.WriteSectors(ctx, 10, payload))
	require.NoError(t, img.Flush(ctx))
	require.Equal(t, int64(4096), img.AllocatedBytes())

	out := make([]byte, 512)
	require.NoError(t, img.ReadSectors(ctx, 10, out))
	require.Equal(t, payload, out)

	require.NoError(t, img.Close())

	reopened, err := Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	out2 := make([]byte, 512)
	require.NoError(t, reopened.ReadSectors(ctx, 10, out2))
	require.Equal(t, payload, out2)
}

func TestUnwrittenBlocksReadAsZero(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.aerosparse")
	require.NoError(t, Create(path, CreateOptions{DiskSizeBytes: 1 << 16, BlockSizeBytes: 4096}))

	img, err := Open(path, false)
	require.NoError(t, err)
	defer img.Close()

	out := make([]byte, 4096)
	for i := range out {
		out[i] = 0xff
	}
	require.NoError(t, img.ReadSectors(ctx, 0, out))
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
	require.False(t, img.IsBlockAllocated(0))
}

func TestPartialBlockWritePreservesRestOfBlock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.aerosparse")
	require.NoError(t, Create(path, CreateOptions{DiskSizeBytes: 1 << 16, BlockSizeBytes: 4096}))

	img, err := Open(path, false)
	require.NoError(t, err)
	defer img.Close()

	full := make([]byte, 4096)
	for i := range full {
		full[i] = 0xaa
	}
	require.NoError(t, img.WriteSectors(ctx, 0, full))

	patch := make([]byte, 512)
	for i := range patch {
		patch[i] = 0xbb
	}
	require.NoError(t, img.WriteSectors(ctx, 1, patch))

	out := make([]byte, 4096)
	require.NoError(t, img.ReadSectors(ctx, 0, out))
	require.Equal(t, byte(0xaa), out[0])
	require.Equal(t, byte(0xbb), out[512])
	require.Equal(t, byte(0xaa), out[1024])
	require.True(t, img.IsBlockAllocated(0))
}

func TestWriteRejectedOnReadOnlyImage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.aerosparse")
	require.NoError(t, Create(path, CreateOptions{DiskSizeBytes: 1 << 16, BlockSizeBytes: 4096}))

	img, err := Open(path, true)
	require.NoError(t, err)
	defer img.Close()

	err = img.WriteSectors(ctx, 0, make([]byte, 512))
	require.Error(t, err)
	require.True(t, sectordisk.Of(err, sectordisk.KindReadOnly))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.aerosparse")
	require.NoError(t, Create(path, CreateOptions{DiskSizeBytes: 1 << 16, BlockSizeBytes: 4096}))

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXXXXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, true)
	require.Error(t, err)
	require.True(t, sectordisk.Of(err, sectordisk.KindCorrupt))
}
