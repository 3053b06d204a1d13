package chunkeddisk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func buildTestServer(t *testing.T, chunkSize int64, chunks [][]byte, chunkIndexWidth int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	entries := make([]ChunkEntry, len(chunks))
	var total int64
	for i, c := range chunks {
		entries[i] = ChunkEntry{SizeBytes: int64(len(c)), SHA256: sha256Hex(c)}
		total += int64(len(c))
		data := c
		mux.HandleFunc(fmt.Sprintf("/chunks/%0*d.bin", chunkIndexWidth, i), func(w http.ResponseWriter, r *http.Request) {
			http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
		})
	}
	m := Manifest{
		Schema:          ManifestSchema,
		ImageID:         "test-image",
		Version:         1,
		MimeType:        "application/octet-stream",
		TotalSizeBytes:  total,
		ChunkSizeBytes:  chunkSize,
		ChunkCount:      int64(len(entries)),
		ChunkIndexWidth: chunkIndexWidth,
		Chunks:          entries,
	}
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(m)
	})
	return httptest.NewServer(mux)
}

func TestChunkedDiskReadsAndVerifiesChunks(t *testing.T) {
	ctx := context.Background()
	chunkSize := int64(4096)
	c0 := make([]byte, chunkSize)
	c1 := make([]byte, chunkSize)
	for i := range c0 {
		c0[i] = 0x01
	}
	for i := range c1 {
		c1[i] = 0x02
	}
	srv := buildTestServer(t, chunkSize, [][]byte{c0, c1}, 4)
	defer srv.Close()

	d, err := Open(ctx, t.TempDir(), srv.URL+"/manifest.json", nil, Config{
		MaxConcurrentFetches: 2,
		MaxRetries:           1,
		RetryBaseDelayMs:     1,
	})
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 2*chunkSize, d.CapacityBytes())

	out := make([]byte, chunkSize)
	require.NoError(t, d.ReadSectors(ctx, 0, out))
	require.Equal(t, c0, out)

	require.NoError(t, d.ReadSectors(ctx, chunkSize/sectordisk.SectorSize, out))
	require.Equal(t, c1, out)
}

func TestChunkedDiskRejectsCorruptChunk(t *testing.T) {
	ctx := context.Background()
	chunkSize := int64(1024)
	good := make([]byte, chunkSize)
	for i := range good {
		good[i] = 0x55
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chunks/0.bin", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(good))
	})
	wrongSum := sha256Hex([]byte("not the actual content"))
	m := Manifest{
		Schema:          ManifestSchema,
		ImageID:         "test-image",
		Version:         1,
		TotalSizeBytes:  chunkSize,
		ChunkSizeBytes:  chunkSize,
		ChunkCount:      1,
		ChunkIndexWidth: 1,
		Chunks:          []ChunkEntry{{SizeBytes: chunkSize, SHA256: wrongSum}},
	}
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(m)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := Open(ctx, t.TempDir(), srv.URL+"/manifest.json", nil, Config{
		MaxConcurrentFetches: 1,
		MaxRetries:           1,
		RetryBaseDelayMs:     1,
	})
	require.NoError(t, err)
	defer d.Close()

	out := make([]byte, chunkSize)
	err = d.ReadSectors(ctx, 0, out)
	require.Error(t, err)
	require.True(t, sectordisk.Of(err, sectordisk.KindCorrupt))
}

func TestChunkedDiskReopenReusesWarmCache(t *testing.T) {
	ctx := context.Background()
	chunkSize := int64(2048)
	c0 := make([]byte, chunkSize)
	for i := range c0 {
		c0[i] = 0x09
	}
	srv := buildTestServer(t, chunkSize, [][]byte{c0}, 2)
	defer srv.Close()

	cacheDir := t.TempDir()
	cfg := Config{MaxConcurrentFetches: 1, MaxRetries: 1, RetryBaseDelayMs: 1}

	d1, err := Open(ctx, cacheDir, srv.URL+"/manifest.json", nil, cfg)
	require.NoError(t, err)
	out := make([]byte, chunkSize)
	require.NoError(t, d1.ReadSectors(ctx, 0, out))
	require.Equal(t, c0, out)
	require.NoError(t, d1.Close())

	// The server stays up because Open always refetches the manifest. A
	// reopen that did not trust the persisted cache would recreate it empty,
	// so CachedBytes right after Open shows whether chunk 0 was kept.
	d2, err := Open(ctx, cacheDir, srv.URL+"/manifest.json", nil, cfg)
	require.NoError(t, err)
	defer d2.Close()
	require.Equal(t, chunkSize, d2.Stats().CachedBytes)

	out2 := make([]byte, chunkSize)
	require.NoError(t, d2.ReadSectors(ctx, 0, out2))
	require.Equal(t, c0, out2)
}

func TestManifestValidateRejectsBadChecksumFormat(t *testing.T) {
	m := &Manifest{
		Schema:          ManifestSchema,
		Version:         1,
		TotalSizeBytes:  10,
		ChunkSizeBytes:  10,
		ChunkCount:      1,
		ChunkIndexWidth: 1,
		Chunks:          []ChunkEntry{{SizeBytes: 10, SHA256: "not-a-hex-digest"}},
	}
	err := m.validate()
	require.Error(t, err)
	require.True(t, sectordisk.Of(err, sectordisk.KindCorrupt))
}

func TestManifestValidateRejectsSizeSumMismatch(t *testing.T) {
	m := &Manifest{
		Schema:          ManifestSchema,
		Version:         1,
		TotalSizeBytes:  20,
		ChunkSizeBytes:  10,
		ChunkCount:      2,
		ChunkIndexWidth: 1,
		Chunks: []ChunkEntry{
			{SizeBytes: 10, SHA256: sha256Hex([]byte("a"))},
			{SizeBytes: 5, SHA256: sha256Hex([]byte("b"))},
		},
	}
	err := m.validate()
	require.Error(t, err)
	require.True(t, sectordisk.Of(err, sectordisk.KindCorrupt))
}
