package remotecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, body []byte, etag string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Accept-Ranges", "bytes")
		http.ServeContent(w, r, "disk.img", time.Time{}, newReadSeeker(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type readSeeker struct {
	data []byte
	pos  int64
}

func newReadSeeker(data []byte) *readSeeker { return &readSeeker{data: data} }

func (r *readSeeker) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *readSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		r.pos = offset
	case 1:
		r.pos += offset
	case 2:
		r.pos = int64(len(r.data)) + offset
	}
	return r.pos, nil
}

func TestCacheFetchesAndCachesChunks(t *testing.T) {
	ctx := context.Background()
	body := make([]byte, 64*1024)
	for i := range body {
		body[i] = byte(i)
	}
	srv := newTestServer(t, body, `"v1"`)

	client := NewClient(nil, 2, time.Millisecond)
	lease := NewStaticLease(srv.URL)

	cache, err := Open(ctx, t.TempDir(), lease, client, Config{
		ChunkSizeBytes:       16 * 1024,
		MaxConcurrentFetches: 4,
		MaxRetries:           2,
	})
	require.NoError(t, err)
	defer cache.Close()

	chunk, err := cache.GetChunk(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, body[0:16*1024], chunk)
	require.Equal(t, int64(1), cache.Counters.CacheMisses.Load())

	chunk2, err := cache.GetChunk(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, chunk, chunk2)
	require.Equal(t, int64(1), cache.Counters.CacheHits.Load())
}

func TestCacheVerifiesChunkChecksum(t *testing.T) {
	ctx := context.Background()
	body := []byte("hello world, this is chunked content")
	srv := newTestServer(t, body, `"v1"`)

	client := NewClient(nil, 1, time.Millisecond)
	lease := NewStaticLease(srv.URL)

	cache, err := Open(ctx, t.TempDir(), lease, client, Config{
		ChunkSizeBytes:       512,
		MaxConcurrentFetches: 1,
		MaxRetries:           1,
	})
	require.NoError(t, err)
	defer cache.Close()

	sum := sha256.Sum256(body)
	want := hex.EncodeToString(sum[:])

	_, err = cache.GetChunk(ctx, 0, func(idx int64, data []byte) error {
		got := sha256.Sum256(data)
		if hex.EncodeToString(got[:]) != want {
			t.Fatalf("checksum mismatch")
		}
		return nil
	})
	require.NoError(t, err)
}
