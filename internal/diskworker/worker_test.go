package diskworker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
)

func newLocalImage(t *testing.T, size, block int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.aerosparse")
	require.NoError(t, aerosparse.Create(path, aerosparse.CreateOptions{DiskSizeBytes: size, BlockSizeBytes: block}))
	return path
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := jsonAPI.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestWorkerOpenReadWriteClose(t *testing.T) {
	ctx := context.Background()
	path := newLocalImage(t, 1<<20, 4096)

	w := New(Config{RuntimeDiskMaxIOBytes: 1 << 20})
	defer w.Shutdown()

	openResp := w.Handle(ctx, Request{RequestID: "1", Op: "open", Payload: mustMarshal(t, openPayload{Path: path})})
	require.True(t, openResp.OK)
	var or openResult
	require.NoError(t, jsonAPI.Unmarshal(openResp.Result, &or))
	require.NotEmpty(t, or.HandleID)

	writeResp := w.Handle(ctx, Request{RequestID: "2", Op: "write", Payload: mustMarshal(t, rwPayload{
		HandleID:   or.HandleID,
		LBA:        0,
		DataBase64: base64Encode(append([]byte("hello disk world"), make([]byte, 512-len("hello disk world"))...)),
	})})
	require.True(t, writeResp.OK)

	readResp := w.Handle(ctx, Request{RequestID: "3", Op: "read", Payload: mustMarshal(t, rwPayload{
		HandleID:    or.HandleID,
		LBA:         0,
		LengthBytes: 512,
	})})
	require.True(t, readResp.OK)
	var rr readResult
	require.NoError(t, jsonAPI.Unmarshal(readResp.Result, &rr))
	data, err := base64Decode(rr.DataBase64)
	require.NoError(t, err)
	require.Equal(t, []byte("hello disk world"), data[:len("hello disk world")])

	closeResp := w.Handle(ctx, Request{RequestID: "4", Op: "close", Payload: mustMarshal(t, handlePayload{HandleID: or.HandleID})})
	require.True(t, closeResp.OK)

	statsResp := w.Handle(ctx, Request{RequestID: "5", Op: "stats", Payload: mustMarshal(t, handlePayload{HandleID: or.HandleID})})
	require.False(t, statsResp.OK)
	require.Equal(t, "NotFound", statsResp.Error.Kind)
}

func TestWorkerRejectsOversizedIO(t *testing.T) {
	ctx := context.Background()
	path := newLocalImage(t, 1<<20, 4096)

	w := New(Config{RuntimeDiskMaxIOBytes: 4096})
	defer w.Shutdown()

	openResp := w.Handle(ctx, Request{RequestID: "1", Op: "open", Payload: mustMarshal(t, openPayload{Path: path})})
	require.True(t, openResp.OK)
	var or openResult
	require.NoError(t, jsonAPI.Unmarshal(openResp.Result, &or))

	readResp := w.Handle(ctx, Request{RequestID: "2", Op: "read", Payload: mustMarshal(t, rwPayload{
		HandleID:    or.HandleID,
		LBA:         0,
		LengthBytes: 8192,
	})})
	require.False(t, readResp.OK)
	require.Equal(t, "InvalidConfig", readResp.Error.Kind)
}

func TestWorkerSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	pathA := newLocalImage(t, 1<<20, 4096)
	pathB := newLocalImage(t, 1<<20, 4096)

	w := New(Config{RuntimeDiskMaxIOBytes: 1 << 20})
	defer w.Shutdown()

	openA := w.Handle(ctx, Request{RequestID: "1", Op: "open", Payload: mustMarshal(t, openPayload{Path: pathA})})
	require.True(t, openA.OK)
	var a openResult
	require.NoError(t, jsonAPI.Unmarshal(openA.Result, &a))

	openB := w.Handle(ctx, Request{RequestID: "2", Op: "open", Payload: mustMarshal(t, openPayload{Path: pathB})})
	require.True(t, openB.OK)
	var b openResult
	require.NoError(t, jsonAPI.Unmarshal(openB.Result, &b))

	writeResp := w.Handle(ctx, Request{RequestID: "3", Op: "write", Payload: mustMarshal(t, rwPayload{
		HandleID:   a.HandleID,
		LBA:        0,
		DataBase64: base64Encode(append([]byte("persisted across restore"), make([]byte, 512-len("persisted across restore"))...)),
	})})
	require.True(t, writeResp.OK)

	snapResp := w.Handle(ctx, Request{RequestID: "4", Op: "prepareSnapshot"})
	require.True(t, snapResp.OK)
	var snap struct {
		SnapshotBase64 string `json:"snapshotBase64"`
	}
	require.NoError(t, jsonAPI.Unmarshal(snapResp.Result, &snap))

	restoreResp := w.Handle(ctx, Request{RequestID: "5", Op: "restoreFromSnapshot", Payload: mustMarshal(t, restoreSnapshotPayload{SnapshotBase64: snap.SnapshotBase64})})
	require.True(t, restoreResp.OK)

	readResp := w.Handle(ctx, Request{RequestID: "6", Op: "read", Payload: mustMarshal(t, rwPayload{
		HandleID:    a.HandleID,
		LBA:         0,
		LengthBytes: 512,
	})})
	require.True(t, readResp.OK)
	var rr readResult
	require.NoError(t, jsonAPI.Unmarshal(readResp.Result, &rr))
	data, err := base64Decode(rr.DataBase64)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted across restore"), data[:len("persisted across restore")])

	statsB := w.Handle(ctx, Request{RequestID: "7", Op: "stats", Payload: mustMarshal(t, handlePayload{HandleID: b.HandleID})})
	require.True(t, statsB.OK)
}
