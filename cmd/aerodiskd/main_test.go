package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
	"github.com/wilsonzlin/aero-sub006/internal/diskworker"
)

func TestServeHandlesRequestLinePerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.aerosparse")
	require.NoError(t, aerosparse.Create(path, aerosparse.CreateOptions{DiskSizeBytes: 1 << 20, BlockSizeBytes: 4096}))

	w := diskworker.New(diskworker.Config{RuntimeDiskMaxIOBytes: 1 << 20})
	defer w.Shutdown()

	openPayload, err := json.Marshal(map[string]string{"path": path})
	require.NoError(t, err)

	in := strings.NewReader(`{"requestId":"1","op":"open","payload":` + string(openPayload) + "}\n")
	var out bytes.Buffer

	logger := logrus.New()
	require.NoError(t, serve(context.Background(), w, in, &out, logger))

	var resp diskworker.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.True(t, resp.OK)
	require.Equal(t, "1", resp.RequestID)
}

func TestServeSkipsBlankLinesAndReportsBadJSON(t *testing.T) {
	w := diskworker.New(diskworker.Config{RuntimeDiskMaxIOBytes: 1 << 20})
	defer w.Shutdown()

	in := strings.NewReader("\n" + `not json` + "\n")
	var out bytes.Buffer

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	require.NoError(t, serve(context.Background(), w, in, &out, logger))
	require.Empty(t, out.String())
}
