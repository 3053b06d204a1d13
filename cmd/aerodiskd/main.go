// Command aerodiskd is the minimal host process for the runtime disk
// worker: it reads newline-delimited JSON Requests from stdin and writes
// newline-delimited JSON Responses to stdout, one line per message, with
// binary read/write payloads base64-encoded inline (spec §4.6's one
// concrete transport over the transport-agnostic worker).
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/wilsonzlin/aero-sub006/internal/chunkeddisk"
	"github.com/wilsonzlin/aero-sub006/internal/config"
	"github.com/wilsonzlin/aero-sub006/internal/diskworker"
	"github.com/wilsonzlin/aero-sub006/internal/logging"
	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.Setup(logging.Options{Level: os.Getenv("AERODISK_LOG_LEVEL")})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	w := diskworker.New(diskworker.Config{
		RuntimeDiskMaxIOBytes: cfg.RuntimeDiskMaxIOBytes,
		Remote: remotecache.Config{
			ChunkSizeBytes:       cfg.ChunkSizeBytes,
			MaxConcurrentFetches: cfg.MaxConcurrentFetches,
			MaxRetries:           cfg.MaxRetries,
			RetryBaseDelayMs:     cfg.RetryBaseDelayMs,
			ReadAheadChunks:      cfg.ReadAheadChunks,
		},
		Chunked: chunkeddisk.Config{
			MaxConcurrentFetches: cfg.MaxConcurrentFetches,
			MaxRetries:           cfg.MaxRetries,
			RetryBaseDelayMs:     cfg.RetryBaseDelayMs,
			CacheLimitBytes:      cfg.CacheLimitBytes,
		},
	})
	defer w.Shutdown()

	logger.Info("aerodiskd ready, reading requests from stdin")
	return serve(context.Background(), w, os.Stdin, os.Stdout, logger)
}

func serve(ctx context.Context, w *diskworker.Worker, in io.Reader, out io.Writer, logger interface {
	Errorf(format string, args ...interface{})
}) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req diskworker.Request
		if err := jsonAPI.Unmarshal(line, &req); err != nil {
			logger.Errorf("decoding request: %v", err)
			continue
		}
		resp := w.Handle(ctx, req)
		if err := writeResponse(writer, resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	return scanner.Err()
}

func writeResponse(w *bufio.Writer, resp diskworker.Response) error {
	data, err := jsonAPI.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
