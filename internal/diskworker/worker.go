// Package diskworker implements the runtime disk worker (spec §4.6): a
// single FIFO-ordered message dispatcher that opens, operates on, and
// snapshots/restores a set of disk handles.
package diskworker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
	"github.com/wilsonzlin/aero-sub006/internal/chunkeddisk"
	"github.com/wilsonzlin/aero-sub006/internal/overlay"
	"github.com/wilsonzlin/aero-sub006/internal/rangedisk"
	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// Telemetry is the per-handle counters exposed by the stats operation
// (spec §4.6): op counts and byte totals count every attempt, successful or
// not; the inflight gauges track operations currently in progress; the
// lastXxxMs timings are only updated on success.
type Telemetry struct {
	mu    sync.Mutex
	stats TelemetrySnapshot
}

// TelemetrySnapshot is a point-in-time, copyable view of a Telemetry.
type TelemetrySnapshot struct {
	Reads           int64 `json:"reads"`
	BytesRead       int64 `json:"bytesRead"`
	Writes          int64 `json:"writes"`
	BytesWritten    int64 `json:"bytesWritten"`
	Flushes         int64 `json:"flushes"`
	InflightReads   int64 `json:"inflightReads"`
	InflightWrites  int64 `json:"inflightWrites"`
	InflightFlushes int64 `json:"inflightFlushes"`
	LastReadMs      int64 `json:"lastReadMs"`
	LastWriteMs     int64 `json:"lastWriteMs"`
	LastFlushMs     int64 `json:"lastFlushMs"`
}

func (t *Telemetry) beginRead() {
	t.mu.Lock()
	t.stats.InflightReads++
	t.mu.Unlock()
}

func (t *Telemetry) endRead(n int, elapsed time.Duration, ok bool) {
	t.mu.Lock()
	t.stats.InflightReads--
	t.stats.Reads++
	t.stats.BytesRead += int64(n)
	if ok {
		t.stats.LastReadMs = elapsed.Milliseconds()
	}
	t.mu.Unlock()
}

func (t *Telemetry) beginWrite() {
	t.mu.Lock()
	t.stats.InflightWrites++
	t.mu.Unlock()
}

func (t *Telemetry) endWrite(n int, elapsed time.Duration, ok bool) {
	t.mu.Lock()
	t.stats.InflightWrites--
	t.stats.Writes++
	t.stats.BytesWritten += int64(n)
	if ok {
		t.stats.LastWriteMs = elapsed.Milliseconds()
	}
	t.mu.Unlock()
}

func (t *Telemetry) beginFlush() {
	t.mu.Lock()
	t.stats.InflightFlushes++
	t.mu.Unlock()
}

func (t *Telemetry) endFlush(elapsed time.Duration, ok bool) {
	t.mu.Lock()
	t.stats.InflightFlushes--
	t.stats.Flushes++
	if ok {
		t.stats.LastFlushMs = elapsed.Milliseconds()
	}
	t.mu.Unlock()
}

func (t *Telemetry) snapshot() TelemetrySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

type handle struct {
	seq       uint64
	disk      sectordisk.Disk
	backend   Backend
	readOnly  bool
	telemetry *Telemetry
}

// Config bundles the runtime tunables the worker enforces and hands down to
// remote-backed disks it opens.
type Config struct {
	RuntimeDiskMaxIOBytes int64
	Remote                remotecache.Config
	Chunked               chunkeddisk.Config
}

// Worker dispatches Requests one at a time, in the order they are submitted,
// against a map of open disk handles. Callers may call Handle concurrently;
// requests are serialized onto one internal goroutine so cross-request
// ordering is always FIFO, matching spec §5's single-threaded actor model.
type Worker struct {
	cfg Config

	jobs chan func()

	mu         sync.Mutex
	handles    map[string]*handle
	nextHandle uint64
}

// New creates a Worker and starts its dispatch goroutine.
func New(cfg Config) *Worker {
	w := &Worker{
		cfg:     cfg,
		jobs:    make(chan func(), 64),
		handles: make(map[string]*handle),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for job := range w.jobs {
		job()
	}
}

// Handle processes req and returns its Response. It blocks until every
// request submitted before it has completed.
func (w *Worker) Handle(ctx context.Context, req Request) Response {
	done := make(chan Response, 1)
	w.jobs <- func() {
		done <- w.dispatch(ctx, req)
	}
	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return errResponse(req.RequestID, ctx.Err())
	}
}

// Shutdown closes every open handle and stops the dispatch goroutine.
// Pending requests already enqueued are allowed to finish first.
func (w *Worker) Shutdown() {
	done := make(chan struct{})
	w.jobs <- func() {
		w.mu.Lock()
		for _, h := range w.handles {
			h.disk.Close()
		}
		w.handles = map[string]*handle{}
		w.mu.Unlock()
		close(done)
	}
	<-done
	close(w.jobs)
}

func (w *Worker) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case "open":
		return w.opOpen(ctx, req)
	case "openRemote":
		return w.opOpenRemote(ctx, req)
	case "openChunked":
		return w.opOpenChunked(ctx, req)
	case "close":
		return w.opClose(ctx, req)
	case "flush":
		return w.opFlush(ctx, req)
	case "clearCache":
		return w.opClearCache(ctx, req)
	case "read":
		return w.opRead(ctx, req)
	case "readInto":
		// Over this NDJSON transport there is no caller-owned shared buffer to
		// validate against — every payload carries its own length and is
		// bounds-checked against the handle's capacity the same as "read".
		return w.opRead(ctx, req)
	case "write":
		return w.opWrite(ctx, req)
	case "writeFrom":
		return w.opWrite(ctx, req)
	case "stats":
		return w.opStats(ctx, req)
	case "bench":
		return w.opBench(ctx, req)
	case "prepareSnapshot":
		return w.opPrepareSnapshot(ctx, req)
	case "restoreFromSnapshot":
		return w.opRestoreFromSnapshot(ctx, req)
	default:
		return errResponse(req.RequestID, sectordisk.Newf(sectordisk.KindInvalidConfig, "unknown op %q", req.Op))
	}
}

func kindOf(err error) (sectordisk.Kind, bool) {
	return sectordisk.As(err)
}

func (w *Worker) mintHandleID() (string, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.nextHandle
	w.nextHandle++
	return uuid.New().String(), seq
}

func (w *Worker) putHandle(id string, h *handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles[id] = h
}

func (w *Worker) getHandle(id string) (*handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[id]
	if !ok {
		return nil, sectordisk.Newf(sectordisk.KindNotFound, "no open handle %q", id)
	}
	return h, nil
}

// --- open ---

type openPayload struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly"`
	Overlay  *struct {
		Path string `json:"path"`
	} `json:"overlay,omitempty"`
}

// openResult is the reply shape shared by open/openRemote/openChunked (spec
// §4.6): the handle id plus the negotiated geometry of the disk it opened.
type openResult struct {
	HandleID      string `json:"handle"`
	SectorSize    int64  `json:"sectorSize"`
	CapacityBytes int64  `json:"capacityBytes"`
	ReadOnly      bool   `json:"readOnly"`
}

func newOpenResult(id string, disk sectordisk.Disk, readOnly bool) openResult {
	return openResult{
		HandleID:      id,
		SectorSize:    disk.SectorSize(),
		CapacityBytes: disk.CapacityBytes(),
		ReadOnly:      readOnly,
	}
}

func (w *Worker) opOpen(ctx context.Context, req Request) Response {
	var p openPayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding open payload", err))
	}

	base, err := aerosparse.Open(p.Path, p.ReadOnly && p.Overlay == nil)
	if err != nil {
		return errResponse(req.RequestID, err)
	}

	var disk sectordisk.Disk = base
	var backend Backend = LocalBackend{Path: p.Path}

	if p.Overlay != nil {
		ov, err := aerosparse.Open(p.Overlay.Path, false)
		if err != nil {
			base.Close()
			return errResponse(req.RequestID, err)
		}
		composed, err := overlay.New(base, ov, overlay.Options{})
		if err != nil {
			base.Close()
			ov.Close()
			return errResponse(req.RequestID, err)
		}
		disk = composed
		backend = OverlayBackend{Base: backend, Overlay: LocalBackend{Path: p.Overlay.Path}}
	}

	actualReadOnly := p.ReadOnly && p.Overlay == nil
	id, seq := w.mintHandleID()
	w.putHandle(id, &handle{seq: seq, disk: disk, backend: backend, readOnly: actualReadOnly, telemetry: &Telemetry{}})
	return okResponse(req.RequestID, newOpenResult(id, disk, actualReadOnly))
}

type openRemotePayload struct {
	URL            string `json:"url"`
	CacheDir       string `json:"cacheDir"`
	ChunkSizeBytes int64  `json:"chunkSizeBytes"`
	ImageID        string `json:"imageId"`
	ImageVersion   string `json:"imageVersion"`
}

func (w *Worker) opOpenRemote(ctx context.Context, req Request) Response {
	var p openRemotePayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding openRemote payload", err))
	}
	cfg := w.cfg.Remote
	if p.ChunkSizeBytes > 0 {
		cfg.ChunkSizeBytes = p.ChunkSizeBytes
	}
	cfg.Identity = remotecache.Identity{
		ImageID:      p.ImageID,
		ImageVersion: p.ImageVersion,
		DeliveryType: "remoteRange",
	}
	lease := remotecache.NewStaticLease(p.URL)
	client := remotecache.NewClient(nil, cfg.MaxRetries, time.Duration(cfg.RetryBaseDelayMs)*time.Millisecond)
	disk, err := rangedisk.Open(ctx, p.CacheDir, lease, client, cfg)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	id, seq := w.mintHandleID()
	backend := RemoteRangeBackend{URL: p.URL, CacheDir: p.CacheDir, ChunkSizeBytes: cfg.ChunkSizeBytes, ImageID: p.ImageID, ImageVersion: p.ImageVersion}
	w.putHandle(id, &handle{seq: seq, disk: disk, backend: backend, readOnly: true, telemetry: &Telemetry{}})
	return okResponse(req.RequestID, newOpenResult(id, disk, true))
}

type openChunkedPayload struct {
	ManifestURL string `json:"manifestUrl"`
	CacheDir    string `json:"cacheDir"`
}

func (w *Worker) opOpenChunked(ctx context.Context, req Request) Response {
	var p openChunkedPayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding openChunked payload", err))
	}
	disk, err := chunkeddisk.Open(ctx, p.CacheDir, p.ManifestURL, nil, w.cfg.Chunked)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	id, seq := w.mintHandleID()
	backend := RemoteChunkedBackend{ManifestURL: p.ManifestURL, CacheDir: p.CacheDir}
	w.putHandle(id, &handle{seq: seq, disk: disk, backend: backend, readOnly: true, telemetry: &Telemetry{}})
	return okResponse(req.RequestID, newOpenResult(id, disk, true))
}

// --- close / flush / clearCache ---

type handlePayload struct {
	HandleID string `json:"handleId"`
}

func (w *Worker) opClose(ctx context.Context, req Request) Response {
	var p handlePayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding close payload", err))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	if err := h.disk.Close(); err != nil {
		return errResponse(req.RequestID, err)
	}
	w.mu.Lock()
	delete(w.handles, p.HandleID)
	w.mu.Unlock()
	return okResponse(req.RequestID, nil)
}

func (w *Worker) opFlush(ctx context.Context, req Request) Response {
	var p handlePayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding flush payload", err))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	h.telemetry.beginFlush()
	start := time.Now()
	err = h.disk.Flush(ctx)
	h.telemetry.endFlush(time.Since(start), err == nil)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, nil)
}

func (w *Worker) opClearCache(ctx context.Context, req Request) Response {
	var p handlePayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding clearCache payload", err))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	switch d := h.disk.(type) {
	case *rangedisk.Disk:
		if err := d.ClearCache(ctx); err != nil {
			return errResponse(req.RequestID, err)
		}
	default:
		return errResponse(req.RequestID, sectordisk.New(sectordisk.KindInvalidConfig, "handle does not support clearCache"))
	}
	return okResponse(req.RequestID, nil)
}

// --- read / write ---

type rwPayload struct {
	HandleID   string `json:"handleId"`
	LBA        int64  `json:"lba"`
	LengthBytes int64  `json:"lengthBytes"`
	DataBase64 string `json:"dataBase64,omitempty"`
}

type readResult struct {
	DataBase64 string `json:"dataBase64"`
}

func (w *Worker) opRead(ctx context.Context, req Request) Response {
	var p rwPayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding read payload", err))
	}
	if w.cfg.RuntimeDiskMaxIOBytes > 0 && p.LengthBytes > w.cfg.RuntimeDiskMaxIOBytes {
		return errResponse(req.RequestID, sectordisk.Newf(sectordisk.KindInvalidConfig, "read length %d exceeds runtimeDiskMaxIOBytes %d", p.LengthBytes, w.cfg.RuntimeDiskMaxIOBytes))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	buf := make([]byte, p.LengthBytes)
	h.telemetry.beginRead()
	start := time.Now()
	err = h.disk.ReadSectors(ctx, p.LBA, buf)
	h.telemetry.endRead(len(buf), time.Since(start), err == nil)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, readResult{DataBase64: base64Encode(buf)})
}

func (w *Worker) opWrite(ctx context.Context, req Request) Response {
	var p rwPayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding write payload", err))
	}
	data, err := base64Decode(p.DataBase64)
	if err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding write payload data", err))
	}
	if w.cfg.RuntimeDiskMaxIOBytes > 0 && int64(len(data)) > w.cfg.RuntimeDiskMaxIOBytes {
		return errResponse(req.RequestID, sectordisk.Newf(sectordisk.KindInvalidConfig, "write length %d exceeds runtimeDiskMaxIOBytes %d", len(data), w.cfg.RuntimeDiskMaxIOBytes))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	h.telemetry.beginWrite()
	start := time.Now()
	err = h.disk.WriteSectors(ctx, p.LBA, data)
	h.telemetry.endWrite(len(data), time.Since(start), err == nil)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, nil)
}

// --- stats ---

type statsResult struct {
	SectorSize    int64             `json:"sectorSize"`
	CapacityBytes int64             `json:"capacityBytes"`
	Telemetry     TelemetrySnapshot `json:"telemetry"`
	RemoteStats   interface{}       `json:"remoteStats,omitempty"`
}

func (w *Worker) opStats(ctx context.Context, req Request) Response {
	var p handlePayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding stats payload", err))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	result := statsResult{
		SectorSize:    h.disk.SectorSize(),
		CapacityBytes: h.disk.CapacityBytes(),
		Telemetry:     h.telemetry.snapshot(),
	}
	switch d := h.disk.(type) {
	case *rangedisk.Disk:
		result.RemoteStats = d.Stats()
	case *chunkeddisk.Disk:
		result.RemoteStats = d.Stats()
	}
	return okResponse(req.RequestID, result)
}

// --- bench ---

type benchPayload struct {
	HandleID   string `json:"handleId"`
	ChunkBytes int64  `json:"chunkBytes"`
	TotalBytes int64  `json:"totalBytes"`
}

type benchResult struct {
	WriteBytesPerSec float64 `json:"writeBytesPerSec"`
	ReadBytesPerSec  float64 `json:"readBytesPerSec"`
	ElapsedMs        int64   `json:"elapsedMs"`
}

func (w *Worker) opBench(ctx context.Context, req Request) Response {
	var p benchPayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding bench payload", err))
	}
	h, err := w.getHandle(p.HandleID)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	result, err := runBench(ctx, h.disk, p.ChunkBytes, p.TotalBytes)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, result)
}
