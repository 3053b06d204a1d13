package diskworker

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/orcaman/writerseeker"

	"github.com/wilsonzlin/aero-sub006/internal/aerosparse"
	"github.com/wilsonzlin/aero-sub006/internal/chunkeddisk"
	"github.com/wilsonzlin/aero-sub006/internal/overlay"
	"github.com/wilsonzlin/aero-sub006/internal/rangedisk"
	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

type snapshotEntryWire struct {
	HandleID string          `json:"handleId"`
	ReadOnly bool            `json:"readOnly"`
	Backend  json.RawMessage `json:"backend"`
}

type snapshotDoc struct {
	NextHandle uint64              `json:"nextHandle"`
	Handles    []snapshotEntryWire `json:"handles"`
}

func (w *Worker) opPrepareSnapshot(ctx context.Context, req Request) Response {
	w.mu.Lock()
	handles := make([]*handle, 0, len(w.handles))
	ids := make(map[*handle]string, len(w.handles))
	for id, h := range w.handles {
		handles = append(handles, h)
		ids[h] = id
	}
	nextHandle := w.nextHandle
	w.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].seq < handles[j].seq })

	for _, h := range handles {
		if err := h.disk.Flush(ctx); err != nil {
			return errResponse(req.RequestID, err)
		}
	}

	doc := snapshotDoc{NextHandle: nextHandle}
	for _, h := range handles {
		backendJSON, err := MarshalBackend(h.backend)
		if err != nil {
			return errResponse(req.RequestID, err)
		}
		doc.Handles = append(doc.Handles, snapshotEntryWire{
			HandleID: ids[h],
			ReadOnly: h.readOnly,
			Backend:  backendJSON,
		})
	}

	data, err := jsonAPI.Marshal(doc)
	if err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindIO, "encoding snapshot", err))
	}

	var buf writerseeker.WriterSeeker
	if _, err := buf.Write(data); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindIO, "buffering snapshot", err))
	}
	blob, err := io.ReadAll(buf.Reader())
	if err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindIO, "reading buffered snapshot", err))
	}

	return okResponse(req.RequestID, struct {
		SnapshotBase64 string `json:"snapshotBase64"`
	}{SnapshotBase64: base64Encode(blob)})
}

type restoreSnapshotPayload struct {
	SnapshotBase64 string `json:"snapshotBase64"`
}

// opRestoreFromSnapshot closes every currently open handle, then reopens
// every handle recorded in the snapshot in ascending order, preserving
// handle IDs. If any handle fails to reopen, every handle opened so far in
// this restore is closed and the error is returned, leaving the worker with
// no open handles rather than a half-restored set (spec §4.6 restore
// failure handling).
func (w *Worker) opRestoreFromSnapshot(ctx context.Context, req Request) Response {
	var p restoreSnapshotPayload
	if err := jsonAPI.Unmarshal(req.Payload, &p); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding restoreFromSnapshot payload", err))
	}
	raw, err := base64Decode(p.SnapshotBase64)
	if err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding snapshot bytes", err))
	}
	var doc snapshotDoc
	if err := jsonAPI.Unmarshal(raw, &doc); err != nil {
		return errResponse(req.RequestID, sectordisk.Wrap(sectordisk.KindCorrupt, "parsing snapshot document", err))
	}

	w.mu.Lock()
	for _, h := range w.handles {
		h.disk.Close()
	}
	w.handles = map[string]*handle{}
	w.mu.Unlock()

	opened := make([]*handle, 0, len(doc.Handles))
	openedIDs := make([]string, 0, len(doc.Handles))
	for i, entry := range doc.Handles {
		backend, err := UnmarshalBackend(entry.Backend)
		if err != nil {
			w.closeAll(opened)
			return errResponse(req.RequestID, err)
		}
		disk, err := w.openBackend(ctx, backend, entry.ReadOnly)
		if err != nil {
			w.closeAll(opened)
			return errResponse(req.RequestID, err)
		}
		h := &handle{seq: uint64(i), disk: disk, backend: backend, readOnly: entry.ReadOnly, telemetry: &Telemetry{}}
		opened = append(opened, h)
		openedIDs = append(openedIDs, entry.HandleID)
	}

	w.mu.Lock()
	for i, h := range opened {
		w.handles[openedIDs[i]] = h
	}
	maxSeq := doc.NextHandle
	if uint64(len(opened)) > maxSeq {
		maxSeq = uint64(len(opened))
	}
	w.nextHandle = maxSeq
	w.mu.Unlock()

	return okResponse(req.RequestID, nil)
}

func (w *Worker) closeAll(handles []*handle) {
	for _, h := range handles {
		h.disk.Close()
	}
}

// openBackend reconstructs a sectordisk.Disk from a Backend descriptor,
// recursing through OverlayBackend. Used by restore.
func (w *Worker) openBackend(ctx context.Context, b Backend, readOnly bool) (sectordisk.Disk, error) {
	switch v := b.(type) {
	case LocalBackend:
		return aerosparse.Open(v.Path, readOnly)
	case RemoteRangeBackend:
		cfg := w.cfg.Remote
		if v.ChunkSizeBytes > 0 {
			cfg.ChunkSizeBytes = v.ChunkSizeBytes
		}
		cfg.Identity = remotecache.Identity{
			ImageID:      v.ImageID,
			ImageVersion: v.ImageVersion,
			DeliveryType: "remoteRange",
		}
		lease := leaseForRemoteRange(v)
		client := remotecache.NewClient(nil, cfg.MaxRetries, 0)
		return rangedisk.Open(ctx, v.CacheDir, lease, client, cfg)
	case RemoteChunkedBackend:
		return chunkeddisk.Open(ctx, v.CacheDir, v.ManifestURL, nil, w.cfg.Chunked)
	case OverlayBackend:
		base, err := w.openBackend(ctx, v.Base, true)
		if err != nil {
			return nil, err
		}
		ov, err := w.openBackend(ctx, v.Overlay, false)
		if err != nil {
			base.Close()
			return nil, err
		}
		composed, err := overlay.New(base, ov, overlay.Options{})
		if err != nil {
			base.Close()
			ov.Close()
			return nil, err
		}
		return composed, nil
	default:
		return nil, sectordisk.Newf(sectordisk.KindInvalidConfig, "unknown backend type %T", b)
	}
}
