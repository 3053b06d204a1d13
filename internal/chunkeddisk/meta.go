package chunkeddisk

import (
	"os"

	"github.com/google/renameio"

	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// chunkedMetaVersion is the only cache-metadata schema version this package
// accepts; an unreadable or older-version file is treated as a cold cache.
const chunkedMetaVersion = 1

// chunkedMeta persists everything needed to trust a reopened local cache
// without refetching: the image identity tuple the spec requires
// (imageId, version, chunkSizeBytes, totalSizeBytes) plus the LRU
// bookkeeping (populated bitmap, per-chunk access tick, running cached
// size) that would otherwise reset to cold on every process restart.
type chunkedMeta struct {
	Version         int      `json:"version"`
	ImageID         string   `json:"imageId"`
	ManifestVersion int      `json:"manifestVersion"`
	ChunkSizeBytes  int64    `json:"chunkSizeBytes"`
	TotalSizeBytes  int64    `json:"totalSizeBytes"`
	Populated       []bool   `json:"populated"`
	LastAccess      []uint64 `json:"lastAccess"`
	AccessTick      uint64   `json:"accessTick"`
	CachedSize      int64    `json:"cachedSize"`
}

// loadChunkedMeta reads meta.json at path. A missing file, an unreadable
// file, or one stamped with an unsupported version all return (nil, nil) —
// the caller treats this the same as no prior cache.
func loadChunkedMeta(path string) (*chunkedMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}
	if int64(len(data)) > maxManifestBytes {
		return nil, sectordisk.New(sectordisk.KindCorrupt, "chunked cache meta exceeds size cap")
	}
	var m chunkedMeta
	if err := jsonAPI.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	if m.Version != chunkedMetaVersion {
		return nil, nil
	}
	return &m, nil
}

// saveChunkedMeta atomically writes meta.json via write-temp-then-rename, so
// a crash mid-write cannot leave a torn or half-updated metadata file.
func saveChunkedMeta(path string, m *chunkedMeta) error {
	data, err := jsonAPI.Marshal(m)
	if err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "marshaling chunked cache meta", err)
	}
	return renameio.WriteFile(path, data, 0o644)
}
