package remotecache

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/google/renameio"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// metaVersion is the only meta.json schema version this package accepts.
const metaVersion = 1

// maxMetaBytes bounds the metadata file itself (spec §6); anything larger is
// treated as absent rather than parsed.
const maxMetaBytes = 64 * 1024 * 1024

// Identity is the cache-directory identity tuple (spec §3/§4.4): a meta.json
// is only trusted to describe the resource a caller is asking for when every
// field here matches, independent of whatever URL happened to be used to
// reach it this time (URLs rotate under signed leases; this tuple doesn't).
type Identity struct {
	ImageID      string `json:"imageId"`
	ImageVersion string `json:"imageVersion"`
	DeliveryType string `json:"deliveryType"`
}

// Meta is the on-disk sidecar (meta.json) describing a cache directory's
// remote resource identity and chunking scheme.
type Meta struct {
	Version        int       `json:"version"`
	Identity       Identity  `json:"identity"`
	Validator      Validator `json:"validator"`
	ChunkSizeBytes int64     `json:"chunkSizeBytes"`
	TotalSizeBytes int64     `json:"totalSizeBytes"`
	Generation     uint64    `json:"generation"`
}

// loadMeta reads meta.json at path. A missing file, an oversized file, an
// unparseable file, or one stamped with an unsupported version are all
// treated identically to a cold cache: (nil, nil), never an error, so a
// corrupt sidecar can never block opening a disk (spec §6).
func loadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindIO, "reading cache metadata", err)
	}
	if int64(len(data)) > maxMetaBytes {
		return nil, nil
	}
	var m Meta
	if err := jsonAPI.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	if m.Version != metaVersion {
		return nil, nil
	}
	return &m, nil
}

func saveMeta(path string, m *Meta) error {
	data, err := jsonAPI.MarshalIndent(m, "", "  ")
	if err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "encoding cache metadata", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return sectordisk.Wrap(sectordisk.KindIO, "writing cache metadata", err)
	}
	return nil
}
