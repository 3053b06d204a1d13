package diskworker

import (
	"encoding/json"

	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

// Backend is a tagged descriptor of how an open disk's underlying storage
// was constructed. Every concrete type below has a Kind() discriminator, and
// the set is closed: snapshot/restore only ever needs to round-trip these
// four shapes (spec §3 "Backend snapshot").
type Backend interface {
	Kind() string
}

// LocalBackend addresses a plain local aero-sparse file.
type LocalBackend struct {
	Path string `json:"path"`
}

func (LocalBackend) Kind() string { return "local" }

// RemoteRangeBackend addresses a remote HTTP range-fetched resource cached
// locally in CacheDir.
type RemoteRangeBackend struct {
	URL            string `json:"url"`
	CacheDir       string `json:"cacheDir"`
	ChunkSizeBytes int64  `json:"chunkSizeBytes"`
	ImageID        string `json:"imageId,omitempty"`
	ImageVersion   string `json:"imageVersion,omitempty"`
}

func (RemoteRangeBackend) Kind() string { return "remoteRange" }

// RemoteChunkedBackend addresses a remote chunked-manifest resource cached
// locally in CacheDir.
type RemoteChunkedBackend struct {
	ManifestURL string `json:"manifestUrl"`
	CacheDir    string `json:"cacheDir"`
}

func (RemoteChunkedBackend) Kind() string { return "remoteChunked" }

// OverlayBackend composes a read-only Base with a writable Overlay. Both
// fields are themselves Backend descriptors, so an overlay-of-a-remote-disk
// round-trips as a single nested tree.
type OverlayBackend struct {
	Base    Backend `json:"base"`
	Overlay Backend `json:"overlay"`
}

func (OverlayBackend) Kind() string { return "overlay" }

// MarshalBackend encodes any Backend implementation as {"kind": ..., ...},
// recursing into OverlayBackend's nested descriptors so the whole tree
// carries its own kind tags.
func MarshalBackend(b Backend) ([]byte, error) {
	switch v := b.(type) {
	case LocalBackend:
		return jsonAPI.Marshal(struct {
			Kind string `json:"kind"`
			LocalBackend
		}{Kind: v.Kind(), LocalBackend: v})
	case RemoteRangeBackend:
		return jsonAPI.Marshal(struct {
			Kind string `json:"kind"`
			RemoteRangeBackend
		}{Kind: v.Kind(), RemoteRangeBackend: v})
	case RemoteChunkedBackend:
		return jsonAPI.Marshal(struct {
			Kind string `json:"kind"`
			RemoteChunkedBackend
		}{Kind: v.Kind(), RemoteChunkedBackend: v})
	case OverlayBackend:
		baseJSON, err := MarshalBackend(v.Base)
		if err != nil {
			return nil, err
		}
		overlayJSON, err := MarshalBackend(v.Overlay)
		if err != nil {
			return nil, err
		}
		return jsonAPI.Marshal(struct {
			Kind    string          `json:"kind"`
			Base    json.RawMessage `json:"base"`
			Overlay json.RawMessage `json:"overlay"`
		}{Kind: v.Kind(), Base: baseJSON, Overlay: overlayJSON})
	default:
		return nil, sectordisk.Newf(sectordisk.KindInvalidConfig, "unknown backend type %T", b)
	}
}

// UnmarshalBackend decodes a {"kind": "...", ...} document into the matching
// concrete Backend type, recursing into nested base/overlay fields.
func UnmarshalBackend(data []byte) (Backend, error) {
	var peek struct {
		Kind string `json:"kind"`
	}
	if err := jsonAPI.Unmarshal(data, &peek); err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding backend kind", err)
	}
	switch peek.Kind {
	case "local":
		var b LocalBackend
		if err := jsonAPI.Unmarshal(data, &b); err != nil {
			return nil, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding local backend", err)
		}
		return b, nil
	case "remoteRange":
		var b RemoteRangeBackend
		if err := jsonAPI.Unmarshal(data, &b); err != nil {
			return nil, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding remoteRange backend", err)
		}
		return b, nil
	case "remoteChunked":
		var b RemoteChunkedBackend
		if err := jsonAPI.Unmarshal(data, &b); err != nil {
			return nil, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding remoteChunked backend", err)
		}
		return b, nil
	case "overlay":
		var raw struct {
			Base    json.RawMessage `json:"base"`
			Overlay json.RawMessage `json:"overlay"`
		}
		if err := jsonAPI.Unmarshal(data, &raw); err != nil {
			return nil, sectordisk.Wrap(sectordisk.KindInvalidConfig, "decoding overlay backend", err)
		}
		base, err := UnmarshalBackend(raw.Base)
		if err != nil {
			return nil, err
		}
		overlay, err := UnmarshalBackend(raw.Overlay)
		if err != nil {
			return nil, err
		}
		return OverlayBackend{Base: base, Overlay: overlay}, nil
	default:
		return nil, sectordisk.Newf(sectordisk.KindInvalidConfig, "unknown backend kind %q", peek.Kind)
	}
}

// leaseForRemoteRange is a convenience used by Worker.openBackend; remote
// range backends in this implementation always resolve to a StaticLease over
// URL (no signed-URL rotation at the descriptor level — a host that needs
// Lease rotation constructs the rangedisk.Disk itself and only hands the
// worker an already-open handle via a future extension point).
func leaseForRemoteRange(b RemoteRangeBackend) remotecache.Lease {
	return remotecache.NewStaticLease(b.URL)
}
