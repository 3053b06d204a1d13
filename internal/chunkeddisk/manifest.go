package chunkeddisk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/wilsonzlin/aero-sub006/internal/remotecache"
	"github.com/wilsonzlin/aero-sub006/internal/sectordisk"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ManifestSchema is the only manifest format version this package accepts.
const ManifestSchema = "aero.chunked-disk-image.v1"

// maxManifestBytes bounds the manifest JSON document itself (spec §6).
const maxManifestBytes = 64 * 1024 * 1024

// maxManifestChunks bounds how many chunk entries a manifest may declare
// (spec §6).
const maxManifestChunks = 1_000_000

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ChunkEntry describes one chunk in a chunked disk's manifest.
type ChunkEntry struct {
	SizeBytes int64  `json:"size"`
	SHA256    string `json:"sha256"`
}

// Manifest is the remote chunked-disk descriptor (spec §4.5): an image
// identity, total size, and the ordered list of per-chunk metadata. Chunk
// bytes themselves are not addressed in the manifest; they are derived
// relative to the manifest's own URL (see ChunkURL).
type Manifest struct {
	Schema          string       `json:"schema"`
	ImageID         string       `json:"imageId"`
	Version         int          `json:"version"`
	MimeType        string       `json:"mimeType"`
	TotalSizeBytes  int64        `json:"totalSize"`
	ChunkSizeBytes  int64        `json:"chunkSize"`
	ChunkCount      int64        `json:"chunkCount"`
	ChunkIndexWidth int          `json:"chunkIndexWidth"`
	Chunks          []ChunkEntry `json:"chunks"`

	baseURL *url.URL
}

// FetchManifest retrieves and parses the manifest document at manifestURL.
func FetchManifest(ctx context.Context, httpClient *http.Client, manifestURL string) (*Manifest, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindInvalidConfig, "parsing manifest url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindIO, "building manifest request", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindIO, "fetching manifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, sectordisk.Newf(sectordisk.KindIO, "manifest request returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindIO, "reading manifest body", err)
	}
	if len(body) > maxManifestBytes {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "manifest exceeds %d bytes", maxManifestBytes)
	}
	var m Manifest
	if err := jsonAPI.Unmarshal(body, &m); err != nil {
		return nil, sectordisk.Wrap(sectordisk.KindCorrupt, "parsing manifest", err)
	}
	m.baseURL = base
	if m.Schema != ManifestSchema {
		return nil, sectordisk.Newf(sectordisk.KindCorrupt, "unsupported manifest schema %q", m.Schema)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Version != 1 {
		return sectordisk.Newf(sectordisk.KindCorrupt, "unsupported manifest version %d", m.Version)
	}
	if m.TotalSizeBytes <= 0 {
		return sectordisk.New(sectordisk.KindCorrupt, "manifest totalSize must be positive")
	}
	if m.ChunkSizeBytes <= 0 {
		return sectordisk.New(sectordisk.KindCorrupt, "manifest chunkSize must be positive")
	}
	if m.ChunkIndexWidth <= 0 {
		return sectordisk.New(sectordisk.KindCorrupt, "manifest chunkIndexWidth must be positive")
	}
	if len(m.Chunks) > maxManifestChunks {
		return sectordisk.Newf(sectordisk.KindCorrupt, "manifest declares %d chunks, exceeding the %d limit", len(m.Chunks), maxManifestChunks)
	}
	if m.ChunkCount != int64(len(m.Chunks)) {
		return sectordisk.Newf(sectordisk.KindCorrupt, "manifest chunkCount %d does not match chunks.length %d", m.ChunkCount, len(m.Chunks))
	}
	wantChunks := (m.TotalSizeBytes + m.ChunkSizeBytes - 1) / m.ChunkSizeBytes
	if m.ChunkCount != wantChunks {
		return sectordisk.Newf(sectordisk.KindCorrupt, "manifest declares %d chunks, expected %d for totalSize/chunkSize", m.ChunkCount, wantChunks)
	}
	var sum int64
	last := len(m.Chunks) - 1
	for i, c := range m.Chunks {
		if i < last {
			if c.SizeBytes != m.ChunkSizeBytes {
				return sectordisk.Newf(sectordisk.KindCorrupt, "manifest chunk %d has size %d, expected chunkSize %d", i, c.SizeBytes, m.ChunkSizeBytes)
			}
		} else if c.SizeBytes <= 0 || c.SizeBytes > m.ChunkSizeBytes {
			return sectordisk.Newf(sectordisk.KindCorrupt, "manifest final chunk %d has size %d, must be in (0, chunkSize]", i, c.SizeBytes)
		}
		sum += c.SizeBytes
		digest := strings.ToLower(strings.TrimSpace(c.SHA256))
		if !sha256HexPattern.MatchString(digest) {
			return sectordisk.Newf(sectordisk.KindCorrupt, "manifest chunk %d has a malformed sha256 digest", i)
		}
		m.Chunks[i].SHA256 = digest
	}
	if sum != m.TotalSizeBytes {
		return sectordisk.Newf(sectordisk.KindCorrupt, "manifest chunk sizes sum to %d, expected totalSize %d", sum, m.TotalSizeBytes)
	}
	return nil
}

// ChunkURL returns the absolute URL for chunk index, derived as
// chunks/{index zero-padded to chunkIndexWidth}.bin relative to the
// manifest's own URL (spec §4.5) — chunk bytes are never separately listed
// in the manifest itself.
func (m *Manifest) ChunkURL(index int64) (string, error) {
	name := fmt.Sprintf("chunks/%0*d.bin", m.ChunkIndexWidth, index)
	ref, err := url.Parse(name)
	if err != nil {
		return "", sectordisk.Wrap(sectordisk.KindInvalidConfig, "building chunk url", err)
	}
	return m.baseURL.ResolveReference(ref).String(), nil
}

// chunkLease wraps a single chunk's derived URL as a remotecache.Lease,
// since each chunk in a manifest is independently addressed (unlike
// rangedisk, which leases one URL for the whole resource).
type chunkLease struct {
	url string
}

func (l *chunkLease) URL(ctx context.Context) (string, error) { return l.url, nil }
func (l *chunkLease) Refresh(ctx context.Context) error       { return nil }

var _ remotecache.Lease = (*chunkLease)(nil)
