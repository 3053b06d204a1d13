package remotecache

import "context"

// Lease resolves the URL a remote disk should be fetched from. Most callers
// use StaticLease; the interface exists for hosts that mint short-lived
// signed URLs and need to rotate them on 401/403 (spec §4.4 "Lease mode").
type Lease interface {
	// URL returns the current URL to fetch from.
	URL(ctx context.Context) (string, error)

	// Refresh asks the lease to mint a new URL. Client.FetchRange calls it at
	// most once per call, after the first attempt that comes back 401 or 403.
	Refresh(ctx context.Context) error
}

// StaticLease is a Lease over a URL that never changes.
type StaticLease struct {
	url string
}

// NewStaticLease wraps a fixed URL as a Lease.
func NewStaticLease(url string) *StaticLease {
	return &StaticLease{url: url}
}

func (s *StaticLease) URL(ctx context.Context) (string, error) { return s.url, nil }
func (s *StaticLease) Refresh(ctx context.Context) error       { return nil }
