package vault

import "context"

// Fetcher downloads a URL to a path with progress reporting and answers a
// URL's upstream last-modified marker. vault/fetch.HTTPFetcher is the
// production implementation; Vault depends only on this interface so it
// never imports that package directly (accept interfaces, construct
// concretes at the composition root).
type Fetcher interface {
	DownloadTo(ctx context.Context, url, destination string, expectedSize int64, phase Phase, monitor Monitor) error
	LastModified(ctx context.Context, url string) (lastModified string, ok bool, err error)
}

// Decoder streams a .xz archive to a target path. vault/decode.XzDecoder is
// the production implementation.
type Decoder interface {
	DecodeTo(sourcePath, destPath string, monitor Monitor) error
}

// CatalogResolver maps a Query to the ImageInfo some image host publishes.
// vault/catalog.Registry is the production implementation.
type CatalogResolver interface {
	InfoFor(query Query) (*ImageInfo, error)
}

// Platform answers the platform-support questions that gate the non-alias
// and alias fetch paths. A permissive Platform (AllowAll) satisfies every
// check; a daemon composition root is expected to supply the real policy.
type Platform interface {
	ImageURLSupported() bool
	RemoteSupported(remoteName string) bool
	AliasSupported(release, remoteName string) bool
}

// AllowAll is a Platform that permits everything, suitable for tests and
// for single-remote deployments with no platform-specific restrictions.
type AllowAll struct{}

func (AllowAll) ImageURLSupported() bool                      { return true }
func (AllowAll) RemoteSupported(remoteName string) bool       { return true }
func (AllowAll) AliasSupported(release, remote string) bool   { return true }
