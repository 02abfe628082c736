package vault

import (
	"log/slog"
	"time"
)

// ImageInfo is what a catalog returns for a Query: the upstream's
// description of a named release.
type ImageInfo struct {
	// Id is the upstream-declared SHA-256 hex digest of the image.
	Id            string
	Release       string
	Version       string
	ReleaseTitle  string
	Aliases       []string
	ImageLocation string
	KernelLocation string
	InitrdLocation string
	// Size is the expected byte size of ImageLocation, or -1 if unknown.
	Size int64
}

// VMImage is a materialized artifact on disk: either a prepared (shared)
// image or a per-instance copy of one.
type VMImage struct {
	ImagePath  string
	KernelPath string
	InitrdPath string
	// Id is the content identifier: the upstream hash for aliases, or the
	// SHA-256 of the URL string for HTTP queries. Local-file images carry
	// no Id.
	Id string
	// OriginalRelease is the release title as first seen from the catalog.
	OriginalRelease string
	// CurrentRelease tracks what the image has been refreshed to, if ever.
	CurrentRelease string
	// ReleaseDate is a free-form upstream marker (an HTTP Last-Modified
	// value for URL images) used for staleness comparison, not parsed.
	ReleaseDate string
	Aliases     []string
}

func (img VMImage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", img.Id),
		slog.String("image_path", img.ImagePath),
		slog.String("release", img.CurrentRelease),
	)
}

// VaultRecord is a persisted cache entry: the materialized image, the query
// that produced it, and when it was last touched.
type VaultRecord struct {
	Image        VMImage
	Query        Query
	LastAccessed time.Time
}
