// Package vault implements a content-addressed cache and lifecycle manager
// for VM disk images, kernels, and initial ramdisks.
package vault

import "log/slog"

// Type distinguishes how a Query's Release field should be interpreted.
type Type int

const (
	// Alias means Release is a catalog alias such as "bionic" or "22.04".
	Alias Type = iota
	// HttpUrl means Release is a remote image URL.
	HttpUrl
	// LocalFile means Release is a path to an image already on disk.
	LocalFile
)

func (t Type) String() string {
	switch t {
	case Alias:
		return "alias"
	case HttpUrl:
		return "http_url"
	case LocalFile:
		return "local_file"
	default:
		return "unknown"
	}
}

// FetchType selects whether a kernel and initrd should accompany the image.
type FetchType int

const (
	// ImageOnly fetches just the disk image.
	ImageOnly FetchType = iota
	// ImageKernelAndInitrd additionally fetches a kernel and initrd. Alias
	// queries take their locations from the image's own catalog entry; URL
	// and local-file queries resolve them through a "default" alias lookup
	// across all remotes.
	ImageKernelAndInitrd
)

// Query is an immutable request to materialize an image.
type Query struct {
	// Name identifies the requesting instance. Empty means "catalog lookup
	// only" — no instance record is created or consulted.
	Name string
	// Release is an alias string for Type == Alias, or a URL/path for
	// Type == HttpUrl / LocalFile.
	Release string
	// Persistent exempts the resulting prepared record from age-based
	// expiry.
	Persistent bool
	// RemoteName selects a catalog adapter. Empty means "any", tried in
	// registration order.
	RemoteName string
	Type       Type
}

// LogValue lets a Query be logged as a structured group without the caller
// needing to spell out each field.
func (q Query) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", q.Name),
		slog.String("release", q.Release),
		slog.Bool("persistent", q.Persistent),
		slog.String("remote", q.RemoteName),
		slog.String("type", q.Type.String()),
	)
}
