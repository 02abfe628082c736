package catalog

import (
	"strings"

	"github.com/cochaviz/vmvault/vault"
)

// StaticHost serves a fixed, in-memory index of releases. It is the
// simplest possible Host implementation, useful for tests and for vendoring
// a small built-in catalog the way other_examples/royisme-vibebox__catalog.go
// embeds a whitelist of known VM images.
type StaticHost struct {
	Remote   string
	Releases []vault.ImageInfo
}

var _ Host = (*StaticHost)(nil)

func (h *StaticHost) SupportedRemotes() []string {
	return []string{h.Remote}
}

func (h *StaticHost) InfoFor(query vault.Query) (*vault.ImageInfo, error) {
	if query.RemoteName != "" && query.RemoteName != h.Remote {
		return nil, nil
	}
	for _, info := range h.Releases {
		if info.Release == query.Release {
			clone := info
			return &clone, nil
		}
		for _, alias := range info.Aliases {
			if alias == query.Release {
				clone := info
				return &clone, nil
			}
		}
	}
	if strings.EqualFold(query.Release, "default") && len(h.Releases) > 0 {
		clone := h.Releases[0]
		return &clone, nil
	}
	return nil, nil
}
