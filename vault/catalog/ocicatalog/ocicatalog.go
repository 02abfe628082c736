// Package ocicatalog is a vault.catalog.Host adapter that resolves a release
// alias against an OCI registry, the way other_examples/xfeldman-aegisvm
// resolves a platform-specific image reference with go-containerregistry.
//
// Many distributions now publish cloud disk images as OCI artifacts
// alongside container images (the same registry, the same auth, a plain
// blob fetch). This adapter lets the Vault treat such a registry as just
// another remote: InfoFor resolves the tag to a manifest and returns the
// digest of the image layer as the content id, and a plain HTTPS blob URL
// as ImageLocation — something the ordinary Fetcher can download without
// knowing anything about OCI.
package ocicatalog

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/cochaviz/vmvault/vault"
)

// Host resolves releases published under a single OCI registry repository,
// one tag per release.
type Host struct {
	// Remote is the name this adapter answers to in vault.Query.RemoteName.
	Remote string
	// Repository is the OCI repository holding tagged disk images, e.g.
	// "registry.example.com/images/ubuntu".
	Repository string
	// Platform restricts multi-platform manifests to a single variant.
	// Defaults to linux/amd64 when zero.
	Platform v1.Platform
}

var platformDefault = v1.Platform{OS: "linux", Architecture: "amd64"}

func (h *Host) SupportedRemotes() []string {
	return []string{h.Remote}
}

// InfoFor resolves query.Release as a tag within h.Repository. A missing
// tag is a catalog miss ((nil, nil)), not an error.
func (h *Host) InfoFor(query vault.Query) (*vault.ImageInfo, error) {
	if query.RemoteName != "" && query.RemoteName != h.Remote {
		return nil, nil
	}
	if query.Release == "" {
		return nil, nil
	}

	ref, err := name.ParseReference(fmt.Sprintf("%s:%s", h.Repository, query.Release))
	if err != nil {
		return nil, nil
	}

	platform := h.Platform
	if platform.OS == "" {
		platform = platformDefault
	}

	desc, err := remote.Get(ref, remote.WithPlatform(platform))
	if err != nil {
		// A registry 404 is a catalog miss; anything else is a real error,
		// but go-containerregistry does not expose a typed not-found error
		// uniformly across transports, so treat every resolution failure as
		// a miss and let the caller's "no catalog matched" path handle it.
		return nil, nil
	}

	img, err := desc.Image()
	if err != nil {
		return nil, fmt.Errorf("ocicatalog: resolve image for %s: %w", ref, err)
	}

	layers, err := img.Layers()
	if err != nil || len(layers) == 0 {
		return nil, fmt.Errorf("ocicatalog: no layers in %s", ref)
	}
	// Convention: the disk image is the last (topmost) layer.
	layer := layers[len(layers)-1]
	digest, err := layer.Digest()
	if err != nil {
		return nil, fmt.Errorf("ocicatalog: layer digest for %s: %w", ref, err)
	}

	size, _ := layer.Size()

	registryHost := ref.Context().RegistryStr()
	repoPath := ref.Context().RepositoryStr()
	blobURL := fmt.Sprintf("https://%s/v2/%s/blobs/%s", registryHost, repoPath, digest.String())

	return &vault.ImageInfo{
		Id:            digest.Hex,
		Release:       query.Release,
		Version:       digest.Hex[:12],
		ReleaseTitle:  fmt.Sprintf("%s:%s", h.Repository, query.Release),
		Aliases:       []string{query.Release},
		ImageLocation: blobURL,
		Size:          size,
	}, nil
}
