// Package catalog maps remote names to image-host adapters and resolves a
// vault.Query to the ImageInfo one of them publishes.
package catalog

import (
	"fmt"

	"github.com/cochaviz/vmvault/vault"
)

// Host is the interface an image-host adapter must satisfy. Adapters must
// not call back into the Vault: the Registry holds only non-owning
// references, and the owning list of hosts outlives it.
type Host interface {
	// InfoFor resolves a query against this host's upstream index. A nil
	// *vault.ImageInfo with a nil error means "no match".
	InfoFor(query vault.Query) (*vault.ImageInfo, error)
	// SupportedRemotes lists the remote names this host answers for.
	SupportedRemotes() []string
}

// Registry holds an ordered list of image-host adapters and resolves
// queries to ImageInfo.
type Registry struct {
	hosts     []Host
	byRemote  map[string]Host
}

// New builds a Registry from hosts in the given order. Ties on a remote
// name resolve to the first host registered for it.
func New(hosts ...Host) *Registry {
	r := &Registry{
		hosts:    append([]Host(nil), hosts...),
		byRemote: make(map[string]Host),
	}
	for _, host := range hosts {
		for _, remote := range host.SupportedRemotes() {
			if _, exists := r.byRemote[remote]; !exists {
				r.byRemote[remote] = host
			}
		}
	}
	return r
}

// InfoFor resolves query: a non-empty RemoteName must name a registered
// host; an empty RemoteName tries every host in registration order and
// returns the first match.
func (r *Registry) InfoFor(query vault.Query) (*vault.ImageInfo, error) {
	if query.RemoteName != "" {
		host, ok := r.byRemote[query.RemoteName]
		if !ok {
			return nil, &vault.Error{Kind: vault.UnknownRemote, Message: fmt.Sprintf("remote %q is unknown", query.RemoteName)}
		}
		info, err := host.InfoFor(query)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, &vault.Error{Kind: vault.NoMatch, Message: fmt.Sprintf("unable to find an image matching %q", query.Release)}
		}
		return info, nil
	}

	for _, host := range r.hosts {
		info, err := host.InfoFor(query)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	}
	return nil, &vault.Error{Kind: vault.NoMatch, Message: fmt.Sprintf("unable to find an image matching %q", query.Release)}
}
