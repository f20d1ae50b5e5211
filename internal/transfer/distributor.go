package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/registry"
)

// Distributor is the capability a node uses to make local content
// available and to obtain remote content. The pull and swarm modes both
// implement it; the daemon picks one at startup and everything above
// speaks only this interface.
type Distributor interface {
	// Announce makes the local catalog discoverable. Best effort.
	Announce(ctx context.Context) error
	// Fetch obtains category/item and returns its local path.
	Fetch(ctx context.Context, category, item string) (string, error)
}

// PullDistributor implements pull-mode distribution: membership through
// the peer directory, item discovery by fanning out catalog queries,
// and a direct download from the first peer that lists the item.
type PullDistributor struct {
	directory *registry.Directory
	catalogs  *catalog.Client
	fetcher   *Fetcher
	destRoot  string
}

// NewPullDistributor wires the pull mode collaborators together.
// Fetched items land under destRoot/{category}/.
func NewPullDistributor(dir *registry.Directory, catalogs *catalog.Client, fetcher *Fetcher, destRoot string) *PullDistributor {
	return &PullDistributor{
		directory: dir,
		catalogs:  catalogs,
		fetcher:   fetcher,
		destRoot:  destRoot,
	}
}

func (d *PullDistributor) Announce(ctx context.Context) error {
	d.directory.Join(ctx)
	return nil
}

func (d *PullDistributor) Fetch(ctx context.Context, category, item string) (string, error) {
	self := d.directory.Self()
	var lastErr error

	for _, peer := range d.directory.ResolvePeers(ctx) {
		if peer == self {
			continue
		}
		if !listsItem(d.catalogs.ListCategory(ctx, peer, category), item) {
			continue
		}

		path, err := d.fetcher.Fetch(ctx, peer, category, item, filepath.Join(d.destRoot, category))
		if err == nil {
			return path, nil
		}
		log.Warnf("fetch of %s/%s from %s failed: %v", category, item, peer, err)
		lastErr = err
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: %s/%s not offered by any peer", ErrRemoteNotFound, category, item)
}

func listsItem(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
