package transfer

import (
	"context"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/registry"
)

// Replicator fills local gaps from the rest of the network: it lists
// every directory peer's catalog and fetches whatever is missing
// locally through the configured distributor.
type Replicator struct {
	directory *registry.Directory
	local     *catalog.Service
	remote    *catalog.Client
	dist      Distributor
}

// NewReplicator wires a replicator over the peer directory and the
// active distributor.
func NewReplicator(directory *registry.Directory, local *catalog.Service, remote *catalog.Client, dist Distributor) *Replicator {
	return &Replicator{
		directory: directory,
		local:     local,
		remote:    remote,
		dist:      dist,
	}
}

// Run performs one replication round and returns how many items were
// fetched. Unreachable peers and failed items are logged and skipped,
// a cancelled context stops the round.
func (r *Replicator) Run(ctx context.Context) (int, error) {
	peers := r.directory.ResolvePeers(ctx)
	if len(peers) == 0 {
		log.Infof("Replication round: no peers in directory")
		return 0, nil
	}

	have := make(map[string]map[string]bool)
	for category, items := range r.local.ListLocal() {
		have[category] = make(map[string]bool, len(items))
		for _, item := range items {
			have[category][item] = true
		}
	}

	self := r.directory.Self()
	fetched := 0
	for _, p := range peers {
		if p == self {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		for category, items := range r.remote.List(ctx, p) {
			for _, item := range items {
				if have[category][item] {
					continue
				}
				if err := ctx.Err(); err != nil {
					return fetched, err
				}
				if _, err := r.dist.Fetch(ctx, category, item); err != nil {
					log.Warnf("Failed to replicate %s/%s from the network: %v", category, item, err)
					continue
				}
				if have[category] == nil {
					have[category] = make(map[string]bool)
				}
				have[category][item] = true
				fetched++
			}
		}
	}

	log.Infof("Replication round complete: %d items fetched from %d peers", fetched, len(peers))
	return fetched, nil
}
