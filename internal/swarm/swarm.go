package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/registry"
	"github.com/setupshare/setupshare/internal/scan"
	"github.com/setupshare/setupshare/internal/transfer"
)

const (
	// TopicManifests carries gossip notifications about newly published
	// manifests.
	TopicManifests = "/setupshare/announce/1.0.0"

	// DefaultMaxProviders bounds how many providers a fetch dials.
	DefaultMaxProviders = 8

	registryTimeout = 5 * time.Second
	providerTimeout = 10 * time.Second
)

// AnnounceEvent is the JSON payload published on TopicManifests.
type AnnounceEvent struct {
	Category    string `json:"category"`
	ManifestID  string `json:"manifest_id"`
	TotalLength int64  `json:"total_length"`
}

// ManifestCID derives the content identifier a manifest is provided
// under in the DHT.
func ManifestCID(id string) (cid.Cid, error) {
	sum := sha256.Sum256([]byte(id))
	encoded, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

// ContentRouting is the slice of the DHT the distributor needs.
type ContentRouting interface {
	Provide(ctx context.Context, c cid.Cid, announce bool) error
	FindProvidersAsync(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo
}

// swarmHost is the slice of host.Host the distributor needs.
type swarmHost interface {
	streamOpener
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
}

// Options configure a swarm distributor.
type Options struct {
	PieceSize    int64
	Workers      int
	PieceRetries int
	MaxProviders int
	PieceTimeout time.Duration
}

// Distributor distributes whole category folders through the piece
// swarm. It exposes the same announce and fetch surface as the pull
// distributor, so the daemon selects one of the two by configuration.
type Distributor struct {
	host         swarmHost
	routing      ContentRouting
	store        registry.Store
	catalog      *catalog.Service
	gate         *scan.Gate
	seeder       *Seeder
	topic        *pubsub.Topic
	root         string
	pieceSize    int64
	maxProviders int

	download func(ctx context.Context, id string, peers []peer.ID, stagingDir string) (*Manifest, error)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewDistributor wires a distributor over the given host, DHT routing,
// registry store, and catalog. The gate and topic may be nil.
func NewDistributor(h swarmHost, routing ContentRouting, store registry.Store, cat *catalog.Service, gate *scan.Gate, seeder *Seeder, topic *pubsub.Topic, opts Options) *Distributor {
	d := &Distributor{
		host:         h,
		routing:      routing,
		store:        store,
		catalog:      cat,
		gate:         gate,
		seeder:       seeder,
		topic:        topic,
		root:         cat.Root(),
		pieceSize:    opts.PieceSize,
		maxProviders: opts.MaxProviders,
		locks:        make(map[string]*sync.Mutex),
	}
	if d.pieceSize <= 0 {
		d.pieceSize = DefaultPieceSize
	}
	if d.maxProviders <= 0 {
		d.maxProviders = DefaultMaxProviders
	}
	requester := NewRequester(h, opts.PieceTimeout)
	workers, retries := opts.Workers, opts.PieceRetries
	d.download = func(ctx context.Context, id string, peers []peer.ID, stagingDir string) (*Manifest, error) {
		return NewSession(requester, id, peers, workers, retries).Run(ctx, stagingDir)
	}
	return d
}

// Publish scans, manifests, and announces one local category folder.
func (d *Distributor) Publish(ctx context.Context, category string) (*Manifest, error) {
	dir := filepath.Join(d.root, category)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("category %s does not exist under %s", category, d.root)
	}
	if d.gate != nil {
		if err := d.gate.Verify(ctx, dir); err != nil {
			return nil, fmt.Errorf("refusing to publish %s: %w", category, err)
		}
	}
	m, err := Build(dir, d.pieceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest for %s: %w", category, err)
	}
	if err := m.Save(dir); err != nil {
		return nil, fmt.Errorf("failed to save manifest for %s: %w", category, err)
	}
	d.seeder.Add(category, dir, m)
	if err := d.announceOne(ctx, &Seeded{Category: category, Dir: dir, Manifest: m}); err != nil {
		log.Warnf("Failed to announce %s after publish: %v", category, err)
	}
	return m, nil
}

// PublishAll publishes every category folder under the share root and
// returns how many succeeded.
func (d *Distributor) PublishAll(ctx context.Context) int {
	categories := make([]string, 0)
	for category := range d.catalog.ListLocal() {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	published := 0
	for _, category := range categories {
		if _, err := d.Publish(ctx, category); err != nil {
			log.Warnf("Failed to publish %s: %v", category, err)
			continue
		}
		published++
	}
	return published
}

// Announce refreshes the registry pointer and DHT provider record for
// every seeded folder. Failures are logged, not returned, so periodic
// announce loops keep running.
func (d *Distributor) Announce(ctx context.Context) error {
	for _, sd := range d.seeder.All() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.announceOne(ctx, sd); err != nil {
			log.Warnf("Failed to announce %s: %v", sd.Category, err)
		}
	}
	return nil
}

// Fetch makes one item available locally, syncing its whole category
// folder from the swarm if needed, and returns the local path.
func (d *Distributor) Fetch(ctx context.Context, category, item string) (string, error) {
	if path, err := d.catalog.ResolveItem(category, item); err == nil {
		return path, nil
	}
	if _, err := d.FetchCategory(ctx, category); err != nil {
		return "", err
	}
	path, err := d.catalog.ResolveItem(category, item)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s is not part of the synced folder", transfer.ErrRemoteNotFound, category, item)
	}
	return path, nil
}

// FetchCategory syncs one category folder from the swarm into the share
// root and seeds it. If the folder is already seeded at the announced
// manifest it is left untouched.
func (d *Distributor) FetchCategory(ctx context.Context, category string) (string, error) {
	lock := d.categoryLock(category)
	lock.Lock()
	defer lock.Unlock()

	ptr, err := d.resolvePointer(ctx, category)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(d.root, category)
	if sd, ok := d.seeder.LookupCategory(category); ok {
		if sd.Manifest.ID() == ptr.ID {
			return sd.Dir, nil
		}
		log.Infof("Category %s has a newer manifest %s, refreshing", category, shortID(ptr.ID))
	} else if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: category %s exists locally without a manifest", transfer.ErrLocalIO, category)
	}

	peers, err := d.findProviders(ctx, ptr.ID)
	if err != nil {
		return "", err
	}

	staging := filepath.Join(d.root, ".staging-"+shortID(ptr.ID))
	os.RemoveAll(staging)
	m, err := d.download(ctx, ptr.ID, peers, staging)
	if err != nil {
		os.RemoveAll(staging)
		if errors.Is(err, ErrStagingIO) {
			return "", fmt.Errorf("%w: %v", transfer.ErrLocalIO, err)
		}
		return "", fmt.Errorf("%w: %v", transfer.ErrNetworkUnavailable, err)
	}

	if d.gate != nil {
		if err := d.gate.Check(ctx, staging); err != nil {
			os.RemoveAll(staging)
			if errors.Is(err, scan.ErrInfected) {
				return "", fmt.Errorf("%w: %v", transfer.ErrQuarantined, err)
			}
			return "", err
		}
	}

	if err := m.Save(staging); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("%w: %v", transfer.ErrLocalIO, err)
	}
	if err := d.install(category, staging, dest); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("%w: %v", transfer.ErrLocalIO, err)
	}

	d.seeder.Add(category, dest, m)
	if err := d.announceOne(ctx, &Seeded{Category: category, Dir: dest, Manifest: m}); err != nil {
		log.Warnf("Failed to announce %s after fetch: %v", category, err)
	}
	log.Infof("Fetched category %s (%s)", category, shortID(ptr.ID))
	return dest, nil
}

func (d *Distributor) resolvePointer(ctx context.Context, category string) (registry.ManifestPointer, error) {
	getCtx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()
	raw, err := d.store.Get(getCtx, registry.ManifestKey(category))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return registry.ManifestPointer{}, fmt.Errorf("%w: no published manifest for category %s", transfer.ErrRemoteNotFound, category)
		}
		return registry.ManifestPointer{}, fmt.Errorf("%w: registry lookup for %s: %v", transfer.ErrNetworkUnavailable, category, err)
	}
	ptr, err := registry.DecodeManifestPointer(raw)
	if err != nil {
		return registry.ManifestPointer{}, fmt.Errorf("%w: invalid manifest pointer for %s: %v", transfer.ErrRemoteNotFound, category, err)
	}
	return ptr, nil
}

// findProviders collects reachable providers of a manifest, dialing
// each before counting it.
func (d *Distributor) findProviders(ctx context.Context, id string) ([]peer.ID, error) {
	c, err := ManifestCID(id)
	if err != nil {
		return nil, err
	}
	findCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	var peers []peer.ID
	for ai := range d.routing.FindProvidersAsync(findCtx, c, d.maxProviders) {
		if ai.ID == "" || ai.ID == d.host.ID() {
			continue
		}
		connCtx, connCancel := context.WithTimeout(ctx, providerTimeout)
		err := d.host.Connect(connCtx, ai)
		connCancel()
		if err != nil {
			log.Debugf("Failed to connect to provider %s: %v", ai.ID, err)
			continue
		}
		peers = append(peers, ai.ID)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: no reachable providers for manifest %s", transfer.ErrNetworkUnavailable, shortID(id))
	}
	return peers, nil
}

// install moves the assembled staging folder into place, keeping the
// previous folder until the swap succeeds.
func (d *Distributor) install(category, staging, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		replaced := filepath.Join(d.root, ".replaced-"+category)
		os.RemoveAll(replaced)
		if err := os.Rename(dest, replaced); err != nil {
			return err
		}
		if err := os.Rename(staging, dest); err != nil {
			os.Rename(replaced, dest)
			return err
		}
		os.RemoveAll(replaced)
		return nil
	}
	return os.Rename(staging, dest)
}

func (d *Distributor) announceOne(ctx context.Context, sd *Seeded) error {
	id := sd.Manifest.ID()
	ptr := registry.ManifestPointer{
		ID:          id,
		PieceSize:   sd.Manifest.PieceSize,
		TotalLength: sd.Manifest.TotalLength,
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := ptr.Encode()
	if err != nil {
		return err
	}
	putCtx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()
	if err := d.store.Put(putCtx, registry.ManifestKey(sd.Category), data); err != nil {
		return fmt.Errorf("failed to publish manifest pointer: %w", err)
	}

	c, err := ManifestCID(id)
	if err != nil {
		return err
	}
	provCtx, provCancel := context.WithTimeout(ctx, providerTimeout)
	defer provCancel()
	if err := d.routing.Provide(provCtx, c, true); err != nil {
		return fmt.Errorf("failed to announce provider record: %w", err)
	}

	d.publishEvent(ctx, sd)
	return nil
}

// publishEvent is a best-effort gossip hint so idle peers learn about
// new manifests between replication rounds.
func (d *Distributor) publishEvent(ctx context.Context, sd *Seeded) {
	if d.topic == nil {
		return
	}
	event := AnnounceEvent{
		Category:    sd.Category,
		ManifestID:  sd.Manifest.ID(),
		TotalLength: sd.Manifest.TotalLength,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := d.topic.Publish(ctx, data); err != nil {
		log.Debugf("Failed to publish manifest announce event: %v", err)
	}
}

func (d *Distributor) categoryLock(category string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[category]
	if !ok {
		l = &sync.Mutex{}
		d.locks[category] = l
	}
	return l
}
