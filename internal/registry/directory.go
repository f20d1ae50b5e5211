package registry

import (
	"context"
	"errors"
	"net"
	"time"
)

// PeersKey is the well-known registry key holding the shared peer list.
const PeersKey = "peers"

const requestTimeout = 5 * time.Second

// Directory maintains this node's membership in the shared peer list.
// Joining is read-merge-write: fetch the current set, union in our own
// address, write it back. Writes are best effort; a node that cannot
// reach the registry still serves content to anyone who finds it.
type Directory struct {
	store   Store
	self    PeerAddress
	timeout time.Duration
}

// NewDirectory returns a directory announcing self through store.
func NewDirectory(store Store, self PeerAddress) *Directory {
	return &Directory{store: store, self: self, timeout: requestTimeout}
}

// Self returns the address this directory announces.
func (d *Directory) Self() PeerAddress {
	return d.self
}

// Join merges this node's address into the shared peer list. The write
// happens even when the address is already present, which keeps the
// record alive past backend expiry. All failures are logged and
// swallowed.
func (d *Directory) Join(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	set := d.read(ctx)
	if set.Add(d.self) {
		log.Infof("joining peer list as %s (%d peers known)", d.self, set.Len())
	}

	data, err := set.Encode()
	if err != nil {
		log.Warnf("failed to encode peer list: %v", err)
		return
	}
	if err := d.store.Put(ctx, PeersKey, data); err != nil {
		log.Warnf("failed to announce %s to peer list: %v", d.self, err)
	}
}

// ResolvePeers returns a fresh snapshot of the shared peer list. Any
// failure yields an empty slice; callers treat that as "no peers right
// now", never as fatal.
func (d *Directory) ResolvePeers(ctx context.Context) []PeerAddress {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.read(ctx).Addresses()
}

// Announce re-joins on a fixed interval until ctx is cancelled, keeping
// this node's entry fresh.
func (d *Directory) Announce(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Join(ctx)
		}
	}
}

func (d *Directory) read(ctx context.Context) *PeerSet {
	data, err := d.store.Get(ctx, PeersKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Debugf("peer list read failed: %v", err)
		}
		return NewPeerSet()
	}
	set, err := DecodePeerSet(data)
	if err != nil {
		log.Warnf("discarding malformed peer list record: %v", err)
		return NewPeerSet()
	}
	return set
}

// DetectOutboundHost returns the local address the kernel picks for
// outbound traffic, falling back to loopback when detection fails. No
// packets are sent; the UDP dial only resolves a route.
func DetectOutboundHost() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
