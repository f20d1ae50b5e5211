// Package bootstrap parses and dials the configured entry peers. Entry
// addresses must carry a peer ID so the security handshake can verify
// which peer was actually reached.
package bootstrap

import (
	"context"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("bootstrap")

// Peer is one configured entry peer.
type Peer struct {
	// Info carries the peer ID and addresses used to dial.
	Info peer.AddrInfo

	// Pinned reports whether the address named a peer ID. Unpinned
	// addresses cannot be verified during the handshake.
	Pinned bool

	// Raw is the original multiaddr string, kept for logging.
	Raw string
}

// Parse turns configured multiaddr strings into entry peers. Invalid
// addresses are logged and dropped, addresses without a peer ID are
// kept but marked unpinned.
func Parse(addresses []string) []Peer {
	peers := make([]Peer, 0, len(addresses))
	for _, addr := range addresses {
		p, err := parseOne(addr)
		if err != nil {
			log.Warnf("Ignoring invalid bootstrap address %s: %v", addr, err)
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

func parseOne(addr string) (Peer, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return Peer{}, err
	}
	if !hasPeerID(addr) {
		return Peer{
			Info:   peer.AddrInfo{Addrs: []multiaddr.Multiaddr{ma}},
			Pinned: false,
			Raw:    addr,
		}, nil
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return Peer{}, err
	}
	return Peer{Info: *info, Pinned: true, Raw: addr}, nil
}

func hasPeerID(addr string) bool {
	return strings.Contains(addr, "/p2p/") || strings.Contains(addr, "/ipfs/")
}

// Pinned filters to peers whose address named a peer ID.
func Pinned(peers []Peer) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.Pinned {
			out = append(out, p)
		}
	}
	return out
}

// Warnings reports configured addresses that lack a peer ID and will
// therefore be skipped when dialing.
func Warnings(addresses []string) []string {
	var warnings []string
	for _, addr := range addresses {
		if !hasPeerID(addr) {
			warnings = append(warnings,
				"bootstrap address "+addr+" lacks a peer ID, append /p2p/<PEER_ID> to use it")
		}
	}
	return warnings
}

// Connect dials every pinned entry peer concurrently and returns how
// many connections succeeded. The handshake rejects a peer whose
// identity does not match the pinned ID.
func Connect(ctx context.Context, h host.Host, peers []Peer) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, p := range Pinned(peers) {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			if err := h.Connect(ctx, p.Info); err != nil {
				log.Warnf("Failed to connect to bootstrap peer %s: %v", p.Info.ID, err)
				return
			}
			log.Infof("Connected to bootstrap peer %s", p.Info.ID)
			mu.Lock()
			connected++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return connected
}
