// Package node assembles the libp2p side of a daemon: the host, the
// Kademlia DHT that backs the registry, gossip, and local discovery.
package node

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/setupshare/setupshare/internal/bootstrap"
	"github.com/setupshare/setupshare/internal/config"
	"github.com/setupshare/setupshare/internal/registry"
	"github.com/setupshare/setupshare/internal/swarm"
)

var log = logging.Logger("node")

const (
	// ServiceVersion names the discovery namespace shared by all nodes.
	ServiceVersion = "setupshare/1.0.0"

	// MDNSServiceName is the mDNS service used for LAN discovery.
	MDNSServiceName = "setupshare-mdns"

	announceInterval = 30 * time.Second
	discoverInterval = 60 * time.Second
)

// Node is one peer in the sharing network.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	config *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the libp2p host with its DHT and gossip attached. The
// node does not touch the network until Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		config: cfg,
		ctx:    nodeCtx,
		cancel: cancel,
	}
	if err := n.init(); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	privKey, err := loadOrCreateKey(n.config.P2P.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.P2P.Listen))
	for _, addr := range n.config.P2P.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(
		64,
		n.config.P2P.MaxConns,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	var dhtRouting *dht.IpfsDHT
	n.host, err = libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.EnableHolePunching(),
		libp2p.EnableRelay(),
		libp2p.EnableRelayService(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/setupshare"),
				dht.Validator(record.NamespacedValidator{
					"pk":               record.PublicKeyValidator{},
					registry.Namespace: registry.Validator{},
				}),
			)
			return dhtRouting, err
		}),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.dht = dhtRouting

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	n.topic, err = n.pubsub.Join(swarm.TopicManifests)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", swarm.TopicManifests, err)
	}

	return nil
}

// Start brings the node onto the network: DHT bootstrap, entry peer
// dialing, gossip subscription, and discovery loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, w := range bootstrap.Warnings(n.config.P2P.Bootstrap) {
		log.Warnf("Bootstrap configuration: %s", w)
	}
	peers := bootstrap.Parse(n.config.P2P.Bootstrap)
	if pinned := bootstrap.Pinned(peers); len(pinned) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			connected := bootstrap.Connect(n.ctx, n.host, peers)
			log.Infof("Bootstrap dialing finished: %d/%d peers connected", connected, len(pinned))
		}()
	}

	sub, err := n.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", swarm.TopicManifests, err)
	}
	n.wg.Add(1)
	go n.handleManifestEvents(sub)

	if n.config.P2P.EnableMDNS {
		n.wg.Add(1)
		go n.runMDNS()
	}

	n.wg.Add(1)
	go n.runDiscovery()

	log.Infof("Node %s listening on %v", n.host.ID(), n.host.Addrs())
	return nil
}

// handleManifestEvents surfaces gossip announcements from other peers.
// Replication picks the content up on its next round.
func (n *Node) handleManifestEvents(sub *pubsub.Subscription) {
	defer n.wg.Done()
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			log.Warnf("Error reading manifest announcements: %v", err)
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var event swarm.AnnounceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Debugf("Ignoring malformed announce event from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		log.Infof("Peer %s announced category %s (%d bytes)", msg.ReceivedFrom, event.Category, event.TotalLength)
	}
}

// mdnsNotifee connects to peers discovered on the local network.
type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}
	log.Debugf("mDNS discovered peer %s", pi.ID)
	if err := m.host.Connect(m.ctx, pi); err != nil {
		log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
		return
	}
	log.Infof("Connected to mDNS peer %s", pi.ID)
}

func (n *Node) runMDNS() {
	defer n.wg.Done()

	service := mdns.NewMdnsService(n.host, MDNSServiceName, &mdnsNotifee{host: n.host, ctx: n.ctx})
	if err := service.Start(); err != nil {
		log.Warnf("Failed to start mDNS discovery: %v", err)
		return
	}
	defer service.Close()

	log.Infof("mDNS discovery started as %s", MDNSServiceName)
	<-n.ctx.Done()
}

// runDiscovery announces this node under the shared service namespace
// and periodically dials other announcers.
func (n *Node) runDiscovery() {
	defer n.wg.Done()

	sum := sha256.Sum256([]byte(ServiceVersion))
	encoded, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		log.Errorf("Failed to derive discovery namespace: %v", err)
		return
	}
	nsCID := cid.NewCidV1(cid.Raw, encoded)
	log.Infof("Discovery namespace: %s...", hex.EncodeToString(sum[:])[:16])

	announceTicker := time.NewTicker(announceInterval)
	defer announceTicker.Stop()
	discoverTicker := time.NewTicker(discoverInterval)
	defer discoverTicker.Stop()

	n.announce(nsCID)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-announceTicker.C:
			n.announce(nsCID)
		case <-discoverTicker.C:
			n.discover(nsCID)
		}
	}
}

func (n *Node) announce(nsCID cid.Cid) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.dht.Provide(ctx, nsCID, true); err != nil {
		log.Debugf("Namespace announce failed: %v", err)
	}
}

func (n *Node) discover(nsCID cid.Cid) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	for pi := range n.dht.FindProvidersAsync(ctx, nsCID, 20) {
		if pi.ID == n.host.ID() {
			continue
		}
		if n.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}
		go func(pi peer.AddrInfo) {
			connectCtx, connectCancel := context.WithTimeout(n.ctx, 10*time.Second)
			defer connectCancel()
			if err := n.host.Connect(connectCtx, pi); err != nil {
				log.Debugf("Failed to connect to discovered peer %s: %v", pi.ID, err)
				return
			}
			log.Infof("Connected to discovered peer %s", pi.ID)
		}(pi)
	}
}

// Stop shuts the node down and waits for its loops to exit.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// loadOrCreateKey loads the persisted identity key, generating and
// saving a fresh Ed25519 key on first run.
func loadOrCreateKey(keyPath string) (crypto.PrivKey, error) {
	if keyData, err := os.ReadFile(keyPath); err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(keyData)
		if err == nil {
			log.Infof("Loaded node identity from %s", keyPath)
			return privKey, nil
		}
		log.Warnf("Failed to unmarshal existing key, generating a new one: %v", err)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, keyData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	log.Infof("Generated new node identity at %s", keyPath)
	return privKey, nil
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the addresses the host is listening on.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// DHT returns the Kademlia DHT used for the registry and for content
// routing.
func (n *Node) DHT() *dht.IpfsDHT {
	return n.dht
}

// ManifestTopic returns the gossip topic manifest announcements are
// published on.
func (n *Node) ManifestTopic() *pubsub.Topic {
	return n.topic
}
