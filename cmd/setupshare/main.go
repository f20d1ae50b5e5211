// Package main provides the setupshare command line interface: the
// sharing daemon plus one-shot verbs for browsing and moving setups.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/spf13/cobra"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/config"
	"github.com/setupshare/setupshare/internal/firewall"
	"github.com/setupshare/setupshare/internal/node"
	"github.com/setupshare/setupshare/internal/registry"
	"github.com/setupshare/setupshare/internal/scan"
	"github.com/setupshare/setupshare/internal/swarm"
	"github.com/setupshare/setupshare/internal/transfer"
)

var log = logging.Logger("setupshare")

const (
	// dhtWarmup bounds how long one-shot commands wait for the routing
	// table to fill after bootstrap before querying.
	dhtWarmup = 15 * time.Second

	replicateInterval = 5 * time.Minute
)

var rootCmd = &cobra.Command{
	Use:   "setupshare",
	Short: "SetupShare - peer-to-peer sharing for sim racing setup files",
	Long: `setupshare shares folders of car setup files with other sim racers.
Every node serves its own library over HTTP and finds peers through a
shared registry (Kademlia DHT or etcd). Swarm mode adds piece-level
folder distribution so popular setups spread without a central server.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sharing daemon",
	Long: `Serve the local setup library to peers, keep the registry entry
fresh, and in swarm mode seed published folders to the piece swarm.`,
	RunE: runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE:  runInit,
}

var listCmd = &cobra.Command{
	Use:   "list <category>",
	Short: "List setups for a category across all peers",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <peer> <category> <item>",
	Short: "Download one setup file from a named peer (host:port)",
	Args:  cobra.ExactArgs(3),
	RunE:  runFetch,
}

var publishCmd = &cobra.Command{
	Use:   "publish [category...]",
	Short: "Build and announce swarm manifests for local folders",
	Long: `Build piece manifests for the named category folders (all folders
when none are named), register their pointers, and announce them.`,
	RunE: runPublish,
}

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Fetch everything peers offer that is missing locally",
	Args:  cobra.NoArgs,
	RunE:  runReplicate,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override the transfer listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(replicateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.HTTP.Listen = listenAddr
	}
	if cfg.Mode != "pull" && cfg.Mode != "swarm" {
		return fmt.Errorf("unknown mode %q, want pull or swarm", cfg.Mode)
	}

	svc := catalog.New(cfg.Share.Root, cfg.Share.Extension)
	gate := buildGate(cfg)

	log.Infof("Scanning %s before sharing...", cfg.Share.Root)
	if err := gate.Verify(ctx, cfg.Share.Root); err != nil {
		return fmt.Errorf("refusing to share %s: %w", cfg.Share.Root, err)
	}

	self, err := selfAddress(cfg)
	if err != nil {
		return err
	}

	var n *node.Node
	if cfg.Mode == "swarm" || cfg.Registry.Backend == "dht" {
		if n, err = openNode(ctx, cfg); err != nil {
			return err
		}
		defer func() {
			if err := n.Stop(); err != nil {
				log.Warnf("Node shutdown: %v", err)
			}
		}()
		log.Infof("Peer ID: %s", n.PeerID())
		for _, addr := range n.ListenAddrs() {
			log.Infof("Listening on: %s", addr)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer closeStore()

	dir := registry.NewDirectory(store, self)

	var dist transfer.Distributor
	if cfg.Mode == "swarm" {
		sd, seeder, limiter := buildSwarm(n, store, svc, gate, cfg)
		defer limiter.Close()

		if loaded, err := seeder.LoadShareRoot(cfg.Share.Root); err != nil {
			log.Warnf("Reseeding share root: %v", err)
		} else if loaded > 0 {
			log.Infof("Reseeding %d folders from saved manifests", loaded)
		}
		for _, category := range sortedCategories(svc) {
			if _, ok := seeder.LookupCategory(category); ok {
				continue
			}
			if _, err := sd.Publish(ctx, category); err != nil {
				log.Warnf("Failed to publish %s: %v", category, err)
			}
		}
		dist = sd
	} else {
		dist = transfer.NewPullDistributor(dir, catalog.NewClient(0), transfer.NewFetcher(gate, 0), cfg.Share.Root)
	}

	dir.Join(ctx)
	go dir.Announce(ctx, cfg.Registry.AnnounceEvery())
	if err := dist.Announce(ctx); err != nil {
		log.Warnf("Initial announce failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(cfg.Registry.AnnounceEvery())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dist.Announce(ctx); err != nil {
					log.Debugf("Announce failed: %v", err)
				}
			}
		}
	}()

	if cfg.AutoReplicate {
		rep := transfer.NewReplicator(dir, svc, catalog.NewClient(0), dist)
		go func() {
			ticker := time.NewTicker(replicateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := rep.Run(ctx); err != nil {
						log.Warnf("Replication round failed: %v", err)
					}
				}
			}
		}()
	}

	srv := transfer.NewServer(cfg.HTTP.Listen, transfer.NewHandler(svc, gate, cfg.Mode, self.String()))
	go func() {
		log.Infof("Transfer API listening on %s, announcing as %s", cfg.HTTP.Listen, self)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Transfer server error: %v", err)
		}
	}()

	if cfg.Firewall.Manage {
		go firewall.AllowInbound(ctx, self.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Transfer server shutdown: %v", err)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if err := os.MkdirAll(cfg.Share.Root, 0755); err != nil {
		return fmt.Errorf("failed to create share root: %w", err)
	}
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	log.Infof("Initialized configuration at %s (share root %s)", path, cfg.Share.Root)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	category := args[0]

	var n *node.Node
	if cfg.Registry.Backend == "dht" {
		if n, err = openNode(ctx, cfg); err != nil {
			return err
		}
		defer func() { _ = n.Stop() }()
	}
	store, closeStore, err := openStore(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer closeStore()

	self, err := selfAddress(cfg)
	if err != nil {
		return err
	}
	peers := registry.NewDirectory(store, self).ResolvePeers(ctx)
	if len(peers) == 0 {
		return fmt.Errorf("no peers registered")
	}

	client := catalog.NewClient(0)
	found := 0
	for _, peer := range peers {
		for _, item := range client.ListCategory(ctx, peer, category) {
			fmt.Printf("%s - %s\n", peer, item)
			found++
		}
	}
	if found == 0 {
		fmt.Printf("no setups found for %s\n", category)
	}
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	peer, err := registry.ParsePeerAddress(args[0])
	if err != nil {
		return err
	}
	category, item := args[1], args[2]

	fetcher := transfer.NewFetcher(buildGate(cfg), 0)
	path, err := fetcher.Fetch(ctx, peer, category, item, filepath.Join(cfg.Share.Root, category))
	if err != nil {
		return fmt.Errorf("fetch of %s/%s from %s failed: %w", category, item, peer, err)
	}
	fmt.Printf("Downloaded %s to %s\n", item, path)
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = n.Stop() }()

	store, closeStore, err := openStore(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := catalog.New(cfg.Share.Root, cfg.Share.Extension)
	dist, _, limiter := buildSwarm(n, store, svc, buildGate(cfg), cfg)
	defer limiter.Close()

	if len(args) == 0 {
		published := dist.PublishAll(ctx)
		fmt.Printf("Published %d folders\n", published)
		return nil
	}
	for _, category := range args {
		m, err := dist.Publish(ctx, category)
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", category, err)
		}
		fmt.Printf("Published %s (%d pieces, %d bytes)\n", category, m.NumPieces(), m.TotalLength)
	}
	return nil
}

func runReplicate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Mode != "pull" && cfg.Mode != "swarm" {
		return fmt.Errorf("unknown mode %q, want pull or swarm", cfg.Mode)
	}

	svc := catalog.New(cfg.Share.Root, cfg.Share.Extension)
	gate := buildGate(cfg)
	self, err := selfAddress(cfg)
	if err != nil {
		return err
	}

	var n *node.Node
	if cfg.Mode == "swarm" || cfg.Registry.Backend == "dht" {
		if n, err = openNode(ctx, cfg); err != nil {
			return err
		}
		defer func() { _ = n.Stop() }()
	}
	store, closeStore, err := openStore(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer closeStore()

	dir := registry.NewDirectory(store, self)

	var dist transfer.Distributor
	if cfg.Mode == "swarm" {
		sd, seeder, limiter := buildSwarm(n, store, svc, gate, cfg)
		defer limiter.Close()
		if _, err := seeder.LoadShareRoot(cfg.Share.Root); err != nil {
			log.Warnf("Reseeding share root: %v", err)
		}
		dist = sd
	} else {
		dist = transfer.NewPullDistributor(dir, catalog.NewClient(0), transfer.NewFetcher(gate, 0), cfg.Share.Root)
	}

	fetched, err := transfer.NewReplicator(dir, svc, catalog.NewClient(0), dist).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Fetched %d items\n", fetched)
	return nil
}

// buildGate constructs the scan gate from the configured scanner.
func buildGate(cfg *config.Config) *scan.Gate {
	return scan.NewGate(scan.NewCommandScanner(cfg.Scan.Command, cfg.Scan.Args), cfg.Scan.FailClosed)
}

// selfAddress builds the host:port this node announces to peers. The
// host comes from configuration or, absent that, from the interface the
// kernel routes outbound traffic through.
func selfAddress(cfg *config.Config) (registry.PeerAddress, error) {
	_, port, err := net.SplitHostPort(cfg.HTTP.Listen)
	if err != nil {
		return registry.PeerAddress{}, fmt.Errorf("invalid http listen address %q: %w", cfg.HTTP.Listen, err)
	}
	host := cfg.HTTP.AdvertiseHost
	if host == "" {
		host = registry.DetectOutboundHost()
	}
	return registry.ParsePeerAddress(net.JoinHostPort(host, port))
}

// openNode creates and starts the p2p node, waiting for the routing
// table to warm up when bootstrap peers are configured.
func openNode(ctx context.Context, cfg *config.Config) (*node.Node, error) {
	n, err := node.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Stop()
		return nil, fmt.Errorf("failed to start node: %w", err)
	}
	if len(cfg.P2P.Bootstrap) > 0 {
		waitForDHT(ctx, n.DHT(), dhtWarmup)
	}
	return n, nil
}

// waitForDHT blocks until the DHT routing table has at least one peer
// or the timeout passes, so queries right after startup have somewhere
// to go.
func waitForDHT(ctx context.Context, d *dht.IpfsDHT, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Warnf("Timed out waiting for DHT peers, continuing with an empty routing table")
			return
		case <-ticker.C:
			if len(d.RoutingTable().ListPeers()) > 0 {
				return
			}
		}
	}
}

// openStore selects the registry backend. The DHT backend rides on the
// running node; etcd stands alone.
func openStore(ctx context.Context, cfg *config.Config, n *node.Node) (registry.Store, func(), error) {
	switch cfg.Registry.Backend {
	case "dht":
		if n == nil {
			return nil, nil, fmt.Errorf("registry backend dht requires the p2p node")
		}
		return registry.NewDHTStore(n.DHT()), func() {}, nil
	case "etcd":
		store, err := registry.NewEtcdStore(ctx, cfg.Registry.EtcdEndpoints)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warnf("Closing etcd client: %v", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q, want dht or etcd", cfg.Registry.Backend)
	}
}

// buildSwarm wires the seeder, inbound stream handler, and swarm
// distributor on top of a running node.
func buildSwarm(n *node.Node, store registry.Store, svc *catalog.Service, gate *scan.Gate, cfg *config.Config) (*swarm.Distributor, *swarm.Seeder, *swarm.PeerRateLimiter) {
	seeder := swarm.NewSeeder()
	limiter := swarm.NewPeerRateLimiter(swarm.DefaultRateLimitConfig())
	handler := swarm.NewExchangeHandler(seeder, limiter)
	n.Host().SetStreamHandler(swarm.ProtocolID, handler.HandleStream)

	dist := swarm.NewDistributor(n.Host(), n.DHT(), store, svc, gate, seeder, n.ManifestTopic(), swarm.Options{
		PieceSize:    cfg.Swarm.PieceSize,
		Workers:      cfg.Swarm.Workers,
		PieceRetries: cfg.Swarm.PieceRetries,
	})
	return dist, seeder, limiter
}

// sortedCategories returns the local category names in stable order.
func sortedCategories(svc *catalog.Service) []string {
	listing := svc.ListLocal()
	categories := make([]string, 0, len(listing))
	for category := range listing {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}
