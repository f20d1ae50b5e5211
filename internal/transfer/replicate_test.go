package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/registry"
)

type recordingDistributor struct {
	mu      sync.Mutex
	fetched []string
	err     error
}

func (r *recordingDistributor) Announce(ctx context.Context) error { return nil }

func (r *recordingDistributor) Fetch(ctx context.Context, category, item string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.fetched = append(r.fetched, category+"/"+item)
	return filepath.Join(category, item), nil
}

func newReplicator(t *testing.T, store *mapStore, localRoot string, dist Distributor) *Replicator {
	t.Helper()
	dir := registry.NewDirectory(store, registry.PeerAddress{Host: "127.0.0.1", Port: 1})
	return NewReplicator(dir, catalog.New(localRoot, ".sto"), catalog.NewClient(0), dist)
}

func TestReplicatorFetchesMissingItems(t *testing.T) {
	remoteRoot := buildServerRoot(t)
	if err := os.WriteFile(filepath.Join(remoteRoot, "ferrari-488", "spa-quali.sto"), []byte("quali setup"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ts := newTestServer(t, remoteRoot)

	localRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(localRoot, "ferrari-488"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(localRoot, "ferrari-488", "monza-race.sto"), []byte("already here"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store := newMapStore()
	seedPeers(t, store, testPeer(t, ts))

	dist := &recordingDistributor{}
	rep := newReplicator(t, store, localRoot, dist)

	fetched, err := rep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("expected 1 fetched item, got %d", fetched)
	}
	if len(dist.fetched) != 1 || dist.fetched[0] != "ferrari-488/spa-quali.sto" {
		t.Fatalf("unexpected fetches: %v", dist.fetched)
	}
}

func TestReplicatorSkipsSelf(t *testing.T) {
	remoteRoot := buildServerRoot(t)
	ts := newTestServer(t, remoteRoot)
	self := testPeer(t, ts)

	store := newMapStore()
	seedPeers(t, store, self)

	dist := &recordingDistributor{}
	dir := registry.NewDirectory(store, self)
	rep := NewReplicator(dir, catalog.New(t.TempDir(), ".sto"), catalog.NewClient(0), dist)

	fetched, err := rep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fetched != 0 || len(dist.fetched) != 0 {
		t.Fatalf("replicator fetched from itself: %v", dist.fetched)
	}
}

func TestReplicatorEmptyDirectory(t *testing.T) {
	dist := &recordingDistributor{}
	rep := newReplicator(t, newMapStore(), t.TempDir(), dist)

	fetched, err := rep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fetched != 0 {
		t.Fatalf("expected no fetches with an empty directory, got %d", fetched)
	}
}

func TestReplicatorSurvivesFetchFailures(t *testing.T) {
	remoteRoot := buildServerRoot(t)
	ts := newTestServer(t, remoteRoot)

	store := newMapStore()
	seedPeers(t, store, testPeer(t, ts))

	dist := &recordingDistributor{err: errors.New("nothing works")}
	rep := newReplicator(t, store, t.TempDir(), dist)

	fetched, err := rep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fetched != 0 {
		t.Fatalf("expected 0 fetched with a failing distributor, got %d", fetched)
	}
}

func TestReplicatorDedupesAcrossPeers(t *testing.T) {
	tsA := newTestServer(t, buildServerRoot(t))
	tsB := newTestServer(t, buildServerRoot(t))

	store := newMapStore()
	seedPeers(t, store, testPeer(t, tsA), testPeer(t, tsB))

	dist := &recordingDistributor{}
	rep := newReplicator(t, store, t.TempDir(), dist)

	fetched, err := rep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("expected the shared item to be fetched once, got %d", fetched)
	}
	if len(dist.fetched) != 1 || dist.fetched[0] != "ferrari-488/monza-race.sto" {
		t.Fatalf("unexpected fetches: %v", dist.fetched)
	}
}
