package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// mapStore is an in-memory Store for tests.
type mapStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
	getErr error
	puts   int
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func TestJoinFirstPeer(t *testing.T) {
	store := newMapStore()
	self := PeerAddress{"10.0.0.1", 9000}

	NewDirectory(store, self).Join(context.Background())

	set, err := DecodePeerSet(store.data[PeersKey])
	if err != nil {
		t.Fatalf("Stored peer list is malformed: %v", err)
	}
	if !set.Contains(self) {
		t.Errorf("Peer list should contain %v after Join", self)
	}
}

func TestJoinMergesExistingPeers(t *testing.T) {
	store := newMapStore()
	existing := PeerAddress{"10.0.0.1", 9000}
	seed, _ := NewPeerSet(existing).Encode()
	store.data[PeersKey] = seed

	self := PeerAddress{"10.0.0.2", 9000}
	NewDirectory(store, self).Join(context.Background())

	set, err := DecodePeerSet(store.data[PeersKey])
	if err != nil {
		t.Fatalf("Stored peer list is malformed: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("Expected 2 peers after merge, got %d", set.Len())
	}
	if !set.Contains(existing) || !set.Contains(self) {
		t.Error("Join must keep existing peers and add itself")
	}
}

func TestTwoJoinsThenThirdResolvesBoth(t *testing.T) {
	store := newMapStore()
	first := PeerAddress{"10.0.0.1", 9000}
	second := PeerAddress{"10.0.0.2", 9000}

	NewDirectory(store, first).Join(context.Background())
	NewDirectory(store, second).Join(context.Background())

	third := NewDirectory(store, PeerAddress{"10.0.0.3", 9000})
	peers := third.ResolvePeers(context.Background())

	if len(peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d: %v", len(peers), peers)
	}
	found := map[PeerAddress]bool{}
	for _, p := range peers {
		found[p] = true
	}
	if !found[first] || !found[second] {
		t.Errorf("Resolved peers missing a member: %v", peers)
	}
}

func TestJoinSwallowsStoreFailures(t *testing.T) {
	store := newMapStore()
	store.putErr = errors.New("registry down")

	// Join must not panic or surface the failure.
	NewDirectory(store, PeerAddress{"10.0.0.1", 9000}).Join(context.Background())

	if len(store.data) != 0 {
		t.Error("No record should exist after a failed Put")
	}
}

func TestJoinGetFailureStillAnnouncesSelf(t *testing.T) {
	store := newMapStore()
	store.getErr = errors.New("registry unreachable")
	self := PeerAddress{"10.0.0.1", 9000}

	NewDirectory(store, self).Join(context.Background())

	store.mu.Lock()
	store.getErr = nil
	store.mu.Unlock()

	set, err := DecodePeerSet(store.data[PeersKey])
	if err != nil {
		t.Fatalf("Stored peer list is malformed: %v", err)
	}
	if !set.Contains(self) {
		t.Error("Join should fall back to a fresh set containing self when reads fail")
	}
}

func TestResolvePeersEmptyOnError(t *testing.T) {
	store := newMapStore()
	store.getErr = errors.New("registry unreachable")

	peers := NewDirectory(store, PeerAddress{"10.0.0.1", 9000}).ResolvePeers(context.Background())
	if len(peers) != 0 {
		t.Errorf("Expected empty peer list on store error, got %v", peers)
	}
}

func TestResolvePeersEmptyOnMalformedRecord(t *testing.T) {
	store := newMapStore()
	store.data[PeersKey] = []byte("definitely not json")

	peers := NewDirectory(store, PeerAddress{"10.0.0.1", 9000}).ResolvePeers(context.Background())
	if len(peers) != 0 {
		t.Errorf("Expected empty peer list for malformed record, got %v", peers)
	}
}

func TestRepeatedJoinRefreshesRecord(t *testing.T) {
	store := newMapStore()
	dir := NewDirectory(store, PeerAddress{"10.0.0.1", 9000})

	dir.Join(context.Background())
	dir.Join(context.Background())

	if store.puts != 2 {
		t.Errorf("Each Join should rewrite the record, got %d puts", store.puts)
	}
}
