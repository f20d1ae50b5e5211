// Package registry implements the shared peer registry: a small set of
// well-known records kept in an eventually consistent key/value store
// that every node can read and merge into. The store itself is
// pluggable; the DHT backend is the default and an etcd backend covers
// LAN deployments.
package registry

import (
	"context"
	"errors"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/routing"
)

var log = logging.Logger("registry")

// Namespace is the keyspace prefix all registry records live under.
const Namespace = "setupshare"

// ErrNotFound is returned when a registry key has no record.
var ErrNotFound = errors.New("registry: key not found")

// Store is the narrow key/value surface the registry needs. Values are
// opaque bytes; both backends are eventually consistent and callers
// treat every read as a best-effort snapshot.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DHTValueStore is the slice of the kad-dht API used by DHTStore.
type DHTValueStore interface {
	PutValue(ctx context.Context, key string, value []byte, opts ...routing.Option) error
	GetValue(ctx context.Context, key string, opts ...routing.Option) ([]byte, error)
}

// DHTStore maps registry keys into the /setupshare/ DHT keyspace.
type DHTStore struct {
	dht DHTValueStore
}

// NewDHTStore wraps a DHT value store. The DHT must have the registry
// Validator registered for the setupshare namespace.
func NewDHTStore(dht DHTValueStore) *DHTStore {
	return &DHTStore{dht: dht}
}

func dhtKey(key string) string {
	return "/" + Namespace + "/" + strings.TrimPrefix(key, "/")
}

func (s *DHTStore) Put(ctx context.Context, key string, value []byte) error {
	return s.dht.PutValue(ctx, dhtKey(key), value)
}

func (s *DHTStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.dht.GetValue(ctx, dhtKey(key))
	if err != nil {
		if errors.Is(err, routing.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
