package registry

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdDialTimeout = 5 * time.Second

// EtcdStore backs the registry with an etcd cluster. Intended for LAN
// deployments where a coordination service already exists and running a
// DHT would be overkill. Keys live under the "setupshare/" prefix.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore connects to the cluster and verifies it is writable.
func NewEtcdStore(ctx context.Context, endpoints []string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, etcdDialTimeout)
	defer cancel()
	if _, err := client.Put(ctx, Namespace+"/health", "ok"); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd cluster not writable: %w", err)
	}

	return &EtcdStore{client: client, prefix: Namespace + "/"}, nil
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.Put(ctx, s.prefix+key, string(value))
	return err
}

func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Close releases the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
