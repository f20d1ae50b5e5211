package registry

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Validator enforces the record formats of the setupshare DHT keyspace.
// It is registered on the DHT as a namespaced validator so that remote
// nodes cannot store junk under our keys.
type Validator struct{}

// Validate checks that the key belongs to the setupshare namespace and
// that the value parses as the record type the key implies.
func (Validator) Validate(key string, value []byte) error {
	path, err := splitNamespace(key)
	if err != nil {
		return err
	}
	switch {
	case path == PeersKey:
		_, err := DecodePeerSet(value)
		return err
	case strings.HasPrefix(path, manifestKeyPrefix):
		_, err := DecodeManifestPointer(value)
		return err
	default:
		return fmt.Errorf("unknown registry key %q", path)
	}
}

// Select picks the record to keep when the DHT returns divergent values.
// Peer lists prefer the largest set, so partial writes lose to merged
// ones and the membership only grows. Manifest pointers prefer the most
// recently updated.
func (Validator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, errors.New("no values to select from")
	}
	path, err := splitNamespace(key)
	if err != nil {
		return 0, err
	}
	if path == PeersKey {
		return selectLargestPeerSet(values)
	}
	if strings.HasPrefix(path, manifestKeyPrefix) {
		return selectNewestPointer(values)
	}
	return 0, fmt.Errorf("unknown registry key %q", path)
}

func selectLargestPeerSet(values [][]byte) (int, error) {
	best := -1
	bestLen := -1
	var bestEnc []byte
	for i, v := range values {
		set, err := DecodePeerSet(v)
		if err != nil {
			continue
		}
		enc, err := set.Encode()
		if err != nil {
			continue
		}
		if set.Len() > bestLen || (set.Len() == bestLen && bytes.Compare(enc, bestEnc) < 0) {
			best, bestLen, bestEnc = i, set.Len(), enc
		}
	}
	if best < 0 {
		return 0, errors.New("no valid peer list records")
	}
	return best, nil
}

func selectNewestPointer(values [][]byte) (int, error) {
	best := -1
	var bestPtr ManifestPointer
	for i, v := range values {
		p, err := DecodeManifestPointer(v)
		if err != nil {
			continue
		}
		if best < 0 || p.UpdatedAt.After(bestPtr.UpdatedAt) {
			best, bestPtr = i, p
		}
	}
	if best < 0 {
		return 0, errors.New("no valid manifest pointer records")
	}
	return best, nil
}

// splitNamespace strips the leading "/setupshare/" from a DHT key,
// returning the registry-local path.
func splitNamespace(key string) (string, error) {
	trimmed := strings.TrimPrefix(key, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] != Namespace {
		return "", fmt.Errorf("key outside %s namespace: %q", Namespace, key)
	}
	return parts[1], nil
}
