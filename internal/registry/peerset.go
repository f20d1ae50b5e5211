package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// PeerAddress identifies a peer's transfer endpoint.
type PeerAddress struct {
	Host string
	Port int
}

// ParsePeerAddress parses a "host:port" string.
func ParsePeerAddress(s string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return PeerAddress{}, fmt.Errorf("invalid peer port in %q", s)
	}
	if host == "" {
		return PeerAddress{}, fmt.Errorf("empty host in peer address %q", s)
	}
	return PeerAddress{Host: host, Port: port}, nil
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// PeerSet is a grow-only set of peer addresses. Merges are unions, so
// concurrent writers converge regardless of ordering. Serialization is
// sorted to keep equal sets byte-identical.
type PeerSet struct {
	members map[PeerAddress]struct{}
}

// NewPeerSet returns a set seeded with the given addresses.
func NewPeerSet(addrs ...PeerAddress) *PeerSet {
	s := &PeerSet{members: make(map[PeerAddress]struct{}, len(addrs))}
	for _, a := range addrs {
		s.members[a] = struct{}{}
	}
	return s
}

// Add inserts an address, reporting whether it was new.
func (s *PeerSet) Add(a PeerAddress) bool {
	if _, ok := s.members[a]; ok {
		return false
	}
	s.members[a] = struct{}{}
	return true
}

// Contains reports membership.
func (s *PeerSet) Contains(a PeerAddress) bool {
	_, ok := s.members[a]
	return ok
}

// Merge unions another set into this one.
func (s *PeerSet) Merge(other *PeerSet) {
	for a := range other.members {
		s.members[a] = struct{}{}
	}
}

// Len returns the number of members.
func (s *PeerSet) Len() int {
	return len(s.members)
}

// Addresses returns the members sorted by host then port.
func (s *PeerSet) Addresses() []PeerAddress {
	out := make([]PeerAddress, 0, len(s.members))
	for a := range s.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Encode serializes the set as a sorted JSON array of "host:port"
// strings, the wire format shared by every registry backend.
func (s *PeerSet) Encode() ([]byte, error) {
	addrs := s.Addresses()
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	return json.Marshal(strs)
}

// DecodePeerSet parses the wire format. Entries that do not parse as
// host:port are skipped so that one bad entry cannot poison the list.
func DecodePeerSet(data []byte) (*PeerSet, error) {
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return nil, fmt.Errorf("malformed peer list: %w", err)
	}
	set := NewPeerSet()
	for _, s := range strs {
		addr, err := ParsePeerAddress(s)
		if err != nil {
			continue
		}
		set.Add(addr)
	}
	return set, nil
}
