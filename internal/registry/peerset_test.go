package registry

import (
	"bytes"
	"testing"
)

func TestParsePeerAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PeerAddress
		wantErr bool
	}{
		{"valid ipv4", "10.0.0.5:9000", PeerAddress{"10.0.0.5", 9000}, false},
		{"valid hostname", "garage-box:9100", PeerAddress{"garage-box", 9100}, false},
		{"missing port", "10.0.0.5", PeerAddress{}, true},
		{"empty host", ":9000", PeerAddress{}, true},
		{"port not a number", "10.0.0.5:http", PeerAddress{}, true},
		{"port out of range", "10.0.0.5:70000", PeerAddress{}, true},
		{"zero port", "10.0.0.5:0", PeerAddress{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeerAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParsePeerAddress(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeerAddress(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParsePeerAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPeerSetAddAndContains(t *testing.T) {
	set := NewPeerSet()
	a := PeerAddress{"10.0.0.1", 9000}

	if !set.Add(a) {
		t.Error("First Add should report a new member")
	}
	if set.Add(a) {
		t.Error("Second Add of the same address should report no change")
	}
	if !set.Contains(a) {
		t.Error("Set should contain the added address")
	}
	if set.Len() != 1 {
		t.Errorf("Len mismatch: got %d, want 1", set.Len())
	}
}

func TestPeerSetMergeIsUnion(t *testing.T) {
	a1 := PeerAddress{"10.0.0.1", 9000}
	a2 := PeerAddress{"10.0.0.2", 9000}
	a3 := PeerAddress{"10.0.0.3", 9000}

	left := NewPeerSet(a1, a2)
	right := NewPeerSet(a2, a3)
	left.Merge(right)

	if left.Len() != 3 {
		t.Fatalf("Union size mismatch: got %d, want 3", left.Len())
	}
	for _, a := range []PeerAddress{a1, a2, a3} {
		if !left.Contains(a) {
			t.Errorf("Union missing %v", a)
		}
	}

	// Merge in the opposite order must produce the same set.
	other := NewPeerSet(a2, a3)
	other.Merge(NewPeerSet(a1, a2))
	if other.Len() != left.Len() {
		t.Errorf("Merge is not commutative: %d vs %d members", other.Len(), left.Len())
	}
}

func TestPeerSetEncodeDeterministic(t *testing.T) {
	a := PeerAddress{"10.0.0.2", 9000}
	b := PeerAddress{"10.0.0.1", 9001}
	c := PeerAddress{"10.0.0.1", 9000}

	first := NewPeerSet(a, b, c)
	second := NewPeerSet(c, a, b)

	enc1, err := first.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	enc2, err := second.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(enc1, enc2) {
		t.Errorf("Insertion order changed encoding: %s vs %s", enc1, enc2)
	}

	want := `["10.0.0.1:9000","10.0.0.1:9001","10.0.0.2:9000"]`
	if string(enc1) != want {
		t.Errorf("Encoding mismatch: got %s, want %s", enc1, want)
	}
}

func TestDecodePeerSetSkipsBadEntries(t *testing.T) {
	data := []byte(`["10.0.0.1:9000","not-an-address",":0","10.0.0.2:9001"]`)
	set, err := DecodePeerSet(data)
	if err != nil {
		t.Fatalf("DecodePeerSet failed: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("Expected 2 valid members, got %d", set.Len())
	}
	if !set.Contains(PeerAddress{"10.0.0.1", 9000}) || !set.Contains(PeerAddress{"10.0.0.2", 9001}) {
		t.Error("Valid entries missing from decoded set")
	}
}

func TestDecodePeerSetMalformed(t *testing.T) {
	for _, data := range []string{`{`, `"just a string"`, `{"a":1}`} {
		if _, err := DecodePeerSet([]byte(data)); err == nil {
			t.Errorf("DecodePeerSet(%q) expected error", data)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	orig := NewPeerSet(PeerAddress{"192.168.1.7", 9000}, PeerAddress{"192.168.1.9", 9100})
	data, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := DecodePeerSet(data)
	if err != nil {
		t.Fatalf("DecodePeerSet failed: %v", err)
	}
	if decoded.Len() != orig.Len() {
		t.Errorf("Round trip changed size: got %d, want %d", decoded.Len(), orig.Len())
	}
	for _, a := range orig.Addresses() {
		if !decoded.Contains(a) {
			t.Errorf("Round trip lost %v", a)
		}
	}
}
