package registry

import (
	"testing"
	"time"
)

func peersDHTKey() string {
	return "/" + Namespace + "/" + PeersKey
}

func TestValidatePeerList(t *testing.T) {
	v := Validator{}

	if err := v.Validate(peersDHTKey(), []byte(`["10.0.0.1:9000"]`)); err != nil {
		t.Errorf("Valid peer list rejected: %v", err)
	}
	if err := v.Validate(peersDHTKey(), []byte(`not json`)); err == nil {
		t.Error("Malformed peer list accepted")
	}
	if err := v.Validate("/otherapp/peers", []byte(`["10.0.0.1:9000"]`)); err == nil {
		t.Error("Foreign namespace accepted")
	}
	if err := v.Validate("/"+Namespace+"/unheard-of", []byte(`{}`)); err == nil {
		t.Error("Unknown registry key accepted")
	}
}

func TestValidateManifestPointer(t *testing.T) {
	v := Validator{}
	key := "/" + Namespace + "/" + ManifestKey("gt3-ferrari")

	good, _ := ManifestPointer{
		ID:          "abc123",
		PieceSize:   256 * 1024,
		TotalLength: 1 << 20,
		UpdatedAt:   time.Now(),
	}.Encode()
	if err := v.Validate(key, good); err != nil {
		t.Errorf("Valid manifest pointer rejected: %v", err)
	}

	if err := v.Validate(key, []byte(`{"piece_size":1,"total_length":1}`)); err == nil {
		t.Error("Pointer without id accepted")
	}
	if err := v.Validate(key, []byte(`{"id":"x","piece_size":0,"total_length":1}`)); err == nil {
		t.Error("Pointer with zero piece size accepted")
	}
}

func TestSelectPrefersLargestPeerSet(t *testing.T) {
	v := Validator{}
	small, _ := NewPeerSet(PeerAddress{"10.0.0.1", 9000}).Encode()
	large, _ := NewPeerSet(
		PeerAddress{"10.0.0.1", 9000},
		PeerAddress{"10.0.0.2", 9000},
		PeerAddress{"10.0.0.3", 9000},
	).Encode()

	idx, err := v.Select(peersDHTKey(), [][]byte{small, large, []byte("junk")})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if idx != 1 {
		t.Errorf("Select picked index %d, want 1 (largest set)", idx)
	}
}

func TestSelectPeerSetAllInvalid(t *testing.T) {
	v := Validator{}
	if _, err := v.Select(peersDHTKey(), [][]byte{[]byte("junk"), []byte("{")}); err == nil {
		t.Error("Select over invalid records should fail")
	}
}

func TestSelectPrefersNewestPointer(t *testing.T) {
	v := Validator{}
	key := "/" + Namespace + "/" + ManifestKey("gt3-ferrari")

	older, _ := ManifestPointer{ID: "old", PieceSize: 1024, TotalLength: 10, UpdatedAt: time.Now().Add(-time.Hour)}.Encode()
	newer, _ := ManifestPointer{ID: "new", PieceSize: 1024, TotalLength: 10, UpdatedAt: time.Now()}.Encode()

	idx, err := v.Select(key, [][]byte{older, newer})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if idx != 1 {
		t.Errorf("Select picked index %d, want 1 (newest pointer)", idx)
	}
}

func TestSelectEmptyValues(t *testing.T) {
	v := Validator{}
	if _, err := v.Select(peersDHTKey(), nil); err == nil {
		t.Error("Select with no values should fail")
	}
}
