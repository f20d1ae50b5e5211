package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/setupshare/setupshare/internal/registry"
)

func peerFor(t *testing.T, ts *httptest.Server) registry.PeerAddress {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	addr, err := registry.ParsePeerAddress(u.Host)
	if err != nil {
		t.Fatalf("parsing peer address: %v", err)
	}
	return addr
}

func TestClientList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/list" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ferrari-488":["monza-race.sto"],"mclaren-720s":[]}`))
	}))
	defer ts.Close()

	listing := NewClient(0).List(context.Background(), peerFor(t, ts))
	if len(listing) != 2 {
		t.Fatalf("Expected 2 categories, got %d", len(listing))
	}
	if items := listing["ferrari-488"]; len(items) != 1 || items[0] != "monza-race.sto" {
		t.Errorf("ferrari-488 listing mismatch: %v", items)
	}
}

func TestClientListServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	if listing := NewClient(0).List(context.Background(), peerFor(t, ts)); len(listing) != 0 {
		t.Errorf("Expected empty catalog on server error, got %v", listing)
	}
}

func TestClientListMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	}))
	defer ts.Close()

	if listing := NewClient(0).List(context.Background(), peerFor(t, ts)); len(listing) != 0 {
		t.Errorf("Expected empty catalog for malformed body, got %v", listing)
	}
}

func TestClientListUnreachablePeer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	peer := peerFor(t, ts)
	ts.Close()

	c := NewClient(500 * time.Millisecond)
	if listing := c.List(context.Background(), peer); len(listing) != 0 {
		t.Errorf("Expected empty catalog for unreachable peer, got %v", listing)
	}
}

func TestClientListCategory(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ferrari-488":["monza-race.sto","spa-quali.sto"]}`))
	}))
	defer ts.Close()

	c := NewClient(0)
	peer := peerFor(t, ts)

	items := c.ListCategory(context.Background(), peer, "ferrari-488")
	if len(items) != 2 {
		t.Errorf("Expected 2 items, got %v", items)
	}
	if missing := c.ListCategory(context.Background(), peer, "porsche-992"); len(missing) != 0 {
		t.Errorf("Expected no items for unknown category, got %v", missing)
	}
}
