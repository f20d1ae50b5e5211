package transfer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/phayes/freeport"

	"github.com/setupshare/setupshare/internal/catalog"
	"github.com/setupshare/setupshare/internal/registry"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatalf("Failed to get a free port: %v", err)
	}
	return port
}

// Exercises the production server constructor and the fetch path over a
// real TCP listener instead of httptest.
func TestServerAndFetcherOverTCP(t *testing.T) {
	root := buildServerRoot(t)
	port := getFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	srv := NewServer(addr, NewHandler(catalog.New(root, ".sto"), cleanGate(), "pull", addr))
	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/status")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server never came up on %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	peer := registry.PeerAddress{Host: "127.0.0.1", Port: port}

	listing := catalog.NewClient(0).List(context.Background(), peer)
	if items := listing["ferrari-488"]; len(items) != 1 || items[0] != "monza-race.sto" {
		t.Errorf("Listing over TCP mismatch: %v", listing)
	}

	dest := t.TempDir()
	path, err := NewFetcher(cleanGate(), 0).Fetch(context.Background(), peer, "ferrari-488", "monza-race.sto", dest)
	if err != nil {
		t.Fatalf("Fetch over TCP failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading fetched file failed: %v", err)
	}
	if string(got) != "race setup bytes" {
		t.Errorf("Fetched bytes mismatch: got %q", got)
	}
}
