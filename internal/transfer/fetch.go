package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/setupshare/setupshare/internal/registry"
	"github.com/setupshare/setupshare/internal/scan"
)

// Failure taxonomy for fetches. Callers branch with errors.Is.
var (
	ErrNetworkUnavailable = errors.New("transfer: peer unreachable")
	ErrRemoteNotFound     = errors.New("transfer: remote item not found")
	ErrQuarantined        = errors.New("transfer: content quarantined")
	ErrLocalIO            = errors.New("transfer: local io failure")
)

// DefaultFetchTimeout bounds one whole-file download.
const DefaultFetchTimeout = 60 * time.Second

// Fetcher downloads items from peers into the local share tree. Every
// download lands in a dot-prefixed temporary file, passes the scan
// gate, and only then moves to its final name, so a partial or infected
// file is never visible in the catalog. Fetches targeting the same
// destination path serialize.
type Fetcher struct {
	client *http.Client
	gate   *scan.Gate
	locks  pathLocks
}

// NewFetcher returns a fetcher passing downloads through gate.
func NewFetcher(gate *scan.Gate, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		gate:   gate,
	}
}

// Fetch downloads category/item from peer into destDir and returns the
// final file path.
func (f *Fetcher) Fetch(ctx context.Context, peer registry.PeerAddress, category, item, destDir string) (string, error) {
	dest := filepath.Join(destDir, item)
	unlock := f.locks.lock(dest)
	defer unlock()

	u := url.URL{Scheme: "http", Host: peer.String(), Path: "/download/" + category + "/" + item}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s/%s on %s", ErrRemoteNotFound, category, item, peer)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: %s returned %s", ErrNetworkUnavailable, peer, resp.Status)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLocalIO, err)
	}

	tmp := filepath.Join(destDir, ".partial-"+item)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLocalIO, err)
	}

	tw := &trackedWriter{f: out}
	_, copyErr := io.Copy(tw, resp.Body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp)
		if tw.err != nil {
			return "", fmt.Errorf("%w: %v", ErrLocalIO, tw.err)
		}
		if closeErr != nil {
			return "", fmt.Errorf("%w: %v", ErrLocalIO, closeErr)
		}
		return "", fmt.Errorf("%w: %v", ErrNetworkUnavailable, copyErr)
	}

	if err := f.gate.Check(ctx, tmp); err != nil {
		// The gate removes infected files itself; clear whatever is left.
		os.Remove(tmp)
		if errors.Is(err, scan.ErrInfected) {
			return "", fmt.Errorf("%w: %v", ErrQuarantined, err)
		}
		return "", err
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrLocalIO, err)
	}

	log.Infof("fetched %s/%s from %s", category, item, peer)
	return dest, nil
}

// trackedWriter remembers write-side errors so they can be told apart
// from read-side (network) errors after io.Copy.
type trackedWriter struct {
	f   *os.File
	err error
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	n, err := t.f.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// pathLocks hands out one mutex per destination path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	m, ok := p.locks[path]
	if !ok {
		m = &sync.Mutex{}
		p.locks[path] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
