package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("scan")

var (
	// ErrInfected is returned when the scanner flags content as malware.
	ErrInfected = errors.New("content failed malware scan")
	// ErrScannerUnavailable is returned in fail-closed mode when no
	// verdict could be obtained.
	ErrScannerUnavailable = errors.New("malware scanner unavailable")
)

// Gate applies scan verdicts to content. Inbound content goes through
// Check, which deletes anything infected. Locally owned content goes
// through Verify, which reports the verdict but never deletes.
//
// When the scanner cannot run, the gate either rejects (fail-closed) or
// lets content through while flagging itself degraded (default). The
// degraded flag is surfaced through status reporting so operators know
// content is passing unscanned.
type Gate struct {
	scanner    Scanner
	failClosed bool
	degraded   atomic.Bool
}

// NewGate wraps a scanner with the configured unavailability policy.
func NewGate(scanner Scanner, failClosed bool) *Gate {
	return &Gate{scanner: scanner, failClosed: failClosed}
}

// Check scans inbound content. Infected content is removed from disk and
// ErrInfected returned. A clean verdict, or an unavailable scanner in
// fail-open mode, returns nil.
func (g *Gate) Check(ctx context.Context, path string) error {
	return g.check(ctx, path, true)
}

// Verify scans content without ever deleting it. Used for locally owned
// trees before they are exposed to peers.
func (g *Gate) Verify(ctx context.Context, path string) error {
	return g.check(ctx, path, false)
}

// Degraded reports whether any scan has been skipped because the scanner
// was unavailable.
func (g *Gate) Degraded() bool {
	return g.degraded.Load()
}

func (g *Gate) check(ctx context.Context, path string, removeInfected bool) error {
	res := g.scanner.Scan(ctx, path)
	switch res.Status {
	case StatusInfected:
		log.Warnf("malware detected in %s: %s", path, res.Detail)
		if removeInfected {
			if err := os.RemoveAll(path); err != nil {
				log.Errorf("failed to remove infected content %s: %v", path, err)
			}
		}
		return fmt.Errorf("%w: %s", ErrInfected, res.Detail)
	case StatusUnavailable:
		if g.failClosed {
			return fmt.Errorf("%w: %s", ErrScannerUnavailable, res.Detail)
		}
		g.degraded.Store(true)
		log.Warnf("scanner unavailable (%s), passing %s unscanned", res.Detail, path)
		return nil
	default:
		return nil
	}
}
