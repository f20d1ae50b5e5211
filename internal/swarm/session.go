package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrStagingIO marks session failures caused by the local disk rather
// than by peers.
var ErrStagingIO = errors.New("staging write failed")

// ErrPieceRetriesExhausted marks a download whose peers kept serving
// data that failed hash verification.
var ErrPieceRetriesExhausted = errors.New("piece retries exhausted")

// SessionState names the phase a download session is in.
type SessionState string

const (
	StateFetchingMetadata SessionState = "fetching_metadata"
	StateFetchingPieces   SessionState = "fetching_pieces"
	StateComplete         SessionState = "complete"
	StateFailed           SessionState = "failed"
)

const (
	// DefaultWorkers is the piece download concurrency per session.
	DefaultWorkers = 4

	// DefaultPieceRetries bounds how often a single piece is
	// re-requested before the session gives up.
	DefaultPieceRetries = 5
)

// pieceSource is the slice of Requester a session needs.
type pieceSource interface {
	Manifest(ctx context.Context, p peer.ID, id string) (*Manifest, error)
	Bitfield(ctx context.Context, p peer.ID, id string) (Bitfield, error)
	Piece(ctx context.Context, p peer.ID, id string, index int) ([]byte, error)
}

// Session downloads one manifest's folder from a set of peers into a
// staging directory. Pieces are verified against the manifest hashes as
// they arrive and rarest pieces are requested first.
type Session struct {
	source  pieceSource
	id      string
	peers   []peer.ID
	workers int
	retries int

	mu    sync.Mutex
	state SessionState
	have  Bitfield
	total int
}

// NewSession prepares a download of manifest id from peers.
func NewSession(source pieceSource, id string, peers []peer.ID, workers, retries int) *Session {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if retries <= 0 {
		retries = DefaultPieceRetries
	}
	return &Session{
		source:  source,
		id:      id,
		peers:   peers,
		workers: workers,
		retries: retries,
		state:   StateFetchingMetadata,
	}
}

// State returns the current session phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns how many pieces have been verified and the total.
func (s *Session) Progress() (done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Count(), s.total
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	log.Infof("Session %s: %s", shortID(s.id), state)
}

// Run performs the download, assembling the folder under stagingDir.
// On success the staging directory holds the complete verified layout
// and the validated manifest is returned.
func (s *Session) Run(ctx context.Context, stagingDir string) (*Manifest, error) {
	if len(s.peers) == 0 {
		s.setState(StateFailed)
		return nil, fmt.Errorf("no peers to download %s from", shortID(s.id))
	}

	m, err := s.fetchManifest(ctx)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}

	if err := m.PrepareLayout(stagingDir); err != nil {
		s.setState(StateFailed)
		return nil, fmt.Errorf("%w: preparing layout: %v", ErrStagingIO, err)
	}

	n := m.NumPieces()
	s.mu.Lock()
	s.have = NewBitfield(n)
	s.total = n
	s.mu.Unlock()

	if n == 0 {
		s.setState(StateComplete)
		return m, nil
	}

	owners, err := s.fetchBitfields(ctx)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	for i := 0; i < n; i++ {
		if len(owners.of(i)) == 0 {
			s.setState(StateFailed)
			return nil, fmt.Errorf("piece %d of %s is not held by any reachable peer", i, shortID(s.id))
		}
	}

	s.setState(StateFetchingPieces)
	if err := s.fetchPieces(ctx, m, stagingDir, owners); err != nil {
		s.setState(StateFailed)
		return nil, err
	}

	s.setState(StateComplete)
	log.Infof("Assembled %s: %d pieces, %d bytes", shortID(s.id), n, m.TotalLength)
	return m, nil
}

// fetchManifest asks peers in turn until one supplies a manifest whose
// content hashes to the requested ID.
func (s *Session) fetchManifest(ctx context.Context) (*Manifest, error) {
	var lastErr error
	for _, p := range s.peers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m, err := s.source.Manifest(ctx, p, s.id)
		if err != nil {
			log.Debugf("Peer %s did not supply manifest %s: %v", p, shortID(s.id), err)
			lastErr = err
			continue
		}
		return m, nil
	}
	return nil, fmt.Errorf("no peer supplied manifest %s: %w", shortID(s.id), lastErr)
}

// ownerSet maps each piece to the peers that hold it.
type ownerSet struct {
	peers  []peer.ID
	fields map[peer.ID]Bitfield
}

func (o *ownerSet) of(index int) []peer.ID {
	var out []peer.ID
	for _, p := range o.peers {
		if o.fields[p].Has(index) {
			out = append(out, p)
		}
	}
	return out
}

func (o *ownerSet) count(index int) int {
	n := 0
	for _, p := range o.peers {
		if o.fields[p].Has(index) {
			n++
		}
	}
	return n
}

func (s *Session) fetchBitfields(ctx context.Context) (*ownerSet, error) {
	owners := &ownerSet{fields: make(map[peer.ID]Bitfield)}
	for _, p := range s.peers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		bf, err := s.source.Bitfield(ctx, p, s.id)
		if err != nil {
			log.Debugf("Peer %s did not supply bitfield for %s: %v", p, shortID(s.id), err)
			continue
		}
		owners.peers = append(owners.peers, p)
		owners.fields[p] = bf
	}
	if len(owners.peers) == 0 {
		return nil, fmt.Errorf("no peer supplied a bitfield for %s", shortID(s.id))
	}
	return owners, nil
}

// rarestFirst orders piece indexes by how few peers hold them, ties
// broken by index.
func rarestFirst(n int, owners *ownerSet) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := owners.count(order[a]), owners.count(order[b])
		if ca != cb {
			return ca < cb
		}
		return order[a] < order[b]
	})
	return order
}

func (s *Session) fetchPieces(ctx context.Context, m *Manifest, stagingDir string, owners *ownerSet) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan int)
	go func() {
		defer close(work)
		for _, idx := range rarestFirst(m.NumPieces(), owners) {
			select {
			case work <- idx:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				data, err := s.fetchPiece(ctx, m, idx, owners)
				if err != nil {
					fail(err)
					return
				}
				if err := m.WritePiece(stagingDir, idx, data); err != nil {
					fail(fmt.Errorf("%w: piece %d: %v", ErrStagingIO, idx, err))
					return
				}
				s.mu.Lock()
				s.have.Set(idx)
				s.mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// fetchPiece downloads and verifies one piece, rotating through the
// peers that hold it for up to the configured number of attempts.
func (s *Session) fetchPiece(ctx context.Context, m *Manifest, index int, owners *ownerSet) ([]byte, error) {
	holders := owners.of(index)
	for attempt := 0; attempt < s.retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p := holders[attempt%len(holders)]
		data, err := s.source.Piece(ctx, p, s.id, index)
		if err != nil {
			log.Debugf("Piece %d attempt %d from %s failed: %v", index, attempt+1, p, err)
			continue
		}
		if !m.VerifyPiece(index, data) {
			log.Warnf("Piece %d from %s failed hash verification", index, p)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: piece %d failed verification after %d attempts", ErrPieceRetriesExhausted, index, s.retries)
}
