package swarm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

var log = logging.Logger("swarm")

// ProtocolID identifies the swarm exchange protocol on the wire.
const ProtocolID = protocol.ID("/setupshare/swarm/1.0.0")

// Message types.
const (
	MsgGetManifest byte = 0x01
	MsgGetBitfield byte = 0x02
	MsgGetPiece    byte = 0x03
)

// Response codes.
const (
	RespNotFound    byte = 0x00
	RespOK          byte = 0x01
	RespRateLimited byte = 0x02
)

const (
	// DefaultReadTimeout bounds reading a single request from a stream.
	DefaultReadTimeout = 10 * time.Second

	// DefaultExchangeTimeout bounds one full request/response exchange.
	DefaultExchangeTimeout = 30 * time.Second

	// DefaultPieceTimeout bounds a single piece download.
	DefaultPieceTimeout = 15 * time.Second
)

// MessageLimits caps field sizes so a peer cannot force large
// allocations.
type MessageLimits struct {
	MaxIDLen        int
	MaxManifestSize int
	MaxPieceSize    int
}

// DefaultMessageLimits returns limits sized for hex SHA-256 manifest
// IDs and the largest configurable piece.
func DefaultMessageLimits() MessageLimits {
	return MessageLimits{
		MaxIDLen:        128,
		MaxManifestSize: 8 * 1024 * 1024,
		MaxPieceSize:    16 * 1024 * 1024,
	}
}

// Client-visible request outcomes.
var (
	// ErrNotOnPeer means the peer does not hold the requested manifest
	// or piece.
	ErrNotOnPeer = errors.New("peer does not have the requested data")

	// ErrPeerBusy means the peer rate-limited the request.
	ErrPeerBusy = errors.New("peer rate-limited the request")
)

// ExchangeHandler answers swarm protocol requests from seeded folders.
type ExchangeHandler struct {
	seeder      *Seeder
	limits      MessageLimits
	rateLimiter *PeerRateLimiter
}

// NewExchangeHandler creates a handler serving from seeder. The rate
// limiter may be nil to disable per-peer limiting.
func NewExchangeHandler(seeder *Seeder, rateLimiter *PeerRateLimiter) *ExchangeHandler {
	return &ExchangeHandler{
		seeder:      seeder,
		limits:      DefaultMessageLimits(),
		rateLimiter: rateLimiter,
	}
}

// HandleStream serves one request per inbound stream.
func (h *ExchangeHandler) HandleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	if h.rateLimiter != nil && !h.rateLimiter.Allow(remote) {
		log.Warnf("Rate limit exceeded for peer %s", remote)
		s.Write([]byte{RespRateLimited})
		return
	}

	if err := s.SetDeadline(time.Now().Add(DefaultExchangeTimeout)); err != nil {
		log.Debugf("Failed to set stream deadline: %v", err)
	}
	if err := s.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		log.Debugf("Failed to set read deadline: %v", err)
	}
	h.serveRequest(s)
}

// serveRequest reads one request from rw and writes the response.
func (h *ExchangeHandler) serveRequest(rw io.ReadWriter) {
	var msgType [1]byte
	if _, err := io.ReadFull(rw, msgType[:]); err != nil {
		log.Debugf("Failed to read message type: %v", err)
		return
	}

	switch msgType[0] {
	case MsgGetManifest:
		h.handleGetManifest(rw)
	case MsgGetBitfield:
		h.handleGetBitfield(rw)
	case MsgGetPiece:
		h.handleGetPiece(rw)
	default:
		log.Warnf("Unknown message type: 0x%02x", msgType[0])
		rw.Write([]byte{RespNotFound})
	}
}

func (h *ExchangeHandler) handleGetManifest(rw io.ReadWriter) {
	id, err := readString(rw, h.limits.MaxIDLen)
	if err != nil {
		log.Debugf("Failed to read manifest ID: %v", err)
		return
	}
	seeded, ok := h.seeder.Lookup(id)
	if !ok {
		rw.Write([]byte{RespNotFound})
		return
	}
	data, err := seeded.Manifest.Encode()
	if err != nil {
		log.Errorf("Failed to encode manifest %s: %v", id, err)
		rw.Write([]byte{RespNotFound})
		return
	}
	if _, err := rw.Write([]byte{RespOK}); err != nil {
		return
	}
	if err := writeBytes(rw, data); err != nil {
		log.Debugf("Failed to send manifest %s: %v", id, err)
	}
}

func (h *ExchangeHandler) handleGetBitfield(rw io.ReadWriter) {
	id, err := readString(rw, h.limits.MaxIDLen)
	if err != nil {
		log.Debugf("Failed to read manifest ID: %v", err)
		return
	}
	bf, ok := h.seeder.Bitfield(id)
	if !ok {
		rw.Write([]byte{RespNotFound})
		return
	}
	if _, err := rw.Write([]byte{RespOK}); err != nil {
		return
	}
	if err := writeBytes(rw, bf); err != nil {
		log.Debugf("Failed to send bitfield %s: %v", id, err)
	}
}

func (h *ExchangeHandler) handleGetPiece(rw io.ReadWriter) {
	id, err := readString(rw, h.limits.MaxIDLen)
	if err != nil {
		log.Debugf("Failed to read manifest ID: %v", err)
		return
	}
	index, err := readUint32(rw)
	if err != nil {
		log.Debugf("Failed to read piece index: %v", err)
		return
	}
	data, err := h.seeder.ReadPiece(id, int(index))
	if err != nil {
		log.Debugf("Piece %d of %s unavailable: %v", index, id, err)
		rw.Write([]byte{RespNotFound})
		return
	}
	if _, err := rw.Write([]byte{RespOK}); err != nil {
		return
	}
	if err := writeBytes(rw, data); err != nil {
		log.Debugf("Failed to send piece %d of %s: %v", index, id, err)
	}
}

// streamOpener is the slice of host.Host the requester needs.
type streamOpener interface {
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
}

// Requester performs swarm protocol requests over fresh streams.
type Requester struct {
	host    streamOpener
	limits  MessageLimits
	timeout time.Duration
}

// NewRequester creates a requester that opens streams on h. A
// non-positive timeout falls back to DefaultPieceTimeout.
func NewRequester(h streamOpener, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultPieceTimeout
	}
	return &Requester{host: h, limits: DefaultMessageLimits(), timeout: timeout}
}

// Manifest fetches and validates the manifest with the given ID from p,
// confirming the received content actually hashes to that ID.
func (r *Requester) Manifest(ctx context.Context, p peer.ID, id string) (*Manifest, error) {
	var m *Manifest
	err := r.roundTrip(ctx, p, func(rw io.ReadWriter) error {
		var err error
		m, err = requestManifest(rw, id, r.limits)
		return err
	})
	return m, err
}

// Bitfield fetches the piece possession map for id from p.
func (r *Requester) Bitfield(ctx context.Context, p peer.ID, id string) (Bitfield, error) {
	var bf Bitfield
	err := r.roundTrip(ctx, p, func(rw io.ReadWriter) error {
		var err error
		bf, err = requestBitfield(rw, id, r.limits)
		return err
	})
	return bf, err
}

// Piece fetches piece index of id from p. The caller verifies the hash.
func (r *Requester) Piece(ctx context.Context, p peer.ID, id string, index int) ([]byte, error) {
	var data []byte
	err := r.roundTrip(ctx, p, func(rw io.ReadWriter) error {
		var err error
		data, err = requestPiece(rw, id, index, r.limits)
		return err
	})
	return data, err
}

func (r *Requester) roundTrip(ctx context.Context, p peer.ID, exchange func(io.ReadWriter) error) error {
	s, err := r.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", p, err)
	}
	defer s.Close()
	if err := s.SetDeadline(time.Now().Add(r.timeout)); err != nil {
		log.Debugf("Failed to set stream deadline: %v", err)
	}
	return exchange(s)
}

func requestManifest(rw io.ReadWriter, id string, limits MessageLimits) (*Manifest, error) {
	if _, err := rw.Write([]byte{MsgGetManifest}); err != nil {
		return nil, err
	}
	if err := writeString(rw, id); err != nil {
		return nil, err
	}
	data, err := readResponse(rw, limits.MaxManifestSize)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if m.ID() != id {
		return nil, fmt.Errorf("manifest content hashes to %s, requested %s", m.ID(), id)
	}
	return m, nil
}

func requestBitfield(rw io.ReadWriter, id string, limits MessageLimits) (Bitfield, error) {
	if _, err := rw.Write([]byte{MsgGetBitfield}); err != nil {
		return nil, err
	}
	if err := writeString(rw, id); err != nil {
		return nil, err
	}
	data, err := readResponse(rw, limits.MaxManifestSize)
	if err != nil {
		return nil, err
	}
	return Bitfield(data), nil
}

func requestPiece(rw io.ReadWriter, id string, index int, limits MessageLimits) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("piece index %d is negative", index)
	}
	if _, err := rw.Write([]byte{MsgGetPiece}); err != nil {
		return nil, err
	}
	if err := writeString(rw, id); err != nil {
		return nil, err
	}
	if err := writeUint32(rw, uint32(index)); err != nil {
		return nil, err
	}
	return readResponse(rw, limits.MaxPieceSize)
}

// readResponse reads a response code and, on success, one
// length-prefixed payload capped at maxSize.
func readResponse(r io.Reader, maxSize int) ([]byte, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, fmt.Errorf("failed to read response code: %w", err)
	}
	switch code[0] {
	case RespOK:
	case RespNotFound:
		return nil, ErrNotOnPeer
	case RespRateLimited:
		return nil, ErrPeerBusy
	default:
		return nil, fmt.Errorf("unknown response code: 0x%02x", code[0])
	}
	return readBytes(r, maxSize)
}

// writeString writes a 2-byte big-endian length followed by the bytes.
func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// readString reads a 2-byte big-endian length, validates it against
// max, then reads that many bytes.
func readString(r io.Reader, max int) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 {
		return "", errors.New("empty field")
	}
	if n > max {
		return "", fmt.Errorf("field length %d exceeds limit %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeBytes writes a 4-byte big-endian length followed by the bytes.
func writeBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readBytes reads a 4-byte big-endian length, validates it against
// max, then reads that many bytes.
func readBytes(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n > max {
		return nil, fmt.Errorf("payload length %d exceeds limit %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeUint32 writes a 4-byte big-endian unsigned integer.
func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// readUint32 reads a 4-byte big-endian unsigned integer.
func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
