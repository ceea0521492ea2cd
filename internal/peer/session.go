// Package peer owns one TCP connection to a remote peer: the handshake,
// the message loop, local/remote choke and interest state, and the
// request-pipelining policy that drives block downloads into the shared
// Piece Registry.
package peer

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/TatuMon/btleech/internal/log"
	"github.com/TatuMon/btleech/internal/piece"
	"github.com/TatuMon/btleech/internal/wire"
)

// Pipeline depth: the number of outstanding block Requests a session
// keeps in flight against an unchoked peer.
const Pipeline = 100

const (
	connectTimeout = 1 * time.Second
	recvTimeout    = 1 * time.Second
)

type state int

const (
	stateConnecting state = iota
	stateHandshaking
	stateStreaming
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateStreaming:
		return "streaming"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session runs the wire-protocol lifecycle for one peer endpoint. It
// exclusively owns its socket; the only state it shares with the rest of
// the process is through the Registry, which is safe for concurrent use.
type Session struct {
	endpoint Endpoint
	infoHash [20]byte
	localID  [20]byte
	registry *piece.Registry

	conn  net.Conn
	state state

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   wire.Bitfield

	activeIndex int
	activeLen   int64

	finished atomic.Bool
	done     chan struct{}
}

// New constructs a Session for endpoint; it does not connect until Run is
// called.
func New(endpoint Endpoint, infoHash, localID [20]byte, registry *piece.Registry) *Session {
	return &Session{
		endpoint:    endpoint,
		infoHash:    infoHash,
		localID:     localID,
		registry:    registry,
		amChoking:   true,
		peerChoking: true,
		activeIndex: -1,
		done:        make(chan struct{}),
	}
}

// Endpoint returns the endpoint this session targets.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// Finished reports whether the session has reached the Closed state.
func (s *Session) Finished() bool { return s.finished.Load() }

// Done returns a channel closed once the session's Run method returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session through Connecting -> Handshaking -> Streaming,
// any of which may transition to Closed on error. It blocks until the
// session ends and always leaves the socket released.
func (s *Session) Run() error {
	defer func() {
		s.state = stateClosed
		if s.conn != nil {
			s.conn.Close()
		}
		s.finished.Store(true)
		close(s.done)
	}()

	s.state = stateConnecting
	if err := s.connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	s.state = stateHandshaking
	if err := s.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	s.state = stateStreaming
	if err := s.stream(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	return nil
}

func (s *Session) connect() error {
	conn, err := net.DialTimeout("tcp", s.endpoint.String(), connectTimeout)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Session) handshake() error {
	h := &wire.Handshake{InfoHash: s.infoHash, PeerID: s.localID}

	if err := s.send(h.Encode()); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	s.conn.SetReadDeadline(time.Now().Add(recvTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	resp, err := wire.DecodeHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("failed to read peer handshake: %w", err)
	}

	if resp.InfoHash != s.infoHash {
		return fmt.Errorf("info hash mismatch")
	}

	return nil
}

// send performs one length-prefixed write. A short write (fewer bytes
// than requested) is a fatal error for the session.
func (s *Session) send(buf []byte) error {
	n, err := s.conn.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write: sent %d of %d bytes", n, len(buf))
	}
	return nil
}

func (s *Session) stream() error {
	if err := s.sendBitfield(); err != nil {
		return fmt.Errorf("failed to send bitfield: %w", err)
	}

	for {
		s.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		msg, err := wire.Decode(s.conn)
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		if msg == nil {
			log.Recv("keep-alive from %s", s.endpoint)
			continue
		}

		log.Recv("received %s from %s", msg.ID, s.endpoint)
		if err := s.handle(msg); err != nil {
			return fmt.Errorf("failed to handle %s: %w", msg.ID, err)
		}
	}
}

func (s *Session) handle(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		s.peerChoking = true

	case wire.Unchoke:
		s.peerChoking = false
		if idx, ok := s.registry.PickPiece(s.peerBitfield); ok {
			return s.startPiece(idx)
		}
		s.activeIndex = -1

	case wire.Interested:
		s.peerInterested = true

	case wire.NotInterested:
		s.peerInterested = false

	case wire.Have:
		index, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		s.ensureBitfieldCapacity(int(index))
		s.peerBitfield.SetPiece(int(index))
		s.maybeDeclareInterest()

	case wire.Bitfield:
		s.peerBitfield = wire.Bitfield(append([]byte{}, msg.Payload...))
		s.maybeDeclareInterest()

	case wire.Piece:
		return s.handlePiece(msg)

	case wire.Request, wire.Cancel:
		// Leech-only: incoming requests from the remote peer are ignored.

	case wire.Port:
		// DHT port announcement; no DHT support in this client.

	default:
		log.Recv("ignoring unknown message id %d from %s", msg.ID, s.endpoint)
	}

	return nil
}

func (s *Session) handlePiece(msg *wire.Message) error {
	block, err := wire.ParsePieceMessage(msg)
	if err != nil {
		return err
	}

	outcome := s.registry.AddBlock(int(block.Index), block.Begin, block.Data)

	if s.peerChoking {
		return nil
	}

	if outcome == piece.Verified {
		if idx, ok := s.registry.PickPiece(s.peerBitfield); ok {
			return s.startPiece(idx)
		}
		s.activeIndex = -1
		return nil
	}

	nextOffset := block.Begin + Pipeline*wire.Block
	if int64(nextOffset) < s.activeLen {
		length := blockLenAt(s.activeLen, nextOffset)
		return s.sendRequest(block.Index, nextOffset, length)
	}

	return nil
}

// startPiece begins (or resumes) the request-pipelining window for
// piece index, filling up to Pipeline outstanding block requests.
func (s *Session) startPiece(index int) error {
	length := s.registry.PieceLen(index)
	s.activeIndex = index
	s.activeLen = length

	offset := uint32(0)
	for sent := 0; sent < Pipeline && int64(offset) < length; sent++ {
		blockLen := blockLenAt(length, offset)
		if err := s.sendRequest(uint32(index), offset, blockLen); err != nil {
			return err
		}
		offset += wire.Block
	}

	return nil
}

func blockLenAt(pieceLen int64, offset uint32) uint32 {
	remaining := pieceLen - int64(offset)
	if remaining > wire.Block {
		return wire.Block
	}
	return uint32(remaining)
}

func (s *Session) sendRequest(index, begin, length uint32) error {
	msg := wire.Message{ID: wire.Request, Payload: wire.RequestPayload(index, begin, length)}
	if err := s.send(msg.Encode()); err != nil {
		return err
	}
	log.Sent("sent request(piece=%d, begin=%d, len=%d) to %s", index, begin, length, s.endpoint)
	return nil
}

func (s *Session) sendBitfield() error {
	bf := s.registry.Bitfield()
	msg := wire.Message{ID: wire.Bitfield, Payload: bf}
	return s.send(msg.Encode())
}

func (s *Session) maybeDeclareInterest() {
	if s.amInterested {
		return
	}
	if !s.registry.HasMissingFrom(s.peerBitfield) {
		return
	}

	msg := wire.Message{ID: wire.Interested}
	if err := s.send(msg.Encode()); err != nil {
		return
	}
	s.amInterested = true
	log.Sent("sent interested to %s", s.endpoint)
}

// ensureBitfieldCapacity grows peerBitfield to cover index if a Have
// message names a piece beyond what the peer's initial Bitfield (or its
// absence) covered.
func (s *Session) ensureBitfieldCapacity(index int) {
	needed := index/8 + 1
	if len(s.peerBitfield) >= needed {
		return
	}
	grown := make(wire.Bitfield, needed)
	copy(grown, s.peerBitfield)
	s.peerBitfield = grown
}
