// Package piece owns the canonical record of piece completion and the
// in-flight block assembly for pieces currently being downloaded: digest
// verification, disk placement, and the peer-facing piece-selection
// query all live here behind one lock.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TatuMon/btleech/internal/log"
	"github.com/TatuMon/btleech/internal/metainfo"
	"github.com/TatuMon/btleech/internal/wire"
)

// Block is the atomic unit of transfer; a piece is the atomic unit of
// digest verification.
const Block = wire.Block

// Outcome classifies the result of a single add_block call.
type Outcome int

const (
	Duplicate Outcome = iota
	Progress
	Verified
	Corrupt
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Progress:
		return "progress"
	case Verified:
		return "verified"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// progress is the in-flight assembly state of one piece being downloaded.
// A progress value is created on first block arrival and destroyed on
// completion (success or digest mismatch).
type progress struct {
	buffer         []byte
	blocksReceived []bool
	bytesReceived  int64
}

// Writer persists a verified piece's bytes. storage.Mapper satisfies
// this; it is an interface here so tests can inject a failing mapper to
// exercise the persistence-failure path (AddBlock then returns Corrupt).
type Writer interface {
	WritePiece(index int, data []byte) error
}

// Registry is the canonical owner of per-piece completion state and
// in-flight block assembly, shared by every peer session and the swarm
// supervisor. It is safe for concurrent use by many goroutines.
type Registry struct {
	pieceLength int64
	totalSize   int64
	numPieces   int
	hashes      []metainfo.Hash
	writer      Writer

	mu        sync.RWMutex
	bitfield  wire.Bitfield
	inFlight  map[int]*progress

	totalTransferred atomic.Int64
}

// New creates a Registry for content described by m, persisting verified
// pieces through writer.
func New(m *metainfo.Metainfo, writer Writer) *Registry {
	return &Registry{
		pieceLength: m.PieceLength,
		totalSize:   m.TotalSize,
		numPieces:   m.NumPieces(),
		hashes:      m.PieceHashes,
		writer:      writer,
		bitfield:    wire.NewBitfield(m.NumPieces()),
		inFlight:    make(map[int]*progress),
	}
}

func (r *Registry) pieceLen(index int) int64 {
	if index == r.numPieces-1 {
		return r.totalSize - int64(index)*r.pieceLength
	}
	return r.pieceLength
}

// PickPiece returns the lowest index the peer's bitfield has set that the
// canonical bitfield does not, or false if no such index exists.
func (r *Registry) PickPiece(peerBitfield wire.Bitfield) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.numPieces; i++ {
		if peerBitfield.HasPiece(i) && !r.bitfield.HasPiece(i) {
			return i, true
		}
	}
	return 0, false
}

// HasMissingFrom reports whether peerBitfield advertises any piece the
// canonical bitfield lacks, i.e. whether we should declare interest.
func (r *Registry) HasMissingFrom(peerBitfield wire.Bitfield) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.bitfield.HasMissingFrom(peerBitfield)
}

// AddBlock records one delivered block of piece index at byte offset
// begin. The heavy persistence step runs with the exclusive lock
// released so slow disk I/O never stalls other peer sessions.
func (r *Registry) AddBlock(index int, begin uint32, data []byte) Outcome {
	if index < 0 || index >= r.numPieces {
		return Duplicate
	}

	pieceLen := r.pieceLen(index)

	r.mu.Lock()

	if r.bitfield.HasPiece(index) {
		r.mu.Unlock()
		return Duplicate
	}

	blockIdx := int(begin) / Block
	numBlocks := (int(pieceLen) + Block - 1) / Block
	if int64(begin)%Block != 0 || blockIdx >= numBlocks || int64(begin)+int64(len(data)) > pieceLen {
		r.mu.Unlock()
		return Duplicate
	}

	p, ok := r.inFlight[index]
	if !ok {
		p = &progress{
			buffer:         make([]byte, pieceLen),
			blocksReceived: make([]bool, numBlocks),
		}
		r.inFlight[index] = p
	}

	if p.blocksReceived[blockIdx] {
		r.mu.Unlock()
		return Duplicate
	}

	copy(p.buffer[begin:], data)
	p.blocksReceived[blockIdx] = true
	p.bytesReceived += int64(len(data))
	r.totalTransferred.Add(int64(len(data)))

	if p.bytesReceived < int64(len(p.buffer)) {
		r.mu.Unlock()
		return Progress
	}

	// Piece complete: move the buffer out of the map and release the
	// exclusive lock before touching disk or hashing.
	completed := p.buffer
	delete(r.inFlight, index)
	r.mu.Unlock()

	digest := sha1.Sum(completed)
	if digest != [20]byte(r.hashes[index]) {
		log.Piece(index).Warn("digest mismatch, discarding piece")
		return Corrupt
	}

	if err := r.writer.WritePiece(index, completed); err != nil {
		log.Piece(index).Warnf("persistence failed: %s", err)
		return Corrupt
	}

	r.mu.Lock()
	r.bitfield.SetPiece(index)
	r.mu.Unlock()

	log.Piece(index).Debug("verified")

	return Verified
}

// DownloadedBytes returns the number of verified bytes, clamped to the
// content's total size.
func (r *Registry) DownloadedBytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	downloaded := int64(r.bitfield.PopCount()) * r.pieceLength
	if downloaded > r.totalSize {
		return r.totalSize
	}
	return downloaded
}

// LeftBytes returns the number of bytes not yet verified.
func (r *Registry) LeftBytes() int64 {
	left := r.totalSize - r.DownloadedBytes()
	if left < 0 {
		return 0
	}
	return left
}

// TotalTransferred returns the monotone count of all accepted block
// deliveries, including those later discarded by digest failure.
func (r *Registry) TotalTransferred() int64 {
	return r.totalTransferred.Load()
}

// Bitfield returns a defensive copy of the canonical bitfield.
func (r *Registry) Bitfield() wire.Bitfield {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := make(wire.Bitfield, len(r.bitfield))
	copy(cp, r.bitfield)
	return cp
}

// NumPieces returns the content's piece count.
func (r *Registry) NumPieces() int { return r.numPieces }

// PieceLen returns the actual length of piece index, accounting for the
// shorter final piece.
func (r *Registry) PieceLen(index int) int64 { return r.pieceLen(index) }

// String is a small debug aid, not relied on by callers.
func (r *Registry) String() string {
	return fmt.Sprintf("Registry{downloaded=%d left=%d transferred=%d}",
		r.DownloadedBytes(), r.LeftBytes(), r.TotalTransferred())
}
