// Package piece implements the rarest-first/sequential/endgame block
// picker and the partial-piece download state machine described in the
// routing-table's sibling core components (internal/cache, internal/storage).
package piece

import (
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prxssh/rabbit/pkg/bitfield"
)

const MaxBlockLength = 16 * 1024 // 16KiB, matches the wire protocol's block size.

// BlockState is a block's position in the none -> requested -> writing ->
// finished state machine (requested -> none on abort).
type BlockState uint8

const (
	BlockNone BlockState = iota
	BlockRequested
	BlockWriting
	BlockFinished
)

// Deprecated names kept for the pre-existing wired callers
// (internal/torrent.Torrent.GetStats): Status is an alias of BlockState and
// StatusDone mirrors BlockFinished's "we have this block" meaning at the
// piece level.
type Status = BlockState

const (
	StatusWant     = BlockNone
	StatusInflight = BlockRequested
	StatusDone     = BlockFinished
)

// SpeedClass buckets peers/pieces by observed throughput so that a slow
// peer doesn't hold a fast piece's blocks hostage (spec: speed affinity).
type SpeedClass uint8

const (
	SpeedNone SpeedClass = iota
	SpeedSlow
	SpeedMedium
	SpeedFast
)

// Priority is the user/application-facing piece priority. 0 means
// filtered (never downloaded); 1 is default; up to 7 is highest.
type Priority uint8

const (
	PriorityFiltered Priority = 0
	PriorityDefault  Priority = 1
	PriorityMax      Priority = 7
)

// posWeHave/posDLoding are PiecePos.bucketIndex sentinels: a piece we already
// own, and a piece that is currently in a DownloadingPiece (so it has no
// bucket slot at all).
const (
	posWeHave  = -1
	posDLoding = -2
)

// PiecePos is the packed per-piece record spec.md describes as a 32-bit
// bitfield. Packing is not load-bearing for correctness (DESIGN NOTES §9),
// so it is kept as a plain struct here.
type PiecePos struct {
	PeerCount   uint16 // availability, saturating
	Downloading bool
	Priority    Priority
	bucketIndex int32 // slot inside its bucket, or a posXxx sentinel
}

func (p PiecePos) haveIt() bool       { return p.bucketIndex == posWeHave }
func (p PiecePos) filtered() bool     { return p.Priority == PriorityFiltered }
func (p PiecePos) downloading() bool  { return p.Downloading }
func (p PiecePos) inBucket() bool     { return p.bucketIndex >= 0 }
func (p *PiecePos) setHave()          { p.bucketIndex = posWeHave; p.Downloading = false }
func (p *PiecePos) setDownloading()   { p.bucketIndex = posDLoding; p.Downloading = true }
func (p *PiecePos) clearDownloading() { p.Downloading = false; p.bucketIndex = posDLoding }

// maxAvailability saturates PeerCount; chosen generously (spec requires
// only "at least 16 bits in practice").
const maxAvailability = 1<<16 - 1

// BlockInfo is the per-block record for an in-flight (DownloadingPiece)
// piece.
type BlockInfo struct {
	State BlockState
	Peers []netip.AddrPort // distinct peers with an outstanding request
}

func (b *BlockInfo) addPeer(p netip.AddrPort) {
	for _, existing := range b.Peers {
		if existing == p {
			return
		}
	}
	b.Peers = append(b.Peers, p)
}

func (b *BlockInfo) removePeer(p netip.AddrPort) {
	for i, existing := range b.Peers {
		if existing == p {
			b.Peers = append(b.Peers[:i], b.Peers[i+1:]...)
			return
		}
	}
}

// DownloadingPiece is the per-in-flight-piece record. Counts are kept in
// sync with the BlockInfo tallies by every mutating method in blocks.go.
type DownloadingPiece struct {
	Index     uint32
	Requested uint32
	Writing   uint32
	Finished  uint32
	Blocks    []BlockInfo
	Speed     SpeedClass

	// partialHashStarted is set once block 0 transitions into the piece,
	// signalling the cache/storage collaborator to start a partial-hash
	// checkpoint (spec.md §4.2/§4.3); the picker only tracks the flag, the
	// checkpoint itself lives in the storage manager.
	partialHashStarted bool

	requestedAt map[uint32]time.Time // block index -> first request time, for CheckTimeouts
}

type pieceState struct {
	index    uint32
	hash     [sha1.Size]byte
	length   uint32
	blockCnt uint32

	pos PiecePos
}

// Manager is the picker: it owns per-piece state, the availability-priority
// bucket vector, and the pool of DownloadingPiece records. All exported
// methods are safe for concurrent use.
//
// Kept name "Manager" (rather than "Picker") because internal/torrent.Torrent
// already depends on piece.Manager/piece.NewManager/PieceStatus/StatusDone;
// its surface is extended in blocks.go/select.go/buckets.go to the full
// spec'd Picker operation set.
type Manager struct {
	logger *slog.Logger

	mu sync.RWMutex

	pieces []pieceState
	have   bitfield.Bitfield

	buckets *bucketVector

	downloading   map[uint32]*DownloadingPiece
	numFiltered   int
	numHaveFilter int // pieces we have that were also filtered

	endgame         bool
	remainingBlocks uint64

	nextSequential uint32 // cursor for sequential mode

	rng *randSource
}

var ErrOutOfBounds = errors.New("piece: size/piece-length out of bounds")

// ErrContract marks a programmer error caught in release mode: an
// out-of-range index or an invalid state transition that debug builds
// would otherwise assert on (spec.md §4.1 Failure semantics).
var ErrContract = errors.New("piece: contract violation")

// NewManager builds a picker for a torrent with the given per-piece SHA-1
// hashes, piece length, and total size.
func NewManager(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	size uint64,
	logger *slog.Logger,
) (*Manager, error) {
	if _, ok := LastPieceLength(size, pieceLen); !ok {
		return nil, errors.Wrapf(ErrOutOfBounds, "pieceLen=%d size=%d", pieceLen, size)
	}

	n := len(pieceHashes)
	pieces := make([]pieceState, n)
	var totalBlocks uint64

	m := &Manager{
		logger:      logger,
		have:        bitfield.New(n),
		downloading: make(map[uint32]*DownloadingPiece),
		rng:         newRandSource(),
	}
	m.buckets = newBucketVector(priorityLevels, m.rng)

	for i := 0; i < n; i++ {
		plen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCnt, _ := BlocksInPiece(plen)
		totalBlocks += uint64(blockCnt)

		pieces[i] = pieceState{
			index:    uint32(i),
			hash:     pieceHashes[i],
			length:   plen,
			blockCnt: blockCnt,
			pos:      PiecePos{Priority: PriorityDefault, bucketIndex: posDLoding},
		}
	}
	m.pieces = pieces
	m.remainingBlocks = totalBlocks

	for i := range m.pieces {
		m.insertIntoBucket(uint32(i))
	}

	return m, nil
}

func (m *Manager) PieceCount() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.pieces))
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceHash(pieceIdx uint32) [sha1.Size]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pieces[pieceIdx].hash
}

func (m *Manager) PieceComplete(pieceIdx uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pieces[pieceIdx].pos.haveIt()
}

// PieceStatus reports, per piece, StatusDone if we have it and StatusWant
// otherwise (StatusInflight is reported for pieces currently downloading).
// Kept for internal/torrent.Torrent.GetStats, which only distinguishes
// done vs not-done.
func (m *Manager) PieceStatus() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, len(m.pieces))
	for i, p := range m.pieces {
		switch {
		case p.pos.haveIt():
			out[i] = StatusDone
		case p.pos.downloading():
			out[i] = StatusInflight
		default:
			out[i] = StatusWant
		}
	}
	return out
}

// ResetSequentialState rewinds the sequential-mode cursor to the first
// piece we don't already have.
func (m *Manager) ResetSequentialState() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSequential = 0
	for m.nextSequential < uint32(len(m.pieces)) && m.pieces[m.nextSequential].pos.haveIt() {
		m.nextSequential++
	}
}

// FilesChecked seeds the picker's have-bitfield after a storage-manager
// recheck (spec.md §6.2). unfinished carries pieces that the storage found
// partially present so the caller can re-verify them; outVerify receives a
// copy for convenience.
func (m *Manager) FilesChecked(have bitfield.Bitfield, unfinished []uint32) (outVerify []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.pieces {
		if have.Has(i) {
			m.weHaveLocked(uint32(i))
		}
	}

	outVerify = append(outVerify, unfinished...)
	return outVerify
}
