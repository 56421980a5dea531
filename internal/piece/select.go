package piece

import (
	"net/netip"
)

// RequestedBlock identifies one block a peer should request next.
type RequestedBlock struct {
	PieceIndex uint32
	BlockIndex uint32
	Length     uint32
}

// PickOptions carries the per-call knobs that vary with peer/session state
// (as opposed to PickerConfig's static tuning), grounded on spec.md §4.1's
// NextForPeer signature.
type PickOptions struct {
	// PeerHasPiece reports whether the requesting peer has a given piece;
	// the picker never hands out a block the peer can't serve from itself,
	// but can hand out a block from any piece the peer has.
	PeerHasPiece func(pieceIdx uint32) bool

	// Count is how many blocks to return at most.
	Count int

	// PreferWholePieces, when true, exhausts a piece's blocks before moving
	// to the next rather than spreading requests thin.
	PreferWholePieces bool

	// OnParole restricts selection to pieces exclusively downloaded from
	// this peer already, or not yet started (hash-failure recovery).
	OnParole bool

	// Speed classifies the requesting peer/connection, used to avoid
	// handing a slow peer's blocks to a piece already being raced by fast
	// peers (and vice versa).
	Speed SpeedClass

	// EndgameDuplicatePerBlock caps how many peers may concurrently share
	// one block once endgame triggers; 0 disables endgame duplication.
	EndgameDuplicatePerBlock int
}

// PickBlocks selects up to opts.Count blocks for a requesting peer,
// dispatching across sequential/rarest-first/endgame strategies per
// spec.md §4.1. It does not mutate state: the caller is expected to follow
// up with MarkAsDownloading for each returned block.
func (m *Manager) PickBlocks(strategy DownloadStrategy, peer netip.AddrPort, opts PickOptions) []RequestedBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if opts.Count <= 0 {
		return nil
	}

	var out []RequestedBlock

	if opts.OnParole {
		out = m.pickFromParole(peer, opts)
		if len(out) >= opts.Count {
			return out[:opts.Count]
		}
	} else {
		out = append(out, m.pickFromDownloading(opts)...)
		if len(out) >= opts.Count {
			return out[:opts.Count]
		}
	}

	switch strategy {
	case StrategySequential:
		out = append(out, m.pickSequential(opts, opts.Count-len(out))...)
	default:
		out = append(out, m.pickRarestFirst(opts, opts.Count-len(out))...)
	}

	if len(out) < opts.Count && m.endgame && opts.EndgameDuplicatePerBlock > 0 && !opts.OnParole {
		out = append(out, m.pickEndgame(opts, opts.Count-len(out))...)
	}

	if len(out) > opts.Count {
		out = out[:opts.Count]
	}
	return out
}

// DownloadStrategy selects the high-level piece-ranking policy; mirrors
// pkg/config.PieceDownloadStrategy but lives here to keep internal/piece
// import-independent of pkg/config.
type DownloadStrategy uint8

const (
	StrategyRarestFirst DownloadStrategy = iota
	StrategySequential
	StrategyRandom
)

// pickFromDownloading continues already-in-flight pieces before starting
// new ones, per spec.md's "prefer completing partial pieces" guidance —
// this is what makes PreferWholePieces effective in steady state.
func (m *Manager) pickFromDownloading(opts PickOptions) []RequestedBlock {
	var out []RequestedBlock
	for _, dp := range m.orderedDownloading() {
		if !opts.PeerHasPiece(dp.Index) {
			continue
		}
		if !m.speedCompatible(dp, opts.Speed) {
			continue
		}
		for bi := range dp.Blocks {
			if len(out) >= opts.Count {
				return out
			}
			if dp.Blocks[bi].State != BlockNone {
				continue
			}
			out = append(out, m.requestedBlockFor(dp.Index, uint32(bi)))
		}
		if !opts.PreferWholePieces && len(out) > 0 {
			break
		}
	}
	return out
}

func (m *Manager) speedCompatible(dp *DownloadingPiece, peerSpeed SpeedClass) bool {
	if dp.Speed == SpeedNone || peerSpeed == SpeedNone {
		return true
	}
	diff := int(dp.Speed) - int(peerSpeed)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

func (m *Manager) orderedDownloading() []*DownloadingPiece {
	out := make([]*DownloadingPiece, 0, len(m.downloading))
	for _, dp := range m.downloading {
		out = append(out, dp)
	}
	return out
}

// pickRarestFirst walks the bucket vector in composite order (rarest +
// highest-priority first) and picks blocks from the first pieces the peer
// can serve.
func (m *Manager) pickRarestFirst(opts PickOptions, want int) []RequestedBlock {
	var out []RequestedBlock
	for idx := range m.buckets.groups {
		if len(out) >= want {
			break
		}
		for _, piece := range m.buckets.bucket(idx) {
			if len(out) >= want {
				break
			}
			if !opts.PeerHasPiece(piece) {
				continue
			}
			out = append(out, m.startPiece(piece, want-len(out), opts.PreferWholePieces)...)
		}
	}
	return out
}

// pickSequential walks piece indices in ascending order starting from
// nextSequential.
func (m *Manager) pickSequential(opts PickOptions, want int) []RequestedBlock {
	var out []RequestedBlock
	n := uint32(len(m.pieces))
	for i := m.nextSequential; i < n && len(out) < want; i++ {
		if m.pieces[i].pos.haveIt() || m.pieces[i].pos.filtered() {
			continue
		}
		if !opts.PeerHasPiece(i) {
			continue
		}
		out = append(out, m.startPiece(i, want-len(out), opts.PreferWholePieces)...)
	}
	return out
}

// startPiece returns up to want none-state blocks from piece, bootstrapping
// its DownloadingPiece record via a read-only view (blocks are only
// materialized by the caller's subsequent MarkAsDownloading).
func (m *Manager) startPiece(pieceIdx uint32, want int, _ bool) []RequestedBlock {
	blockCnt := m.pieces[pieceIdx].blockCnt
	dp, ok := m.downloading[pieceIdx]

	var out []RequestedBlock
	for bi := uint32(0); bi < blockCnt && len(out) < want; bi++ {
		if ok {
			if int(bi) < len(dp.Blocks) && dp.Blocks[bi].State != BlockNone {
				continue
			}
		}
		out = append(out, m.requestedBlockFor(pieceIdx, bi))
	}
	return out
}

func (m *Manager) requestedBlockFor(pieceIdx, blockIdx uint32) RequestedBlock {
	length := uint32(MaxBlockLength)
	if _, l, ok := BlockBounds(m.pieces[pieceIdx].length, blockIdx); ok {
		length = l
	}
	return RequestedBlock{PieceIndex: pieceIdx, BlockIndex: blockIdx, Length: length}
}

// pickFromParole restricts selection to pieces the requesting peer is
// already the sole contributor to, per spec.md's parole recovery mode.
func (m *Manager) pickFromParole(peer netip.AddrPort, opts PickOptions) []RequestedBlock {
	var out []RequestedBlock
	for _, dp := range m.orderedDownloading() {
		if len(out) >= opts.Count {
			break
		}
		if !soleContributor(dp, peer) {
			continue
		}
		for bi := range dp.Blocks {
			if len(out) >= opts.Count {
				break
			}
			if dp.Blocks[bi].State != BlockNone {
				continue
			}
			out = append(out, m.requestedBlockFor(dp.Index, uint32(bi)))
		}
	}
	return out
}

func soleContributor(dp *DownloadingPiece, peer netip.AddrPort) bool {
	for _, b := range dp.Blocks {
		for _, p := range b.Peers {
			if p != peer {
				return false
			}
		}
	}
	return true
}

// pickEndgame duplicates requests for outstanding (requested) blocks that
// fewer than EndgameDuplicatePerBlock peers share, taking in-flight pieces
// in map order, once remainingBlocks is small enough that nearly every block is
// already in flight (the caller sets m.endgame; see SetEndgame).
func (m *Manager) pickEndgame(opts PickOptions, want int) []RequestedBlock {
	var out []RequestedBlock
	for _, dp := range m.orderedDownloading() {
		if len(out) >= want {
			break
		}
		if !opts.PeerHasPiece(dp.Index) {
			continue
		}
		for bi := range dp.Blocks {
			if len(out) >= want {
				break
			}
			b := &dp.Blocks[bi]
			if b.State != BlockRequested {
				continue
			}
			if len(b.Peers) >= opts.EndgameDuplicatePerBlock {
				continue
			}
			out = append(out, m.requestedBlockFor(dp.Index, uint32(bi)))
		}
	}
	return out
}

// SetEndgame toggles endgame mode; the caller (torrent orchestrator)
// decides the trigger condition (spec.md: "when outstanding requests cover
// nearly all remaining blocks").
func (m *Manager) SetEndgame(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endgame = on
}

func (m *Manager) Endgame() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endgame
}

// RemainingBlocks reports how many blocks across the whole torrent are not
// yet finished.
func (m *Manager) RemainingBlocks() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remainingBlocks
}
