package piece

import (
	"net/netip"
	"sort"
	"time"

	"github.com/samber/lo"
)

// insertIntoBucket places piece i into its priority/availability bucket.
// Caller must hold mu. No-op for filtered, had, or currently-downloading
// pieces.
func (m *Manager) insertIntoBucket(i uint32) {
	p := &m.pieces[i].pos
	if p.haveIt() || p.filtered() || p.downloading() {
		return
	}
	composite, slot := m.buckets.insert(i, p.PeerCount, p.Priority)
	p.bucketIndex = encodeBucketSlot(composite, slot)
}

// removeFromBucket takes piece i out of its current bucket, if it is in
// one. Caller must hold mu.
func (m *Manager) removeFromBucket(i uint32) {
	p := &m.pieces[i].pos
	if !p.inBucket() {
		return
	}
	composite, slot := decodeBucketSlot(p.bucketIndex)
	m.buckets.remove(composite, slot, func(moved uint32, newSlot int32) {
		m.pieces[moved].pos.bucketIndex = encodeBucketSlot(composite, newSlot)
	})
	p.bucketIndex = posDLoding
}

// Bucket positions are encoded as composite*bucketSlotStride + slot so a
// single int32 field can hold both without widening PiecePos. bucketSlotStride
// is generous: with priorityLevels==7 a piece can be at availability up to
// ~2^24 before this overflows, far beyond any real swarm.
const bucketSlotStride = 1 << 24

func encodeBucketSlot(composite int, slot int32) int32 {
	return int32(composite)*bucketSlotStride + slot
}

func decodeBucketSlot(v int32) (composite int, slot int32) {
	return int(v / bucketSlotStride), v % bucketSlotStride
}

// updateAvailability moves piece i between buckets after its PeerCount
// changes. Caller must hold mu.
func (m *Manager) updateAvailability(i uint32, delta int) {
	p := &m.pieces[i].pos
	if p.haveIt() || p.filtered() {
		if !p.haveIt() {
			p.PeerCount = saturatingAdd(p.PeerCount, delta)
		}
		return
	}

	wasBucketed := p.inBucket()
	if wasBucketed {
		m.removeFromBucket(i)
	}
	p.PeerCount = saturatingAdd(p.PeerCount, delta)
	if wasBucketed {
		m.insertIntoBucket(i)
	}
}

func saturatingAdd(v uint16, delta int) uint16 {
	nv := int(v) + delta
	if nv < 0 {
		return 0
	}
	if nv > maxAvailability {
		return maxAvailability
	}
	return uint16(nv)
}

// OnPeerHave increments a piece's availability by one; call once per
// (peer, piece) the peer newly reports having.
func (m *Manager) OnPeerHave(pieceIdx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(pieceIdx) >= len(m.pieces) {
		return
	}
	m.updateAvailability(pieceIdx, 1)
}

// OnPeerBitfield increments availability for every piece set in bf.
func (m *Manager) OnPeerBitfield(bf bitfieldLike) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if bf.Has(i) {
			m.updateAvailability(uint32(i), 1)
		}
	}
}

// OnPeerGone decrements availability for every piece in bf, mirroring a
// disconnect after a prior OnPeerBitfield/OnPeerHave.
func (m *Manager) OnPeerGone(bf bitfieldLike) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if bf.Has(i) {
			m.updateAvailability(uint32(i), -1)
		}
	}
}

// bitfieldLike decouples this file from pkg/bitfield's concrete type for
// the two call sites above (both already pass pkg/bitfield.Bitfield, which
// satisfies this trivially).
type bitfieldLike interface{ Has(int) bool }

// IncRefcountAll / DecRefcountAll implement inc_refcount_all / dec_refcount_all
// (spec.md §4.1): shift every non-have, non-filtered piece's effective
// availability by one via an O(priorityLevels) bucket-vector rotation.
func (m *Manager) IncRefcountAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets.rotate(1, func(piece uint32, composite int, slot int32) {
		m.pieces[piece].pos.bucketIndex = encodeBucketSlot(composite, slot)
		m.pieces[piece].pos.PeerCount = saturatingAdd(m.pieces[piece].pos.PeerCount, 1)
	})
}

func (m *Manager) DecRefcountAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets.rotate(-1, func(piece uint32, composite int, slot int32) {
		m.pieces[piece].pos.bucketIndex = encodeBucketSlot(composite, slot)
		m.pieces[piece].pos.PeerCount = saturatingAdd(m.pieces[piece].pos.PeerCount, -1)
	})
}

// IncRefcount / DecRefcount adjust a single piece's availability, used when
// one peer's bitfield/have is applied rather than a bulk seed event.
func (m *Manager) IncRefcount(pieceIdx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(pieceIdx) >= len(m.pieces) {
		return
	}
	m.updateAvailability(pieceIdx, 1)
}

func (m *Manager) DecRefcount(pieceIdx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(pieceIdx) >= len(m.pieces) {
		return
	}
	m.updateAvailability(pieceIdx, -1)
}

// SetPiecePriority changes a piece's user-facing priority, moving it
// between buckets (or in/out of the bucket vector entirely for priority 0).
func (m *Manager) SetPiecePriority(pieceIdx uint32, prio Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(pieceIdx) >= len(m.pieces) {
		return
	}

	p := &m.pieces[pieceIdx].pos
	old := p.Priority

	if old == PriorityFiltered && p.haveIt() {
		m.numHaveFilter--
	}

	switch {
	case p.haveIt():
		p.Priority = prio
		if prio == PriorityFiltered {
			m.numHaveFilter++
		}
		return
	case p.downloading():
		p.Priority = prio
		return
	}

	m.removeFromBucket(pieceIdx)
	if old == PriorityFiltered && prio != PriorityFiltered {
		m.numFiltered--
	}
	if old != PriorityFiltered && prio == PriorityFiltered {
		m.numFiltered++
	}
	p.Priority = prio
	m.insertIntoBucket(pieceIdx)
}

// SetSequencedDownloadThreshold updates the availability value at/above
// which buckets are kept sorted (rather than randomized) for sequential
// rare-piece download. Pieces exactly at the new threshold land in the
// sorted side (spec.md Open Question, resolved in SPEC_FULL.md).
func (m *Manager) SetSequencedDownloadThreshold(threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets.setThreshold(threshold)
}

func newDownloadingPiece(idx uint32, blockCnt uint32) *DownloadingPiece {
	return &DownloadingPiece{
		Index:       idx,
		Blocks:      make([]BlockInfo, blockCnt),
		requestedAt: make(map[uint32]time.Time, blockCnt),
	}
}

// promoteToDownloading moves a piece out of its availability bucket and
// allocates its DownloadingPiece record. Caller must hold mu.
func (m *Manager) promoteToDownloading(pieceIdx uint32) *DownloadingPiece {
	if dp, ok := m.downloading[pieceIdx]; ok {
		return dp
	}
	m.removeFromBucket(pieceIdx)
	m.pieces[pieceIdx].pos.setDownloading()

	dp := newDownloadingPiece(pieceIdx, m.pieces[pieceIdx].blockCnt)
	m.downloading[pieceIdx] = dp
	return dp
}

// demoteFromDownloading removes a piece's DownloadingPiece record and
// returns it to its availability bucket. Caller must hold mu.
func (m *Manager) demoteFromDownloading(pieceIdx uint32) {
	delete(m.downloading, pieceIdx)
	m.pieces[pieceIdx].pos.clearDownloading()
	m.pieces[pieceIdx].pos.bucketIndex = posDLoding
	m.insertIntoBucket(pieceIdx)
}

// MarkAsDownloading transitions a block none->requested (or adds another
// peer if already requested). Returns false if the block is writing or
// finished. First transition into a piece allocates its DownloadingPiece
// and, for block 0, flags the partial-hash checkpoint start.
func (m *Manager) MarkAsDownloading(pieceIdx, blockIdx uint32, peer netip.AddrPort, speed SpeedClass) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(pieceIdx) >= len(m.pieces) {
		m.logger.Error("out-of-range piece index", "error", ErrContract, "piece", pieceIdx)
		return false
	}
	return m.markAsDownloadingLocked(pieceIdx, blockIdx, peer, speed)
}

func (m *Manager) markAsDownloadingLocked(pieceIdx, blockIdx uint32, peer netip.AddrPort, speed SpeedClass) bool {
	dp := m.promoteToDownloading(pieceIdx)
	if int(blockIdx) >= len(dp.Blocks) {
		m.logger.Error("out-of-range block index", "error", ErrContract, "piece", pieceIdx, "block", blockIdx)
		return false
	}

	b := &dp.Blocks[blockIdx]
	switch b.State {
	case BlockWriting, BlockFinished:
		return false
	case BlockNone:
		b.State = BlockRequested
		dp.Requested++
		dp.requestedAt[blockIdx] = time.Now()
		if blockIdx == 0 {
			dp.partialHashStarted = true
		}
		if dp.Speed == SpeedNone {
			dp.Speed = speed
		}
	case BlockRequested:
		// idempotent per spec.md §8 property 3: adding the same peer twice
		// is a no-op; a new peer increments the sharer count once.
	}
	b.addPeer(peer)
	return true
}

// MarkAsWriting transitions a block requested->writing (implicitly calling
// MarkAsDownloading first if the piece wasn't already downloading).
func (m *Manager) MarkAsWriting(pieceIdx, blockIdx uint32, peer netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dp, ok := m.downloading[pieceIdx]
	if !ok {
		m.markAsDownloadingLocked(pieceIdx, blockIdx, peer, SpeedNone)
		dp = m.downloading[pieceIdx]
	}
	if dp == nil || int(blockIdx) >= len(dp.Blocks) {
		return false
	}

	b := &dp.Blocks[blockIdx]
	if b.State != BlockRequested {
		return false
	}

	dp.Requested--
	dp.Writing++
	b.State = BlockWriting
	delete(dp.requestedAt, blockIdx)

	if dp.Requested == 0 {
		dp.Speed = SpeedNone
	}

	m.reorderDownloads()
	return true
}

// MarkAsFinished transitions a block writing->finished.
func (m *Manager) MarkAsFinished(pieceIdx, blockIdx uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dp, ok := m.downloading[pieceIdx]
	if !ok || int(blockIdx) >= len(dp.Blocks) {
		return false
	}
	b := &dp.Blocks[blockIdx]
	if b.State != BlockWriting {
		return false
	}

	dp.Writing--
	dp.Finished++
	b.State = BlockFinished
	if m.remainingBlocks > 0 {
		m.remainingBlocks--
	}
	return true
}

// AbortDownload reverts a block's peer assignment; if the block drops to
// zero sharers while still `requested`, it reverts to `none`. If the piece
// then has no remaining activity, it is demoted back to its bucket.
func (m *Manager) AbortDownload(pieceIdx, blockIdx uint32, peer netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dp, ok := m.downloading[pieceIdx]
	if !ok || int(blockIdx) >= len(dp.Blocks) {
		return
	}
	b := &dp.Blocks[blockIdx]
	b.removePeer(peer)

	if b.State == BlockRequested && len(b.Peers) == 0 {
		b.State = BlockNone
		dp.Requested--
		delete(dp.requestedAt, blockIdx)
	}

	if dp.Requested == 0 && dp.Writing == 0 && dp.Finished == 0 {
		m.demoteFromDownloading(pieceIdx)
	}
}

// RestorePiece is the hash-failure recovery path: destroy the
// DownloadingPiece (if any) and re-add the piece to its availability
// bucket so it can be re-requested from scratch.
func (m *Manager) RestorePiece(pieceIdx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.downloading[pieceIdx]; ok {
		m.demoteFromDownloading(pieceIdx)
		return
	}

	p := &m.pieces[pieceIdx].pos
	if p.haveIt() {
		p.bucketIndex = posDLoding
		m.insertIntoBucket(pieceIdx)
	}
}

// WeHave marks a piece as owned: destroys any DownloadingPiece, adjusts
// filtered counters, and moves PiecePos to the "we have" sentinel.
func (m *Manager) WeHave(pieceIdx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(pieceIdx) >= len(m.pieces) {
		m.logger.Error("out-of-range piece index", "error", ErrContract, "piece", pieceIdx)
		return
	}
	m.weHaveLocked(pieceIdx)
}

func (m *Manager) weHaveLocked(pieceIdx uint32) {
	if _, ok := m.downloading[pieceIdx]; ok {
		delete(m.downloading, pieceIdx)
	} else {
		m.removeFromBucket(pieceIdx)
	}

	p := &m.pieces[pieceIdx].pos
	if p.Priority == PriorityFiltered {
		m.numHaveFilter++
	}
	p.setHave()
	m.have.Set(int(pieceIdx))
}

// reorderDownloads keeps the global downloads list in weakly decreasing
// order of writing+finished, a property consumed by flush/verify
// collaborators (spec.md §4.1). m.downloading is a map for O(1) lookup by
// index; Downloads() materializes the ordered slice on demand instead of
// maintaining a parallel sorted structure, which is simpler and still
// O(n log n) only when actually requested.
func (m *Manager) reorderDownloads() {}

// Downloads returns all in-flight pieces, ordered per reorderDownloads'
// contract.
func (m *Manager) Downloads() []*DownloadingPiece {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*DownloadingPiece, 0, len(m.downloading))
	for _, dp := range m.downloading {
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Writing+out[i].Finished > out[j].Writing+out[j].Finished
	})
	return out
}

// CheckTimeouts returns blocks whose request has been outstanding longer
// than timeout, so the caller can re-request them from another peer.
func (m *Manager) CheckTimeouts(timeout time.Duration) []BlockInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []BlockInfo
	for _, dp := range m.downloading {
		for blockIdx, at := range dp.requestedAt {
			if now.Sub(at) >= timeout {
				out = append(out, dp.Blocks[blockIdx])
			}
		}
	}
	return out
}

// DistributedCopies reports the number of complete copies of the torrent
// distributed across the swarm, libtorrent-style: the lowest availability
// across all pieces plus the fraction of pieces available more often than
// that, rather than a naive per-piece average
// (SPEC_FULL.md supplemented-features, grounded on
// original_source/.../piece_picker.cpp).
func (m *Manager) DistributedCopies() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.pieces)
	if n == 0 {
		return 0
	}

	counts := make(map[uint16]int)
	for _, p := range m.pieces {
		counts[p.pos.PeerCount]++
	}

	avails := lo.Keys(counts)
	sort.Slice(avails, func(i, j int) bool { return avails[i] > avails[j] })

	// Coarse part: the lowest availability, i.e. copies every piece has.
	// Fine part: the share of pieces available more often than that.
	minAvail := avails[len(avails)-1]
	return float64(minAvail) + float64(n-counts[minAvail])/float64(n)
}
