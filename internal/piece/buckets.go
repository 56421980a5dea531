package piece

import (
	"math/rand/v2"
)

// priorityLevels is the width of the user-facing piece-priority dimension
// (1..7); it is also the stride used to fold (availability, priority) into
// one composite bucket index, so that incrementing every piece's
// availability by one is a cheap O(levels) rotation of the bucket vector
// rather than an O(pieces) per-piece move (spec.md §4.1,
// "inc_refcount_all ... rotating the bucket vector").
const priorityLevels = int(PriorityMax)

// randSource is a tiny indirection so tests can supply a deterministic
// generator (scenario S1's tie-break is observed, not asserted exactly).
type randSource struct{ r *rand.Rand }

func newRandSource() *randSource {
	return &randSource{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (s *randSource) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.r.IntN(n)
}

// pieceBucket holds the piece indices at one composite (availability,
// priority) level, either in randomized swap-idiom order (below the
// sequenced-download threshold) or sorted by piece index (at/above it).
type pieceBucket struct {
	items  []uint32
	sorted bool
}

func (b *pieceBucket) insert(piece uint32, rng *randSource) {
	if b.sorted {
		i := 0
		for i < len(b.items) && b.items[i] < piece {
			i++
		}
		b.items = append(b.items, 0)
		copy(b.items[i+1:], b.items[i:])
		b.items[i] = piece
		return
	}

	// Swap-to-random-position idiom (spec.md §4.1, DESIGN NOTES §9): append
	// the new piece, then swap it with a uniformly chosen existing slot so
	// insertion order carries no positional bias.
	b.items = append(b.items, piece)
	if n := len(b.items); n > 1 {
		j := rng.intn(n)
		b.items[n-1], b.items[j] = b.items[j], b.items[n-1]
	}
}

// removeAt removes the item at position pos. It reports the slot range
// [shiftedFrom, len(items)) whose occupants changed, so the caller can fix
// up PiecePos.index for every affected piece: in sorted mode everything
// after pos shifts down by one; in randomized mode only pos itself changes
// (the former last element is swapped in).
func (b *pieceBucket) removeAt(pos int) (shiftedFrom int, ok bool) {
	n := len(b.items)
	if pos < 0 || pos >= n {
		return 0, false
	}

	if b.sorted {
		copy(b.items[pos:], b.items[pos+1:])
		b.items = b.items[:n-1]
		return pos, true
	}

	b.items[pos] = b.items[n-1]
	b.items = b.items[:n-1]
	return pos, true
}

// bucketVector is the full set of composite buckets plus the per-piece
// position index needed for O(1) removal.
type bucketVector struct {
	levels    int
	threshold int // sequenced-download threshold, in availability units
	groups    []pieceBucket
	rng       *randSource
}

func newBucketVector(levels int, rng *randSource) *bucketVector {
	return &bucketVector{levels: levels, rng: rng}
}

func (bv *bucketVector) composite(avail uint16, prio Priority) int {
	a := int(avail)
	p := int(prio)
	if p < 1 {
		p = 1
	}
	if p > bv.levels {
		p = bv.levels
	}
	return a*bv.levels + (bv.levels - p)
}

func (bv *bucketVector) availOf(composite int) uint16 { return uint16(composite / bv.levels) }

func (bv *bucketVector) ensure(idx int) {
	for len(bv.groups) <= idx {
		sorted := bv.availOf(len(bv.groups)) >= uint16(bv.threshold)
		bv.groups = append(bv.groups, pieceBucket{sorted: sorted})
	}
}

// insert adds piece into the bucket implied by (avail, prio) and returns
// the composite index and slot position to store in PiecePos.
func (bv *bucketVector) insert(piece uint32, avail uint16, prio Priority) (composite int, slot int32) {
	idx := bv.composite(avail, prio)
	bv.ensure(idx)
	bv.groups[idx].insert(piece, bv.rng)
	return idx, int32(len(bv.groups[idx].items) - 1)
}

// remove deletes the piece occupying (composite, slot) and invokes fixup
// for every piece whose slot within that bucket changed as a result.
func (bv *bucketVector) remove(composite int, slot int32, fixup func(piece uint32, newSlot int32)) {
	if composite < 0 || composite >= len(bv.groups) {
		return
	}
	from, ok := bv.groups[composite].removeAt(int(slot))
	if !ok {
		return
	}
	items := bv.groups[composite].items
	for i := from; i < len(items); i++ {
		fixup(items[i], int32(i))
	}
}

// firstNonEmpty scans composite indices in increasing order (rarest +
// highest priority first) and returns the first non-empty one.
func (bv *bucketVector) firstNonEmpty() (int, bool) {
	for i, g := range bv.groups {
		if len(g.items) > 0 {
			return i, true
		}
	}
	return 0, false
}

func (bv *bucketVector) bucket(idx int) []uint32 {
	if idx < 0 || idx >= len(bv.groups) {
		return nil
	}
	return bv.groups[idx].items
}

// setThreshold updates the sequenced-download threshold and re-flags
// (without fully re-sorting/shuffling, per spec.md: "changing the
// threshold re-shuffles or re-sorts only the boundary bucket") every
// group's sorted flag for future inserts; the boundary group that crosses
// from random to sorted (or vice versa) is rebuilt in place.
func (bv *bucketVector) setThreshold(newThreshold int) {
	old := bv.threshold
	bv.threshold = newThreshold

	for avail := min(old, newThreshold); avail <= max(old, newThreshold); avail++ {
		for p := 1; p <= bv.levels; p++ {
			idx := bv.composite(uint16(avail), Priority(p))
			if idx >= len(bv.groups) {
				continue
			}
			wantSorted := uint16(avail) >= uint16(newThreshold)
			g := &bv.groups[idx]
			if g.sorted == wantSorted {
				continue
			}
			g.sorted = wantSorted
			if wantSorted {
				insertionSortUint32(g.items)
			} else {
				shuffleUint32(g.items, bv.rng)
			}
		}
	}
}

func insertionSortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

func shuffleUint32(s []uint32, rng *randSource) {
	for i := len(s) - 1; i > 0; i-- {
		j := rng.intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// rotate shifts every bucketed piece's effective availability by delta
// (±1), by prepending or dropping delta*levels empty groups at the front —
// an O(levels) operation rather than an O(pieces) one (spec.md §4.1).
// Dropping groups below availability 0 merges their contents into the new
// group 0..levels-1 (clamp fix-up), matching "fix-ups only for pieces
// whose new priority is clamped ... at zero".
func (bv *bucketVector) rotate(delta int, fixups func(piece uint32, newComposite int, newSlot int32)) {
	if delta == 0 {
		return
	}

	shift := delta * bv.levels
	if shift > 0 {
		prefix := make([]pieceBucket, shift)
		for i := range prefix {
			prefix[i] = pieceBucket{sorted: bv.availOf(i) >= uint16(bv.threshold)}
		}
		bv.groups = append(prefix, bv.groups...)
		for idx := shift; idx < len(bv.groups); idx++ {
			for slot, piece := range bv.groups[idx].items {
				fixups(piece, idx, int32(slot))
			}
		}
		return
	}

	drop := -shift
	if drop >= len(bv.groups) {
		drop = len(bv.groups)
	}

	clamped := bv.groups[:drop]
	bv.groups = bv.groups[drop:]

	for idx := range bv.groups {
		for slot, piece := range bv.groups[idx].items {
			fixups(piece, idx, int32(slot))
		}
	}

	for _, g := range clamped {
		for _, piece := range g.items {
			idx, slot := bv.insert(piece, 0, PriorityDefault)
			// best-effort: caller's fixups map expects (composite,slot);
			// priority will be corrected by the caller via SetPiecePriority
			// if it tracked a non-default priority for this piece.
			fixups(piece, idx, slot)
		}
	}
}
