// Package cache implements the ARC-style block cache sitting between the
// piece picker and the storage manager: six lists of per-piece block
// buffers, biased eviction, and partial-hash bookkeeping handed off to the
// storage manager's checkpoint table.
package cache

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// pieceKey identifies a cached piece by its owning storage and piece index.
// storageID lets one cache instance serve multiple concurrent torrents,
// matching spec.md's "per (storage, piece)" CachedPieceEntry key.
type pieceKey struct {
	storageID uint32
	piece     uint32
}

// CacheState tags which of the six lists currently owns an entry.
type CacheState uint8

const (
	StateWriteLRU CacheState = iota
	StateVolatileRead
	StateReadLRU1
	StateReadLRU1Ghost
	StateReadLRU2
	StateReadLRU2Ghost
)

// BlockSlot is one block's buffer plus its cache bookkeeping.
type BlockSlot struct {
	Buffer   []byte
	Dirty    bool
	Pending  bool
	Refcount int
	HitCount uint32
}

func (b *BlockSlot) empty() bool { return b.Buffer == nil }

// PartialHashCheckpoint mirrors the storage manager's own checkpoint
// record; the cache only carries the flag that one has started so it
// knows to route remainder reads through the storage manager rather than
// serve a stale buffer.
type PartialHashCheckpoint struct {
	Offset int64
}

// CachedPieceEntry is the per-(storage,piece) record (spec.md §3.2).
type CachedPieceEntry struct {
	Key   pieceKey
	Piece uint32

	Blocks []BlockSlot

	Dirty             bool
	Pinned            bool
	MarkedForEviction bool
	HashingDone       bool
	NeedReadback      bool

	PartialHash *PartialHashCheckpoint

	Jobs []func()

	State CacheState

	numBlocks int
}

func (e *CachedPieceEntry) liveBlocks() int {
	n := 0
	for _, b := range e.Blocks {
		if !b.empty() {
			n++
		}
	}
	return n
}

// Complete reports whether every block slot the entry was sized for has
// been populated, i.e. the storage manager can assemble and hash-verify the
// full piece from it.
func (e *CachedPieceEntry) Complete() bool {
	return e.liveBlocks() == len(e.Blocks)
}

// EvictMode selects ghost-list behavior for MarkForEviction.
type EvictMode uint8

const (
	AllowGhost EvictMode = iota
	DisallowGhost
)

// Config sizes the cache; mirrors pkg/config.CacheConfig's fields so
// callers can pass that struct straight through.
type Config struct {
	MaxBlocks         int
	MaxVolatileBlocks int
}

// Cache implements the six-list ARC-style block cache.
type Cache struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	// read holds read_lru1/read_lru2/read_lru1_ghost/read_lru2_ghost: the
	// hashicorp ARCCache already implements the exact "ghost hit biases
	// eviction toward the opposite list" policy spec.md §4.2 describes, so
	// it backs all four proper read lists in one structure.
	read *lru.ARCCache[pieceKey, *CachedPieceEntry]

	// volatile holds explicitly short-lived reads, evicted before anything
	// else touches read/write lists.
	volatile *simplelru.LRU[pieceKey, *CachedPieceEntry]

	// write holds any piece with a dirty block; eviction here is a
	// two-sweep scan (checkpoint-relative, then any clean block), not a
	// plain LRU pop, so it is kept as a plain ordered map rather than an
	// LRU structure.
	write      map[pieceKey]*CachedPieceEntry
	writeOrder []pieceKey

	readSize  int
	writeSize int

	lastGhostHit CacheState // not set or read; eviction does not consult ghost hits

	// checkpointFn/blockLen back the write_lru sweep when eviction is
	// triggered lazily from an insert rather than an explicit EvictOne
	// call; set via SetCheckpointProvider. A nil checkpointFn treats every
	// piece as having no checkpoint yet (first sweep pass becomes a no-op).
	checkpointFn func(pieceIdx uint32) int64
	blockLen     int
}

// NewCache builds a cache sized per cfg.
func NewCache(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	if cfg.MaxBlocks <= 0 {
		return nil, fmt.Errorf("cache: MaxBlocks must be > 0")
	}

	readSize := cfg.MaxBlocks - cfg.MaxVolatileBlocks
	if readSize <= 0 {
		readSize = cfg.MaxBlocks
	}

	arc, err := lru.NewARC[pieceKey, *CachedPieceEntry](readSize)
	if err != nil {
		return nil, fmt.Errorf("cache: new ARC: %w", err)
	}

	volatile, err := simplelru.NewLRU[pieceKey, *CachedPieceEntry](max(cfg.MaxVolatileBlocks, 1), nil)
	if err != nil {
		return nil, fmt.Errorf("cache: new volatile LRU: %w", err)
	}

	return &Cache{
		cfg:      cfg,
		logger:   logger,
		read:     arc,
		volatile: volatile,
		write:    make(map[pieceKey]*CachedPieceEntry),
	}, nil
}

func key(storageID, piece uint32) pieceKey { return pieceKey{storageID: storageID, piece: piece} }

// SetCheckpointProvider wires the function lazily-triggered eviction uses to
// find how far a piece's partial hash has progressed, so the write_lru
// sweep in EvictOne can prefer blocks already covered by the checkpoint.
// blockLen is the fixed wire block size (spec.md §4.2).
func (c *Cache) SetCheckpointProvider(fn func(pieceIdx uint32) int64, blockLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpointFn = fn
	c.blockLen = blockLen
}

// occupancyLocked mirrors Stats(): entry count for the piece-granular
// read/volatile lists, raw block count for write_lru.
func (c *Cache) occupancyLocked() int {
	writeBlocks := 0
	for _, e := range c.write {
		writeBlocks += e.liveBlocks()
	}
	return c.volatile.Len() + c.read.Len() + writeBlocks
}

// enforceCapacityLocked implements "eviction is initiated lazily when an
// insertion would exceed the configured maximum" (spec.md §4.2): called at
// the end of every insert path, it evicts until occupancy is back at or
// below cfg.MaxBlocks, or eviction can no longer make progress.
func (c *Cache) enforceCapacityLocked() {
	if c.cfg.MaxBlocks <= 0 {
		return
	}

	ckptFn := c.checkpointFn
	if ckptFn == nil {
		ckptFn = func(uint32) int64 { return 0 }
	}

	for c.occupancyLocked() > c.cfg.MaxBlocks {
		if !c.evictOneLocked(ckptFn, c.blockLen) {
			break
		}
	}
}

// lookup finds an entry across all live (non-ghost) lists without
// mutating any list's recency order; used by TryRead.
func (c *Cache) lookup(k pieceKey) (*CachedPieceEntry, bool) {
	if e, ok := c.write[k]; ok {
		return e, true
	}
	if e, ok := c.volatile.Peek(k); ok {
		return e, true
	}
	if e, ok := c.read.Peek(k); ok {
		return e, true
	}
	return nil, false
}

// ReadResult reports the outcome of TryRead.
type ReadResult struct {
	Hit  bool
	Data []byte
}

// TryRead looks up piece's cached blocks covering [offset, offset+length)
// and returns them if present (spec.md §4.2 try_read).
func (c *Cache) TryRead(storageID uint32, pieceIdx uint32, offset, length int, blockLen int) ReadResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(storageID, pieceIdx)
	e, ok := c.lookup(k)
	if !ok {
		return ReadResult{Hit: false}
	}

	firstBlock := offset / blockLen
	lastBlock := (offset + length - 1) / blockLen
	if lastBlock >= len(e.Blocks) {
		return ReadResult{Hit: false}
	}

	out := make([]byte, 0, length)
	for bi := firstBlock; bi <= lastBlock; bi++ {
		b := &e.Blocks[bi]
		if b.empty() {
			return ReadResult{Hit: false}
		}
		b.HitCount++
		if b.HitCount == 2 {
			c.promoteOnSecondHit(k)
		}
		out = append(out, b.Buffer...)
	}

	return ReadResult{Hit: true, Data: out}
}

// promoteOnSecondHit implements "a hit is the second distinct reader of
// that block, trigger promotion to read_lru2 (or un-ghost from
// read_lru1_ghost into read_lru1)" — the ARCCache already performs this
// promotion internally on repeated Get, so re-inserting via Get/Add is
// sufficient to drive it.
func (c *Cache) promoteOnSecondHit(k pieceKey) {
	if e, ok := c.read.Get(k); ok {
		c.read.Add(k, e)
	}
}

// InsertReadBlocks stores just-read blocks into entry, never overwriting
// an already-populated slot (spec.md §4.2 insert_read_blocks).
func (c *Cache) InsertReadBlocks(storageID uint32, e *CachedPieceEntry, firstBlock int, blocks [][]byte, volatile bool, pin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, data := range blocks {
		bi := firstBlock + i
		if bi >= len(e.Blocks) {
			break
		}
		if !e.Blocks[bi].empty() {
			continue // never replace
		}
		e.Blocks[bi].Buffer = data
		if pin {
			e.Blocks[bi].Refcount++
		}
	}
	e.numBlocks = e.liveBlocks()

	k := key(storageID, e.Piece)
	if volatile {
		e.State = StateVolatileRead
		c.volatile.Add(k, e)
	} else {
		e.State = StateReadLRU1
		c.read.Add(k, e)
	}

	c.enforceCapacityLocked()
}

// AddDirtyBlock transfers ownership of a write buffer into the cache,
// promoting the piece to write_lru and starting the hasher context if
// this is block 0 (spec.md §4.2 add_dirty_block).
func (c *Cache) AddDirtyBlock(storageID uint32, pieceIdx uint32, numBlocks int, blockIdx int, buffer []byte) *CachedPieceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(storageID, pieceIdx)
	e, ok := c.write[k]
	if !ok {
		e = &CachedPieceEntry{
			Key:    k,
			Piece:  pieceIdx,
			Blocks: make([]BlockSlot, numBlocks),
			State:  StateWriteLRU,
		}
		c.write[k] = e
		c.writeOrder = append(c.writeOrder, k)
		c.writeSize++
	}

	if blockIdx < len(e.Blocks) && e.Blocks[blockIdx].empty() {
		e.Blocks[blockIdx] = BlockSlot{Buffer: buffer, Dirty: true, Pending: true}
		e.Dirty = true
	}
	if blockIdx == 0 {
		e.PartialHash = &PartialHashCheckpoint{Offset: 0}
	}
	e.numBlocks = e.liveBlocks()

	c.enforceCapacityLocked()

	return e
}

// BlocksFlushed marks the given blocks clean and non-pending after the
// storage layer has persisted them, releasing the flush refcounts
// (spec.md §4.2 blocks_flushed).
func (c *Cache) BlocksFlushed(e *CachedPieceEntry, flushedBlocks []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, bi := range flushedBlocks {
		if bi >= len(e.Blocks) {
			continue
		}
		b := &e.Blocks[bi]
		b.Dirty = false
		b.Pending = false
		if b.Refcount > 0 {
			b.Refcount--
		}
	}

	if e.liveBlocks() == 0 || !anyDirty(e.Blocks) {
		e.Dirty = false
	}
}

func anyDirty(blocks []BlockSlot) bool {
	for _, b := range blocks {
		if b.Dirty {
			return true
		}
	}
	return false
}

// MarkForEviction evicts entry immediately if no pinned or pending blocks
// remain; otherwise defers (spec.md §4.2 mark_for_eviction).
func (c *Cache) MarkForEviction(storageID uint32, e *CachedPieceEntry, mode EvictMode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasPinnedOrPending(e) || len(e.Jobs) > 0 {
		e.MarkedForEviction = true
		return
	}

	k := key(storageID, e.Piece)
	if mode == DisallowGhost {
		c.erase(k, e)
		return
	}
	c.evictToGhost(k, e)
}

func (c *Cache) hasPinnedOrPending(e *CachedPieceEntry) bool {
	for _, b := range e.Blocks {
		if b.Refcount > 0 || b.Pending {
			return true
		}
	}
	return false
}

func (c *Cache) evictToGhost(k pieceKey, e *CachedPieceEntry) {
	delete(c.write, k)
	c.removeFromWriteOrder(k)
	c.volatile.Remove(k)
	// The ARC cache's Remove drops k from its live and ghost lists alike, so
	// no ghost entry is kept for k: the end state is the same as erase.
	c.read.Remove(k)
}

func (c *Cache) erase(k pieceKey, e *CachedPieceEntry) {
	delete(c.write, k)
	c.removeFromWriteOrder(k)
	c.volatile.Remove(k)
	c.read.Remove(k)
}

func (c *Cache) removeFromWriteOrder(k pieceKey) {
	for i, wk := range c.writeOrder {
		if wk == k {
			c.writeOrder = append(c.writeOrder[:i], c.writeOrder[i+1:]...)
			return
		}
	}
}

// ErasePiece deletes a piece from every list unconditionally (used on
// piece-delete / torrent removal).
func (c *Cache) ErasePiece(storageID uint32, pieceIdx uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(storageID, pieceIdx)
	delete(c.write, k)
	c.removeFromWriteOrder(k)
	c.volatile.Remove(k)
	c.read.Remove(k)
}

// SetSettings updates cache sizing at runtime. Shrinking rebuilds the
// underlying ARC/LRU structures (they don't support live resize), evicting
// the coldest entries first.
func (c *Cache) SetSettings(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	readSize := cfg.MaxBlocks - cfg.MaxVolatileBlocks
	if readSize <= 0 {
		readSize = cfg.MaxBlocks
	}

	newARC, err := lru.NewARC[pieceKey, *CachedPieceEntry](readSize)
	if err != nil {
		return fmt.Errorf("cache: resize ARC: %w", err)
	}
	for _, k := range c.read.Keys() {
		if e, ok := c.read.Peek(k); ok {
			newARC.Add(k, e)
		}
	}
	c.read = newARC

	newVolatile, err := simplelru.NewLRU[pieceKey, *CachedPieceEntry](max(cfg.MaxVolatileBlocks, 1), nil)
	if err != nil {
		return fmt.Errorf("cache: resize volatile LRU: %w", err)
	}
	for _, k := range c.volatile.Keys() {
		if e, ok := c.volatile.Peek(k); ok {
			newVolatile.Add(k, e)
		}
	}
	c.volatile = newVolatile

	c.cfg = cfg
	return nil
}

// EvictOne runs one step of the eviction order described in spec.md §4.2:
// volatile first, then the oldest key the read ARC reports (its once-used
// list before its twice-used list; list sizes and ghost hits do not change
// this choice), then two sweeps of write_lru. checkpointOffset is the piece's partial-hash checkpoint, used
// for the write_lru first sweep.
func (c *Cache) EvictOne(checkpointOffset func(pieceIdx uint32) int64, blockLen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOneLocked(checkpointOffset, blockLen)
}

func (c *Cache) evictOneLocked(checkpointOffset func(pieceIdx uint32) int64, blockLen int) bool {
	if c.volatile.Len() > 0 {
		_, _, ok := c.volatile.RemoveOldest()
		return ok
	}

	if c.read.Len() > 0 {
		keys := c.read.Keys()
		if len(keys) > 0 {
			c.read.Remove(keys[0])
			return true
		}
	}

	return c.sweepWriteLRU(checkpointOffset, blockLen)
}

func (c *Cache) sweepWriteLRU(checkpointOffset func(pieceIdx uint32) int64, blockLen int) bool {
	for _, k := range c.writeOrder {
		e := c.write[k]
		ckpt := checkpointOffset(e.Piece)
		for bi := range e.Blocks {
			b := &e.Blocks[bi]
			if b.empty() || b.Dirty || b.Pending || b.Refcount > 0 {
				continue
			}
			if int64(bi*blockLen) >= ckpt {
				continue
			}
			b.Buffer = nil
			return true
		}
	}

	for _, k := range c.writeOrder {
		e := c.write[k]
		for bi := range e.Blocks {
			b := &e.Blocks[bi]
			if b.empty() || b.Dirty || b.Pending || b.Refcount > 0 {
				continue
			}
			b.Buffer = nil
			return true
		}
		if e.liveBlocks() == 0 {
			c.erase(k, e)
		}
	}

	return false
}

// Stats is a point-in-time snapshot of list occupancy.
type Stats struct {
	VolatileBlocks int
	ReadBlocks     int
	WriteBlocks    int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	writeBlocks := 0
	for _, e := range c.write {
		writeBlocks += e.liveBlocks()
	}

	return Stats{
		VolatileBlocks: c.volatile.Len(),
		ReadBlocks:     c.read.Len(),
		WriteBlocks:    writeBlocks,
	}
}
