package cache

import (
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(Config{MaxBlocks: 8, MaxVolatileBlocks: 2}, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return c
}

func TestTryReadMissWhenAbsent(t *testing.T) {
	c := newTestCache(t)
	res := c.TryRead(1, 0, 0, 16384, 16384)
	if res.Hit {
		t.Errorf("expected miss on empty cache")
	}
}

func TestInsertAndReadBlock(t *testing.T) {
	c := newTestCache(t)
	e := &CachedPieceEntry{Key: key(1, 0), Piece: 0, Blocks: make([]BlockSlot, 2)}

	data := make([]byte, 16384)
	data[0] = 0xAB
	c.InsertReadBlocks(1, e, 0, [][]byte{data}, false, false)

	res := c.TryRead(1, 0, 0, 16384, 16384)
	if !res.Hit {
		t.Fatalf("expected hit after InsertReadBlocks")
	}
	if res.Data[0] != 0xAB {
		t.Errorf("read data mismatch")
	}
}

func TestInsertReadBlocksNeverReplaces(t *testing.T) {
	c := newTestCache(t)
	e := &CachedPieceEntry{Key: key(1, 0), Piece: 0, Blocks: make([]BlockSlot, 1)}

	first := []byte{1, 2, 3}
	second := []byte{9, 9, 9}
	c.InsertReadBlocks(1, e, 0, [][]byte{first}, false, false)
	c.InsertReadBlocks(1, e, 0, [][]byte{second}, false, false)

	if e.Blocks[0].Buffer[0] != 1 {
		t.Errorf("second insert should not replace existing buffer")
	}
}

func TestAddDirtyBlockPromotesToWriteLRU(t *testing.T) {
	c := newTestCache(t)
	buf := make([]byte, 16384)

	e := c.AddDirtyBlock(1, 0, 4, 0, buf)
	if !e.Dirty {
		t.Errorf("entry should be marked dirty")
	}
	if e.PartialHash == nil {
		t.Errorf("block 0 should start a partial-hash checkpoint")
	}

	stats := c.Stats()
	if stats.WriteBlocks != 1 {
		t.Errorf("WriteBlocks = %d, want 1", stats.WriteBlocks)
	}
}

func TestBlocksFlushedClearsDirty(t *testing.T) {
	c := newTestCache(t)
	buf := make([]byte, 16384)
	e := c.AddDirtyBlock(1, 0, 1, 0, buf)

	c.BlocksFlushed(e, []int{0})
	if e.Blocks[0].Dirty || e.Blocks[0].Pending {
		t.Errorf("flushed block should be clean and non-pending")
	}
}

func TestMarkForEvictionDeferredWhilePinned(t *testing.T) {
	c := newTestCache(t)
	e := &CachedPieceEntry{Key: key(1, 0), Piece: 0, Blocks: []BlockSlot{{Buffer: []byte{1}, Refcount: 1}}}
	c.read.Add(e.Key, e)

	c.MarkForEviction(1, e, AllowGhost)
	if !e.MarkedForEviction {
		t.Errorf("entry with a pinned block should be deferred, not evicted")
	}
}

func TestErasePieceRemovesFromAllLists(t *testing.T) {
	c := newTestCache(t)
	buf := make([]byte, 16384)
	c.AddDirtyBlock(1, 5, 1, 0, buf)

	c.ErasePiece(1, 5)
	if _, ok := c.write[key(1, 5)]; ok {
		t.Errorf("piece should be removed from write_lru after ErasePiece")
	}
}

// TestEvictOneOrderVolatileThenReadThenWrite checks the eviction source
// order from spec.md §4.2: volatile_read_lru first, then the proper read
// lists, and only then a write_lru sweep.
func TestEvictOneOrderVolatileThenReadThenWrite(t *testing.T) {
	c := newTestCache(t)

	vol := &CachedPieceEntry{Key: key(1, 0), Piece: 0, Blocks: make([]BlockSlot, 1)}
	c.InsertReadBlocks(1, vol, 0, [][]byte{{1}}, true, false)

	rd := &CachedPieceEntry{Key: key(1, 1), Piece: 1, Blocks: make([]BlockSlot, 1)}
	c.InsertReadBlocks(1, rd, 0, [][]byte{{2}}, false, false)

	wr := c.AddDirtyBlock(1, 2, 1, 0, []byte{3})
	c.BlocksFlushed(wr, []int{0})

	if c.volatile.Len() != 1 || c.read.Len() != 1 || wr.liveBlocks() != 1 {
		t.Fatalf("setup: volatile=%d read=%d write=%d", c.volatile.Len(), c.read.Len(), wr.liveBlocks())
	}

	ckpt := func(uint32) int64 { return 0 }

	if !c.EvictOne(ckpt, 16384) {
		t.Fatalf("EvictOne should make progress")
	}
	if c.volatile.Len() != 0 {
		t.Errorf("volatile should be evicted before read/write")
	}
	if c.read.Len() != 1 || wr.liveBlocks() != 1 {
		t.Errorf("read and write lists should be untouched while volatile had entries")
	}

	if !c.EvictOne(ckpt, 16384) {
		t.Fatalf("EvictOne should make progress")
	}
	if c.read.Len() != 0 {
		t.Errorf("read should be evicted second")
	}
	if wr.liveBlocks() != 1 {
		t.Errorf("write_lru should be untouched while read had entries")
	}

	if !c.EvictOne(ckpt, 16384) {
		t.Fatalf("EvictOne should fall through to the write_lru sweep last")
	}
	if wr.liveBlocks() != 0 {
		t.Errorf("write_lru's clean block should be evicted third")
	}
}

// TestCacheEvictionScenarioS3 is spec.md scenario S3: with max=2 blocks,
// three dirty inserts are all kept transiently (nothing clean to evict),
// but once the first is flushed clean a fourth dirty insert evicts it.
func TestCacheEvictionScenarioS3(t *testing.T) {
	c, err := NewCache(Config{MaxBlocks: 2, MaxVolatileBlocks: 0}, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	p0 := c.AddDirtyBlock(1, 0, 1, 0, []byte{0})
	c.AddDirtyBlock(1, 1, 1, 0, []byte{1})
	c.AddDirtyBlock(1, 2, 1, 0, []byte{2})

	if got := c.Stats().WriteBlocks; got != 3 {
		t.Fatalf("write_cache_size = %d, want 3 (dirty blocks aren't evictable)", got)
	}

	c.BlocksFlushed(p0, []int{0})
	res := c.TryRead(1, 0, 0, 1, 1)
	if !res.Hit || res.Data[0] != 0 {
		t.Fatalf("try_read(P0,0) after flush: hit=%v data=%v", res.Hit, res.Data)
	}

	c.AddDirtyBlock(1, 3, 1, 0, []byte{3})

	stats := c.Stats()
	if total := stats.ReadBlocks + stats.WriteBlocks; total > 3 {
		t.Errorf("read_cache_size + write_cache_size = %d, want <= 3", total)
	}
	if _, ok := c.lookup(key(1, 0)); ok {
		t.Errorf("P0 should have been evicted once clean and a new dirty block arrived")
	}
}

// TestSizingInvariantHoldsUnderChurn is spec.md §3.2's property 5:
// read_cache_size + write_cache_size stays at or under the configured
// maximum (only transient overshoot by one block is allowed mid-insertion,
// and read-path entries carry no pinned/dirty blocks blocking eviction, so
// steady-state occupancy here never exceeds the configured max at all).
func TestSizingInvariantHoldsUnderChurn(t *testing.T) {
	c, err := NewCache(Config{MaxBlocks: 4, MaxVolatileBlocks: 1}, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	for piece := uint32(0); piece < 20; piece++ {
		e := &CachedPieceEntry{Key: key(1, piece), Piece: piece, Blocks: make([]BlockSlot, 1)}
		c.InsertReadBlocks(1, e, 0, [][]byte{{byte(piece)}}, piece%3 == 0, false)

		c.mu.Lock()
		occ := c.occupancyLocked()
		c.mu.Unlock()
		if occ > c.cfg.MaxBlocks {
			t.Fatalf("occupancy %d exceeds configured max %d after piece %d", occ, c.cfg.MaxBlocks, piece)
		}
	}
}
