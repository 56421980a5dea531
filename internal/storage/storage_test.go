package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/rabbit/internal/cache"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/scheduler"
)

func testConfig(dir string) *Config {
	return &Config{
		DownloadDir:    dir,
		PieceQueueSize: 4,
		DiskQueueSize:  4,
		Cache: cache.Config{
			MaxBlocks:         64,
			MaxVolatileBlocks: 8,
		},
	}
}

func singleFileMetainfo(name string, pieces [][sha1.Size]byte, pieceLen int32, length int64) *meta.Metainfo {
	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        name,
			PieceLength: pieceLen,
			Pieces:      pieces,
			Length:      length,
		},
	}
}

func TestNewStorageLeavesFreshFileUnassigned(t *testing.T) {
	dir := t.TempDir()
	pieceData := [][]byte{[]byte("AAAA"), []byte("BBBB")}
	pieces := make([][sha1.Size]byte, len(pieceData))
	for i, d := range pieceData {
		pieces[i] = sha1.Sum(d)
	}

	mi := singleFileMetainfo("fresh.bin", pieces, 4, 8)
	s, err := NewStorage(mi, testConfig(dir), nil)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	for p := range pieces {
		if s.slots.pieceToSlot[p] != hasNoSlot {
			t.Errorf("piece %d: pieceToSlot = %d, want hasNoSlot (no recognizable content yet)", p, s.slots.pieceToSlot[p])
		}
	}
}

// TestFullCheckResolvesThreeWayRotation is spec.md scenario S4: slot 0
// physically holds piece 1's bytes, slot 1 holds piece 2's, slot 2 holds
// piece 0's. After the startup full check, piece_to_slot must be canonical
// ([0,1,2]) and every slot's bytes must belong to the piece now assigned to
// it — nothing lost in the rotation.
func TestFullCheckResolvesThreeWayRotation(t *testing.T) {
	dir := t.TempDir()

	pieceData := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")}
	pieces := make([][sha1.Size]byte, len(pieceData))
	for i, d := range pieceData {
		pieces[i] = sha1.Sum(d)
	}

	// Physically rotate: slot0=piece1, slot1=piece2, slot2=piece0.
	var rotated []byte
	rotated = append(rotated, pieceData[1]...)
	rotated = append(rotated, pieceData[2]...)
	rotated = append(rotated, pieceData[0]...)

	path := filepath.Join(dir, "rotated.bin")
	if err := os.WriteFile(path, rotated, 0o644); err != nil {
		t.Fatalf("seed rotated file: %v", err)
	}

	mi := singleFileMetainfo("rotated.bin", pieces, 4, int64(len(rotated)))
	s, err := NewStorage(mi, testConfig(dir), nil)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	if fault := s.slots.Faulted(); fault != nil {
		t.Fatalf("unexpected sticky fault after full check: %v", fault)
	}

	for p := range pieces {
		if got := s.slots.pieceToSlot[p]; got != p {
			t.Errorf("piece_to_slot[%d] = %d, want %d (canonical)", p, got, p)
		}
	}

	for slot, want := range pieceData {
		buf := make([]byte, 4)
		if err := s.readPiece(slot, buf); err != nil {
			t.Fatalf("readPiece(%d): %v", slot, err)
		}
		if string(buf) != string(want) {
			t.Errorf("slot %d bytes = %q, want %q (data lost during rotation)", slot, buf, want)
		}
	}
}

// TestFullCheckResolvesLongerRotation exercises a 4-cycle rotation (not
// just the 3-way case) to confirm the hash-then-cycle-sort approach
// generalizes, since it resolves the whole permutation up front rather than
// inferring it slot by slot as rotation is discovered.
func TestFullCheckResolvesLongerRotation(t *testing.T) {
	dir := t.TempDir()

	pieceData := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC"), []byte("DDDD")}
	pieces := make([][sha1.Size]byte, len(pieceData))
	for i, d := range pieceData {
		pieces[i] = sha1.Sum(d)
	}

	// Cycle: slot0=piece1, slot1=piece2, slot2=piece3, slot3=piece0.
	order := []int{1, 2, 3, 0}
	var rotated []byte
	for _, p := range order {
		rotated = append(rotated, pieceData[p]...)
	}
	path := filepath.Join(dir, "rotated4.bin")
	if err := os.WriteFile(path, rotated, 0o644); err != nil {
		t.Fatalf("seed rotated file: %v", err)
	}

	mi := singleFileMetainfo("rotated4.bin", pieces, 4, int64(len(rotated)))
	s, err := NewStorage(mi, testConfig(dir), nil)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	for p := range pieces {
		if got := s.slots.pieceToSlot[p]; got != p {
			t.Errorf("piece_to_slot[%d] = %d, want %d (canonical)", p, got, p)
		}
	}
	for slot, want := range pieceData {
		buf := make([]byte, 4)
		if err := s.readPiece(slot, buf); err != nil {
			t.Fatalf("readPiece(%d): %v", slot, err)
		}
		if string(buf) != string(want) {
			t.Errorf("slot %d bytes = %q, want %q (data lost during rotation)", slot, buf, want)
		}
	}
}

// TestHandlePieceBlockRoutesThroughCacheAndDisk verifies the block-cache
// wiring end to end: a single-block piece is staged via handlePieceBlock,
// assembled and hash-verified out of the cache entry, queued for disk, and
// a simulated flush writes it and releases the cache entry.
func TestHandlePieceBlockRoutesThroughCacheAndDisk(t *testing.T) {
	dir := t.TempDir()
	data := []byte("WXYZ")
	pieces := [][sha1.Size]byte{sha1.Sum(data)}

	mi := singleFileMetainfo("single.bin", pieces, 4, 4)
	s, err := NewStorage(mi, testConfig(dir), nil)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	if err := s.handlePieceBlock(&scheduler.BlockData{
		PieceIdx: 0,
		Begin:    0,
		PieceLen: 4,
		Data:     data,
	}); err != nil {
		t.Fatalf("handlePieceBlock() error = %v", err)
	}

	select {
	case cp := <-s.diskWriteQueue:
		if string(cp.data) != string(data) {
			t.Fatalf("queued piece data = %q, want %q", cp.data, data)
		}
		if err := s.writePiece(cp); err != nil {
			t.Fatalf("writePiece() error = %v", err)
		}
		s.cache.BlocksFlushed(cp.entry, []int{0})
		s.cache.MarkForEviction(s.storageID, cp.entry, cache.DisallowGhost)
	default:
		t.Fatalf("expected a completed piece on diskWriteQueue")
	}

	buf := make([]byte, 4)
	if err := s.readPiece(0, buf); err != nil {
		t.Fatalf("readPiece() error = %v", err)
	}
	if string(buf) != string(data) {
		t.Errorf("disk contents = %q, want %q", buf, data)
	}

	if res := s.cache.TryRead(s.storageID, 0, 0, 4, 4); res.Hit {
		t.Errorf("flushed+erased entry should no longer be cached")
	}
}

func TestHandlePieceBlockDiscardsOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	pieces := [][sha1.Size]byte{sha1.Sum([]byte("WXYZ"))}

	mi := singleFileMetainfo("mismatch.bin", pieces, 4, 4)
	s, err := NewStorage(mi, testConfig(dir), nil)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	err = s.handlePieceBlock(&scheduler.BlockData{
		PieceIdx: 0,
		Begin:    0,
		PieceLen: 4,
		Data:     []byte("nope"),
	})
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}

	select {
	case res := <-s.PieceResultQueue:
		if res.Success {
			t.Errorf("PieceResult.Success = true, want false on hash mismatch")
		}
	default:
		t.Fatalf("expected a failure PieceResult to be queued")
	}

	if slot := s.slots.SlotOf(0); slot != hasNoSlot {
		t.Errorf("piece should have no slot after a failed hash check, got %d", slot)
	}
}
