package piece

import (
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/prxssh/rabbit/pkg/bitfield"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestNewManager(t *testing.T) {
	tests := []struct {
		name          string
		pieceHashes   [][sha1.Size]byte
		pieceLen      uint32
		size          uint64
		expectedErr   bool
		expectedCount uint32
	}{
		{
			name:          "valid arguments",
			pieceHashes:   [][sha1.Size]byte{{}, {}},
			pieceLen:      16384,
			size:          32768,
			expectedErr:   false,
			expectedCount: 2,
		},
		{
			name:          "invalid size",
			pieceHashes:   [][sha1.Size]byte{},
			pieceLen:      16384,
			size:          0,
			expectedErr:   true,
			expectedCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := NewManager(tt.pieceHashes, tt.pieceLen, tt.size, testLogger())
			if (err != nil) != tt.expectedErr {
				t.Fatalf("NewManager() error = %v, wantErr %v", err, tt.expectedErr)
			}
			if err == nil && mgr.PieceCount() != tt.expectedCount {
				t.Errorf("NewManager() piece count = %v, want %v", mgr.PieceCount(), tt.expectedCount)
			}
		})
	}
}

func TestPieceManager_PieceLength(t *testing.T) {
	mgr, err := NewManager([][sha1.Size]byte{{0x1}}, 16384, 16384, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if length := mgr.PieceLength(0); length != 16384 {
		t.Errorf("PieceLength(0) = %v, want %v", length, 16384)
	}
}

func TestPieceManager_PieceHash(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}, {0x2}}
	mgr, err := NewManager(hashes, 16384, 32768, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if hash := mgr.PieceHash(1); hash != hashes[1] {
		t.Errorf("PieceHash(1) = %v, want %v", hash, hashes[1])
	}
}

func TestPieceManager_PieceComplete(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}}, 16384, 16384, testLogger())
	if mgr.PieceComplete(0) {
		t.Errorf("PieceComplete(0) should be false initially")
	}
	mgr.WeHave(0)
	if !mgr.PieceComplete(0) {
		t.Errorf("PieceComplete(0) should be true after WeHave")
	}
}

func TestPieceStatus(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{}, {}, {}}, 16384, 49152, testLogger())
	mgr.WeHave(0)

	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	mgr.MarkAsDownloading(1, 0, peer, SpeedNone)

	status := mgr.PieceStatus()
	if status[0] != StatusDone {
		t.Errorf("piece 0 status = %v, want StatusDone", status[0])
	}
	if status[1] != StatusInflight {
		t.Errorf("piece 1 status = %v, want StatusInflight", status[1])
	}
	if status[2] != StatusWant {
		t.Errorf("piece 2 status = %v, want StatusWant", status[2])
	}
}

func TestBlockStateMachine(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}}, 16384, 16384, testLogger())
	peer := netip.MustParseAddrPort("5.6.7.8:1234")

	if !mgr.MarkAsDownloading(0, 0, peer, SpeedNone) {
		t.Fatalf("MarkAsDownloading should succeed")
	}
	dp := mgr.downloading[0]
	if dp.Blocks[0].State != BlockRequested {
		t.Errorf("block state = %v, want BlockRequested", dp.Blocks[0].State)
	}

	if !mgr.MarkAsWriting(0, 0, peer) {
		t.Fatalf("MarkAsWriting should succeed")
	}
	if dp.Blocks[0].State != BlockWriting {
		t.Errorf("block state = %v, want BlockWriting", dp.Blocks[0].State)
	}

	if !mgr.MarkAsFinished(0, 0) {
		t.Fatalf("MarkAsFinished should succeed")
	}
	if dp.Blocks[0].State != BlockFinished {
		t.Errorf("block state = %v, want BlockFinished", dp.Blocks[0].State)
	}
}

func TestAbortDownloadRevertsToNone(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}}, 16384, 16384, testLogger())
	peer := netip.MustParseAddrPort("5.6.7.8:1234")

	mgr.MarkAsDownloading(0, 0, peer, SpeedNone)
	mgr.AbortDownload(0, 0, peer)

	if _, stillDownloading := mgr.downloading[0]; stillDownloading {
		t.Errorf("piece should be demoted back to its bucket after aborting its only block")
	}
	if mgr.pieces[0].pos.haveIt() || mgr.pieces[0].pos.downloading() {
		t.Errorf("piece position should be idle after abort")
	}
}

// Scenario S1 (rarest-first): a peer offering the rarest available piece
// is handed that piece's blocks first.
func TestPickBlocksRarestFirst(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}, {0x2}, {0x3}}, 16384, 49152, testLogger())

	// piece 2 is rarer (seen by fewer peers) than 0 and 1.
	mgr.OnPeerHave(0)
	mgr.OnPeerHave(0)
	mgr.OnPeerHave(1)
	mgr.OnPeerHave(1)
	mgr.OnPeerHave(2)

	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	blocks := mgr.PickBlocks(StrategyRarestFirst, peer, PickOptions{
		PeerHasPiece: func(uint32) bool { return true },
		Count:        1,
	})
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].PieceIndex != 2 {
		t.Errorf("expected rarest piece (2) to be picked first, got %d", blocks[0].PieceIndex)
	}
}

// Scenario S2 (endgame): once endgame is enabled, an already-requested
// block can be handed to a second peer up to EndgameDuplicatePerBlock.
func TestPickBlocksEndgameDuplication(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}}, 16384, 16384, testLogger())
	peerA := netip.MustParseAddrPort("1.1.1.1:1111")
	peerB := netip.MustParseAddrPort("2.2.2.2:2222")

	mgr.MarkAsDownloading(0, 0, peerA, SpeedNone)
	mgr.SetEndgame(true)

	blocks := mgr.PickBlocks(StrategyRarestFirst, peerB, PickOptions{
		PeerHasPiece:             func(uint32) bool { return true },
		Count:                    1,
		EndgameDuplicatePerBlock: 2,
	})
	if len(blocks) != 1 || blocks[0].PieceIndex != 0 || blocks[0].BlockIndex != 0 {
		t.Fatalf("expected endgame duplicate of piece 0 block 0, got %+v", blocks)
	}
}

// Property: WeHave is idempotent.
func TestWeHaveIdempotent(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}}, 16384, 16384, testLogger())
	mgr.WeHave(0)
	mgr.WeHave(0)
	if !mgr.PieceComplete(0) {
		t.Errorf("piece should remain complete after repeated WeHave")
	}
}

func TestFilesChecked(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{}, {}, {}}, 16384, 49152, testLogger())
	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(2)

	unfinished := mgr.FilesChecked(bf, []uint32{1})
	if len(unfinished) != 1 || unfinished[0] != 1 {
		t.Errorf("FilesChecked should echo back unfinished pieces, got %v", unfinished)
	}
	if !mgr.PieceComplete(0) || !mgr.PieceComplete(2) {
		t.Errorf("pieces set in the have-bitfield should be marked complete")
	}
	if mgr.PieceComplete(1) {
		t.Errorf("piece 1 should not be marked complete")
	}
}

func TestDistributedCopies(t *testing.T) {
	mgr, _ := NewManager([][sha1.Size]byte{{0x1}, {0x2}}, 16384, 32768, testLogger())
	mgr.OnPeerHave(0)
	mgr.OnPeerHave(1)
	if dc := mgr.DistributedCopies(); dc <= 0 {
		t.Errorf("DistributedCopies() = %v, want > 0 once every piece has at least one holder", dc)
	}
}
