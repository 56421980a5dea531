package dht

import (
	"crypto/sha1"
	"net"
	"testing"
)

func nodeID(b byte) [sha1.Size]byte {
	var id [sha1.Size]byte
	id[0] = b
	return id
}

func newContactAt(id [sha1.Size]byte, port int) *Contact {
	c := NewContact(&Node{ID: id, IP: net.ParseIP("127.0.0.1"), Port: port})
	c.MarkSeen()
	return c
}

func TestRoutingTableInsertAndGet(t *testing.T) {
	local := nodeID(0)
	rt := NewRoutingTable(local)

	remote := nodeID(0xFF)
	c := newContactAt(remote, 100)

	if !rt.Insert(c) {
		t.Fatalf("expected insert to succeed")
	}
	if got := rt.Get(remote); got != c {
		t.Fatalf("Get did not find inserted contact")
	}
	if rt.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", rt.Size())
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	local := nodeID(0x42)
	rt := NewRoutingTable(local)

	if rt.Insert(newContactAt(local, 100)) {
		t.Fatalf("expected self-id to be rejected")
	}
}

func TestRoutingTableRejectsRouterNode(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	router := NewRouterContact(&Node{ID: nodeID(1), IP: net.ParseIP("127.0.0.1"), Port: 100})

	if rt.Insert(router) {
		t.Fatalf("expected router contact to be rejected from the table")
	}
}

func TestRoutingTableDuplicateIPDifferentIDReplaces(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))

	first := newContactAt(nodeID(1), 100)
	rt.Insert(first)

	second := NewContact(&Node{ID: nodeID(2), IP: net.ParseIP("127.0.0.1"), Port: 100})
	second.MarkSeen()
	if !rt.Insert(second) {
		t.Fatalf("expected pinged newcomer to replace stale same-address entry")
	}
	if rt.Get(first.ID()) != nil {
		t.Fatalf("original entry should have been displaced by IP collision")
	}
	if rt.Get(second.ID()) == nil {
		t.Fatalf("newcomer should now occupy the table")
	}
}

func TestRoutingTableNodeFailedRequiresMatchingEndpoint(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	c := newContactAt(nodeID(1), 100)
	rt.Insert(c)

	spoofAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9999}
	if rt.NodeFailed(c.ID(), spoofAddr) {
		t.Fatalf("node_failed must not match on id alone")
	}
	if rt.Get(c.ID()) == nil {
		t.Fatalf("contact should still be present after a spoofed failure report")
	}

	if !rt.NodeFailed(c.ID(), c.Addr()) {
		t.Fatalf("expected node_failed to match on id+endpoint")
	}
}

func TestRoutingTableFindClosestKOrdering(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))

	var inserted []*Contact
	for i := byte(1); i <= 5; i++ {
		c := newContactAt(nodeID(i), 100+int(i))
		rt.Insert(c)
		inserted = append(inserted, c)
	}

	target := nodeID(3)
	closest := rt.FindClosestK(target, 3)
	if len(closest) != 3 {
		t.Fatalf("FindClosestK returned %d contacts, want 3", len(closest))
	}

	for i := 1; i < len(closest); i++ {
		if CompareDistance(target, closest[i-1].ID(), closest[i].ID()) > 0 {
			t.Fatalf("FindClosestK result is not sorted by distance to target")
		}
	}
}

func TestRoutingTableSplitsOnOverflow(t *testing.T) {
	cfg := DefaultRoutingTableConfig()
	cfg.ExtendedBucketSizes = [4]int{1, 1, 1, 1}
	cfg.BucketSize = 1
	rt := NewRoutingTable(nodeID(0), cfg)

	// All of these share the same top bit pattern space under a depth-0
	// single bucket; inserting more than capacity forces a split.
	ids := []byte{0x80, 0x40, 0x20, 0x10}
	added := 0
	for _, b := range ids {
		c := newContactAt(nodeID(b), 100+int(b))
		if rt.Insert(c) {
			added++
		}
	}

	if added == 0 {
		t.Fatalf("expected at least one node to be admitted via splitting")
	}
	if len(rt.buckets) <= 1 {
		t.Fatalf("expected routing table to have split into more than one bucket, got %d", len(rt.buckets))
	}
}

func TestRoutingTableStatsCountsGood(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	rt.Insert(newContactAt(nodeID(1), 100))
	rt.Insert(newContactAt(nodeID(2), 101))

	stats := rt.GetStats()
	if stats.TotalContacts != 2 {
		t.Fatalf("TotalContacts = %d, want 2", stats.TotalContacts)
	}
	if stats.GoodContacts != 2 {
		t.Fatalf("GoodContacts = %d, want 2", stats.GoodContacts)
	}
}

func TestAddRouterNodeNeverOccupiesTable(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	router := newContactAt(nodeID(1), 100)

	rt.AddRouterNode(router)
	if rt.Size() != 0 {
		t.Fatalf("router node should not occupy bucket/replacement capacity, Size() = %d", rt.Size())
	}
	if rt.Get(router.ID()) != nil {
		t.Fatalf("router node should not be retrievable via Get")
	}

	// Re-adding the same address is a no-op, not a duplicate.
	rt.AddRouterNode(router)
	if len(rt.routers) != 1 {
		t.Fatalf("duplicate AddRouterNode calls should not grow the router set, len = %d", len(rt.routers))
	}
}

func TestFindClosestKFallsBackToRouterNodes(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	rt.AddRouterNode(newContactAt(nodeID(0xAA), 100))
	rt.AddRouterNode(newContactAt(nodeID(0xBB), 101))

	// Table has zero live nodes, so FindClosestK must fall back entirely
	// to the router set rather than returning nothing.
	got := rt.FindClosestK(nodeID(0xAA), 2)
	if len(got) != 2 {
		t.Fatalf("FindClosestK fallback returned %d contacts, want 2", len(got))
	}

	// Once a live node is present, the fallback only tops up the shortfall.
	live := newContactAt(nodeID(1), 200)
	rt.Insert(live)

	got = rt.FindClosestK(nodeID(0xAA), 2)
	if len(got) != 2 {
		t.Fatalf("FindClosestK = %d contacts, want 2 (1 live + 1 router fallback)", len(got))
	}
	foundLive := false
	for _, c := range got {
		if c.ID() == live.ID() {
			foundLive = true
		}
	}
	if !foundLive {
		t.Fatalf("FindClosestK fallback should still include the one live node")
	}
}

func TestHeardAboutAdmitsUnpinged(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	c := NewContact(&Node{ID: nodeID(1), IP: net.ParseIP("127.0.0.1"), Port: 100})

	if !rt.HeardAbout(c) {
		t.Fatalf("expected HeardAbout to admit an unpinged contact")
	}
	if rt.Get(c.ID()).Pinged() {
		t.Fatalf("HeardAbout should not itself mark the contact pinged")
	}
}

func TestNodeSeenAdmitsAsPinged(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	c := NewContact(&Node{ID: nodeID(1), IP: net.ParseIP("127.0.0.1"), Port: 100})

	if !rt.NodeSeen(c) {
		t.Fatalf("expected NodeSeen to admit the contact")
	}
	if !rt.Get(c.ID()).Pinged() {
		t.Fatalf("NodeSeen should mark the contact pinged before admission")
	}
}

func TestRoutingTableNextRefreshTouchesContact(t *testing.T) {
	rt := NewRoutingTable(nodeID(0))
	c := newContactAt(nodeID(1), 100)
	rt.Insert(c)

	refreshed := rt.NextRefresh()
	if refreshed == nil {
		t.Fatalf("expected NextRefresh to return the only contact in the table")
	}
	if refreshed.ID() != c.ID() {
		t.Fatalf("NextRefresh returned an unexpected contact")
	}
}
