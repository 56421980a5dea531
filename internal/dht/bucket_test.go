package dht

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"
)

func contactWithID(id byte, port int) *Contact {
	var raw [sha1.Size]byte
	raw[0] = id
	return NewContact(&Node{ID: raw, IP: net.ParseIP("10.0.0.1"), Port: port})
}

func TestBucketInsertAndGet(t *testing.T) {
	b := newBucket(0, K)
	c := contactWithID(1, 100)

	if !b.Insert(c) {
		t.Fatalf("expected insert to succeed on empty bucket")
	}
	if got := b.Get(c.ID()); got != c {
		t.Fatalf("Get did not return inserted contact")
	}
}

func TestBucketInsertFullRejects(t *testing.T) {
	b := newBucket(0, 2)
	b.Insert(contactWithID(1, 100))
	b.Insert(contactWithID(2, 101))

	if b.Insert(contactWithID(3, 102)) {
		t.Fatalf("expected insert into full bucket to fail")
	}
}

func TestBucketRemove(t *testing.T) {
	b := newBucket(0, K)
	c := contactWithID(1, 100)
	b.Insert(c)

	if !b.Remove(c.ID()) {
		t.Fatalf("expected remove to succeed")
	}
	if b.Get(c.ID()) != nil {
		t.Fatalf("contact still present after remove")
	}
}

func TestBucketLRUIsOldestUntouched(t *testing.T) {
	b := newBucket(0, K)
	first := contactWithID(1, 100)
	second := contactWithID(2, 101)
	b.Insert(first)
	b.Insert(second)

	if b.LRU() != first {
		t.Fatalf("expected first-inserted contact to be LRU")
	}

	b.Insert(first) // touching moves it to the end
	if b.LRU() != second {
		t.Fatalf("expected touched contact to no longer be LRU")
	}
}

func TestBucketDisplaceUnpingedFirst(t *testing.T) {
	b := newBucket(0, 1)
	stale := contactWithID(1, 100)
	b.Insert(stale)

	candidate := contactWithID(2, 101)
	candidate.MarkSeen()

	if !b.displace(candidate) {
		t.Fatalf("expected displacement of unpinged node")
	}
	if b.Get(candidate.ID()) == nil {
		t.Fatalf("candidate was not installed after displacement")
	}
	if len(b.Replacements()) != 1 {
		t.Fatalf("evicted node should be demoted to replacements, got %d", len(b.Replacements()))
	}
}

func TestBucketDisplaceFailsWhenNoRoom(t *testing.T) {
	b := newBucket(0, 1)
	pinned := contactWithID(1, 100)
	pinned.MarkSeen()
	b.Insert(pinned)

	candidate := contactWithID(2, 101) // unpinged, no failures, no RTT advantage
	if b.displace(candidate) {
		t.Fatalf("expected no displacement when incumbent is healthy and pinged")
	}
}

func TestCidrKeyIPv4Slash8(t *testing.T) {
	a := net.ParseIP("10.1.2.3")
	b := net.ParseIP("10.9.9.9")
	c := net.ParseIP("11.1.2.3")

	if cidrKey(a) != cidrKey(b) {
		t.Fatalf("expected same /8 to share a CIDR key")
	}
	if cidrKey(a) == cidrKey(c) {
		t.Fatalf("expected different /8 to differ")
	}
}

func TestHasConflictingCIDR(t *testing.T) {
	b := newBucket(0, K)
	existing := &Contact{node: &Node{ID: [sha1.Size]byte{1}, IP: net.ParseIP("10.1.1.1"), Port: 100}, pending: map[string]time.Time{}}
	b.Insert(existing)

	candidate := &Contact{node: &Node{ID: [sha1.Size]byte{2}, IP: net.ParseIP("10.1.1.2"), Port: 101}, pending: map[string]time.Time{}}
	if !b.hasConflictingCIDR(candidate) {
		t.Fatalf("expected /8 collision to be detected")
	}
}
