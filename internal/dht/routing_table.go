package dht

import (
	"crypto/sha1"
	"net"
	"sort"
	"sync"
)

// RoutingTableConfig tunes bucket capacity and admission policy. Mirrors
// pkg/config.DHTConfig; kept independent so this package has no import-time
// dependency on the config package.
type RoutingTableConfig struct {
	// BucketSize is the default per-bucket capacity K at depths beyond the
	// extended range.
	BucketSize int

	// ExtendedBucketSizes gives depths 0..3 a larger capacity (16K, 8K, 4K,
	// 2K by default) to improve lookup affinity in the dense near region.
	ExtendedBucketSizes [4]int

	// StrictIPMode rejects live bucket entries that share a /8 (IPv4) or
	// /64 (IPv6) CIDR with another live or replacement entry in the same
	// bucket.
	StrictIPMode bool

	// AllowDuplicateIP disables the "drop unpinged newcomer on IP collision"
	// rule from add_node step 3.
	AllowDuplicateIP bool

	// MaxFailures is the failure-count threshold past which a failing node
	// is evicted on node_failed.
	MaxFailures int
}

func DefaultRoutingTableConfig() RoutingTableConfig {
	return RoutingTableConfig{
		BucketSize:          K,
		ExtendedBucketSizes: [4]int{16 * K, 8 * K, 4 * K, 2 * K},
		StrictIPMode:        false,
		AllowDuplicateIP:    false,
		MaxFailures:         3,
	}
}

// AddResult is the three-way outcome of admitting a node into the table.
type AddResult int

const (
	AddResultAdded AddResult = iota
	AddResultNeedsSplit
	AddResultFailed
)

// RoutingTable is a Kademlia k-bucket table with dynamic bucket splitting:
// it starts with a single bucket covering the whole id space and grows one
// bucket deeper each time the deepest bucket overflows and its candidate
// still has a clean record, per spec.md's add_node/split rules.
type RoutingTable struct {
	localID [sha1.Size]byte
	cfg     RoutingTableConfig

	mut     sync.RWMutex
	buckets []*Bucket

	// routers holds seed/bootstrap nodes added via AddRouterNode: they
	// never occupy bucket or replacement capacity and are only consulted
	// as a last-resort fallback when a lookup can't find enough live
	// nodes (spec.md §6.2's add_router_node).
	routers []*Contact
}

func NewRoutingTable(localID [sha1.Size]byte, cfg ...RoutingTableConfig) *RoutingTable {
	c := DefaultRoutingTableConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}

	rt := &RoutingTable{
		localID: localID,
		cfg:     c,
		buckets: []*Bucket{newBucket(0, capacityForDepth(c, 0))},
	}
	return rt
}

func capacityForDepth(cfg RoutingTableConfig, depth int) int {
	if depth < len(cfg.ExtendedBucketSizes) {
		return cfg.ExtendedBucketSizes[depth]
	}
	return cfg.BucketSize
}

func (rt *RoutingTable) ID() [sha1.Size]byte {
	return rt.localID
}

// depthFor returns the bucket index holding id: the bucket at index
// min(prefixLen, len(buckets)-1), since the deepest bucket absorbs every id
// closer than its own depth.
func (rt *RoutingTable) depthFor(id [sha1.Size]byte) int {
	prefixLen := PrefixLen(rt.localID, id)
	if prefixLen >= len(rt.buckets) {
		return len(rt.buckets) - 1
	}
	return prefixLen
}

// AddRouterNode registers a bootstrap/seed node outside the bucket system
// entirely (spec.md §6.2's add_router_node): it is never admitted into a
// bucket or replacement cache, matching add_node step 1's router rejection,
// but stays available as a fallback source of contacts for FindClosestK
// when the table itself can't yet supply enough nodes. Duplicate addresses
// are ignored.
func (rt *RoutingTable) AddRouterNode(contact *Contact) {
	rt.mut.Lock()
	defer rt.mut.Unlock()

	if !contact.IsRouter() {
		contact = NewRouterContact(contact.node)
	}

	addr := contact.Addr().String()
	for _, r := range rt.routers {
		if r.Addr().String() == addr {
			return
		}
	}
	rt.routers = append(rt.routers, contact)
}

// HeardAbout admits a node we've merely heard about — e.g. one that sent us
// a query — without having verified a response from it (spec.md §6.2's
// heard_about, the unpinged admission path). It is a thin, explicitly-named
// wrapper over Insert so callers don't have to remember that admission
// policy reads the contact's pinged flag.
func (rt *RoutingTable) HeardAbout(contact *Contact) bool {
	return rt.Insert(contact)
}

// NodeSeen admits a node whose response we've verified — a correct
// transaction id matched one we sent (spec.md §6.2's node_seen, the pinged
// admission path). Marking it seen first ensures add_node's unpinged-IP-
// collision rule and in-bucket siting both treat it as pinged.
func (rt *RoutingTable) NodeSeen(contact *Contact) bool {
	contact.MarkSeen()
	return rt.Insert(contact)
}

// Insert runs the full add_node admission algorithm, splitting the deepest
// bucket and retrying as long as needs_split is signaled.
func (rt *RoutingTable) Insert(contact *Contact) bool {
	for {
		switch rt.addNode(contact) {
		case AddResultAdded:
			return true
		case AddResultFailed:
			return false
		case AddResultNeedsSplit:
			if !rt.splitLastBucket() {
				return false
			}
		}
	}
}

func (rt *RoutingTable) addNode(contact *Contact) AddResult {
	if contact.IsRouter() {
		return AddResultFailed
	}
	if contact.ID() == rt.localID {
		return AddResultFailed
	}

	rt.mut.Lock()
	defer rt.mut.Unlock()

	addrKey := contact.Addr().String()
	if existing, bucketIdx := rt.findByAddrLocked(addrKey); existing != nil {
		if existing.ID() != contact.ID() {
			if !contact.Pinged() && !rt.cfg.AllowDuplicateIP {
				return AddResultFailed
			}
			rt.buckets[bucketIdx].Remove(existing.ID())
			rt.buckets[bucketIdx].removeReplacement(existing.ID())
		} else {
			existing.adoptMeasurement(contact)
			return AddResultAdded
		}
	}

	depth := rt.depthFor(contact.ID())
	bucket := rt.buckets[depth]

	if live := bucket.Get(contact.ID()); live != nil {
		live.adoptMeasurement(contact)
		return AddResultAdded
	}

	if repl := bucket.removeReplacement(contact.ID()); repl != nil {
		contact.adoptMeasurement(repl)
	}

	if rt.cfg.StrictIPMode && bucket.hasConflictingCIDR(contact) {
		return AddResultFailed
	}

	if bucket.Insert(contact) {
		return AddResultAdded
	}

	if bucket.displace(contact) {
		return AddResultAdded
	}

	isLast := depth == len(rt.buckets)-1
	if isLast && depth < 159 && contact.FailedQueries() == 0 {
		return AddResultNeedsSplit
	}

	bucket.insertReplacement(contact)
	return AddResultAdded
}

func (rt *RoutingTable) findByAddrLocked(addr string) (*Contact, int) {
	for i, b := range rt.buckets {
		if c := b.findByAddr(addr); c != nil {
			return c, i
		}
	}
	return nil, -1
}

// splitLastBucket clones the deepest bucket into a new, deeper bucket: every
// live or replacement node whose prefix with the local id extends past the
// old depth moves into the new bucket. Reports false if already at maximum
// depth (159), matching add_node step 10's depth < 159 guard.
func (rt *RoutingTable) splitLastBucket() bool {
	rt.mut.Lock()
	defer rt.mut.Unlock()

	lastIdx := len(rt.buckets) - 1
	if lastIdx >= 159 {
		return false
	}

	old := rt.buckets[lastIdx]
	newDepth := lastIdx + 1
	deeper := newBucket(newDepth, capacityForDepth(rt.cfg, newDepth))

	oldLive := old.liveNodesSnapshot()
	old.clearLive()
	for _, c := range oldLive {
		if PrefixLen(rt.localID, c.ID()) > lastIdx {
			deeper.Insert(c)
		} else {
			old.Insert(c)
		}
	}
	old.capOverflowToReplacements()

	oldRepl := old.replacementsSnapshot()
	old.clearReplacements()
	for _, c := range oldRepl {
		if PrefixLen(rt.localID, c.ID()) > lastIdx {
			deeper.insertReplacement(c)
		} else {
			old.insertReplacement(c)
		}
	}

	rt.buckets = append(rt.buckets, deeper)
	return true
}

func (rt *RoutingTable) Remove(id [sha1.Size]byte) bool {
	rt.mut.RLock()
	bucketIdx := rt.depthFor(id)
	bucket := rt.buckets[bucketIdx]
	rt.mut.RUnlock()

	return bucket.Remove(id)
}

// NodeFailed implements the anti-spoof node_failed transition: the entry
// must match both id and endpoint, so a different endpoint reporting the
// same id cannot evict a live node. It reports whether an entry matching
// both id and endpoint was found.
func (rt *RoutingTable) NodeFailed(id [sha1.Size]byte, addr *net.UDPAddr) bool {
	rt.mut.Lock()
	defer rt.mut.Unlock()

	bucketIdx := rt.depthFor(id)
	return rt.buckets[bucketIdx].nodeFailed(id, addr, rt.cfg.MaxFailures)
}

func (rt *RoutingTable) Get(id [sha1.Size]byte) *Contact {
	rt.mut.RLock()
	bucketIdx := rt.depthFor(id)
	bucket := rt.buckets[bucketIdx]
	rt.mut.RUnlock()

	return bucket.Get(id)
}

// FindClosestK walks forward from the target's bucket to the table's end,
// then backward if still short, sorting and truncating after each bucket.
func (rt *RoutingTable) FindClosestK(target [sha1.Size]byte, k int) []*Contact {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	start := rt.depthFor(target)
	var result []*Contact

	appendBucket := func(idx int) {
		result = append(result, rt.buckets[idx].All()...)
		sort.Slice(result, func(i, j int) bool {
			return CompareDistance(target, result[i].ID(), result[j].ID()) < 0
		})
		if len(result) > k {
			result = result[:k]
		}
	}

	for idx := start; idx < len(rt.buckets) && len(result) < k; idx++ {
		appendBucket(idx)
	}
	for idx := start - 1; idx >= 0 && len(result) < k; idx-- {
		appendBucket(idx)
	}

	// Fallback: a fresh or sparsely-populated table may not hold enough
	// live nodes yet. Router nodes were never admitted into a bucket
	// (add_node step 1), so fill out the short result from them instead of
	// returning fewer than k candidates to the caller.
	if len(result) < k && len(rt.routers) > 0 {
		have := make(map[[sha1.Size]byte]bool, len(result))
		for _, c := range result {
			have[c.ID()] = true
		}
		for _, r := range rt.routers {
			if len(result) >= k {
				break
			}
			if have[r.ID()] {
				continue
			}
			result = append(result, r)
		}
		sort.Slice(result, func(i, j int) bool {
			return CompareDistance(target, result[i].ID(), result[j].ID()) < 0
		})
	}

	return result
}

func (rt *RoutingTable) Size() int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	count := 0
	for _, bucket := range rt.buckets {
		count += bucket.Len()
	}
	return count
}

func (rt *RoutingTable) GetBucketsNeedingRefresh() []int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var indices []int
	for i, bucket := range rt.buckets {
		if bucket.Len() > 0 && bucket.NeedsRefresh() {
			indices = append(indices, i)
		}
	}
	return indices
}

func (rt *RoutingTable) GetQuestionableContacts() []*Contact {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var questionable []*Contact
	for _, bucket := range rt.buckets {
		for _, contact := range bucket.All() {
			if contact.IsQuestionable() {
				questionable = append(questionable, contact)
			}
		}
	}
	return questionable
}

// NextRefresh returns the contact with the oldest last-queried timestamp,
// scanning from the deepest (closest) bucket first so near-region nodes are
// kept fresh in preference to distant ones, and marks it queried so a
// concurrent call doesn't return the same contact immediately.
func (rt *RoutingTable) NextRefresh() *Contact {
	rt.mut.RLock()
	buckets := make([]*Bucket, len(rt.buckets))
	copy(buckets, rt.buckets)
	rt.mut.RUnlock()

	for i := len(buckets) - 1; i >= 0; i-- {
		contacts := buckets[i].All()
		if len(contacts) == 0 {
			continue
		}

		oldest := contacts[0]
		for _, c := range contacts[1:] {
			if c.LastQuery().Before(oldest.LastQuery()) {
				oldest = c
			}
		}
		oldest.MarkQueriedNow()
		return oldest
	}
	return nil
}

type RoutingTableStats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
	Depth                int
}

func (rt *RoutingTable) GetStats() RoutingTableStats {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	stats := RoutingTableStats{Depth: len(rt.buckets)}

	for _, bucket := range rt.buckets {
		contacts := bucket.All()
		if len(contacts) == 0 {
			stats.EmptyBuckets++
			continue
		}

		stats.FilledBuckets++
		stats.TotalContacts += len(contacts)

		for _, c := range contacts {
			switch {
			case c.IsGood():
				stats.GoodContacts++
			case c.IsQuestionable():
				stats.QuestionableContacts++
			case c.IsBad():
				stats.BadContacts++
			}
		}
	}

	return stats
}
