package dht

import (
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

type ContactState int

const (
	StateGood         ContactState = iota // Responded in last 15m
	StateQuestionable                     // No response but not timed out
	StateBad                              // Failed multiple tims
)

type Contact struct {
	node          *Node
	lastSeen      time.Time
	lastQuery     time.Time
	firstSeen     time.Time
	failedQueries int
	state         ContactState
	rtt           time.Duration
	pinged        bool
	isRouter      bool

	mut     sync.RWMutex
	pending map[string]time.Time // Transaction ID -> sent time
}

func NewContact(node *Node) *Contact {
	return &Contact{
		node:      node,
		lastSeen:  time.Now(),
		firstSeen: time.Now(),
		state:     StateQuestionable,
		pending:   make(map[string]time.Time),
	}
}

// NewRouterContact marks a contact as a bootstrap/router node: it is used to
// seed lookups but is never admitted into a bucket or replacement cache.
func NewRouterContact(node *Node) *Contact {
	c := NewContact(node)
	c.isRouter = true
	return c
}

func (c *Contact) ID() [sha1.Size]byte {
	return c.node.ID
}

func (c *Contact) Addr() *net.UDPAddr {
	return c.node.UDPAddr()
}

// MarkSeen updates contact as having responded successfully.
func (c *Contact) MarkSeen() {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.lastSeen = time.Now()
	c.failedQueries = 0
	c.state = StateGood
	c.pinged = true
}

// MarkQueried records that we sent a query to this contact
func (c *Contact) MarkQueried(transactionID string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.lastQuery = time.Now()
	c.pending[transactionID] = time.Now()
}

// MarkQueriedNow records that we are about to refresh this contact without
// tracking a specific transaction (used by the refresh scan).
func (c *Contact) MarkQueriedNow() {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.lastQuery = time.Now()
}

// MarkResponse records a correctly-matched response, updating the smoothed
// RTT from the matching pending query if one is tracked.
func (c *Contact) MarkResponse(transactionID string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if sentAt, ok := c.pending[transactionID]; ok {
		c.rtt = time.Since(sentAt)
		delete(c.pending, transactionID)
	}

	c.lastSeen = time.Now()
	c.failedQueries = 0
	c.state = StateGood
	c.pinged = true
}

func (c *Contact) MarkFailed() {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.failedQueries++

	if c.failedQueries >= 3 {
		c.state = StateBad
	} else {
		c.state = StateQuestionable
	}
}

func (c *Contact) IsGood() bool {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.state == StateGood && time.Since(c.lastSeen) < 15*time.Minute
}

func (c *Contact) IsQuestionable() bool {
	c.mut.RLock()
	defer c.mut.RUnlock()

	if c.state == StateBad {
		return false
	}
	return time.Since(c.lastSeen) >= 15*time.Minute
}

func (c *Contact) IsBad() bool {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.state == StateBad
}

func (c *Contact) PendingQueries() int {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return len(c.pending)
}

func (c *Contact) FailedQueries() int {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.failedQueries
}

// Pinged reports whether we have ever verified this contact responds with a
// matching transaction id.
func (c *Contact) Pinged() bool {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.pinged
}

func (c *Contact) RTT() time.Duration {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.rtt
}

func (c *Contact) LastQuery() time.Time {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.lastQuery
}

func (c *Contact) FirstSeen() time.Time {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.firstSeen
}

func (c *Contact) IsRouter() bool {
	return c.isRouter
}

// adoptMeasurement copies liveness data from a freshly-seen duplicate (same
// id, newer measurement) onto the entry already held by the table.
func (c *Contact) adoptMeasurement(fresh *Contact) {
	fresh.mut.RLock()
	rtt, pinged, lastSeen := fresh.rtt, fresh.pinged, fresh.lastSeen
	fresh.mut.RUnlock()

	c.mut.Lock()
	defer c.mut.Unlock()

	if pinged {
		c.pinged = true
	}
	if rtt > 0 {
		c.rtt = rtt
	}
	c.lastSeen = lastSeen
	c.failedQueries = 0
	c.state = StateGood
}

func (c *Contact) CleanStaleQueries(timeout time.Duration) {
	c.mut.Lock()
	defer c.mut.Unlock()

	now := time.Now()
	for txID, sentAt := range c.pending {
		if now.Sub(sentAt) > timeout {
			delete(c.pending, txID)
			c.failedQueries++
		}
	}
}

func (b *Bucket) All() []*Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	result := make([]*Contact, len(b.liveNodes))
	copy(result, b.liveNodes)
	return result
}

// Replacements returns a snapshot of the bucket's replacement cache.
func (b *Bucket) Replacements() []*Contact {
	return b.replacementsSnapshot()
}
