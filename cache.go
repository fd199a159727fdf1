package mdns

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"
)

// A state change operation.
type Op int

const (
	// A record was added.
	OpAdded Op = iota

	// A unique record replaced previously cached data for the same name and type.
	// Note that regular TTL refreshes do not trigger updates.
	OpUpdated

	// A record was withdrawn with a goodbye, or removed explicitly.
	OpRemoved

	// A record reached the end of its TTL. Equivalent to OpRemoved for observable purposes.
	OpExpired
)

func (op Op) String() string {
	switch op {
	case OpAdded:
		return "[+]"
	case OpUpdated:
		return "[~]"
	case OpRemoved:
		return "[-]"
	case OpExpired:
		return "[x]"
	default:
		return "[?]"
	}
}

// An event represents a change in the state of a record. The record reflects the new state, or
// the last known state for removals, and is always non-nil. Events are immutable.
type Event struct {
	Op
	*Record

	// The replaced record, for OpUpdated only.
	Previous *Record
}

func (e Event) String() string {
	return fmt.Sprintf("%v %v", e.Op, e.Record)
}

// RFC 6762 Section 5.2: [...] the querier should plan to issue a query at 80% of the record
// lifetime, and then if no answer is received, at 85%, 90%, and 95%. [...] a random variation of
// 2% of the record TTL should be added.
var refreshMarks = []float64{0.80, 0.85, 0.90, 0.95}

const refreshJitter = 0.02

// RFC 6762 Section 10.2: records with the cache-flush bit only flush data received more than
// one second earlier, so that a set of records spread over a packet does not flush itself.
const flushGrace = time.Second

type entry struct {
	rec *Record

	// Number of refresh marks already passed since the record was last received.
	refreshed int

	// In range [0, refreshJitter), regenerated on receipt.
	jitter float64
}

func (e *entry) nextRefresh() (time.Time, bool) {
	if e.refreshed >= len(refreshMarks) {
		return time.Time{}, false
	}
	frac := refreshMarks[e.refreshed] + e.jitter
	return e.rec.Created.Add(time.Duration(float64(e.rec.TTL) * frac)), true
}

type cacheKey struct {
	name  string
	t     RRType
	class Class
}

func keyOf(r *Record) cacheKey {
	return cacheKey{r.Name.key(), r.Type(), r.Class}
}

// The cache holds received records keyed by name, type and class, and notifies subscribers of
// changes. It relies on the receipt time of records and on the time passed to Advance in order
// to expire records and inform when refresh queries are needed.
//
// Mutations are serialized, reads are concurrent snapshots. Events are published in mutation
// order, outside of the read-write lock.
type cache struct {
	mu sync.RWMutex

	// invariant: no empty slices
	entries map[cacheKey][]*entry

	// Events waiting to be published, in mutation order. Appended while holding mu.
	pendMu  sync.Mutex
	pending []Event

	// Held while publishing. Never acquired while holding mu, so readers are not stalled by a
	// blocked subscriber.
	pubMu sync.Mutex

	// Copy on write.
	subsMu sync.Mutex
	subs   []*Subscription

	entropy func() float64

	// Signaled when the next deadline may have moved.
	wake chan struct{}
}

// Create a new cache. The entropy source returns numbers in [0,1) and defaults to math/rand.
func newCache(entropy func() float64) *cache {
	if entropy == nil {
		entropy = rand.Float64
	}
	return &cache{
		entries: make(map[cacheKey][]*entry),
		entropy: entropy,
		wake:    make(chan struct{}, 1),
	}
}

// Queues events, releases the write lock and publishes. Must hold mu.
func (c *cache) commit(events []Event) {
	if len(events) > 0 {
		c.pendMu.Lock()
		c.pending = append(c.pending, events...)
		c.pendMu.Unlock()
	}
	c.mu.Unlock()
	if len(events) > 0 {
		c.publish()
	}
}

// Delivers pending events in order. Events queued by a concurrent writer may be delivered here,
// in which case that writer finds nothing left to publish.
func (c *cache) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	for {
		c.pendMu.Lock()
		batch := c.pending
		c.pending = nil
		c.pendMu.Unlock()
		if len(batch) == 0 {
			return
		}
		c.subsMu.Lock()
		subs := c.subs
		c.subsMu.Unlock()
		for _, e := range batch {
			for _, s := range subs {
				s.deliver(e)
			}
		}
	}
}

func (c *cache) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Puts a received record. The receipt time is the record's creation time.
//
// A record with the same data refreshes the entry without events. A goodbye (zero TTL) removes
// the entry with the same data. A cache-flush record replaces other data for the same name and
// type that was received more than a second earlier.
func (c *cache) Put(rec *Record) {
	k := keyOf(rec)
	c.mu.Lock()
	events := c.put(k, rec)
	c.commit(events)
	c.signal()
}

func (c *cache) put(k cacheKey, rec *Record) (events []Event) {
	set := c.entries[k]
	defer func() {
		if len(set) == 0 {
			delete(c.entries, k)
		} else {
			c.entries[k] = set
		}
	}()

	if rec.TTL == 0 {
		set = slices.DeleteFunc(set, func(e *entry) bool {
			if e.rec.SameData(rec) {
				events = append(events, Event{Op: OpRemoved, Record: e.rec})
				return true
			}
			return false
		})
		return
	}

	var flushed []*Record
	if rec.CacheFlush {
		cutoff := rec.Created.Add(-flushGrace)
		set = slices.DeleteFunc(set, func(e *entry) bool {
			if !e.rec.SameData(rec) && e.rec.Created.Before(cutoff) {
				flushed = append(flushed, e.rec)
				return true
			}
			return false
		})
	}

	idx := slices.IndexFunc(set, func(e *entry) bool { return e.rec.SameData(rec) })
	if idx >= 0 {
		// Regular refresh
		set[idx].rec = rec
		set[idx].refreshed = 0
		set[idx].jitter = c.entropy() * refreshJitter
		for _, old := range flushed {
			events = append(events, Event{Op: OpRemoved, Record: old})
		}
		return
	}

	set = append(set, &entry{rec: rec, jitter: c.entropy() * refreshJitter})
	if len(flushed) == 0 {
		events = append(events, Event{Op: OpAdded, Record: rec})
		return
	}
	events = append(events, Event{Op: OpUpdated, Record: rec, Previous: flushed[0]})
	for _, old := range flushed[1:] {
		events = append(events, Event{Op: OpRemoved, Record: old})
	}
	return
}

// Returns the unexpired records for a name, type and class.
func (c *cache) Get(name Name, t RRType, class Class, now time.Time) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return live(c.entries[cacheKey{name.key(), t, class}], now, nil)
}

// Returns the unexpired records that answer a question. Questions of type or class ANY scan the
// whole cache.
func (c *cache) Match(q Question, now time.Time) (recs []*Record) {
	if q.Type != TypeANY && q.Class != ClassANY {
		return c.Get(q.Name, q.Type, q.Class, now)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := q.Name.key()
	for k, set := range c.entries {
		if k.name == name {
			recs = live(set, now, recs)
		}
	}
	return slices.DeleteFunc(recs, func(r *Record) bool { return !q.Matches(r) })
}

func live(set []*entry, now time.Time, dst []*Record) []*Record {
	for _, e := range set {
		if e.rec.Expiry().After(now) {
			dst = append(dst, e.rec)
		}
	}
	return dst
}

// Returns true if any unexpired record is owned by the name.
func (c *cache) HasName(name Name, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := name.key()
	for k, set := range c.entries {
		if k.name == key && len(live(set, now, nil)) > 0 {
			return true
		}
	}
	return false
}

// Removes all records for a name, type and class.
func (c *cache) Remove(name Name, t RRType, class Class) {
	k := cacheKey{name.key(), t, class}
	c.mu.Lock()
	var events []Event
	for _, e := range c.entries[k] {
		events = append(events, Event{Op: OpRemoved, Record: e.rec})
	}
	delete(c.entries, k)
	c.commit(events)
}

// Removes all records that have expired at the given time.
func (c *cache) Expire(now time.Time) {
	c.mu.Lock()
	events := c.expire(now)
	c.commit(events)
}

func (c *cache) expire(now time.Time) (events []Event) {
	for k, set := range c.entries {
		set = slices.DeleteFunc(set, func(e *entry) bool {
			if !e.rec.Expiry().After(now) {
				events = append(events, Event{Op: OpExpired, Record: e.rec})
				return true
			}
			return false
		})
		if len(set) == 0 {
			delete(c.entries, k)
		} else {
			c.entries[k] = set
		}
	}
	return
}

// Advances the state of the cache: expires records and returns the questions that should be
// refreshed, i.e. those with a record that passed a refresh mark without being received again.
func (c *cache) Advance(now time.Time) (refresh []Question) {
	c.mu.Lock()
	events := c.expire(now)
	for _, set := range c.entries {
		for _, e := range set {
			due := false
			for {
				at, ok := e.nextRefresh()
				if !ok || at.After(now) {
					break
				}
				e.refreshed++
				due = true
			}
			if !due {
				continue
			}
			q := Question{Name: e.rec.Name, Type: e.rec.Type(), Class: e.rec.Class}
			if !slices.ContainsFunc(refresh, func(o Question) bool { return sameQuestion(o, q) }) {
				refresh = append(refresh, q)
			}
		}
	}
	c.commit(events)
	return refresh
}

func sameQuestion(a, b Question) bool {
	return a.Type == b.Type && a.Class == b.Class && a.Unicast == b.Unicast && a.Name.Equal(b.Name)
}

// Returns the time for the next event, either a refresh or an expiry. Zero if the cache is empty.
func (c *cache) NextDeadline() (next time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, set := range c.entries {
		for _, e := range set {
			at, ok := e.nextRefresh()
			if !ok {
				at = e.rec.Expiry()
			}
			next = earliest(next, at)
		}
	}
	return
}

// Backpressure decides what happens when a subscriber's queue is full.
type Backpressure int

const (
	// Block the publisher until the subscriber catches up.
	Block Backpressure = iota

	// Discard the oldest queued event.
	DropOldest
)

// A Subscription receives cache events on a bounded queue.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	policy Backpressure
	done   chan struct{}
	once   sync.Once
	c      *cache

	// Guards sends on ch against Close.
	mu     sync.Mutex
	closed bool
}

func (c *cache) Subscribe(size int, policy Backpressure) *Subscription {
	ch := make(chan Event, max(1, size))
	s := &Subscription{C: ch, ch: ch, policy: policy, done: make(chan struct{}), c: c}
	c.subsMu.Lock()
	c.subs = append(slices.Clone(c.subs), s)
	c.subsMu.Unlock()
	return s
}

func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.policy == Block {
		select {
		case s.ch <- e:
		case <-s.done:
		}
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Stops the subscription and closes its channel. A publisher blocked on this subscription is
// released. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		c := s.c
		c.subsMu.Lock()
		c.subs = slices.DeleteFunc(slices.Clone(c.subs), func(o *Subscription) bool { return o == s })
		c.subsMu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
