package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"
)

// A continuous query, started with Client.Query. The listener is notified at most once per live
// record instance: OpAdded when a record first matches, OpUpdated when a unique record changes
// its data and OpRemoved when it is withdrawn or expires.
type Query struct {
	id uint64
	c  *Client
}

// Stops the query. No sends are scheduled and no events are delivered after Cancel returns,
// except for one that may already be in flight. Safe to call multiple times.
func (q *Query) Cancel() {
	q.c.mu.Lock()
	pq := q.c.queries[q.id]
	delete(q.c.queries, q.id)
	q.c.mu.Unlock()
	if pq != nil {
		pq.stop()
	}
}

type pendingQuery struct {
	id       uint64
	question Question
	listener func(Event)
	log      *slog.Logger

	// Owned by the repeat task.
	interval time.Duration
	lastSent time.Time

	// Owned by the dispatcher. Key: Record.dataKey.
	seen map[string]*Record

	active atomic.Bool
	done   chan struct{}
}

func (pq *pendingQuery) stop() {
	if pq.active.CompareAndSwap(true, false) {
		close(pq.done)
	}
}

// Translates a cache event into a listener notification, suppressing duplicates.
func (pq *pendingQuery) notify(e Event) {
	if !pq.active.Load() {
		return
	}
	key := e.Record.dataKey()
	switch e.Op {
	case OpAdded:
		if _, ok := pq.seen[key]; ok {
			return
		}
		pq.seen[key] = e.Record
	case OpUpdated:
		if _, ok := pq.seen[key]; ok {
			return
		}
		pq.seen[key] = e.Record
		if e.Previous == nil {
			e.Op = OpAdded
			break
		}
		prev := e.Previous.dataKey()
		if _, ok := pq.seen[prev]; !ok {
			e.Op, e.Previous = OpAdded, nil
			break
		}
		delete(pq.seen, prev)
	case OpRemoved, OpExpired:
		if _, ok := pq.seen[key]; !ok {
			return
		}
		delete(pq.seen, key)
		e.Op = OpRemoved
	}
	pq.listener(e)
}

// RFC 6762 Section 5.2: the interval doubles until it reaches the ceiling.
func nextQueryInterval(d, ceiling time.Duration) time.Duration {
	return min(2*d, ceiling)
}

// Starts a continuous query. The question is sent immediately, and then repeatedly with a
// doubling interval. Records already in the cache are reported as added. The listener is called
// from a single goroutine shared by all queries, and must not block.
//
// An error wrapping ErrTransport is returned if the first send fails, in which case the query
// is not started.
func (c *Client) Query(q Question, listener func(Event)) (*Query, error) {
	if q.Class == 0 {
		q.Class = ClassINET
	}
	id := c.ids.Add(1)
	pq := &pendingQuery{
		id:       id,
		question: q,
		listener: listener,
		log:      c.log.With("task", fmt.Sprintf("query-%d", id)),
		interval: c.timing.queryInterval,
		seen:     make(map[string]*Record),
		done:     make(chan struct{}),
	}
	pq.active.Store(true)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.queries[id] = pq
	c.tasks.Add(1)
	c.mu.Unlock()

	handle := &Query{id: id, c: c}
	pq.lastSent = time.Now()
	if err := c.sendQuery(q); err != nil {
		handle.Cancel()
		c.tasks.Done()
		return nil, err
	}
	pq.log.Debug("query started", "question", q)

	c.jobs.push(func() {
		for _, rec := range c.cache.Match(q, time.Now()) {
			pq.notify(Event{Op: OpAdded, Record: rec})
		}
	})
	go func() {
		defer c.tasks.Done()
		c.repeatQuery(pq)
	}()
	return handle, nil
}

func (c *Client) repeatQuery(pq *pendingQuery) {
	timer := time.NewTimer(pq.interval)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-pq.done:
			return
		case <-timer.C:
		}
		if !pq.active.Load() {
			return
		}
		pq.lastSent = time.Now()
		if err := c.sendQuery(pq.question); err != nil {
			pq.log.Debug("query failed", "err", err)
		}
		pq.interval = nextQueryInterval(pq.interval, c.timing.maxQueryInterval)
		timer.Reset(pq.interval)
	}
}

// Sends questions with known answers, i.e. cached records with more than half their TTL left.
// Records of unknown types are left out, since their rdata may hold compression pointers into the
// message they were received in.
//
// RFC 6762 Section 7.1: Known-Answer Suppression.
func (c *Client) sendQuery(qs ...Question) error {
	now := time.Now()
	msg := &Message{Questions: qs}
	for _, q := range qs {
		for _, rec := range c.cache.Match(q, now) {
			if _, ok := rec.Data.(Unknown); ok {
				continue
			}
			if rem := rec.Remaining(now); rem > rec.TTL/2 {
				msg.Answers = append(msg.Answers, rec.withTTL(rem))
			}
		}
	}
	return c.send(msg, netip.AddrPort{})
}

// Returns the active queries that would match a record.
func (c *Client) matchingQueries(rec *Record) (pqs []*pendingQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pq := range c.queries {
		if pq.question.Matches(rec) {
			pqs = append(pqs, pq)
		}
	}
	return
}

// Returns true if an active query asks for records that would answer q.
func (c *Client) interested(q Question) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pq := range c.queries {
		aq := pq.question
		if (aq.Type == TypeANY || aq.Type == q.Type) &&
			(aq.Class == ClassANY || aq.Class == q.Class) &&
			aq.Name.Equal(q.Name) {
			return true
		}
	}
	return false
}

// Returns the first record answering the question, from the cache or the network. If the
// context deadline passes first, an error wrapping ErrQueryTimeout is returned.
func (c *Client) Resolve(ctx context.Context, q Question) (*Record, error) {
	if q.Class == 0 {
		q.Class = ClassINET
	}
	if recs := c.cache.Match(q, time.Now()); len(recs) > 0 {
		return recs[0], nil
	}
	responses := c.responses.Load()
	found := make(chan *Record, 1)
	query, err := c.Query(q, func(e Event) {
		if e.Op == OpAdded || e.Op == OpUpdated {
			select {
			case found <- e.Record:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	defer query.Cancel()

	select {
	case rec := <-found:
		return rec, nil
	case <-c.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
	}
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	if c.responses.Load() == responses {
		c.log.Debug("no responses before deadline", "question", q)
	} else {
		c.log.Debug("no matching answer before deadline", "question", q)
	}
	return nil, fmt.Errorf("%w: %v", ErrQueryTimeout, q)
}
