package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// A Client is an mDNS querier and responder on a shared transport. Received records are cached,
// questions for claimed names are answered, and queries are repeated until canceled.
type Client struct {
	opts   *Options
	log    *slog.Logger
	conn   Transport
	timing timing

	cache *cache
	sub   *Subscription // dispatcher's cache subscription
	jobs  *jobQueue
	resp  *responder

	sendMu sync.Mutex

	mu      sync.Mutex
	queries map[uint64]*pendingQuery
	closed  bool

	// Source of query and claim ids
	ids atomic.Uint64

	// Number of responses received, for diagnostics
	responses atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	tasks  sync.WaitGroup

	browsers []*ServiceBrowser

	closeOnce sync.Once
	closeErr  error
}

func newClient(opts *Options) (*Client, error) {
	conn := opts.transport
	if conn == nil {
		var err error
		conn, err = newDualConn(opts.ifacesFn, opts.network, opts.logger)
		if err != nil {
			return nil, err
		}
	}
	c := &Client{
		opts:    opts,
		log:     opts.logger,
		conn:    conn,
		timing:  opts.timing,
		cache:   newCache(nil),
		jobs:    newJobQueue(),
		queries: make(map[uint64]*pendingQuery),
	}
	c.resp = newResponder(c, c.log)
	c.sub = c.cache.Subscribe(256, Block)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group.Go(c.recv)
	c.group.Go(c.maintain)
	c.group.Go(c.dispatch)
	return c, nil
}

// Receives datagrams until the transport is closed. Malformed messages are dropped.
func (c *Client) recv() error {
	for {
		pkt, err := c.conn.Receive()
		if errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil {
			return nil
		} else if err != nil {
			c.log.Warn("receive failed", "err", fmt.Errorf("%w: %w", ErrTransport, err))
			if sleepContext(c.ctx, 100*time.Millisecond) != nil {
				return nil
			}
			continue
		}
		msg, err := Unpack(pkt.Data)
		if err != nil {
			c.log.Debug("dropping message", "src", pkt.Src, "err", err)
			continue
		}
		c.handle(msg, pkt.Src, time.Now())
	}
}

func (c *Client) handle(msg *Message, src netip.AddrPort, now time.Time) {
	if !msg.Response {
		c.resp.inspectQuery(msg)
		c.resp.answer(msg, src)
		return
	}
	c.responses.Add(1)
	c.resp.inspectResponse(msg)
	for _, section := range [][]*Record{msg.Answers, msg.Additionals} {
		for _, rec := range section {
			rec.Created = now
			if c.opts.expiry > 0 && rec.TTL > 0 {
				rec.TTL = c.opts.expiry
			}
			c.cache.Put(rec)
		}
	}
}

// Expires cached records and sends refresh queries for records that are actively queried.
func (c *Client) maintain() error {
	for {
		now := time.Now()
		var refresh []Question
		for _, q := range c.cache.Advance(now) {
			if c.interested(q) {
				refresh = append(refresh, q)
			}
		}
		if len(refresh) > 0 {
			if err := c.sendQuery(refresh...); err != nil {
				c.log.Debug("refresh failed", "err", err)
			}
		}

		wait := time.Hour
		if next := c.cache.NextDeadline(); !next.IsZero() {
			wait = max(0, next.Sub(now))
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-c.cache.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Delivers cache events and runs jobs, in order, on a single goroutine.
func (c *Client) dispatch() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case e, ok := <-c.sub.C:
			if !ok {
				return nil
			}
			for _, pq := range c.matchingQueries(e.Record) {
				pq.notify(e)
			}
		case <-c.jobs.signal:
			for _, job := range c.jobs.drain() {
				job()
			}
		}
	}
}

// Encodes and sends a message. Sends are serialized. The zero dst means multicast.
func (c *Client) send(msg *Message, dst netip.AddrPort) error {
	b, err := msg.Pack()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Send(b, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Returns the unexpired cached records that answer a question.
func (c *Client) Lookup(q Question) []*Record {
	if q.Class == 0 {
		q.Class = ClassINET
	}
	return c.cache.Match(q, time.Now())
}

// Subscribes to all changes of the record cache. The subscription must be closed after use.
func (c *Client) Watch(size int, policy Backpressure) *Subscription {
	return c.cache.Subscribe(size, policy)
}

// Publishes a service and waits until it is announced. If the instance name is taken, the
// service is renamed, see Registration.Service.
//
// Addresses are determined by the transport, unless the service has them set.
func (c *Client) Publish(ctx context.Context, svc *Service, l ClaimListener) (*Registration, error) {
	reg, err := c.startPublish(svc, l)
	if err != nil {
		return nil, err
	}
	if err := reg.wait(ctx); err != nil {
		return nil, err
	}
	return reg, nil
}

func (c *Client) startPublish(svc *Service, l ClaimListener) (*Registration, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	svc = cloneService(svc)
	build := func(instance Name) []*Record {
		s := *svc
		s.Name = instance.First()
		addrs := s.Addrs
		if as, ok := c.conn.(addrSource); ok && len(addrs) == 0 {
			addrs = as.Addrs()
		}
		return recordsFromService(&s, addrs)
	}
	return c.startClaim(svc.instanceName(), false, build, l, svc)
}

func cloneService(svc *Service) *Service {
	c := *svc
	ty := *svc.Type
	ty.Subtypes = append([]string(nil), ty.Subtypes...)
	c.Type = &ty
	c.Addrs = append([]netip.Addr(nil), svc.Addrs...)
	c.Text = append([]string(nil), svc.Text...)
	return &c
}

// Reloads network interfaces, if supported by the transport, and re-announces all claims.
func (c *Client) Reload() error {
	if r, ok := c.conn.(reloader); ok {
		changed, err := r.Reload()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		if !changed {
			return nil
		}
		c.log.Debug("network changed")
	}
	for _, cl := range c.resp.all() {
		signal(cl.reannounce, struct{}{})
	}
	return nil
}

// Withdraws all claims with goodbyes, cancels all queries and closes the transport. Safe to
// call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		queries := make([]*pendingQuery, 0, len(c.queries))
		for id, pq := range c.queries {
			queries = append(queries, pq)
			delete(c.queries, id)
		}
		c.mu.Unlock()

		var errs []error
		for _, b := range c.browsers {
			b.Close()
		}
		for _, cl := range c.resp.all() {
			errs = append(errs, cl.close())
		}
		for _, pq := range queries {
			pq.stop()
		}
		c.cancel()
		c.sub.Close()
		errs = append(errs, c.conn.Close())
		errs = append(errs, c.group.Wait())
		c.tasks.Wait()
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
