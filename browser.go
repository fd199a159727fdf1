package mdns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
)

// A change to a discovered service. For removals, the service is the last known state.
type ServiceEvent struct {
	*Service
	Op Op
}

func (e ServiceEvent) String() string {
	return fmt.Sprintf("%v %v", e.Op, e.Service)
}

// Tracks the services of a type, assembling them from PTR, SRV, TXT and address records. A
// service is reported once it has an SRV record and at least one address.
type ServiceBrowser struct {
	c  *Client
	ty *Type
	cb func(ServiceEvent)

	mu        sync.Mutex
	closed    bool
	ptr       *Query
	instances map[string]*instance // key: instance name key
	hosts     map[string]*host     // key: host name key
}

type instance struct {
	name    Name
	srv     *SRV
	text    []string
	queries []*Query
	host    *host

	// Last reported state, or nil
	reported *Service
}

type host struct {
	name    Name
	addrs   []netip.Addr
	queries []*Query
	refs    int
}

// Browses for services of a type. A type may have at most one subtype, in order to narrow the
// search. The callback is called from the client's dispatcher goroutine, and must not block.
func (c *Client) BrowseServices(ty *Type, cb func(ServiceEvent)) (*ServiceBrowser, error) {
	if err := ty.Validate(); err != nil {
		return nil, err
	}
	if len(ty.Subtypes) > 1 {
		return nil, errors.New("too many subtypes for browsing")
	}
	b := c.newServiceBrowser(ty, cb)
	q := Question{Name: queryName(ty), Type: TypePTR, Class: ClassINET}
	ptr, err := c.Query(q, b.onPTR)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.ptr = ptr
	b.mu.Unlock()
	return b, nil
}

func (c *Client) newServiceBrowser(ty *Type, cb func(ServiceEvent)) *ServiceBrowser {
	return &ServiceBrowser{
		c:         c,
		ty:        ty,
		cb:        cb,
		instances: make(map[string]*instance),
		hosts:     make(map[string]*host),
	}
}

// Stops browsing and cancels all queries. No events are reported after Close returns.
func (b *ServiceBrowser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.ptr != nil {
		b.ptr.Cancel()
	}
	for _, inst := range b.instances {
		cancelAll(inst.queries)
	}
	for _, h := range b.hosts {
		cancelAll(h.queries)
	}
}

func cancelAll(queries []*Query) {
	for _, q := range queries {
		q.Cancel()
	}
}

// Reports events after releasing the lock. Called from the dispatcher only, which keeps events
// ordered.
func (b *ServiceBrowser) emit(events []ServiceEvent) {
	for _, e := range events {
		b.cb(e)
	}
}

func (b *ServiceBrowser) onPTR(e Event) {
	ptr, ok := e.Data.(PTR)
	if !ok {
		return
	}
	b.mu.Lock()
	var events []ServiceEvent
	if !b.closed {
		if e.Op == OpRemoved {
			events = b.untrack(ptr.Target)
		} else {
			b.track(ptr.Target)
		}
	}
	b.mu.Unlock()
	b.emit(events)
}

// Starts resolving an instance. Must hold b.mu.
func (b *ServiceBrowser) track(name Name) {
	key := name.key()
	if _, ok := b.instances[key]; ok {
		return
	}
	inst := &instance{name: name}
	b.instances[key] = inst
	for _, t := range []RRType{TypeSRV, TypeTXT} {
		q := Question{Name: name, Type: t, Class: ClassINET}
		if query, err := b.c.Query(q, b.instanceListener(inst)); err != nil {
			b.c.log.Debug("resolving instance failed", "name", name, "err", err)
		} else {
			inst.queries = append(inst.queries, query)
		}
	}
}

// Stops resolving an instance. Must hold b.mu.
func (b *ServiceBrowser) untrack(name Name) (events []ServiceEvent) {
	key := name.key()
	inst, ok := b.instances[key]
	if !ok {
		return nil
	}
	delete(b.instances, key)
	cancelAll(inst.queries)
	b.release(inst.host)
	if inst.reported != nil {
		events = append(events, ServiceEvent{Op: OpRemoved, Service: inst.reported})
	}
	return
}

func (b *ServiceBrowser) instanceListener(inst *instance) func(Event) {
	return func(e Event) {
		b.mu.Lock()
		if b.closed || b.instances[inst.name.key()] != inst {
			b.mu.Unlock()
			return
		}
		removed := e.Op == OpRemoved
		switch d := e.Data.(type) {
		case SRV:
			if removed {
				inst.srv = nil
				b.release(inst.host)
				inst.host = nil
				break
			}
			inst.srv = &d
			if inst.host == nil || !inst.host.name.Equal(d.Target) {
				b.release(inst.host)
				inst.host = b.acquire(d.Target)
			}
		case TXT:
			if removed {
				inst.text = nil
			} else {
				inst.text = d.normalized()
			}
		}
		events := b.update(inst)
		b.mu.Unlock()
		b.emit(events)
	}
}

// Starts resolving addresses for a host, if not already. Must hold b.mu.
func (b *ServiceBrowser) acquire(name Name) *host {
	key := name.key()
	h, ok := b.hosts[key]
	if !ok {
		h = &host{name: name}
		b.hosts[key] = h
		for _, t := range []RRType{TypeA, TypeAAAA} {
			q := Question{Name: name, Type: t, Class: ClassINET}
			if query, err := b.c.Query(q, b.hostListener(h)); err != nil {
				b.c.log.Debug("resolving host failed", "name", name, "err", err)
			} else {
				h.queries = append(h.queries, query)
			}
		}
	}
	h.refs++
	return h
}

// Must hold b.mu.
func (b *ServiceBrowser) release(h *host) {
	if h == nil {
		return
	}
	if h.refs--; h.refs > 0 {
		return
	}
	cancelAll(h.queries)
	delete(b.hosts, h.name.key())
}

func (b *ServiceBrowser) hostListener(h *host) func(Event) {
	return func(e Event) {
		b.mu.Lock()
		if b.closed || b.hosts[h.name.key()] != h {
			b.mu.Unlock()
			return
		}
		if e.Previous != nil {
			h.addrs = slices.DeleteFunc(h.addrs, func(a netip.Addr) bool { return a == addrOf(e.Previous) })
		}
		addr := addrOf(e.Record)
		if e.Op == OpRemoved {
			h.addrs = slices.DeleteFunc(h.addrs, func(a netip.Addr) bool { return a == addr })
		} else if addr.IsValid() && !slices.Contains(h.addrs, addr) {
			h.addrs = append(h.addrs, addr)
		}
		var events []ServiceEvent
		for _, inst := range b.instances {
			if inst.host == h {
				events = append(events, b.update(inst)...)
			}
		}
		b.mu.Unlock()
		b.emit(events)
	}
}

func addrOf(rec *Record) netip.Addr {
	switch d := rec.Data.(type) {
	case A:
		return d.Addr.Unmap()
	case AAAA:
		return d.Addr
	}
	return netip.Addr{}
}

// Returns the current state of an instance, or nil if it is not yet resolved.
func (b *ServiceBrowser) service(inst *instance) *Service {
	if inst.srv == nil || inst.host == nil || len(inst.host.addrs) == 0 {
		return nil
	}
	svc, err := parseServicePath(inst.name)
	if err != nil {
		return nil
	}
	svc.Type = b.ty
	svc.Port = inst.srv.Port
	svc.Hostname = trimDot(inst.srv.Target.String())
	svc.Text = slices.Clone(inst.text)
	svc.Addrs = slices.Clone(inst.host.addrs)
	slices.SortFunc(svc.Addrs, netip.Addr.Compare)
	return svc
}

// Compares an instance to what was last reported. Must hold b.mu.
func (b *ServiceBrowser) update(inst *instance) (events []ServiceEvent) {
	svc := b.service(inst)
	switch {
	case svc == nil && inst.reported != nil:
		events = append(events, ServiceEvent{Op: OpRemoved, Service: inst.reported})
	case svc != nil && inst.reported == nil:
		events = append(events, ServiceEvent{Op: OpAdded, Service: svc})
	case svc != nil && !svc.Equal(inst.reported):
		events = append(events, ServiceEvent{Op: OpUpdated, Service: svc})
	default:
		return nil
	}
	inst.reported = svc
	return
}

// Resolves a single service instance by name. If the context deadline passes first, an error
// wrapping ErrQueryTimeout is returned.
func (c *Client) ResolveService(ctx context.Context, ty *Type, instanceName string) (*Service, error) {
	if err := ty.Validate(); err != nil {
		return nil, err
	}
	name, err := NewName(append([]string{instanceName}, ty.name().Labels()...)...)
	if err != nil {
		return nil, err
	}
	found := make(chan *Service, 1)
	b := c.newServiceBrowser(ty, func(e ServiceEvent) {
		if e.Op != OpRemoved {
			select {
			case found <- e.Service:
			default:
			}
		}
	})
	defer b.Close()
	b.mu.Lock()
	b.track(name)
	b.mu.Unlock()

	select {
	case svc := <-found:
		return svc, nil
	case <-c.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrQueryTimeout, name)
	}
	return nil, ctx.Err()
}

// Enumerates the service types in a domain, using the meta-query.
//
// RFC 6763 Section 9: Service Type Enumeration.
func (c *Client) BrowseTypes(domain string, cb func(Op, *Type)) (*Query, error) {
	q := Question{Name: metaQueryName(domain), Type: TypePTR, Class: ClassINET}
	return c.Query(q, func(e Event) {
		ptr, ok := e.Data.(PTR)
		if !ok {
			return
		}
		ty, err := parseTypeName(ptr.Target)
		if err != nil {
			c.log.Debug("invalid type", "err", err)
			return
		}
		cb(e.Op, ty)
	})
}
