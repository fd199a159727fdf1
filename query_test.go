package mdns

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestNextQueryInterval(t *testing.T) {
	ceiling := 60 * time.Minute
	d := time.Second
	expect := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := 0; i < 20; i++ {
		if i < len(expect) && d != expect[i] {
			t.Fatalf("interval %d: expected %v, got %v", i, expect[i], d)
		}
		next := nextQueryInterval(d, ceiling)
		if next > ceiling || next < d {
			t.Fatalf("interval %d: unexpected next interval %v after %v", i, next, d)
		}
		d = next
	}
	if d != ceiling {
		t.Fatalf("expected the ceiling to be reached, got %v", d)
	}
}

func TestQueryNotify(t *testing.T) {
	var got []Event
	pq := &pendingQuery{
		listener: func(e Event) { got = append(got, e) },
		seen:     make(map[string]*Record),
		done:     make(chan struct{}),
	}
	pq.active.Store(true)

	a := addrRecord("host.local.", "10.0.0.1", time.Minute, t0)
	b := addrRecord("host.local.", "10.0.0.2", time.Minute, t0)
	pq.notify(Event{Op: OpAdded, Record: a})
	pq.notify(Event{Op: OpAdded, Record: a}) // replayed from the cache
	pq.notify(Event{Op: OpUpdated, Record: b, Previous: a})
	pq.notify(Event{Op: OpExpired, Record: a}) // no longer seen
	pq.notify(Event{Op: OpExpired, Record: b})
	pq.notify(Event{Op: OpRemoved, Record: b})

	ops := []Op{OpAdded, OpUpdated, OpRemoved}
	if len(got) != len(ops) {
		t.Fatalf("expected %d events, got %v", len(ops), got)
	}
	for i, op := range ops {
		if got[i].Op != op {
			t.Fatalf("event %d: expected %v, got %v", i, op, got[i])
		}
	}

	// An update of an unseen record is an addition
	pq.notify(Event{Op: OpUpdated, Record: a, Previous: b})
	if e := got[len(got)-1]; e.Op != OpAdded || e.Previous != nil {
		t.Fatalf("expected an added event, got %v", e)
	}

	pq.stop()
	pq.stop()
	pq.notify(Event{Op: OpAdded, Record: b})
	if len(got) != 4 {
		t.Fatalf("expected no events after stop, got %v", got)
	}
}

// Collects events from a query listener.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(op Op) (n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Op == op {
			n++
		}
	}
	return
}

func hostRecords(name string, addr string) []*Record {
	return []*Record{{
		Name:  MustParseName(name),
		Class: ClassINET,
		TTL:   hostRecordTTL,
		Data:  A{Addr: netip.MustParseAddr(addr)},
	}}
}

func TestQueryGoodbye(t *testing.T) {
	var n memNet
	owner, _ := n.open(t)
	querier, _ := n.open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := owner.Register(ctx, MustParseName("lamp.local."), hostRecords("lamp.local.", "10.0.0.42"), nil)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	var log eventLog
	q, err := querier.Query(Question{Name: MustParseName("lamp.local."), Type: TypeA}, log.add)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer q.Cancel()
	eventually(t, "record to be added", func() bool { return log.count(OpAdded) == 1 })

	if err := reg.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	eventually(t, "record to be removed", func() bool { return log.count(OpRemoved) == 1 })
	time.Sleep(100 * time.Millisecond)
	if log.count(OpAdded) != 1 || log.count(OpRemoved) != 1 {
		t.Fatalf("expected exactly one addition and removal, got %v", log.events)
	}
	if recs := querier.Lookup(Question{Name: MustParseName("lamp.local."), Type: TypeA}); len(recs) != 0 {
		t.Fatalf("expected empty cache, got %v", recs)
	}
}

func TestQueryKnownAnswers(t *testing.T) {
	var n memNet
	owner, ownerEp := n.open(t)
	querier, querierEp := n.open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := owner.Register(ctx, MustParseName("lamp.local."), hostRecords("lamp.local.", "10.0.0.42"), nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	rec, err := querier.Resolve(ctx, Question{Name: MustParseName("lamp.local."), Type: TypeA})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if addr := rec.Data.(A).Addr; addr != netip.MustParseAddr("10.0.0.42") {
		t.Fatalf("unexpected address %v", addr)
	}

	// Let answers to the first query settle
	time.Sleep(100 * time.Millisecond)
	isAnswer := func(m *Message) bool {
		return m.Response && len(m.Questions) == 0 && len(m.Answers) == 1 && m.Answers[0].Type() == TypeA
	}
	answers := len(ownerEp.sentWhere(isAnswer))

	// Subsequent queries carry the cached record, which suppresses the answer
	q, err := querier.Query(Question{Name: MustParseName("lamp.local."), Type: TypeA}, func(Event) {})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer q.Cancel()
	eventually(t, "repeated queries", func() bool {
		return len(querierEp.sentWhere(func(m *Message) bool {
			return !m.Response && len(m.Answers) == 1
		})) >= 2
	})
	if got := len(ownerEp.sentWhere(isAnswer)); got != answers {
		t.Fatalf("expected no further answers, got %d more", got-answers)
	}
}

func TestKnownAnswersSkipUnknownTypes(t *testing.T) {
	var n memNet
	querier, querierEp := n.open(t)
	raw := n.raw(t, mdnsPort)
	name := MustParseName("gadget.local.")

	raw.sendMessage(t, &Message{Response: true, Answers: []*Record{
		{Name: name, Class: ClassINET, TTL: time.Minute, Data: Unknown{T: RRType(65280), Raw: []byte{0xc0, 12}}},
		{Name: name, Class: ClassINET, TTL: time.Minute, Data: A{Addr: netip.MustParseAddr("10.0.0.7")}},
	}}, netip.AddrPort{})
	eventually(t, "records to be cached", func() bool {
		return len(querier.Lookup(Question{Name: name, Type: TypeANY})) == 2
	})

	q, err := querier.Query(Question{Name: name, Type: TypeANY}, func(Event) {})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer q.Cancel()
	queries := querierEp.sentWhere(func(m *Message) bool {
		return !m.Response && len(m.Questions) == 1 && m.Questions[0].Name.Equal(name)
	})
	if len(queries) == 0 {
		t.Fatalf("expected a query")
	}
	known := queries[0].Answers
	if len(known) != 1 || known[0].Type() != TypeA {
		t.Fatalf("expected only the A record as known answer, got %v", known)
	}
}

func TestResolveTimeout(t *testing.T) {
	var n memNet
	c, _ := n.open(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, Question{Name: MustParseName("nobody.local."), Type: TypeA})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if _, err := c.Resolve(ctx, Question{Name: MustParseName("nobody.local."), Type: TypeA}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestQueryAfterClose(t *testing.T) {
	var n memNet
	c, _ := n.open(t)
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := c.Query(Question{Name: MustParseName("x.local."), Type: TypeA}, func(Event) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestQuerySendFailure(t *testing.T) {
	var n memNet
	c, ep := n.open(t)
	ep.failSend.Store(true)
	if _, err := c.Query(Question{Name: MustParseName("x.local."), Type: TypeA}, func(Event) {}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
