package mdns

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func addrRecord(name string, addr string, ttl time.Duration, created time.Time) *Record {
	return &Record{
		Name:    MustParseName(name),
		Class:   ClassINET,
		TTL:     ttl,
		Created: created,
		Data:    A{Addr: netip.MustParseAddr(addr)},
	}
}

// Returns the events that are immediately available.
func pending(s *Subscription) (events []Event) {
	for {
		select {
		case e := <-s.C:
			events = append(events, e)
		default:
			return
		}
	}
}

func newTestCache() *cache {
	return newCache(func() float64 { return 0 })
}

func TestCacheTTL(t *testing.T) {
	c := newTestCache()
	rec := addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0)
	c.Put(rec)
	if got := c.Get(rec.Name, TypeA, ClassINET, t0.Add(99*time.Second)); len(got) != 1 {
		t.Fatalf("expected record at 99%% of ttl, got %v", got)
	}
	if got := c.Get(rec.Name, TypeA, ClassINET, t0.Add(101*time.Second)); len(got) != 0 {
		t.Fatalf("expected no record at 101%% of ttl, got %v", got)
	}

	sub := c.Subscribe(8, Block)
	defer sub.Close()
	c.Advance(t0.Add(101 * time.Second))
	events := pending(sub)
	if len(events) != 1 || events[0].Op != OpExpired {
		t.Fatalf("expected one expired event, got %v", events)
	}
	if !c.NextDeadline().IsZero() {
		t.Fatalf("expected empty cache")
	}
}

func TestCacheRefreshSuppression(t *testing.T) {
	c := newTestCache()
	sub := c.Subscribe(8, Block)
	defer sub.Close()

	c.Put(addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0))
	c.Put(addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0.Add(50*time.Second)))
	events := pending(sub)
	if len(events) != 1 || events[0].Op != OpAdded {
		t.Fatalf("expected a single added event, got %v", events)
	}
	// Expiry was extended by the second receipt
	if got := c.Get(MustParseName("host.local."), TypeA, ClassINET, t0.Add(120*time.Second)); len(got) != 1 {
		t.Fatalf("expected refreshed record, got %v", got)
	}
	// Case-insensitive names refer to the same entry
	c.Put(addrRecord("HOST.local.", "10.0.0.1", 100*time.Second, t0.Add(60*time.Second)))
	if events := pending(sub); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestCacheGoodbye(t *testing.T) {
	c := newTestCache()
	sub := c.Subscribe(8, Block)
	defer sub.Close()

	c.Put(addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0))
	c.Put(addrRecord("host.local.", "10.0.0.2", 100*time.Second, t0))
	bye := addrRecord("host.local.", "10.0.0.1", 0, t0.Add(time.Second))
	bye.CacheFlush = true
	c.Put(bye)
	c.Put(bye)

	events := pending(sub)
	if len(events) != 3 || events[2].Op != OpRemoved {
		t.Fatalf("expected two added and one removed event, got %v", events)
	}
	if addr := events[2].Data.(A).Addr; addr != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("removed the wrong record: %v", addr)
	}
	got := c.Get(bye.Name, TypeA, ClassINET, t0.Add(2*time.Second))
	if len(got) != 1 || got[0].Data.(A).Addr != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("expected only the other record to remain, got %v", got)
	}
}

func TestCacheFlush(t *testing.T) {
	c := newTestCache()
	sub := c.Subscribe(8, Block)
	defer sub.Close()

	old := addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0)
	c.Put(old)

	// Within the grace period, both records are kept
	first := addrRecord("host.local.", "10.0.0.2", 100*time.Second, t0.Add(500*time.Millisecond))
	first.CacheFlush = true
	c.Put(first)
	if got := c.Get(old.Name, TypeA, ClassINET, t0.Add(time.Second)); len(got) != 2 {
		t.Fatalf("expected both records within the grace period, got %v", got)
	}

	updated := addrRecord("host.local.", "10.0.0.3", 100*time.Second, t0.Add(10*time.Second))
	updated.CacheFlush = true
	c.Put(updated)

	events := pending(sub)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %v", events)
	}
	if e := events[2]; e.Op != OpUpdated || e.Previous != old || e.Record != updated {
		t.Fatalf("expected update from the oldest record, got %v", e)
	}
	if e := events[3]; e.Op != OpRemoved || e.Record != first {
		t.Fatalf("expected removal of the other flushed record, got %v", e)
	}
	if got := c.Get(old.Name, TypeA, ClassINET, t0.Add(11*time.Second)); len(got) != 1 {
		t.Fatalf("expected a single record after the flush, got %v", got)
	}
}

func TestCacheRefreshMarks(t *testing.T) {
	c := newTestCache()
	rec := addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0)
	c.Put(rec)

	if next := c.NextDeadline(); !next.Equal(t0.Add(80 * time.Second)) {
		t.Fatalf("expected first refresh at 80%%, got %v", next.Sub(t0))
	}
	if qs := c.Advance(t0.Add(79 * time.Second)); len(qs) != 0 {
		t.Fatalf("expected no refresh before 80%%, got %v", qs)
	}
	for _, mark := range []time.Duration{80, 85, 90, 95} {
		qs := c.Advance(t0.Add(mark * time.Second))
		if len(qs) != 1 || !qs[0].Name.Equal(rec.Name) || qs[0].Type != TypeA {
			t.Fatalf("expected refresh question at %d%%, got %v", mark, qs)
		}
		if qs := c.Advance(t0.Add(mark * time.Second)); len(qs) != 0 {
			t.Fatalf("expected a single refresh at %d%%, got %v", mark, qs)
		}
	}
	if next := c.NextDeadline(); !next.Equal(rec.Expiry()) {
		t.Fatalf("expected expiry deadline after all refreshes, got %v", next.Sub(t0))
	}

	// Receiving the record again resets the schedule
	c.Put(addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0.Add(96*time.Second)))
	if next := c.NextDeadline(); !next.Equal(t0.Add(176 * time.Second)) {
		t.Fatalf("expected rescheduled refresh, got %v", next.Sub(t0))
	}
}

func TestCacheMatchAny(t *testing.T) {
	c := newTestCache()
	c.Put(addrRecord("host.local.", "10.0.0.1", 100*time.Second, t0))
	c.Put(&Record{Name: MustParseName("host.local."), Class: ClassINET, TTL: 100 * time.Second, Created: t0,
		Data: HINFO{CPU: "ARM", OS: "Linux"}})
	c.Put(addrRecord("other.local.", "10.0.0.2", 100*time.Second, t0))

	got := c.Match(Question{Name: MustParseName("host.local."), Type: TypeANY, Class: ClassINET}, t0)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %v", got)
	}
	if !c.HasName(MustParseName("other.local."), t0) || c.HasName(MustParseName("none.local."), t0) {
		t.Fatalf("unexpected HasName result")
	}
	c.Remove(MustParseName("host.local."), TypeA, ClassINET)
	if got := c.Get(MustParseName("host.local."), TypeA, ClassINET, t0); len(got) != 0 {
		t.Fatalf("expected removed records, got %v", got)
	}
}

func TestSubscriptionDropOldest(t *testing.T) {
	c := newTestCache()
	sub := c.Subscribe(2, DropOldest)
	for i, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		c.Put(addrRecord("host.local.", addr, 100*time.Second, t0.Add(time.Duration(i)*time.Millisecond)))
	}
	events := pending(sub)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", events)
	}
	if addr := events[0].Data.(A).Addr; addr != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("expected the oldest event to be dropped, got %v", addr)
	}
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
	// Publishing without subscribers doesn't block
	c.Put(addrRecord("host.local.", "10.0.0.4", 100*time.Second, t0))
}

// A subscriber that doesn't keep up stalls writers, but never readers.
func TestCacheBlockedSubscriber(t *testing.T) {
	c := newTestCache()
	sub := c.Subscribe(1, Block)
	c.Put(addrRecord("a.local.", "10.0.0.1", time.Minute, t0))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Put(addrRecord("b.local.", "10.0.0.2", time.Minute, t0))
	}()
	go func() {
		defer wg.Done()
		c.Expire(t0.Add(time.Hour))
	}()
	time.Sleep(50 * time.Millisecond)

	read := make(chan struct{})
	go func() {
		c.Get(MustParseName("a.local."), TypeA, ClassINET, t0)
		c.Match(Question{Name: MustParseName("b.local."), Type: TypeANY, Class: ClassINET}, t0)
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader blocked behind a full subscriber")
	}

	var events []Event
	consumed := make(chan struct{})
	go func() {
		for e := range sub.C {
			events = append(events, e)
		}
		close(consumed)
	}()
	wg.Wait()
	sub.Close()
	<-consumed

	// Each record is added before it expires
	added := map[string]bool{}
	for _, e := range events {
		switch e.Op {
		case OpAdded:
			added[e.Name.String()] = true
		case OpExpired:
			if !added[e.Name.String()] {
				t.Fatalf("expiry before addition: %v", events)
			}
		}
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 additions, got %v", events)
	}
}

func TestCacheFloodWhileExpiring(t *testing.T) {
	const n = 1000
	c := newTestCache()
	sub := c.Subscribe(256, Block)

	var added int
	consumed := make(chan struct{})
	go func() {
		for e := range sub.C {
			// Readers of the cache are allowed while consuming
			c.Match(Question{Name: e.Name, Type: TypeA, Class: ClassINET}, t0)
			if e.Op == OpAdded {
				added++
			}
		}
		close(consumed)
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			c.Put(addrRecord(fmt.Sprintf("host-%d.local.", i), "10.0.0.1", time.Second, t0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n/10; i++ {
			c.Advance(t0.Add(2 * time.Second))
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("cache stalled")
	}
	sub.Close()
	<-consumed
	if added != n {
		t.Fatalf("expected %d additions, got %d", n, added)
	}
}
