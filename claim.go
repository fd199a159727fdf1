package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// The lifecycle state of a claimed name.
type ClaimState int

const (
	// Checking that the name is unused, with up to three probe queries.
	StateProbing ClaimState = iota

	// Sending unsolicited responses. Matching questions are answered.
	StateAnnouncing

	// Defending the name and answering questions.
	StateAnnounced

	// Another host asserts the name, which is about to be renamed.
	StateConflict

	// Sending goodbye records.
	StateWithdrawing

	// Terminal, no further network activity.
	StateClosed
)

func (s ClaimState) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateAnnouncing:
		return "announcing"
	case StateAnnounced:
		return "announced"
	case StateConflict:
		return "conflict"
	case StateWithdrawing:
		return "withdrawing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Receives notifications about a claim. Methods are called from the claim's own goroutine.
type ClaimListener interface {
	// The name was taken by another host, and the claim continues under a new name.
	NameConflict(from, to Name)

	// The claim failed and is closed.
	RegistrationFailed(name Name, err error)
}

// Optionally implemented by a ClaimListener to observe state transitions.
type StateListener interface {
	StateChanged(name Name, state ClaimState)
}

type nopListener struct{}

func (nopListener) NameConflict(from, to Name)              {}
func (nopListener) RegistrationFailed(name Name, err error) {}

// A consistent snapshot of a claim, read by the responder without locks.
type claimView struct {
	state   ClaimState
	name    Name
	records []*Record
}

// Records owned by the claimed name. These are probed for and defended.
func (v *claimView) owned() (recs []*Record) {
	for _, rec := range v.records {
		if rec.Name.Equal(v.name) {
			recs = append(recs, rec)
		}
	}
	return
}

// Returns true if the view holds the same data as rec.
func (v *claimView) holds(rec *Record) bool {
	for _, own := range v.records {
		if own.SameData(rec) {
			return true
		}
	}
	return false
}

type claim struct {
	id       uint64
	c        *Client
	host     bool
	build    func(Name) []*Record
	listener ClaimListener
	log      *slog.Logger

	view atomic.Pointer[claimView]

	// Signals from the responder, carrying the name they were raised for, buffered by one.
	conflict chan Name
	deferc   chan Name

	reannounce chan struct{}

	withdraw     chan struct{}
	withdrawOnce sync.Once

	ready     chan error
	readyOnce sync.Once
	done      chan struct{}
	closeErr  error

	// Owned by the run loop.
	probes    int
	announces int
	renames   int
	announced bool // reached StateAnnounced at least once
	exposed   bool // records may be cached by others
}

func (c *Client) newClaim(name Name, host bool, build func(Name) []*Record, l ClaimListener) *claim {
	if l == nil {
		l = nopListener{}
	}
	id := c.ids.Add(1)
	cl := &claim{
		id:         id,
		c:          c,
		host:       host,
		build:      build,
		listener:   l,
		log:        c.log.With("task", fmt.Sprintf("claim-%d", id)),
		conflict:   make(chan Name, 1),
		deferc:     make(chan Name, 1),
		reannounce: make(chan struct{}, 1),
		withdraw:   make(chan struct{}),
		ready:      make(chan error, 1),
		done:       make(chan struct{}),
	}
	cl.view.Store(&claimView{state: StateProbing, name: name, records: cl.records(name)})
	return cl
}

// Builds the record set for a name. Records owned by the name are unique.
func (cl *claim) records(name Name) []*Record {
	recs := cl.build(name)
	for i, rec := range recs {
		if rec.Name.Equal(name) && !rec.CacheFlush {
			unique := *rec
			unique.CacheFlush = true
			recs[i] = &unique
		}
	}
	return recs
}

func (cl *claim) setState(state ClaimState) {
	old := cl.view.Load()
	if old.state == state {
		return
	}
	cl.view.Store(&claimView{state: state, name: old.name, records: old.records})
	cl.log.Debug("state changed", "name", old.name, "state", state)
	if sl, ok := cl.listener.(StateListener); ok {
		sl.StateChanged(old.name, state)
	}
}

func signal[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func drain[T any](ch chan T) {
	select {
	case <-ch:
	default:
	}
}

type wakeReason int

const (
	wakeTimer wakeReason = iota
	wakeConflict
	wakeDefer
	wakeReannounce
	wakeWithdraw
)

// Waits for a duration, or forever if negative, unless interrupted by a signal. Signals raised
// for a previous name are ignored.
func (cl *claim) wait(ctx context.Context, d time.Duration) wakeReason {
	var timeout <-chan time.Time
	if d >= 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-timeout:
			return wakeTimer
		case name := <-cl.conflict:
			if cl.current(name) {
				return wakeConflict
			}
		case name := <-cl.deferc:
			if cl.current(name) {
				return wakeDefer
			}
		case <-cl.reannounce:
			return wakeReannounce
		case <-cl.withdraw:
			return wakeWithdraw
		case <-ctx.Done():
			return wakeWithdraw
		}
	}
}

func (cl *claim) current(name Name) bool {
	return cl.view.Load().name.Equal(name)
}

func (cl *claim) run(ctx context.Context) {
	defer close(cl.done)
	state := StateProbing
	if sl, ok := cl.listener.(StateListener); ok {
		sl.StateChanged(cl.view.Load().name, state)
	}
	for state != StateClosed {
		switch state {
		case StateProbing:
			state = cl.probe(ctx)
		case StateConflict:
			state = cl.resolveConflict()
		case StateAnnouncing:
			state = cl.announce(ctx)
		case StateAnnounced:
			state = cl.hold(ctx)
		case StateWithdrawing:
			state = cl.goodbye()
		}
		cl.setState(state)
	}
	cl.c.resp.remove(cl)
	cl.setReady(ErrClosed)
}

func (cl *claim) setReady(err error) {
	cl.readyOnce.Do(func() {
		cl.ready <- err
	})
}

func (cl *claim) fail(err error) ClaimState {
	name := cl.view.Load().name
	err = fmt.Errorf("%w: %v: %w", ErrRegistrationFailed, name, err)
	cl.log.Warn("claim failed", "name", name, "err", err)
	cl.listener.RegistrationFailed(name, err)
	cl.setReady(err)
	return StateClosed
}

// RFC 6762 Section 8.1: probe three times, 250 ms apart, after a random delay of up to 250 ms.
func (cl *claim) probe(ctx context.Context) ClaimState {
	t := cl.c.timing
	delay := time.Duration(rand.Int63n(int64(t.probeDelay) + 1))
	cl.probes = 0
	for {
		switch cl.wait(ctx, delay) {
		case wakeConflict:
			return StateConflict
		case wakeDefer:
			// RFC 6762 Section 8.2: lost a simultaneous probe tiebreak, start over
			cl.log.Debug("deferring to another prober", "name", cl.view.Load().name)
			cl.probes = 0
			delay = t.probeDefer
			continue
		case wakeReannounce:
			continue
		case wakeWithdraw:
			return StateWithdrawing
		}
		if cl.probes == probeCount {
			return StateAnnouncing
		}
		if err := cl.sendProbe(); err != nil {
			return cl.fail(err)
		}
		cl.probes++
		delay = t.probeInterval
	}
}

func (cl *claim) sendProbe() error {
	v := cl.view.Load()
	msg := &Message{
		Questions: []Question{{Name: v.name, Type: TypeANY, Class: ClassINET}},
	}
	for _, rec := range v.owned() {
		proposed := *rec
		proposed.CacheFlush = false
		msg.Authorities = append(msg.Authorities, &proposed)
	}
	return cl.c.send(msg, netip.AddrPort{})
}

// RFC 6762 Section 8.3: send at least two unsolicited responses, one second apart, where the
// interval doubles for any subsequent responses.
func (cl *claim) announce(ctx context.Context) ClaimState {
	interval := cl.c.timing.announceInterval
	for cl.announces = 0; cl.announces < announceCount; cl.announces++ {
		if cl.announces > 0 {
			reason := cl.wait(ctx, interval)
			for reason == wakeDefer {
				reason = cl.wait(ctx, interval)
			}
			switch reason {
			case wakeConflict:
				return StateConflict
			case wakeWithdraw:
				return StateWithdrawing
			case wakeReannounce:
				cl.announces = 0
			}
			interval *= 2
		}
		err := cl.sendRecords(false)
		if err != nil && !cl.announced {
			return cl.fail(err)
		} else if err != nil {
			cl.log.Debug("announcement failed", "err", err)
		}
		cl.exposed = true
	}
	cl.announced = true
	cl.setState(StateAnnounced)
	cl.setReady(nil)
	return StateAnnounced
}

func (cl *claim) hold(ctx context.Context) ClaimState {
	for {
		switch cl.wait(ctx, -1) {
		case wakeConflict:
			return StateConflict
		case wakeReannounce:
			// Addresses may have changed
			v := cl.view.Load()
			cl.view.Store(&claimView{state: v.state, name: v.name, records: cl.records(v.name)})
			return StateAnnouncing
		case wakeWithdraw:
			return StateWithdrawing
		}
	}
}

// RFC 6762 Section 9: choose a new name and probe again.
func (cl *claim) resolveConflict() ClaimState {
	old := cl.view.Load().name
	if cl.exposed {
		if err := cl.sendRecords(true); err != nil {
			cl.log.Debug("goodbye failed", "err", err)
		}
		cl.exposed = false
	}
	cl.renames++
	if cl.renames > maxRenames {
		return cl.fail(fmt.Errorf("%w: gave up after %d renames", ErrNameConflict, maxRenames))
	}
	name, err := cl.nextFreeName(old)
	if err != nil {
		return cl.fail(err)
	}
	drain(cl.conflict)
	drain(cl.deferc)
	cl.view.Store(&claimView{state: StateConflict, name: name, records: cl.records(name)})
	cl.log.Info("name conflict, renamed", "from", old, "to", name)
	cl.listener.NameConflict(old, name)
	return StateProbing
}

// Returns the first disambiguated name that is not claimed locally and not in the cache.
func (cl *claim) nextFreeName(old Name) (Name, error) {
	base, n := splitSuffix(old.First(), cl.host)
	for ; ; n++ {
		name, err := old.withFirst(formatSuffix(base, n, cl.host))
		if err != nil {
			return Name{}, err
		}
		if !cl.c.resp.taken(name, cl) && !cl.c.cache.HasName(name, time.Now()) {
			return name, nil
		}
	}
}

func (cl *claim) goodbye() ClaimState {
	if cl.exposed {
		cl.closeErr = cl.sendRecords(true)
		cl.exposed = false
	}
	return StateClosed
}

// Sends the full record set as an unsolicited response. Goodbyes have zero TTL.
//
// RFC 6762 Section 10.1: Goodbye Packets.
func (cl *claim) sendRecords(goodbye bool) error {
	v := cl.view.Load()
	msg := &Message{Response: true, Authoritative: true}
	for _, rec := range v.records {
		if goodbye {
			rec = rec.withTTL(0)
		}
		msg.Answers = append(msg.Answers, rec)
	}
	return cl.c.send(msg, netip.AddrPort{})
}

func (cl *claim) close() error {
	cl.withdrawOnce.Do(func() {
		close(cl.withdraw)
	})
	<-cl.done
	return cl.closeErr
}

// A Registration is a claimed name and its records, which are defended and answered for until
// the registration is closed.
type Registration struct {
	cl  *claim
	svc *Service
}

// The current name, which changes if the original name was taken.
func (r *Registration) Name() Name {
	return r.cl.view.Load().name
}

func (r *Registration) State() ClaimState {
	return r.cl.view.Load().state
}

func (r *Registration) Records() []*Record {
	return r.cl.view.Load().records
}

// Returns the published service, with its current instance name. Nil unless the registration
// was created with Client.Publish.
func (r *Registration) Service() *Service {
	if r.svc == nil {
		return nil
	}
	svc := *r.svc
	svc.Name = r.Name().First()
	return &svc
}

// Announces the records again, e.g. after a network change.
func (r *Registration) Reannounce() {
	signal(r.cl.reannounce, struct{}{})
}

// Withdraws the records with goodbye packets, and waits until the claim is closed. Safe to call
// multiple times.
func (r *Registration) Close() error {
	return r.cl.close()
}

// Claims a name and announces its records, per RFC 6762 Section 8. Records owned by the name are
// probed for and defended. Other records, like PTRs pointing to the name, are announced and
// answered for, but not defended.
//
// Register returns once the records are announced. If the name is taken, the claim continues
// under a new name, see Registration.Name. If the claim fails, an error wrapping
// ErrRegistrationFailed is returned.
func (c *Client) Register(ctx context.Context, name Name, records []*Record, l ClaimListener) (*Registration, error) {
	if name.IsRoot() {
		return nil, errors.New("cannot claim the root name")
	}
	original := name
	build := func(name Name) []*Record {
		recs := make([]*Record, 0, len(records))
		for _, rec := range records {
			recs = append(recs, renameRecord(rec, original, name))
		}
		return recs
	}
	reg, err := c.startClaim(name, isHostRecordSet(name, records), build, l, nil)
	if err != nil {
		return nil, err
	}
	if err := reg.wait(ctx); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registration) wait(ctx context.Context) error {
	select {
	case err := <-r.cl.ready:
		return err
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	}
}

func (c *Client) startClaim(name Name, host bool, build func(Name) []*Record, l ClaimListener, svc *Service) (*Registration, error) {
	cl := c.newClaim(name, host, build, l)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.resp.add(cl)
	c.tasks.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.tasks.Done()
		cl.run(c.ctx)
	}()
	return &Registration{cl: cl, svc: svc}, nil
}

// Host names are renamed with a dash, since they can't contain spaces.
func isHostRecordSet(name Name, records []*Record) bool {
	host := false
	for _, rec := range records {
		if !rec.Name.Equal(name) {
			continue
		}
		if t := rec.Type(); t != TypeA && t != TypeAAAA {
			return false
		}
		host = true
	}
	return host
}
