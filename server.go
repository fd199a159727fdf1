package mdns

import (
	"bytes"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// RFC 6762 Section 6.7: responses to legacy unicast queries (source port other than 5353) must
// not have TTLs greater than 10 seconds.
const legacyTTL = 10 * time.Second

// The responder answers questions for claimed names and watches traffic for conflicts.
type responder struct {
	c   *Client
	log *slog.Logger

	mu     sync.Mutex
	claims map[uint64]*claim
}

func newResponder(c *Client, log *slog.Logger) *responder {
	return &responder{
		c:      c,
		log:    log,
		claims: make(map[uint64]*claim),
	}
}

func (r *responder) add(cl *claim) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[cl.id] = cl
}

func (r *responder) remove(cl *claim) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, cl.id)
}

func (r *responder) all() []*claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	claims := make([]*claim, 0, len(r.claims))
	for _, cl := range r.claims {
		claims = append(claims, cl)
	}
	return claims
}

// Returns true if a claim other than self holds the name.
func (r *responder) taken(name Name, self *claim) bool {
	for _, cl := range r.all() {
		if cl != self && cl.view.Load().name.Equal(name) {
			return true
		}
	}
	return false
}

// Returns the records that may be used for answers: those of announcing and announced claims.
func (r *responder) records() (recs []*Record) {
	for _, cl := range r.all() {
		v := cl.view.Load()
		if v.state == StateAnnouncing || v.state == StateAnnounced {
			recs = append(recs, v.records...)
		}
	}
	return
}

// RFC 6762 Section 9: a response with a record for a claimed name, but with different data,
// is a conflict. While probing, any record for the name is a conflict.
func (r *responder) inspectResponse(msg *Message) {
	for _, cl := range r.all() {
		v := cl.view.Load()
		if v.state == StateConflict || v.state == StateWithdrawing || v.state == StateClosed {
			continue
		}
		if conflicts(v, msg.Answers) || conflicts(v, msg.Additionals) {
			r.log.Debug("conflicting response", "name", v.name, "state", v.state)
			signal(cl.conflict, v.name)
		}
	}
}

func conflicts(v *claimView, recs []*Record) bool {
	owned := v.owned()
	for _, rec := range recs {
		if rec.TTL == 0 || !rec.Name.Equal(v.name) || v.holds(rec) {
			continue
		}
		if v.state == StateProbing {
			return true
		}
		if slices.ContainsFunc(owned, func(own *Record) bool {
			return own.Type() == rec.Type() && own.Class == rec.Class
		}) {
			return true
		}
	}
	return false
}

// RFC 6762 Section 8.2: when two hosts probe for the same name simultaneously, the proposed
// records are compared and the lexicographically later set wins.
func (r *responder) inspectQuery(msg *Message) {
	if !msg.IsProbe() {
		return
	}
	for _, cl := range r.all() {
		v := cl.view.Load()
		if v.state != StateProbing {
			continue
		}
		var theirs []*Record
		for _, rec := range msg.Authorities {
			if rec.Name.Equal(v.name) {
				theirs = append(theirs, rec)
			}
		}
		if len(theirs) == 0 {
			continue
		}
		if compareRecordSets(v.owned(), theirs) < 0 {
			r.log.Debug("lost probe tiebreak", "name", v.name)
			signal(cl.deferc, v.name)
		}
	}
}

// Compares record sets by class, type and rdata, after sorting them in the same order. A set
// that is a prefix of the other compares lower.
func compareRecordSets(a, b []*Record) int {
	a, b = sortedForTiebreak(a), sortedForTiebreak(b)
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareForTiebreak(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func sortedForTiebreak(recs []*Record) []*Record {
	recs = slices.Clone(recs)
	slices.SortFunc(recs, compareForTiebreak)
	return recs
}

func compareForTiebreak(a, b *Record) int {
	if a.Class != b.Class {
		return int(a.Class) - int(b.Class)
	}
	if a.Type() != b.Type() {
		return int(a.Type()) - int(b.Type())
	}
	return bytes.Compare(rdata(a), rdata(b))
}

// Answers a query. Multicast and unicast answers are sent in one response each.
func (r *responder) answer(msg *Message, src netip.AddrPort) {
	if msg.Response || len(msg.Questions) == 0 {
		return
	}
	records := r.records()
	if len(records) == 0 {
		return
	}
	legacy := src.IsValid() && src.Port() != mdnsPort

	var mcast, ucast []*Record
	for _, q := range msg.Questions {
		answers := answerTo(records, msg.Answers, q)
		if q.Unicast || legacy {
			ucast = appendUnique(ucast, answers...)
		} else {
			mcast = appendUnique(mcast, answers...)
		}
	}
	if len(mcast) > 0 {
		resp := &Message{Response: true, Authoritative: true, Answers: mcast}
		resp.Additionals = extraRecords(records, mcast)
		if err := r.c.send(resp, netip.AddrPort{}); err != nil {
			r.log.Debug("responding failed", "err", err)
		}
	}
	if len(ucast) > 0 && src.IsValid() {
		resp := &Message{Response: true, Authoritative: true, Answers: ucast}
		resp.Additionals = extraRecords(records, ucast)
		if legacy {
			// RFC 6762 Section 6.7: legacy queriers need the question and ID repeated
			resp.ID, resp.Questions = msg.ID, msg.Questions
			capTTLs(resp.Answers, legacyTTL)
			capTTLs(resp.Additionals, legacyTTL)
		}
		if err := r.c.send(resp, src); err != nil {
			r.log.Debug("responding failed", "err", err, "dst", src)
		}
	}
}

func capTTLs(recs []*Record, ttl time.Duration) {
	for i, rec := range recs {
		if rec.TTL > ttl {
			recs[i] = rec.withTTL(ttl)
		}
	}
}

func appendUnique(recs []*Record, more ...*Record) []*Record {
	for _, rec := range more {
		if !slices.Contains(recs, rec) {
			recs = append(recs, rec)
		}
	}
	return recs
}
