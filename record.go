package mdns

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"
)

// A resource record type, e.g. TypeA or TypePTR.
type RRType uint16

const (
	TypeA     = RRType(dns.TypeA)
	TypePTR   = RRType(dns.TypePTR)
	TypeHINFO = RRType(dns.TypeHINFO)
	TypeTXT   = RRType(dns.TypeTXT)
	TypeAAAA  = RRType(dns.TypeAAAA)
	TypeSRV   = RRType(dns.TypeSRV)
	TypeNSEC  = RRType(dns.TypeNSEC)
	TypeANY   = RRType(dns.TypeANY)
)

func (t RRType) String() string {
	if s, ok := dns.TypeToString[uint16(t)]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

// A resource record class, without the cache-flush or unicast-response bit.
type Class uint16

const (
	ClassINET = Class(dns.ClassINET)
	ClassANY  = Class(dns.ClassANY)
)

func (c Class) String() string {
	if s, ok := dns.ClassToString[uint16(c)]; ok {
		return s
	}
	return fmt.Sprintf("CLASS%d", uint16(c))
}

// RFC 6762 Section 10.2: the top bit of the rrclass of a record is the cache-flush bit.
// RFC 6762 Section 18.12: the top bit of the qclass of a question requests a unicast response.
const topClassBit = 1 << 15

// A resource record. Records are treated as immutable once they have been handed to a Client:
// the same record is shared between the cache, listeners and the responder.
type Record struct {
	Name Name

	// Normally ClassINET.
	Class Class

	// Set on unique records: tells receivers to replace rather than add to cached data.
	CacheFlush bool

	// Remaining life relative to Created. A zero TTL is a "goodbye" record.
	TTL time.Duration

	// Time of receipt. Zero for locally originated records.
	Created time.Time

	Data RData
}

func (r *Record) Type() RRType {
	return r.Data.Type()
}

func (r *Record) Expiry() time.Time {
	return r.Created.Add(r.TTL)
}

// Remaining life at the given time, never negative.
func (r *Record) Remaining(now time.Time) time.Duration {
	return max(0, r.Expiry().Sub(now))
}

// Returns true if both records have the same name, type, class and rdata. TTL, creation time and
// the cache-flush bit are not compared.
func (r *Record) SameData(o *Record) bool {
	return r.Class == o.Class && r.Name.Equal(o.Name) && r.Data.equal(o.Data)
}

// Like SameData, but also compares TTL and cache-flush bit.
func (r *Record) Equal(o *Record) bool {
	return r.SameData(o) && r.TTL == o.TTL && r.CacheFlush == o.CacheFlush
}

// Returns a copy with a different TTL.
func (r *Record) withTTL(ttl time.Duration) *Record {
	c := *r
	c.TTL = ttl
	return &c
}

// Identity of a record instance for deduplication: name, type, class and rdata.
func (r *Record) dataKey() string {
	return fmt.Sprintf("%s/%d/%d/%x", r.Name.key(), r.Type(), r.Class, rdata(r))
}

func (r *Record) String() string {
	return toRR(r).String()
}

// The type-specific payload of a record. The set of implementations is closed: A, AAAA, PTR,
// SRV, TXT, HINFO and Unknown.
type RData interface {
	Type() RRType
	equal(RData) bool
}

type A struct {
	Addr netip.Addr
}

func (A) Type() RRType { return TypeA }

func (d A) equal(o RData) bool {
	od, ok := o.(A)
	return ok && d.Addr == od.Addr
}

type AAAA struct {
	Addr netip.Addr
}

func (AAAA) Type() RRType { return TypeAAAA }

func (d AAAA) equal(o RData) bool {
	od, ok := o.(AAAA)
	return ok && d.Addr == od.Addr
}

// A pointer to another name. Used by DNS-SD to enumerate service instances.
type PTR struct {
	Target Name
}

func (PTR) Type() RRType { return TypePTR }

func (d PTR) equal(o RData) bool {
	od, ok := o.(PTR)
	return ok && d.Target.Equal(od.Target)
}

// Service location. Priority and weight are always zero on the wire.
type SRV struct {
	Port   uint16
	Target Name
}

func (SRV) Type() RRType { return TypeSRV }

func (d SRV) equal(o RData) bool {
	od, ok := o.(SRV)
	return ok && d.Port == od.Port && d.Target.Equal(od.Target)
}

// An ordered list of strings, typically `key=value` pairs. An empty list is encoded as a single
// empty string (RFC 6763 Section 6.1), so nil and [""] are considered equal.
type TXT struct {
	Text []string
}

func (TXT) Type() RRType { return TypeTXT }

func (d TXT) equal(o RData) bool {
	od, ok := o.(TXT)
	return ok && slices.Equal(d.normalized(), od.normalized())
}

func (d TXT) normalized() []string {
	if len(d.Text) == 1 && d.Text[0] == "" {
		return nil
	}
	return d.Text
}

type HINFO struct {
	CPU, OS string
}

func (HINFO) Type() RRType { return TypeHINFO }

func (d HINFO) equal(o RData) bool {
	od, ok := o.(HINFO)
	return ok && d == od
}

// Any other type, kept as opaque bytes. Names within the payload are not decompressed, so the
// bytes are only meaningful relative to the message they were received in. Received Unknown
// records are not sent again, e.g. as known answers.
type Unknown struct {
	T   RRType
	Raw []byte
}

func (d Unknown) Type() RRType { return d.T }

func (d Unknown) equal(o RData) bool {
	od, ok := o.(Unknown)
	return ok && d.T == od.T && slices.Equal(d.Raw, od.Raw)
}

// Replaces a name as owner and as target of PTR and SRV records. Returns the record itself if
// nothing changed.
func renameRecord(r *Record, from, to Name) *Record {
	c := *r
	changed := false
	if c.Name.Equal(from) {
		c.Name, changed = to, true
	}
	switch d := c.Data.(type) {
	case PTR:
		if d.Target.Equal(from) {
			c.Data, changed = PTR{Target: to}, true
		}
	case SRV:
		if d.Target.Equal(from) {
			c.Data, changed = SRV{Port: d.Port, Target: to}, true
		}
	}
	if !changed {
		return r
	}
	return &c
}

// A question, asking for records of a name, type and class.
type Question struct {
	Name  Name
	Type  RRType
	Class Class

	// Set to request a unicast response ("QU" question).
	Unicast bool
}

// Returns true if the record answers the question.
func (q Question) Matches(r *Record) bool {
	return (q.Type == TypeANY || q.Type == r.Type()) &&
		(q.Class == ClassANY || q.Class == r.Class) &&
		q.Name.Equal(r.Name)
}

func (q Question) String() string {
	return fmt.Sprintf("%v %v %v", q.Name, q.Class, q.Type)
}
