package mdns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"
)

// This file implements the DNS message format from RFC 1035 Section 4, as profiled by RFC 6762.
// Encoding goes through miekg/dns. Decoding is done here, since compression pointers must point
// backwards.

const (
	headerLen = 12

	// Two top bits of a length octet mark a compression pointer.
	pointerMask = 0xC0
)

// A DNS message: header, questions and three record sections.
type Message struct {
	ID uint16

	Response           bool
	Opcode             uint8
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	RCode              uint8

	Questions   []Question
	Answers     []*Record
	Authorities []*Record
	Additionals []*Record
}

// Returns true if this is a probe, i.e. a query with proposed records in the authority section.
func (m *Message) IsProbe() bool {
	return !m.Response && len(m.Questions) > 0 && len(m.Authorities) > 0
}

func (m *Message) flags() (f uint16) {
	if m.Response {
		f |= 1 << 15
	}
	f |= uint16(m.Opcode&0xF) << 11
	if m.Authoritative {
		f |= 1 << 10
	}
	if m.Truncated {
		f |= 1 << 9
	}
	if m.RecursionDesired {
		f |= 1 << 8
	}
	if m.RecursionAvailable {
		f |= 1 << 7
	}
	f |= uint16(m.RCode & 0xF)
	return
}

func (m *Message) setFlags(f uint16) {
	m.Response = f&(1<<15) != 0
	m.Opcode = uint8(f>>11) & 0xF
	m.Authoritative = f&(1<<10) != 0
	m.Truncated = f&(1<<9) != 0
	m.RecursionDesired = f&(1<<8) != 0
	m.RecursionAvailable = f&(1<<7) != 0
	m.RCode = uint8(f & 0xF)
}

// Encodes the message to wire format, with name compression.
func (m *Message) Pack() ([]byte, error) {
	return m.pack(true)
}

func (m *Message) pack(compress bool) ([]byte, error) {
	for _, c := range []int{len(m.Questions), len(m.Answers), len(m.Authorities), len(m.Additionals)} {
		if c > math.MaxUint16 {
			return nil, errors.New("too many entries in section")
		}
	}
	msg := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:                 m.ID,
			Response:           m.Response,
			Opcode:             int(m.Opcode & 0xF),
			Authoritative:      m.Authoritative,
			Truncated:          m.Truncated,
			RecursionDesired:   m.RecursionDesired,
			RecursionAvailable: m.RecursionAvailable,
			Rcode:              int(m.RCode & 0xF),
		},
		Compress: compress,
	}
	for _, q := range m.Questions {
		class := uint16(q.Class)
		if q.Unicast {
			class |= topClassBit
		}
		msg.Question = append(msg.Question, dns.Question{Name: q.Name.String(), Qtype: uint16(q.Type), Qclass: class})
	}
	sections := []*[]dns.RR{&msg.Answer, &msg.Ns, &msg.Extra}
	for i, recs := range [][]*Record{m.Answers, m.Authorities, m.Additionals} {
		for _, r := range recs {
			if err := checkRecord(r); err != nil {
				return nil, fmt.Errorf("packing %v: %w", r.Name, err)
			}
			*sections[i] = append(*sections[i], toRR(r))
		}
	}
	return msg.Pack()
}

// Rejects records that miekg/dns would pack silently into something else.
func checkRecord(r *Record) error {
	switch d := r.Data.(type) {
	case nil:
		return errors.New("record without data")
	case A:
		if !d.Addr.Unmap().Is4() {
			return fmt.Errorf("not an ipv4 addr: %v", d.Addr)
		}
	case AAAA:
		if !d.Addr.Is6() {
			return fmt.Errorf("not an ipv6 addr: %v", d.Addr)
		}
	case TXT:
		for _, s := range d.Text {
			if err := checkCharString(s); err != nil {
				return err
			}
		}
	case HINFO:
		if err := checkCharString(d.CPU); err != nil {
			return err
		}
		return checkCharString(d.OS)
	}
	return nil
}

func checkCharString(s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("character string exceeds 255 bytes: [%.16s...]", s)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) uint32 {
	s := ttl / time.Second
	if s < 0 {
		return 0
	}
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

// Decodes a message from wire format. Errors wrap ErrMalformedMessage.
//
// RFC 6762 Section 18.3: messages with a non-zero opcode must be silently ignored, which is
// reported as an error here.
func Unpack(b []byte) (*Message, error) {
	if len(b) < headerLen {
		return nil, malformed("short header: %d bytes", len(b))
	}
	u := &unpacker{msg: b}
	m := new(Message)
	m.ID, _ = u.u16()
	flags, _ := u.u16()
	m.setFlags(flags)
	if m.Opcode != 0 {
		return nil, malformed("unsupported opcode %d", m.Opcode)
	}
	var counts [4]int
	for i := range counts {
		c, _ := u.u16()
		counts[i] = int(c)
	}

	for i := 0; i < counts[0]; i++ {
		q, err := u.question()
		if err != nil {
			return nil, err
		}
		m.Questions = append(m.Questions, q)
	}
	sections := []*[]*Record{&m.Answers, &m.Authorities, &m.Additionals}
	for i, section := range sections {
		for j := 0; j < counts[i+1]; j++ {
			r, err := u.record()
			if err != nil {
				return nil, err
			}
			*section = append(*section, r)
		}
	}
	return m, nil
}

type unpacker struct {
	msg []byte
	off int
}

func (u *unpacker) u16() (uint16, error) {
	if u.off+2 > len(u.msg) {
		return 0, malformed("truncated at offset %d", u.off)
	}
	v := binary.BigEndian.Uint16(u.msg[u.off:])
	u.off += 2
	return v, nil
}

func (u *unpacker) u32() (uint32, error) {
	if u.off+4 > len(u.msg) {
		return 0, malformed("truncated at offset %d", u.off)
	}
	v := binary.BigEndian.Uint32(u.msg[u.off:])
	u.off += 4
	return v, nil
}

func (u *unpacker) name() (Name, error) {
	n, next, err := readName(u.msg, u.off)
	if err != nil {
		return Name{}, err
	}
	u.off = next
	return n, nil
}

func (u *unpacker) charString() (string, error) {
	if u.off >= len(u.msg) {
		return "", malformed("truncated character string at offset %d", u.off)
	}
	l := int(u.msg[u.off])
	if u.off+1+l > len(u.msg) {
		return "", malformed("character string exceeds rdata at offset %d", u.off)
	}
	s := string(u.msg[u.off+1 : u.off+1+l])
	u.off += 1 + l
	return s, nil
}

// Reads a possibly compressed name at off. Returns the name and the offset following it in the
// original position. Every compression pointer must point strictly before itself, which
// guarantees termination.
func readName(msg []byte, off int) (Name, int, error) {
	var (
		labels []string
		wire   = 1
		next   = -1
		pos    = off
	)
	for {
		if pos >= len(msg) {
			return Name{}, 0, malformed("name truncated at offset %d", pos)
		}
		c := int(msg[pos])
		switch c & pointerMask {
		case 0x00:
			if c == 0 {
				if next < 0 {
					next = pos + 1
				}
				return Name{labels}, next, nil
			}
			if pos+1+c > len(msg) {
				return Name{}, 0, malformed("label exceeds message at offset %d", pos)
			}
			wire += c + 1
			if wire > maxNameLen {
				return Name{}, 0, malformed("name exceeds %d bytes", maxNameLen)
			}
			labels = append(labels, string(msg[pos+1:pos+1+c]))
			pos += 1 + c
		case pointerMask:
			if pos+1 >= len(msg) {
				return Name{}, 0, malformed("pointer truncated at offset %d", pos)
			}
			ptr := (c&^pointerMask)<<8 | int(msg[pos+1])
			if ptr >= pos {
				return Name{}, 0, malformed("pointer at offset %d to %d does not point backwards", pos, ptr)
			}
			if next < 0 {
				next = pos + 2
			}
			pos = ptr
		default:
			return Name{}, 0, malformed("bad label length %#x at offset %d", c, pos)
		}
	}
}

func (u *unpacker) question() (q Question, err error) {
	if q.Name, err = u.name(); err != nil {
		return
	}
	t, err := u.u16()
	if err != nil {
		return
	}
	class, err := u.u16()
	if err != nil {
		return
	}
	q.Type = RRType(t)
	q.Class = Class(class &^ topClassBit)
	q.Unicast = class&topClassBit != 0
	return
}

func (u *unpacker) record() (*Record, error) {
	name, err := u.name()
	if err != nil {
		return nil, err
	}
	t, err := u.u16()
	if err != nil {
		return nil, err
	}
	class, err := u.u16()
	if err != nil {
		return nil, err
	}
	ttl, err := u.u32()
	if err != nil {
		return nil, err
	}
	rdlen, err := u.u16()
	if err != nil {
		return nil, err
	}
	end := u.off + int(rdlen)
	if end > len(u.msg) {
		return nil, malformed("rdata of %v exceeds message by %d bytes", name, end-len(u.msg))
	}
	data, err := unpackRData(RRType(t), u.msg[:end], u.off)
	if err != nil {
		return nil, fmt.Errorf("%v %v: %w", name, RRType(t), err)
	}
	u.off = end
	return &Record{
		Name:       name,
		Class:      Class(class &^ topClassBit),
		CacheFlush: class&topClassBit != 0,
		TTL:        time.Duration(ttl) * time.Second,
		Data:       data,
	}, nil
}

// Decodes rdata in msg[off:]. The slice ends where the rdata ends, but starts at the beginning of
// the message so that compressed names can be resolved.
func unpackRData(t RRType, msg []byte, off int) (RData, error) {
	u := &unpacker{msg: msg, off: off}
	var (
		data RData
		err  error
	)
	switch t {
	case TypeA:
		if len(msg)-off != 4 {
			return nil, malformed("A rdata length %d", len(msg)-off)
		}
		data = A{netip.AddrFrom4([4]byte(msg[off:]))}
		u.off = len(msg)
	case TypeAAAA:
		if len(msg)-off != 16 {
			return nil, malformed("AAAA rdata length %d", len(msg)-off)
		}
		data = AAAA{netip.AddrFrom16([16]byte(msg[off:]))}
		u.off = len(msg)
	case TypePTR:
		var target Name
		target, err = u.name()
		data = PTR{target}
	case TypeSRV:
		var srv SRV
		u.off += 4 // priority and weight
		if srv.Port, err = u.u16(); err == nil {
			srv.Target, err = u.name()
		}
		data = srv
	case TypeTXT:
		var txt TXT
		for err == nil && u.off < len(msg) {
			var s string
			if s, err = u.charString(); err == nil {
				txt.Text = append(txt.Text, s)
			}
		}
		txt.Text = txt.normalized()
		data = txt
	case TypeHINFO:
		var hinfo HINFO
		if hinfo.CPU, err = u.charString(); err == nil {
			hinfo.OS, err = u.charString()
		}
		data = hinfo
	default:
		data = Unknown{T: t, Raw: slices.Clone(msg[off:])}
		u.off = len(msg)
	}
	if err != nil {
		return nil, err
	}
	if u.off != len(msg) {
		return nil, malformed("rdata length mismatch")
	}
	return data, nil
}
