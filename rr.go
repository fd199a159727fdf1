package mdns

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Converts a record to its miekg/dns equivalent, which is used for packing and presentation.
func toRR(r *Record) dns.RR {
	hdr := dns.RR_Header{
		Name:   r.Name.String(),
		Rrtype: uint16(r.Type()),
		Class:  uint16(r.Class),
		Ttl:    ttlSeconds(r.TTL),
	}
	if r.CacheFlush {
		hdr.Class |= topClassBit
	}
	switch d := r.Data.(type) {
	case A:
		return &dns.A{Hdr: hdr, A: d.Addr.Unmap().AsSlice()}
	case AAAA:
		return &dns.AAAA{Hdr: hdr, AAAA: d.Addr.AsSlice()}
	case PTR:
		return &dns.PTR{Hdr: hdr, Ptr: d.Target.String()}
	case SRV:
		return &dns.SRV{Hdr: hdr, Port: d.Port, Target: d.Target.String()}
	case TXT:
		txt := make([]string, 0, len(d.Text))
		for _, s := range d.normalized() {
			txt = append(txt, escapeString(s))
		}
		if len(txt) == 0 {
			txt = []string{""}
		}
		return &dns.TXT{Hdr: hdr, Txt: txt}
	case HINFO:
		return &dns.HINFO{Hdr: hdr, Cpu: escapeString(d.CPU), Os: escapeString(d.OS)}
	case Unknown:
		return &dns.RFC3597{Hdr: hdr, Rdata: hex.EncodeToString(d.Raw)}
	}
	return &dns.RFC3597{Hdr: hdr}
}

// Escapes a character string the way miekg/dns presents them, which is also what it expects
// when packing.
func escapeString(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r < 0x20 || r >= 0x7f || r == '\\' || r == '"' }) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == '\\' || ch == '"':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case ch < 0x20 || ch >= 0x7f:
			fmt.Fprintf(&b, "\\%03d", ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// Root owner name, type, class, TTL and rdata length.
const rootHeaderLen = 1 + 2 + 2 + 4 + 2

// Returns the uncompressed rdata of a record.
func rdata(rec *Record) []byte {
	rr := toRR(rec)
	rr.Header().Name = "."
	buf := make([]byte, dns.Len(rr))
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil || off < rootHeaderLen {
		return nil
	}
	return buf[rootHeaderLen:off]
}
