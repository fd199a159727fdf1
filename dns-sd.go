package mdns

// This file implements DNS Service Discovery from RFC 6763

// instance: any < 63 characters
// service: dot-separated identifier, e.g. `_http._tcp` (must be `_tcp` or `_udp`)
// domain: typically `local`, but may in theory be an FQDN, e.g. `example.org`
// subtype: optional service sub-type, e.g. `_printer`
// hostname: hostname of a device, e.g. `Bryans-PC.local`
//
// Names used in mDNS:
//
// target: <instance> . <service> . <domain>, e.g. `Bryan's Service._http._tcp.local`
// query: <service> . <domain>, e.g. `_http._tcp.local`
// sub-query: <subtype> . `_sub` . <service> . <domain>, e.g. `_printer._sub._http._tcp.local`
// meta-query: `_services._dns-sd._udp.local`

// We implement the following PTR queries:
//
// PTR <query>       ->  <target>               // Service enumeration
// PTR <sub-query>   ->  <target>               // Service enumeration restricted to a subtype
// PTR <meta-query>  ->  <service> . <domain>   // Meta-service enumeration
//
// The PTR target refers to the SRV and TXT records:
//
// SRV <target>:
//   Hostname: <hostname>
//   Port: <...>
//
// TXT <target>: (note this is included as an empty list even if no txt is provided)
//   Txt: <txt>
//
// And finally, the SRV refers to the A and AAAA records:
//
// A <hostname>:
//   A: <ipv4>
//
// AAAA <hostname>:
//   AAAA: <ipv6>
//
// All of the "referred" records are added to the answer's additional section.

// Each DNS packet is considered separately. Multiple questions are allowed and are all answered
// within a single response packet per destination. The response packet has no questions.
// Questions without answers are ignored.

import "net/netip"

// Returns true if the answer is in the known-answer list, and has more than 1/2 ttl remaining.
//
// RFC6762 7.1. Known-Answer Suppression.
func isKnownAnswer(answer *Record, knowns []*Record) bool {
	for _, known := range knowns {
		if answer.SameData(known) && known.TTL >= answer.TTL/2 {
			return true
		}
	}
	return false
}

// Returns the answers to a question and a known-answer list
func answerTo(records, knowns []*Record, question Question) (answers []*Record) {
	for _, record := range records {
		if question.Matches(record) && !isKnownAnswer(record, knowns) {
			answers = append(answers, record)
		}
	}
	return
}

// Returns any records that are considered additional to any answer where:
//
// (1) All SRV and TXT record(s) named in a PTR's rdata and
// (2) All A and AAAA record(s) named in an SRV's rdata.
//
// This is transitive, such that a PTR answer "generates" all other record types. Records that are
// already answers are not repeated.
//
// RFC6762 7.1. DNS Additional Record Generation.
func extraRecords(records, answers []*Record) (extras []*Record) {
	isAnswer := func(record *Record) bool {
		for _, answer := range answers {
			if answer == record {
				return true
			}
		}
		return false
	}
ptrLoop:
	for _, record := range records {
		if t := record.Type(); !(t == TypeSRV || t == TypeTXT) || isAnswer(record) {
			continue
		}
		for _, answer := range answers {
			if ptr, ok := answer.Data.(PTR); ok && ptr.Target.Equal(record.Name) {
				extras = append(extras, record)
				continue ptrLoop
			}
		}
	}
	// Invariant: extras contain SRV and TXT records

	// For transitivity, add the already generated records to the "search set"
	search := append(append([]*Record(nil), answers...), extras...)

srvLoop:
	for _, record := range records {
		if t := record.Type(); !(t == TypeA || t == TypeAAAA) || isAnswer(record) {
			continue
		}
		for _, answer := range search {
			if srv, ok := answer.Data.(SRV); ok && srv.Target.Equal(record.Name) {
				extras = append(extras, record)
				continue srvLoop
			}
		}
	}
	return
}

// Returns the records that publish a service. Names must have been validated.
func recordsFromService(svc *Service, addrs []netip.Addr) (records []*Record) {
	names := responderNames(svc.Type)
	target := svc.instanceName()
	hostname := svc.hostname()

	// Pre-initialize length for efficiency
	records = make([]*Record, 0, len(names)+len(addrs)+3)

	// PTR records
	for _, name := range names {
		records = append(records, &Record{
			Name:  name,
			Class: ClassINET,
			TTL:   defaultTTL,
			Data:  PTR{Target: target},
		})
	}

	// RFC 6763 Section 9: Service Type Enumeration.
	// For this purpose, a special meta-query is defined.  A DNS query for
	// PTR records with the name "_services._dns-sd._udp.<Domain>" yields a
	// set of PTR records, where the rdata of each PTR record is the two-
	// label <Service> name, plus the same domain, e.g., "_http._tcp.<Domain>".
	records = append(records, &Record{
		Name:  metaQueryName(svc.Type.Domain),
		Class: ClassINET,
		TTL:   defaultTTL,
		Data:  PTR{Target: svc.Type.name()},
	})

	records = append(records, &Record{
		Name:       target,
		Class:      ClassINET,
		CacheFlush: true,
		TTL:        hostRecordTTL,
		Data:       SRV{Port: svc.Port, Target: hostname},
	})
	records = append(records, &Record{
		Name:       target,
		Class:      ClassINET,
		CacheFlush: true,
		TTL:        defaultTTL,
		Data:       TXT{Text: svc.Text},
	})

	for _, addr := range addrs {
		var data RData
		if addr = addr.Unmap(); addr.Is4() {
			data = A{Addr: addr}
		} else if addr.Is6() {
			data = AAAA{Addr: addr}
		} else {
			continue
		}
		records = append(records, &Record{
			Name:       hostname,
			Class:      ClassINET,
			CacheFlush: true,
			TTL:        hostRecordTTL,
			Data:       data,
		})
	}
	return
}
