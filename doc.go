// Package mdns is a pure Golang library for Multicast DNS and DNS-based Service Discovery on the
// local network. It is compatible with Avahi, Bonjour, etc.
//
// It implements:
//
// - RFC 6762: Multicast DNS (mDNS), including probing, announcing and conflict resolution
// - RFC 6763: DNS Service Discovery (DNS-SD)
//
// A Client caches received records, answers questions for the names it has claimed, and repeats
// queries with exponential backoff until they are canceled. The DNS-SD layer assembles services
// from PTR, SRV, TXT and address records.
package mdns
