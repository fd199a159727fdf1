package mdns

import "time"

const (
	// RFC 6762 Section 8.1: [...] the host should first send three probe queries, 250 ms apart.
	probeCount = 3

	// RFC 6762 Section 8.3: The Multicast DNS responder MUST send at least two unsolicited
	// responses, one second apart.
	announceCount = 2

	// Renames before a claim gives up.
	maxRenames = 10

	// RFC 6762 Section 10: Records referencing a hostname (SRV/A/AAAA) SHOULD use TTL of 120 s,
	// to account for network interface and IP address changes, while others should be 75 min.
	hostRecordTTL = 120 * time.Second
	defaultTTL    = 75 * time.Minute
)

// Protocol timings. Tests shorten these.
type timing struct {
	// Upper bound of the random delay before the first probe.
	probeDelay time.Duration

	probeInterval time.Duration

	// RFC 6762 Section 8.2: A host that loses a simultaneous probe tiebreak waits one second
	// and probes again.
	probeDefer time.Duration

	// Doubles after every announcement.
	announceInterval time.Duration

	// RFC 6762 Section 5.2: [...] the interval between the first two queries MUST be at least one
	// second, the intervals between successive queries MUST increase by at least a factor of two.
	// [...] When the interval between queries reaches or exceeds 60 minutes, a querier MAY cap the
	// interval to a maximum of 60 minutes.
	queryInterval    time.Duration
	maxQueryInterval time.Duration
}

var defaultTiming = timing{
	probeDelay:       250 * time.Millisecond,
	probeInterval:    250 * time.Millisecond,
	probeDefer:       time.Second,
	announceInterval: time.Second,
	queryInterval:    time.Second,
	maxQueryInterval: 60 * time.Minute,
}
