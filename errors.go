package mdns

import (
	"errors"
	"fmt"
)

var (
	// A datagram could not be decoded. The receiver drops such datagrams.
	ErrMalformedMessage = errors.New("malformed message")

	// Another host asserts different data for a name that is claimed locally.
	ErrNameConflict = errors.New("name conflict")

	// A claim failed before it was announced, e.g. because the transport is unusable or the
	// name could not be disambiguated.
	ErrRegistrationFailed = errors.New("registration failed")

	// The caller's deadline elapsed before a satisfying answer arrived.
	ErrQueryTimeout = errors.New("query timeout")

	// Sending or receiving on the transport failed.
	ErrTransport = errors.New("transport error")

	// The client is closed.
	ErrClosed = errors.New("client closed")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
