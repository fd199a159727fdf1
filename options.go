package mdns

import (
	"errors"
	"log/slog"
	"net"
	"time"
)

type browse struct {
	types []*Type
	cb    func(ServiceEvent)
}

// Options for a Client
type Options struct {
	logger *slog.Logger

	browse   *browse
	publish  *Service
	listener ClaimListener

	transport Transport
	ifacesFn  func() ([]net.Interface, error)
	network   string
	expiry    time.Duration
	timing    timing
}

// Returns a new options with default values. Remember to call `Open` at the end to create a client.
func New() *Options {
	return &Options{
		logger:   slog.Default(),
		network:  "udp",
		ifacesFn: net.Interfaces,
		timing:   defaultTiming,
	}
}

// Checks that the options are sound.
func (o *Options) Validate() error {
	var errs []error
	if o.browse != nil {
		if len(o.browse.types) == 0 {
			return errors.New("no browse types were provided")
		}
		for _, ty := range o.browse.types {
			errs = append(errs, ty.Validate())
			if len(ty.Subtypes) > 1 {
				errs = append(errs, errors.New("too many subtypes for browsing"))
			}
		}
	}
	if o.publish != nil {
		errs = append(errs, o.publish.Validate())
	}
	switch o.network {
	case "udp", "udp4", "udp6":
	default:
		errs = append(errs, errors.New("network must be udp, udp4 or udp6"))
	}
	if o.expiry < 0 {
		errs = append(errs, errors.New("negative expiry"))
	}
	return errors.Join(errs...)
}

// Publish a service of a given type. Name, port and hostname are required.
// Addrs are determined dynamically based on network interfaces, but can be overriden.
//
// The service is probed for and announced in the background. If the name is taken, the service
// is renamed and the listener (optional) is notified.
func (o *Options) Publish(svc *Service, l ...ClaimListener) *Options {
	o.publish = svc
	if len(l) > 0 {
		o.listener = l[0]
	}
	return o
}

// Browse for services of the given type(s). The callback is invoked on changes.
//
// A type may have at most one subtype, in order to narrow the search.
func (o *Options) Browse(cb func(ServiceEvent), types ...*Type) *Options {
	o.browse = &browse{
		types: types,
		cb:    cb,
	}
	return o
}

// While browsing, override received TTL (normally 120s) with a custom duration. A low value,
// like 30s, can help detect stale services faster, but results in more frequent "live-check"
// queries. Conversely, a higher value can keep services "around" that tend to be a bit
// unresponsive. Services that unannounce themselves are always removed immediately.
func (o *Options) Expiry(age time.Duration) *Options {
	o.expiry = age
	return o
}

// Change the network to use "udp" (default), "udp4" or "udp6". This will affect self-announced
// addresses, but those received from others can still be either type.
func (o *Options) Network(network string) *Options {
	o.network = network
	return o
}

// Attach a custom logger. The default is `slog.Default()`.
func (o *Options) Logger(l *slog.Logger) *Options {
	o.logger = l
	return o
}

// Use custom network interfaces. The default is `net.Interfaces`.
func (o *Options) Interfaces(fn func() ([]net.Interface, error)) *Options {
	o.ifacesFn = fn
	return o
}

// Use a custom transport instead of UDP multicast sockets. Network and interface options are
// ignored. The client closes the transport when it is closed.
func (o *Options) Transport(t Transport) *Options {
	o.transport = t
	return o
}

// Open a client with the current options. An error is returned if the options are invalid or
// there's an issue opening the socket.
func (o *Options) Open() (*Client, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	c, err := newClient(o)
	if err != nil {
		return nil, err
	}
	if o.browse != nil {
		for _, ty := range o.browse.types {
			b, err := c.BrowseServices(ty, o.browse.cb)
			if err != nil {
				return nil, errors.Join(err, c.Close())
			}
			c.browsers = append(c.browsers, b)
		}
	}
	if o.publish != nil {
		if _, err := c.startPublish(o.publish, o.listener); err != nil {
			return nil, errors.Join(err, c.Close())
		}
	}
	return c, nil
}
