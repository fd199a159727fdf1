package mdns

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/miekg/dns"
)

// A service type which identifies an application or protocol, e.g. a http server, printer or an IoT
// device.
type Type struct {

	// Service type name, on the form `_my-service._tcp` or `_my-service._udp`
	Name string `json:"type"`

	// Service subtypes, e.g. `_printer`. A service can be published with multiple subtypes.
	// While browsing, a single subtype can be specified to narrow the query.
	// See RFC 6763 Section 7.1.
	Subtypes []string `json:"subtypes"`

	// Domain should be `local`
	Domain string `json:"domain"`
}

func (s *Type) String() string {
	var sub string
	if len(s.Subtypes) > 0 {
		sub = "," + strings.Join(s.Subtypes, ",")
	}
	return fmt.Sprintf("%s.%s%s", s.Name, s.Domain, sub)
}

// Returns a type based on a string on the form `_my-service._tcp` or `_my-service._udp`.
//
// The domain is `local` by default, but can be specified explicitly. Finally, a comma-
// separated list of subtypes can be added at the end. Here is a full example:
//
// `_my-service._tcp.custom.domain,_printer,_sub1,_sub2`
func NewType(typeStr string) *Type {
	typeParts := strings.Split(typeStr, ",")
	ty := &Type{
		Name:     typeParts[0],
		Subtypes: typeParts[1:],
	}
	pathParts := strings.Split(trimDot(typeParts[0]), ".")
	i := min(2, len(pathParts))
	ty.Name = strings.Join(pathParts[0:i], ".")
	ty.Domain = strings.Join(pathParts[i:], ".")
	if ty.Domain == "" {
		ty.Domain = "local"
	}
	return ty
}

// Equality *without* subtypes
func (s *Type) Equal(o *Type) bool {
	return s.Name == o.Name && s.Domain == o.Domain
}

func (s *Type) normalize() {
	s.Name = strings.ToLower(s.Name)
	s.Domain = strings.ToLower(trimDot(s.Domain))
	for i, subtype := range s.Subtypes {
		s.Subtypes[i] = strings.ToLower(subtype)
	}
	slices.Sort(s.Subtypes)
	s.Subtypes = slices.Compact(s.Subtypes)
}

func (s *Type) Validate() error {
	s.normalize()
	if labels, ok := dns.IsDomainName(s.Name); !ok || labels != 2 {
		return fmt.Errorf("invalid service [%s] needs to be dot-separated", s.Name)
	}
	if _, ok := dns.IsDomainName(s.Domain); !ok {
		return fmt.Errorf("invalid domain [%s]", s.Domain)
	}
	for _, subtype := range s.Subtypes {
		// A subtype is a single label, which rules out the root and escaped dots
		if subtype == "" || strings.Contains(subtype, ".") {
			return fmt.Errorf("invalid subtype [%s]", subtype)
		}
		if labels, ok := dns.IsDomainName(subtype); !ok || labels != 1 {
			return fmt.Errorf("invalid subtype [%s]", subtype)
		}
	}
	return nil
}

// The labels of the type and domain, e.g. `_http._tcp.local.`
func (s *Type) name() Name {
	labels := append(strings.Split(s.Name, "."), splitDomain(s.Domain)...)
	name, _ := NewName(labels...)
	return name
}

func splitDomain(domain string) []string {
	if domain = trimDot(domain); domain == "" {
		return nil
	}
	return strings.Split(domain, ".")
}

// Returns the name to query while browsing: the type name, or the subtype name if there is one.
func queryName(ty *Type) Name {
	if len(ty.Subtypes) > 0 {
		return subtypeName(ty, ty.Subtypes[0])
	}
	return ty.name()
}

// RFC 6763 Section 7.1: `<subtype>._sub.<service>.<domain>`
func subtypeName(ty *Type, subtype string) Name {
	labels := append([]string{subtype, "_sub"}, ty.name().Labels()...)
	name, _ := NewName(labels...)
	return name
}

// Names to answer PTR queries for: the type and each of its subtypes.
func responderNames(ty *Type) (names []Name) {
	names = append(names, ty.name())
	for _, sub := range ty.Subtypes {
		names = append(names, subtypeName(ty, sub))
	}
	return
}

// RFC 6763 Section 9: `_services._dns-sd._udp.<domain>`
func metaQueryName(domain string) Name {
	name, _ := NewName(append([]string{"_services", "_dns-sd", "_udp"}, splitDomain(domain)...)...)
	return name
}

// Parses a type from a name such as `_http._tcp.local.`, as found in meta-query answers.
func parseTypeName(name Name) (*Type, error) {
	labels := name.Labels()
	if len(labels) < 3 {
		return nil, fmt.Errorf("invalid type name [%v]", name)
	}
	return &Type{
		Name:   labels[0] + "." + labels[1],
		Domain: strings.Join(labels[2:], "."),
	}, nil
}

// A service provided on the local network. It is reachable at the advertised addresses and port
// number.
type Service struct {
	Type *Type `json:"type"`

	// A name that identifies a service of a given type, e.g. `Office Printer`
	Name string `json:"name"`

	// A non-zero port number
	Port uint16 `json:"port"`

	// Hostname, e.g. `Bryans-Mac.local`
	Hostname string `json:"hostname"`

	// A set of IP addresses
	Addrs []netip.Addr `json:"addrs"`

	// Optional additional data
	Text []string `json:"text"`
}

// Create a new service for publishing. The hostname is generated based on `os.Hostname()`.
// Choose a unique name to avoid conflicts with other services of the same type.
func NewService(ty *Type, name string, port uint16) *Service {
	osHostname, _ := os.Hostname()
	return &Service{
		Type:     ty,
		Name:     name,
		Port:     port,
		Hostname: ensureSuffix(osHostname, ".local"),
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("%v (%v)", s.Name, s.Hostname)
}

func (s *Service) Validate() error {
	if s.Type == nil {
		return errors.New("no type specified")
	}
	if err := s.Type.Validate(); err != nil {
		return err
	}
	if s.Name == "" {
		return errors.New("no name specified")
	}
	if len(s.Name) > maxLabelLen {
		return fmt.Errorf("name [%s] exceeds %d bytes", s.Name, maxLabelLen)
	}
	if s.Hostname == "" {
		return errors.New("no hostname specified")
	}
	if _, err := ParseName(s.Hostname); err != nil {
		return fmt.Errorf("invalid hostname [%s]: %w", s.Hostname, err)
	}
	if s.Port == 0 {
		return errors.New("port is 0")
	}
	return nil
}

// Compares everything but the type.
func (s *Service) Equal(o *Service) bool {
	if s.Name != o.Name || s.Hostname != o.Hostname || s.Port != o.Port ||
		!slices.Equal(s.Text, o.Text) {
		return false
	}
	// Note we're not sorting ("normalizing") addresses, since the order can indicate preference
	return slices.Equal(s.Addrs, o.Addrs)
}

// `<instance>.<service>.<domain>`
func (s *Service) instanceName() Name {
	name, _ := NewName(append([]string{s.Name}, s.Type.name().Labels()...)...)
	return name
}

func (s *Service) hostname() Name {
	name, _ := ParseName(s.Hostname)
	return name
}

// Parses an instance name, e.g. `Office Printer._ipp._tcp.local.`, into a service with a type.
func parseServicePath(name Name) (*Service, error) {
	labels := name.Labels()
	if len(labels) < 4 {
		return nil, fmt.Errorf("invalid service instance name [%v]", name)
	}
	ty, err := parseTypeName(mustName(labels[1:]...))
	if err != nil {
		return nil, err
	}
	return &Service{Type: ty, Name: labels[0]}, nil
}

func mustName(labels ...string) Name {
	name, err := NewName(labels...)
	if err != nil {
		panic(err)
	}
	return name
}
