package mdns

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxLabelLen = 63
	maxNameLen  = 255 // encoded, including length octets and the root label
)

// A Name is a domain name, e.g. `Office Printer._ipp._tcp.local.`, stored as a sequence of raw
// labels. Labels may contain any byte, including dots. Names compare case-insensitively (ASCII)
// and are immutable once constructed. The zero value is the root name.
type Name struct {
	labels []string
}

// Creates a name from raw (unescaped) labels.
func NewName(labels ...string) (Name, error) {
	wire := 1
	for _, l := range labels {
		if len(l) == 0 {
			return Name{}, errors.New("empty label")
		}
		if len(l) > maxLabelLen {
			return Name{}, fmt.Errorf("label [%s] exceeds %d bytes", l, maxLabelLen)
		}
		wire += len(l) + 1
	}
	if wire > maxNameLen {
		return Name{}, fmt.Errorf("name exceeds %d bytes", maxNameLen)
	}
	return Name{labels: append([]string(nil), labels...)}, nil
}

// Parses a name in presentation format, where dots separate labels. A backslash escapes the
// next character, or a byte as three decimal digits, e.g. `\.` or `\032`. The trailing dot is
// optional.
func ParseName(s string) (Name, error) {
	if s == "" || s == "." {
		return Name{}, nil
	}
	var (
		labels []string
		label  []byte
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch ch {
		case '\\':
			if i+3 < len(s) && isDigits(s[i+1:i+4]) {
				n, _ := strconv.Atoi(s[i+1 : i+4])
				if n > 255 {
					return Name{}, fmt.Errorf("invalid escape in [%s]", s)
				}
				label = append(label, byte(n))
				i += 3
			} else if i+1 < len(s) {
				label = append(label, s[i+1])
				i++
			} else {
				return Name{}, fmt.Errorf("trailing backslash in [%s]", s)
			}
		case '.':
			if len(label) == 0 {
				return Name{}, fmt.Errorf("empty label in [%s]", s)
			}
			labels = append(labels, string(label))
			label = label[:0]
		default:
			label = append(label, ch)
		}
	}
	if len(label) > 0 {
		labels = append(labels, string(label))
	}
	return NewName(labels...)
}

// Like ParseName but panics on error. Intended for constants and tests.
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Returns a copy of the raw labels.
func (n Name) Labels() []string {
	return append([]string(nil), n.labels...)
}

func (n Name) IsRoot() bool {
	return len(n.labels) == 0
}

// The first (leftmost) label, or "" for the root.
func (n Name) First() string {
	if n.IsRoot() {
		return ""
	}
	return n.labels[0]
}

// Presentation format with a trailing dot.
func (n Name) String() string {
	if n.IsRoot() {
		return "."
	}
	var b strings.Builder
	for _, l := range n.labels {
		escapeLabel(&b, l)
		b.WriteByte('.')
	}
	return b.String()
}

func escapeLabel(b *strings.Builder, l string) {
	for i := 0; i < len(l); i++ {
		ch := l[i]
		switch {
		case ch == '.' || ch == '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case ch < 0x20 || ch == 0x7f:
			fmt.Fprintf(b, "\\%03d", ch)
		default:
			b.WriteByte(ch)
		}
	}
}

func (n Name) Equal(o Name) bool {
	if len(n.labels) != len(o.labels) {
		return false
	}
	for i := range n.labels {
		if !equalFold(n.labels[i], o.labels[i]) {
			return false
		}
	}
	return true
}

// Returns true if o is a suffix of n (or equal to it).
func (n Name) HasSuffix(o Name) bool {
	if len(o.labels) > len(n.labels) {
		return false
	}
	return Name{n.labels[len(n.labels)-len(o.labels):]}.Equal(o)
}

// Case-folded form, used as map key.
func (n Name) key() string {
	return asciiLower(n.String())
}

// Encoded length, including the root label.
func (n Name) wireLen() int {
	l := 1
	for _, label := range n.labels {
		l += len(label) + 1
	}
	return l
}

// Returns a copy with the first label replaced.
func (n Name) withFirst(label string) (Name, error) {
	if n.IsRoot() {
		return Name{}, errors.New("root name has no labels")
	}
	labels := n.Labels()
	labels[0] = label
	return NewName(labels...)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lowerByte(a[i]) != lowerByte(b[i]) {
			return false
		}
	}
	return true
}

func lowerByte(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func asciiLower(s string) string {
	b := []byte(s)
	for i := range b {
		b[i] = lowerByte(b[i])
	}
	return string(b)
}

// RFC 6762 Section 9: upon conflict, a new name is chosen. Service instances get a numeric suffix
// in parentheses, `printer` -> `printer (2)` -> `printer (3)`, while host names use a dash,
// `host` -> `host-2`, since parentheses and spaces are not valid in host names.
var (
	reInstanceSuffix = regexp.MustCompile(`^(.*) \(([0-9]+)\)$`)
	reHostSuffix     = regexp.MustCompile(`^(.*)-([0-9]+)$`)
)

// Splits a label into its base and the next suffix number to try.
func splitSuffix(label string, host bool) (base string, next int) {
	re := reInstanceSuffix
	if host {
		re = reHostSuffix
	}
	if m := re.FindStringSubmatch(label); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil && n >= 2 {
			return m[1], n + 1
		}
	}
	return label, 2
}

// Formats a disambiguated label, truncating the base at a rune boundary if the result would
// exceed the label length limit.
func formatSuffix(base string, n int, host bool) string {
	suffix := fmt.Sprintf(" (%d)", n)
	if host {
		suffix = fmt.Sprintf("-%d", n)
	}
	for len(base)+len(suffix) > maxLabelLen {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return base + suffix
}
